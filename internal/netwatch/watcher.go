// Package netwatch observes the stable IPv6 addresses carried by the host's
// network interfaces (§4.8): for each up, non-loopback interface, at most
// one global-unicast and one /64 unique-local address.
package netwatch

import (
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("netwatch")

// PollInterval is how often the interface list is re-scanned.
const PollInterval = 10 * time.Second

// Addr is one (interface, stable IPv6 address) pairing.
type Addr struct {
	Interface string
	IP        net.IP
	Prefix    int
}

func (a Addr) equal(o Addr) bool {
	return a.Interface == o.Interface && a.IP.Equal(o.IP) && a.Prefix == o.Prefix
}

func equalSets(a, b []Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

// Watcher polls the OS interface list on an interval and exposes the
// current stable-address set, notifying consumers only when it changes.
type Watcher struct {
	mu      sync.Mutex
	current []Addr
	changed chan struct{} // closed and replaced each time current changes

	stop chan struct{}
	done chan struct{}
}

// New starts a Watcher polling every PollInterval.
func New() *Watcher {
	w := &Watcher{
		changed: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop ends the polling loop.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// Current returns the most recently observed stable-address set.
func (w *Watcher) Current() []Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Addr, len(w.current))
	copy(out, w.current)
	return out
}

// Changed returns a channel closed the next time the address set changes.
// Callers re-call Changed after each firing to keep watching.
func (w *Watcher) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}

func (w *Watcher) run() {
	defer close(w.done)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) poll() {
	addrs, err := scan()
	if err != nil {
		log.Warnf("netwatch: scan failed: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if equalSets(w.current, addrs) {
		return
	}
	w.current = addrs
	close(w.changed)
	w.changed = make(chan struct{})
}

func scan() ([]Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Debugf("netwatch: %s: %v", iface.Name, err)
			continue
		}

		var haveGUA, haveULA bool
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP
			if ip.To4() != nil {
				continue
			}
			ones, _ := ipnet.Mask.Size()

			if !haveGUA && isGUA(ip) {
				haveGUA = true
				out = append(out, Addr{Interface: iface.Name, IP: ip, Prefix: ones})
			}
			if !haveULA && isULA(ip) && ones == 64 {
				haveULA = true
				out = append(out, Addr{Interface: iface.Name, IP: ip, Prefix: ones})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].IP.String() < out[j].IP.String()
	})
	return out, nil
}

// isGUA reports whether ip is a global unicast IPv6 address: not loopback,
// unspecified, multicast, unique-local, or link-local unicast.
func isGUA(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsMulticast() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast())
}

// isULA reports whether ip is a unique-local IPv6 address (fc00::/7).
func isULA(ip net.IP) bool {
	return ip.IsPrivate()
}
