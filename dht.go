// Package mdht is the DHT façade (§4.9): it subscribes to the interface
// watcher and keeps exactly one node orchestrator running per currently
// present (interface, stable IPv6 address), on the configured port.
package mdht

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/metrics"
	"github.com/brineport/mdht/internal/netwatch"
	"github.com/brineport/mdht/internal/node"
)

var log = logging.Logger("mdht")

// Config configures a DHT instance.
type Config struct {
	SelfID  kademlia.Id
	Port    int
	Seeds   []*net.UDPAddr
	Metrics *metrics.Metrics // optional; nil disables metrics export
}

type orchestratorHandle struct {
	orch   *node.Orchestrator
	cancel context.CancelFunc
}

// DHT is the root façade. It performs no I/O itself; all sockets are owned
// by the node orchestrators it starts and stops.
type DHT struct {
	cfg     Config
	watcher *netwatch.Watcher

	mu      sync.Mutex
	running map[string]*orchestratorHandle // keyed by netwatch.Addr key

	wg sync.WaitGroup
}

// New constructs a DHT; call Run to start it.
func New(cfg Config) *DHT {
	return &DHT{
		cfg:     cfg,
		watcher: netwatch.New(),
		running: make(map[string]*orchestratorHandle),
	}
}

func addrKey(a netwatch.Addr) string {
	return fmt.Sprintf("%s|%s/%d", a.Interface, a.IP, a.Prefix)
}

// Run drives the façade until ctx is cancelled, reconciling the running set
// of node orchestrators against the interface watcher's current address set
// every time it changes.
func (d *DHT) Run(ctx context.Context) error {
	defer d.watcher.Stop()

	if d.cfg.Metrics != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reportMetrics(ctx)
		}()
	}

	for {
		d.reconcile(ctx, d.watcher.Current())

		select {
		case <-d.watcher.Changed():
		case <-ctx.Done():
			d.shutdownAll()
			d.wg.Wait()
			return ctx.Err()
		}
	}
}

func (d *DHT) reconcile(ctx context.Context, addrs []netwatch.Addr) {
	desired := make(map[string]netwatch.Addr, len(addrs))
	for _, a := range addrs {
		desired[addrKey(a)] = a
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, h := range d.running {
		if _, ok := desired[key]; !ok {
			log.Debugf("mdht: address %s gone, stopping orchestrator", key)
			h.cancel()
			delete(d.running, key)
		}
	}

	for key, a := range desired {
		if _, ok := d.running[key]; ok {
			continue
		}
		h, err := d.start(ctx, a)
		if err != nil {
			log.Warnf("mdht: failed to start orchestrator for %s: %v", key, err)
			continue
		}
		d.running[key] = h
	}
}

func (d *DHT) start(parent context.Context, a netwatch.Addr) (*orchestratorHandle, error) {
	local := &net.UDPAddr{IP: a.IP, Port: d.cfg.Port}
	orch, err := node.New(local, d.cfg.SelfID)
	if err != nil {
		return nil, err
	}
	if d.cfg.Metrics != nil {
		orch.AttachMetrics(d.cfg.Metrics)
	}
	if len(d.cfg.Seeds) > 0 {
		orch.SetSeeds(d.cfg.Seeds)
	}

	ctx, cancel := context.WithCancel(parent)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		orch.Run(ctx)
	}()

	log.Infof("mdht: started orchestrator %s on %s", local, a.Interface)
	return &orchestratorHandle{orch: orch, cancel: cancel}, nil
}

func (d *DHT) shutdownAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, h := range d.running {
		h.cancel()
		delete(d.running, key)
	}
}

// Snapshot returns a read-only view of every running orchestrator's stats,
// keyed by "interface|ip/prefix" of the address each one is bound to.
func (d *DHT) Snapshot() map[string]node.Stat {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]node.Stat, len(d.running))
	for key, h := range d.running {
		out[key] = h.orch.Stat()
	}
	return out
}

// Lookup is a supplemented convenience, not a spec.md operation: it asks
// every currently running orchestrator for its closest-n view of target and
// merges the results, without performing any further network round trips.
// It exists to let a caller peek at the union of locally known routing
// state; genuine network discovery still only happens via the refresh
// timer and seed bootstrap (§4.7).
func (d *DHT) Lookup(ctx context.Context, target kademlia.Id) ([]kademlia.Info, error) {
	d.mu.Lock()
	handles := make([]*orchestratorHandle, 0, len(d.running))
	for _, h := range d.running {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	seen := make(map[kademlia.Id]kademlia.Info)
	for _, h := range handles {
		cmd := node.FindNodeCmd(target)
		h.orch.Submit(cmd)
		select {
		case infos := <-cmd.Reply:
			for _, info := range infos {
				seen[info.ID] = info
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	out := make([]kademlia.Info, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return kademlia.Distance(target, out[i].ID) < kademlia.Distance(target, out[j].ID)
	})
	return out, nil
}

func (d *DHT) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			for key, h := range d.running {
				stat := h.orch.Stat()
				d.cfg.Metrics.RoutingTableSize.WithLabelValues(key).Set(float64(stat.RoutingCount))
				d.cfg.Metrics.RoutingTableGoodPeers.WithLabelValues(key).Set(float64(stat.RoutingGood))
			}
			d.mu.Unlock()
		}
	}
}
