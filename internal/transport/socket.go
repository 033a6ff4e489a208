// Package transport builds the IPv6 UDP sockets the node orchestrator and
// peer engines speak over, with SO_REUSEADDR/SO_REUSEPORT enabled so more
// than one node process can bind the same port on a shared interface (§4.7).
package transport

import (
	"fmt"
	"net"

	"github.com/libp2p/go-reuseport"
)

// Listen opens the node orchestrator's listening socket bound to addr, an
// IPv6-only UDP endpoint.
func Listen(addr *net.UDPAddr) (*net.UDPConn, error) {
	if addr.IP != nil && addr.IP.To4() != nil {
		return nil, fmt.Errorf("transport: %s is not an IPv6 address", addr.IP)
	}
	pc, err := reuseport.ListenPacket("udp6", addr.String())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("transport: listen %s: unexpected conn type %T", addr, pc)
	}
	return conn, nil
}

// Dial opens a connected UDP socket from local to remote, used by a peer
// engine so every subsequent read/write is implicitly filtered to that one
// peer (§4.6).
func Dial(local, remote *net.UDPAddr) (*net.UDPConn, error) {
	laddr := "[::]:0"
	if local != nil {
		laddr = local.String()
	}
	c, err := reuseport.Dial("udp6", laddr, remote.String())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s -> %s: %w", local, remote, err)
	}
	conn, ok := c.(*net.UDPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("transport: dial %s -> %s: unexpected conn type %T", local, remote, c)
	}
	return conn, nil
}
