package kademlia

import "net"

// Info is a DHT endpoint: the identifier a remote speaker claims plus the
// IPv6 socket address it was reached at. It is a value type: equality is by
// the full (Id, address) tuple.
type Info struct {
	ID   Id
	Addr *net.UDPAddr
}

// NewInfo builds an Info from an id and address.
func NewInfo(id Id, addr *net.UDPAddr) Info {
	return Info{ID: id, Addr: addr}
}

// Equal reports whether two Infos have the same id and address.
func (i Info) Equal(o Info) bool {
	if i.ID != o.ID {
		return false
	}
	if i.Addr == nil || o.Addr == nil {
		return i.Addr == o.Addr
	}
	return i.Addr.IP.Equal(o.Addr.IP) && i.Addr.Port == o.Addr.Port
}
