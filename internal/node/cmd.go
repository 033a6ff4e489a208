package node

import (
	"net"

	"github.com/brineport/mdht/internal/kademlia"
)

// Kind discriminates the commands a façade issues to an orchestrator.
type Kind int

const (
	KindSuggest Kind = iota
	KindFindNode
	KindSeed
)

// Cmd is a command accepted on an orchestrator's command channel (§4.7).
type Cmd struct {
	Kind   Kind
	Info   kademlia.Info
	Target kademlia.Id
	Addr   *net.UDPAddr
	Reply  chan []kademlia.Info
}

// SuggestCmd builds a command admitting info as a routing-table candidate.
func SuggestCmd(info kademlia.Info) Cmd {
	return Cmd{Kind: KindSuggest, Info: info}
}

// FindNodeCmd builds a synchronous closest-n lookup command.
func FindNodeCmd(target kademlia.Id) Cmd {
	return Cmd{Kind: KindFindNode, Target: target, Reply: make(chan []kademlia.Info, 1)}
}

// SeedCmd builds a command registering addr as a bootstrap seed.
func SeedCmd(addr *net.UDPAddr) Cmd {
	return Cmd{Kind: KindSeed, Addr: addr}
}
