package peer

import "github.com/brineport/mdht/internal/kademlia"

// Method identifies which outbound query a Cmd issues (§4.6 "Command
// handling").
type Method int

const (
	MethodPing Method = iota
	MethodFindNode
)

// Cmd is a command accepted from the engine's owner: Ping or
// FindNode(target). Reply receives exactly one Result; it is never closed.
type Cmd struct {
	Method Method
	Target kademlia.Id
	Reply  chan Result
}

// Result is delivered once for every Cmd, either carrying the parsed
// response or an error (init timeout, query timeout, query error, or "not
// connected").
type Result struct {
	Infos []kademlia.Info
	Err   error
}

// NewPing builds a ping Cmd with a buffered one-shot reply channel.
func NewPing() Cmd {
	return Cmd{Method: MethodPing, Reply: make(chan Result, 1)}
}

// NewFindNode builds a find_node Cmd targeting id.
func NewFindNode(target kademlia.Id) Cmd {
	return Cmd{Method: MethodFindNode, Target: target, Reply: make(chan Result, 1)}
}
