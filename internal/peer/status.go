package peer

import (
	"sync/atomic"

	"github.com/brineport/mdht/internal/kademlia"
)

// statusBox is a concurrency-safe holder for an engine's current status, so
// the routing table (reading through the kademlia.Entry interface from
// whichever goroutine calls ClosestN) never races with the engine loop
// (which is the only writer).
type statusBox struct {
	v atomic.Int32
}

func newStatusBox(initial kademlia.Status) *statusBox {
	b := &statusBox{}
	b.v.Store(int32(initial))
	return b
}

func (b *statusBox) Load() kademlia.Status {
	return kademlia.Status(b.v.Load())
}

func (b *statusBox) Store(s kademlia.Status) {
	b.v.Store(int32(s))
}
