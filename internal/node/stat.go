package node

import (
	"net"
	"sync"

	"github.com/brineport/mdht/internal/kademlia"
)

// Stat is a point-in-time snapshot of an orchestrator's observable state.
type Stat struct {
	SelfID       kademlia.Id
	LocalAddr    *net.UDPAddr
	RoutingCount int
	RoutingGood  int
	TxPackets    uint64
	RxPackets    uint64
	TxBytes      uint64
	RxBytes      uint64
	LastError    error
}

type statBox struct {
	mu   sync.Mutex
	stat Stat
}

func newStatBox(self kademlia.Id, local *net.UDPAddr) *statBox {
	return &statBox{stat: Stat{SelfID: self, LocalAddr: local}}
}

func (b *statBox) Snapshot() Stat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stat
}

func (b *statBox) recordSent(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.TxPackets++
	b.stat.TxBytes += uint64(n)
}

func (b *statBox) recordReceived(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.RxPackets++
	b.stat.RxBytes += uint64(n)
}

func (b *statBox) setRouting(count, good int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.RoutingCount = count
	b.stat.RoutingGood = good
}

func (b *statBox) setError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.LastError = err
}
