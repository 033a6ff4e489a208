package peer

import (
	"sync"
	"time"

	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/wire"
)

// Stat is a point-in-time snapshot of an engine's observable state, used by
// metrics export and debug logging. It is a plain value so callers can hold
// it across time without racing the engine that keeps producing new ones.
type Stat struct {
	Status     kademlia.Status
	TxPackets  uint64
	RxPackets  uint64
	TxBytes    uint64
	RxBytes    uint64
	RTT        time.Duration
	HasRTT     bool
	Version    wire.Version
	HasVersion bool
	LastError  error
}

// statBox accumulates the counters behind Stat under a mutex; the engine
// loop is the sole writer, readers (metrics, the façade's observability
// snapshots) only ever see a consistent copy via Snapshot.
type statBox struct {
	mu   sync.Mutex
	stat Stat
}

func newStatBox() *statBox {
	return &statBox{}
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

func (b *statBox) setRTT(rtt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.RTT = rtt
	b.stat.HasRTT = true
}

func (b *statBox) setVersion(v wire.Version) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.Version = v
	b.stat.HasVersion = true
}

func (b *statBox) setStatus(s kademlia.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.Status = s
}

func (b *statBox) setError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stat.LastError = err
}
