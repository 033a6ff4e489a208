package peer

import (
	"sync"
	"time"
)

// trx is one outstanding transaction: the command awaiting a reply and when
// it was started.
type trx struct {
	id      uint64
	created time.Time
	cmd     Cmd
}

// Transactions is the per-peer outstanding-request table (§4.4). Entries are
// dispatched in strict start order: since every entry shares the same
// current RTT estimate, the earliest-created entry always has the earliest
// deadline, so a FIFO queue doubles as a priority queue by deadline.
type Transactions struct {
	mu      sync.Mutex
	nextID  uint64
	queue   []uint64
	entries map[uint64]*trx
	rtt     time.Duration
	hasRTT  bool
}

// NewTransactions returns an empty transaction table.
func NewTransactions() *Transactions {
	return &Transactions{entries: make(map[uint64]*trx)}
}

// Start records cmd under a freshly assigned, monotonically increasing
// txid and returns it.
func (t *Transactions) Start(cmd Cmd) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.entries[id] = &trx{id: id, created: time.Now(), cmd: cmd}
	t.queue = append(t.queue, id)
	return id
}

// Resolve removes and returns the entry for txid, updating the RTT EMA from
// the observed round-trip sample. A missing txid is not an error: ok is
// false and no state changes.
func (t *Transactions) Resolve(txid uint64) (cmd Cmd, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[txid]
	if !found {
		return Cmd{}, false
	}
	delete(t.entries, txid)
	t.removeFromQueue(txid)

	sample := time.Since(e.created)
	if !t.hasRTT {
		t.rtt = sample
		t.hasRTT = true
	} else {
		t.rtt = time.Duration(0.5*float64(t.rtt) + 0.5*float64(sample))
	}
	return e.cmd, true
}

func (t *Transactions) removeFromQueue(txid uint64) {
	for i, id := range t.queue {
		if id == txid {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

// currentRTT returns the current RTT estimate, defaulting to DefaultRTT
// before any sample has been observed. Caller must hold t.mu.
func (t *Transactions) currentRTT() time.Duration {
	if !t.hasRTT {
		return DefaultRTT
	}
	return t.rtt
}

// HeadDeadline returns the deadline of the oldest outstanding transaction,
// or false if the table is empty. An empty table has no deadline, which
// lets a caller wait on it indefinitely in a select alongside other events
// (§4.4).
func (t *Transactions) HeadDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return time.Time{}, false
	}
	head := t.entries[t.queue[0]]
	deadline := head.created.Add(time.Duration(DeadlineFactor * float64(t.currentRTT())))
	return deadline, true
}

// TimeoutNext removes and returns the oldest outstanding transaction,
// unconditionally — the caller is expected to have already waited for
// HeadDeadline to elapse. Returns false if the table is empty (the
// deadline it waited on belonged to an entry some other caller already
// resolved).
func (t *Transactions) TimeoutNext() (txid uint64, cmd Cmd, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return 0, Cmd{}, false
	}
	id := t.queue[0]
	t.queue = t.queue[1:]
	e := t.entries[id]
	delete(t.entries, id)
	return id, e.cmd, true
}

// Len returns the number of outstanding transactions.
func (t *Transactions) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// CurrentRTT returns the current RTT estimate (DefaultRTT if no sample has
// landed yet) and whether it is a real observed sample.
func (t *Transactions) CurrentRTT() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentRTT(), t.hasRTT
}
