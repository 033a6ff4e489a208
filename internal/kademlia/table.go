package kademlia

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("table")

// K is the maximum number of occupants per bucket (§3 Routing bucket).
const K = 8

// Entry is anything the routing table can hold a slot for: a handle to a
// peer engine. The table only ever reads liveness/latency through this
// interface — it never owns the underlying connection.
type Entry interface {
	ID() Id
	Addr() interface{ String() string }
	Status() Status
	RTT() (time.Duration, bool)
}

// Table is the 160-bucket Kademlia routing table described in §4.5. Buckets
// are indexed by common-prefix-length with the local id, clamped to
// [0, NumBuckets-1]. All state is guarded by a single RWMutex, in the style
// of the teacher's RoutingTable: refine into per-bucket locks only if
// profiling shows contention.
type Table struct {
	mu      sync.RWMutex
	self    Id
	buckets [NumBuckets]bucket

	// PeerAdded/PeerRemoved are optional observability hooks, fired with
	// the lock released. Both default to no-ops.
	PeerAdded   func(Entry)
	PeerRemoved func(Id)
}

type bucket struct {
	slots [K]Entry
}

// NewTable creates an empty routing table rooted at self.
func NewTable(self Id) *Table {
	return &Table{
		self:        self,
		PeerAdded:   func(Entry) {},
		PeerRemoved: func(Id) {},
	}
}

func (t *Table) bucketIndex(id Id) int {
	cpl := CommonPrefixLen(t.self, id)
	if cpl >= NumBuckets {
		cpl = NumBuckets - 1
	}
	return cpl
}

// Insert tries to place peer into its bucket following the §4.5 precedence:
// an empty slot, else an expendable (Fail/Term) occupant, else an occupant
// with strictly worse RTT, else the newcomer is dropped. Returns true if the
// peer was placed (in either an empty or replaced slot).
func (t *Table) Insert(peer Entry) bool {
	idx := t.bucketIndex(peer.ID())

	t.mu.Lock()
	b := &t.buckets[idx]

	for i, e := range b.slots {
		if e == nil {
			b.slots[i] = peer
			t.mu.Unlock()
			log.Debugf("insert: bucket %d gained %s (empty slot)", idx, peer.ID())
			t.PeerAdded(peer)
			return true
		}
	}

	for i, e := range b.slots {
		if e.Status().IsExpendable() {
			b.slots[i] = peer
			t.mu.Unlock()
			log.Debugf("insert: bucket %d replaced expendable %s with %s", idx, e.ID(), peer.ID())
			t.PeerRemoved(e.ID())
			t.PeerAdded(peer)
			return true
		}
	}

	newRTT, newOK := peer.RTT()
	if newOK {
		worstIdx := -1
		var worstRTT time.Duration
		for i, e := range b.slots {
			rtt, ok := e.RTT()
			if !ok {
				continue
			}
			if rtt > newRTT && (worstIdx == -1 || rtt > worstRTT) {
				worstIdx = i
				worstRTT = rtt
			}
		}
		if worstIdx != -1 {
			old := b.slots[worstIdx]
			b.slots[worstIdx] = peer
			t.mu.Unlock()
			log.Debugf("insert: bucket %d replaced higher-rtt %s with %s", idx, old.ID(), peer.ID())
			t.PeerRemoved(old.ID())
			t.PeerAdded(peer)
			return true
		}
	}

	t.mu.Unlock()
	log.Debugf("insert: bucket %d full of healthy lower-rtt peers, dropping %s", idx, peer.ID())
	return false
}

// Remove nulls the slot matching id in its expected bucket. A missing id is
// not an error.
func (t *Table) Remove(id Id) {
	idx := t.bucketIndex(id)

	t.mu.Lock()
	b := &t.buckets[idx]
	for i, e := range b.slots {
		if e != nil && e.ID() == id {
			b.slots[i] = nil
			t.mu.Unlock()
			t.PeerRemoved(id)
			return
		}
	}
	t.mu.Unlock()
}

// Get returns the occupant for id, if present.
func (t *Table) Get(id Id) (Entry, bool) {
	idx := t.bucketIndex(id)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.buckets[idx].slots {
		if e != nil && e.ID() == id {
			return e, true
		}
	}
	return nil, false
}

// HasAddr reports whether addr already occupies a slot in the bucket that id
// would land in — used by admission to avoid double-dialing an endpoint.
func (t *Table) HasAddr(id Id, addr string) bool {
	idx := t.bucketIndex(id)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.buckets[idx].slots {
		if e != nil && e.Addr().String() == addr {
			return true
		}
	}
	return false
}

// BucketLen returns the number of occupied slots in the bucket for id.
func (t *Table) BucketLen(id Id) int {
	idx := t.bucketIndex(id)
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.buckets[idx].slots {
		if e != nil {
			n++
		}
	}
	return n
}

// ClosestN scans buckets starting at cpl(self, target), walking outward
// toward index NumBuckets-1 then back toward 0, returning up to n peers
// whose current status is Good (§4.5).
func (t *Table) ClosestN(target Id, n int) []Entry {
	start := t.bucketIndex(target)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, 0, n)
	appendGood := func(idx int) bool {
		for _, e := range t.buckets[idx].slots {
			if e != nil && e.Status().IsGood() {
				out = append(out, e)
				if len(out) >= n {
					return true
				}
			}
		}
		return false
	}

	for i := start; i < NumBuckets; i++ {
		if appendGood(i) {
			return out
		}
	}
	for i := start - 1; i >= 0; i-- {
		if appendGood(i) {
			return out
		}
	}
	return out
}

// Count returns the total number of occupied slots across all buckets.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		for _, e := range b.slots {
			if e != nil {
				n++
			}
		}
	}
	return n
}

// CountGood returns the number of occupants currently in Good status.
func (t *Table) CountGood() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		for _, e := range b.slots {
			if e != nil && e.Status().IsGood() {
				n++
			}
		}
	}
	return n
}

// All returns every occupied entry across all buckets, in bucket order.
func (t *Table) All() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, NumBuckets)
	for _, b := range t.buckets {
		for _, e := range b.slots {
			if e != nil {
				out = append(out, e)
			}
		}
	}
	return out
}

// Random returns a uniformly random occupied entry, or false if the table
// is empty.
func (t *Table) Random() (Entry, bool) {
	all := t.All()
	if len(all) == 0 {
		return nil, false
	}
	return all[randIntN(len(all))], true
}
