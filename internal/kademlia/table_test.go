package kademlia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	id     Id
	addr   string
	status Status
	rtt    time.Duration
	hasRTT bool
}

func (f *fakeEntry) ID() Id                              { return f.id }
func (f *fakeEntry) Addr() interface{ String() string }  { return stringer(f.addr) }
func (f *fakeEntry) Status() Status                      { return f.status }
func (f *fakeEntry) RTT() (time.Duration, bool)          { return f.rtt, f.hasRTT }

type stringer string

func (s stringer) String() string { return string(s) }

func newFake(id Id, status Status) *fakeEntry {
	return &fakeEntry{id: id, addr: id.String(), status: status}
}

func TestTableInsertEmptySlot(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	peer := newFake(Random(), StatusGood)
	assert.True(t, tbl.Insert(peer))
	assert.Equal(t, 1, tbl.Count())
}

func TestTableInsertPrecedenceEvictsExpendableBeforeRTT(t *testing.T) {
	self := Random()
	tbl := NewTable(self)

	idx := 10
	for i := 0; i < K; i++ {
		id := RandomInBucket(self, idx)
		status := StatusGood
		if i == 3 {
			status = StatusFail // the one expendable occupant
		}
		e := newFake(id, status)
		e.rtt, e.hasRTT = time.Duration(i+1)*time.Millisecond, true
		require.True(t, tbl.Insert(e))
	}
	require.Equal(t, K, tbl.BucketLen(RandomInBucket(self, idx)))

	newcomer := newFake(RandomInBucket(self, idx), StatusGood)
	newcomer.rtt, newcomer.hasRTT = 999*time.Millisecond, true
	assert.True(t, tbl.Insert(newcomer))
	assert.Equal(t, K, tbl.BucketLen(RandomInBucket(self, idx)))

	_, newcomerPlaced := tbl.Get(newcomer.id)
	assert.True(t, newcomerPlaced)
}

func TestTableInsertDropsWhenFullOfBetterRTT(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	idx := 20

	for i := 0; i < K; i++ {
		e := newFake(RandomInBucket(self, idx), StatusGood)
		e.rtt, e.hasRTT = 1*time.Millisecond, true
		require.True(t, tbl.Insert(e))
	}

	newcomer := newFake(RandomInBucket(self, idx), StatusGood)
	newcomer.rtt, newcomer.hasRTT = 500*time.Millisecond, true
	assert.False(t, tbl.Insert(newcomer))
	assert.Equal(t, K, tbl.Count())
}

func TestTableInsertReplacesWorseRTT(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	idx := 30

	var worst *fakeEntry
	for i := 0; i < K; i++ {
		e := newFake(RandomInBucket(self, idx), StatusGood)
		e.rtt, e.hasRTT = time.Duration(i+1)*time.Millisecond, true
		if i == K-1 {
			worst = e
		}
		require.True(t, tbl.Insert(e))
	}

	newcomer := newFake(RandomInBucket(self, idx), StatusGood)
	newcomer.rtt, newcomer.hasRTT = 1*time.Microsecond, true
	assert.True(t, tbl.Insert(newcomer))

	_, stillThere := tbl.Get(worst.id)
	assert.False(t, stillThere)
	_, nowThere := tbl.Get(newcomer.id)
	assert.True(t, nowThere)
}

func TestTableRemove(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	peer := newFake(Random(), StatusGood)
	tbl.Insert(peer)
	tbl.Remove(peer.id)
	_, ok := tbl.Get(peer.id)
	assert.False(t, ok)
}

func TestTableClosestNWalksOutwardThenBack(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	target := Random()
	targetIdx := tbl.bucketIndex(target)

	var farther Id
	for {
		farther = RandomInBucket(self, minInt(targetIdx+2, NumBuckets-1))
		if tbl.bucketIndex(farther) > targetIdx {
			break
		}
	}
	tbl.Insert(newFake(farther, StatusGood))

	out := tbl.ClosestN(target, 1)
	require.Len(t, out, 1)
	assert.Equal(t, farther, out[0].ID())
}

func TestTableClosestNSkipsNonGood(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	target := Random()

	bad := newFake(RandomInBucket(self, tbl.bucketIndex(target)), StatusFail)
	tbl.Insert(bad)

	out := tbl.ClosestN(target, 8)
	assert.Empty(t, out)
}

func TestTableHasAddr(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	peer := newFake(Random(), StatusGood)
	tbl.Insert(peer)
	assert.True(t, tbl.HasAddr(peer.id, peer.addr))
	assert.False(t, tbl.HasAddr(peer.id, "nonexistent"))
}

func TestTableCountGood(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	tbl.Insert(newFake(Random(), StatusGood))
	tbl.Insert(newFake(Random(), StatusFail))
	assert.Equal(t, 1, tbl.CountGood())
	assert.Equal(t, 2, tbl.Count())
}

func TestTableRandomEmpty(t *testing.T) {
	tbl := NewTable(Random())
	_, ok := tbl.Random()
	assert.False(t, ok)
}

func TestTablePeerAddedRemovedHooks(t *testing.T) {
	self := Random()
	tbl := NewTable(self)
	var added, removed int
	tbl.PeerAdded = func(Entry) { added++ }
	tbl.PeerRemoved = func(Id) { removed++ }

	peer := newFake(Random(), StatusGood)
	tbl.Insert(peer)
	tbl.Remove(peer.id)

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
