package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionsStartAndResolve(t *testing.T) {
	trxs := NewTransactions()
	cmd := NewPing()
	id := trxs.Start(cmd)

	got, ok := trxs.Resolve(id)
	require.True(t, ok)
	assert.Equal(t, cmd.Method, got.Method)
	assert.Equal(t, 0, trxs.Len())
}

func TestTransactionsResolveUnknownTxid(t *testing.T) {
	trxs := NewTransactions()
	_, ok := trxs.Resolve(999)
	assert.False(t, ok)
}

func TestTransactionsFIFOOrder(t *testing.T) {
	trxs := NewTransactions()
	first := trxs.Start(NewPing())
	second := trxs.Start(NewPing())

	id, _, ok := trxs.TimeoutNext()
	require.True(t, ok)
	assert.Equal(t, first, id)

	id, _, ok = trxs.TimeoutNext()
	require.True(t, ok)
	assert.Equal(t, second, id)

	_, _, ok = trxs.TimeoutNext()
	assert.False(t, ok)
}

func TestTransactionsHeadDeadlineUsesDefaultRTTFirst(t *testing.T) {
	trxs := NewTransactions()
	before := time.Now()
	trxs.Start(NewPing())

	deadline, ok := trxs.HeadDeadline()
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(DeadlineFactor*DefaultRTT), deadline, 50*time.Millisecond)
}

func TestTransactionsEmptyHasNoDeadline(t *testing.T) {
	trxs := NewTransactions()
	_, ok := trxs.HeadDeadline()
	assert.False(t, ok)
}

func TestTransactionsRTTEMAConverges(t *testing.T) {
	trxs := NewTransactions()

	id := trxs.Start(NewPing())
	time.Sleep(5 * time.Millisecond)
	trxs.Resolve(id)

	rtt1, hasRTT := trxs.CurrentRTT()
	require.True(t, hasRTT)
	assert.Less(t, rtt1, DefaultRTT)

	id2 := trxs.Start(NewPing())
	time.Sleep(5 * time.Millisecond)
	trxs.Resolve(id2)

	rtt2, _ := trxs.CurrentRTT()
	// EMA of two similar small samples should stay in the same order of
	// magnitude, not snap back to DefaultRTT.
	assert.Less(t, rtt2, DefaultRTT)
}

func TestTransactionsResolveRemovesFromQueueNotJustMap(t *testing.T) {
	trxs := NewTransactions()
	a := trxs.Start(NewPing())
	b := trxs.Start(NewPing())

	trxs.Resolve(a)

	id, _, ok := trxs.TimeoutNext()
	require.True(t, ok)
	assert.Equal(t, b, id)
}
