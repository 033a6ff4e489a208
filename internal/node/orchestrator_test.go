package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/metrics"
	"github.com/brineport/mdht/internal/wire"
)

func newLoopbackOrchestrator(t *testing.T) (*Orchestrator, kademlia.Id) {
	t.Helper()
	self := kademlia.Random()
	orch, err := New(&net.UDPAddr{IP: net.IPv6loopback, Port: 0}, self)
	require.NoError(t, err)
	t.Cleanup(func() { orch.conn.Close() })
	return orch, self
}

func TestOrchestratorRespondsToPingOnOwnSocket(t *testing.T) {
	orch, self := newLoopbackOrchestrator(t)
	localAddr := orch.conn.LocalAddr().(*net.UDPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	caller, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	defer caller.Close()

	callerID := kademlia.Random()
	query := wire.PingQuery([]byte{5}, callerID)
	_, err = caller.WriteToUDP(query, localAddr)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := caller.ReadFromUDP(buf)
	require.NoError(t, err)

	msg, err := wire.Parse(buf[:n], 64)
	require.NoError(t, err)
	require.Equal(t, wire.KindResponse, msg.Kind)
	assert.Equal(t, self, msg.Response.ID)
}

func TestOrchestratorAdmitRejectsSelf(t *testing.T) {
	orch, self := newLoopbackOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.admit(ctx, kademlia.NewInfo(self, &net.UDPAddr{IP: net.IPv6loopback, Port: 4}))
	assert.Equal(t, 0, orch.table.Count())
}

func TestOrchestratorAdmitRejectsUnknownID(t *testing.T) {
	orch, _ := newLoopbackOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.admit(ctx, kademlia.NewInfo(kademlia.Unknown, &net.UDPAddr{IP: net.IPv6loopback, Port: 4}))
	assert.Equal(t, 0, orch.table.Count())
}

func TestOrchestratorAdmitRejectsWhenBucketFull(t *testing.T) {
	orch, self := newLoopbackOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx := 12
	for i := 0; i < kademlia.K; i++ {
		id := kademlia.RandomInBucket(self, idx)
		addr := &net.UDPAddr{IP: net.IPv6loopback, Port: 10000 + i}
		orch.table.Insert(peerEntryStub{id: id, addr: addr, status: kademlia.StatusGood})
	}
	require.Equal(t, kademlia.K, orch.table.Count())

	newcomer := kademlia.NewInfo(kademlia.RandomInBucket(self, idx), &net.UDPAddr{IP: net.IPv6loopback, Port: 20000})
	orch.admit(ctx, newcomer)

	assert.Equal(t, kademlia.K, orch.table.Count())
}

func TestOrchestratorClosestInfosFiltersToRemoteInfoers(t *testing.T) {
	orch, self := newLoopbackOrchestrator(t)

	id := kademlia.RandomInBucket(self, 7)
	addr := &net.UDPAddr{IP: net.IPv6loopback, Port: 7777}
	orch.table.Insert(peerEntryStub{id: id, addr: addr, status: kademlia.StatusGood})

	infos := orch.ClosestInfos(id, 8)
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, addr.Port, infos[0].Addr.Port)
}

func TestOrchestratorAttachMetricsCountsOwnSocketTraffic(t *testing.T) {
	orch, _ := newLoopbackOrchestrator(t)
	localAddr := orch.conn.LocalAddr().(*net.UDPAddr)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	orch.AttachMetrics(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	caller, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	defer caller.Close()

	_, err = caller.WriteToUDP(wire.PingQuery([]byte{1}, kademlia.Random()), localAddr)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = caller.ReadFromUDP(buf)
	require.NoError(t, err)

	key := orch.local.String()
	assert.Greater(t, testutil.ToFloat64(m.PeerRxPackets.WithLabelValues(key)), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.PeerTxPackets.WithLabelValues(key)), 0.0)
}

// peerEntryStub is a minimal kademlia.Entry + remoteInfoer, standing in for
// *peer.Engine in table-level tests that never need a live connection.
type peerEntryStub struct {
	id     kademlia.Id
	addr   *net.UDPAddr
	status kademlia.Status
}

func (s peerEntryStub) ID() kademlia.Id                          { return s.id }
func (s peerEntryStub) Addr() interface{ String() string }       { return s.addr }
func (s peerEntryStub) Status() kademlia.Status                  { return s.status }
func (s peerEntryStub) RTT() (time.Duration, bool)                { return 0, false }
func (s peerEntryStub) RemoteInfo() kademlia.Info                 { return kademlia.NewInfo(s.id, s.addr) }
