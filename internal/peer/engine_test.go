package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/wire"
)

type fakeBackend struct {
	self    kademlia.Id
	closest []kademlia.Info
}

func (b fakeBackend) SelfID() kademlia.Id { return b.self }

func (b fakeBackend) ClosestInfos(kademlia.Id, int) []kademlia.Info { return b.closest }

// listenFakeRemote opens a raw IPv6 loopback socket standing in for the
// other side of the connection, so the engine under test talks to something
// that is not itself a peer.Engine.
func listenFakeRemote(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvQuery(t *testing.T, conn *net.UDPConn) (*wire.Query, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := wire.Parse(buf[:n], MaxBencodeAllocs)
	require.NoError(t, err)
	require.Equal(t, wire.KindQuery, msg.Kind)
	return msg.Query, from
}

func TestEnginePingRoundTripReachesGood(t *testing.T) {
	remoteID := kademlia.Random()
	fake := listenFakeRemote(t)
	remoteAddr := fake.LocalAddr().(*net.UDPAddr)

	eng := New(nil, kademlia.NewInfo(remoteID, remoteAddr), fakeBackend{self: kademlia.Random()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	cmd := NewPing()
	eng.Submit(cmd)

	q, from := recvQuery(t, fake)
	assert.Equal(t, wire.MethodPing, q.Method)

	resp := wire.PingResponse(q.Txid, remoteID)
	_, err := fake.WriteToUDP(resp, from)
	require.NoError(t, err)

	select {
	case res := <-cmd.Reply:
		assert.NoError(t, res.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ping result")
	}

	assert.Eventually(t, func() bool {
		return eng.Status() == kademlia.StatusGood
	}, time.Second, 10*time.Millisecond)
}

func TestEngineRespondsToFindNodeQuery(t *testing.T) {
	remoteID := kademlia.Random()
	fake := listenFakeRemote(t)
	remoteAddr := fake.LocalAddr().(*net.UDPAddr)

	wantInfo := kademlia.NewInfo(kademlia.Random(), &net.UDPAddr{IP: net.ParseIP("2001:db8::9"), Port: 9})
	backend := fakeBackend{self: kademlia.Random(), closest: []kademlia.Info{wantInfo}}
	eng := New(nil, kademlia.NewInfo(remoteID, remoteAddr), backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	// Let the engine establish its connected socket before we address a
	// query at it, by first observing its ping.
	_, from := recvQuery(t, fake)

	target := kademlia.Random()
	query := wire.FindNodeQuery(wire.Uint64ToTxid(123), remoteID, target)
	_, err := fake.WriteToUDP(query, from)
	require.NoError(t, err)

	buf := make([]byte, 2048)
	fake.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := fake.ReadFromUDP(buf)
	require.NoError(t, err)

	msg, err := wire.Parse(buf[:n], MaxBencodeAllocs)
	require.NoError(t, err)
	require.Equal(t, wire.KindResponse, msg.Kind)
	require.NotEmpty(t, msg.Response.Nodes6)

	infos, err := wire.DecodeInfos(msg.Response.Nodes6)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, wantInfo.ID, infos[0].ID)
}

func TestEngineInitTimeoutTransitionsToFail(t *testing.T) {
	remoteID := kademlia.Random()
	fake := listenFakeRemote(t)
	remoteAddr := fake.LocalAddr().(*net.UDPAddr)

	eng := New(nil, kademlia.NewInfo(remoteID, remoteAddr), fakeBackend{self: kademlia.Random()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	// Drain the outbound startup ping but never answer it: the engine stays
	// in Init status until InitTimeout elapses, at which point it gives up
	// waiting and transitions to Fail (its own query's deadline, 3x the
	// default RTT, is longer than InitTimeout so it hasn't fired yet).
	recvQuery(t, fake)

	assert.Eventually(t, func() bool {
		return eng.Status() == kademlia.StatusFail
	}, InitTimeout+5*time.Second, 50*time.Millisecond)
}
