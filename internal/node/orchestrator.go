// Package node implements the per-local-address event loop that owns the
// listening UDP socket, the routing table, and the set of peer engines
// (§4.7).
package node

import (
	"context"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"
	"github.com/google/uuid"

	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/metrics"
	"github.com/brineport/mdht/internal/peer"
	"github.com/brineport/mdht/internal/transport"
	"github.com/brineport/mdht/internal/wire"
)

var log = logging.Logger("node")

const (
	refreshBase       = 5 * time.Second
	refreshGoodFactor = 1 * time.Second
	widenThreshold    = 16
)

// remoteInfoer is implemented by *peer.Engine; it lets the orchestrator
// recover the concrete address behind a kademlia.Entry without the
// kademlia package depending on package peer.
type remoteInfoer interface {
	RemoteInfo() kademlia.Info
}

// Orchestrator is one task per local bound address (§4.7).
type Orchestrator struct {
	DiagID uuid.UUID

	self  kademlia.Id
	local *net.UDPAddr
	conn  *net.UDPConn
	table *kademlia.Table
	stat  *statBox

	cmds    chan Cmd
	seedsCh chan []*net.UDPAddr
	termCh  chan *peer.Engine

	metrics *metrics.Metrics

	mu      sync.Mutex
	engines map[string]*peer.Engine // keyed by remote address string
}

// New binds the listening socket for local and returns an idle
// Orchestrator; call Run to start its event loop.
func New(local *net.UDPAddr, self kademlia.Id) (*Orchestrator, error) {
	conn, err := transport.Listen(local)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		DiagID:  uuid.New(),
		self:    self,
		local:   local,
		conn:    conn,
		table:   kademlia.NewTable(self),
		stat:    newStatBox(self, local),
		cmds:    make(chan Cmd, 64),
		seedsCh: make(chan []*net.UDPAddr, 1),
		termCh:  make(chan *peer.Engine, 64),
		engines: make(map[string]*peer.Engine),
	}
	o.table.PeerRemoved = func(id kademlia.Id) {
		log.Debugf("orchestrator %s: table dropped %s", o.local, id)
	}
	return o, nil
}

// AttachMetrics wires an optional Prometheus exporter into the orchestrator
// and every peer engine it subsequently starts. Calling this is optional; a
// nil-metrics orchestrator just skips every increment.
func (o *Orchestrator) AttachMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// peer.Backend implementation, passed to every engine this orchestrator
// starts.

func (o *Orchestrator) SelfID() kademlia.Id { return o.self }

func (o *Orchestrator) ClosestInfos(target kademlia.Id, n int) []kademlia.Info {
	entries := o.table.ClosestN(target, n)
	out := make([]kademlia.Info, 0, len(entries))
	for _, e := range entries {
		if ri, ok := e.(remoteInfoer); ok {
			out = append(out, ri.RemoteInfo())
		}
	}
	return out
}

// Stat returns a point-in-time snapshot for metrics/debug.
func (o *Orchestrator) Stat() Stat {
	o.stat.setRouting(o.table.Count(), o.table.CountGood())
	return o.stat.Snapshot()
}

// Submit enqueues a command; callers outside the orchestrator's own
// goroutine (the façade) use this, never the channel directly.
func (o *Orchestrator) Submit(cmd Cmd) {
	o.cmds <- cmd
}

// SetSeeds replaces the current bootstrap address set, waking the seed
// watcher branch of the event loop (§4.7 item 3).
func (o *Orchestrator) SetSeeds(addrs []*net.UDPAddr) {
	select {
	case o.seedsCh <- addrs:
	default:
		// Replace a pending, not-yet-consumed update rather than block.
		select {
		case <-o.seedsCh:
		default:
		}
		o.seedsCh <- addrs
	}
}

type recvDatagram struct {
	data []byte
	from *net.UDPAddr
	err  error
}

// Run drives the orchestrator's event loop until ctx is cancelled, then
// cancels every peer engine and returns once they have all exited.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.conn.Close()

	recvCh := make(chan recvDatagram, 16)
	go o.readLoop(ctx, recvCh)

	findCh := make(chan []kademlia.Info, 4)
	refreshTimer := time.NewTimer(refreshBase)
	defer refreshTimer.Stop()

	engineCtx, cancelEngines := context.WithCancel(ctx)
	defer cancelEngines()

	for {
		select {
		case <-ctx.Done():
			cancelEngines()
			o.drainTerminations()
			return

		case dg := <-recvCh:
			if dg.err != nil {
				o.stat.setError(dg.err)
				log.Warnf("orchestrator %s: recv error: %v", o.local, dg.err)
				continue
			}
			o.stat.recordReceived(len(dg.data))
			if o.metrics != nil {
				key := o.local.String()
				o.metrics.PeerRxPackets.WithLabelValues(key).Inc()
				o.metrics.PeerRxBytes.WithLabelValues(key).Add(float64(len(dg.data)))
			}
			o.dispatch(engineCtx, dg.data, dg.from)

		case cmd := <-o.cmds:
			o.handleCommand(engineCtx, cmd)

		case addrs := <-o.seedsCh:
			o.seed(addrs)

		case <-refreshTimer.C:
			o.refresh(engineCtx, findCh)
			refreshTimer.Reset(o.refreshInterval())

		case infos := <-findCh:
			for _, info := range infos {
				o.admit(engineCtx, info)
			}

		case e := <-o.termCh:
			o.removeEngine(e)
		}
	}
}

func (o *Orchestrator) drainTerminations() {
	o.mu.Lock()
	engines := make([]*peer.Engine, 0, len(o.engines))
	for _, e := range o.engines {
		engines = append(engines, e)
	}
	o.mu.Unlock()
	for _, e := range engines {
		<-e.Done()
	}
}

func (o *Orchestrator) readLoop(ctx context.Context, out chan<- recvDatagram) {
	buf := make([]byte, 2048)
	for {
		o.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := o.conn.ReadFromUDP(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case out <- recvDatagram{err: err}:
			case <-ctx.Done():
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- recvDatagram{data: cp, from: from}:
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles a datagram arriving on the orchestrator's own listening
// socket: traffic from a remote address not yet admitted into the routing
// table (including seed bootstrap responses, §4.7 item 1 and item 3).
func (o *Orchestrator) dispatch(ctx context.Context, data []byte, from *net.UDPAddr) {
	msg, err := wire.Parse(data, peer.MaxBencodeAllocs)
	if err != nil {
		log.Debugf("orchestrator %s: invalid datagram from %s: %v", o.local, from, err)
		return
	}

	switch msg.Kind {
	case wire.KindQuery:
		o.dispatchQuery(msg.Query, from)
		o.admit(ctx, kademlia.NewInfo(msg.Query.ID, from))
	case wire.KindResponse:
		if len(msg.Response.Nodes6) == 0 {
			return
		}
		infos, err := wire.DecodeInfos(msg.Response.Nodes6)
		if err != nil {
			log.Debugf("orchestrator %s: malformed nodes6 from %s: %v", o.local, from, err)
			return
		}
		for _, info := range infos {
			o.admit(ctx, info)
		}
	case wire.KindError:
		// Untracked at this layer; nothing to resolve.
	}
}

func (o *Orchestrator) dispatchQuery(q *wire.Query, from *net.UDPAddr) {
	var payload []byte
	switch q.Method {
	case wire.MethodPing:
		payload = wire.PingResponse(q.Txid, o.self)
	case wire.MethodFindNode:
		nodes6 := wire.EncodeInfos(o.ClosestInfos(q.Target, peer.ClosestN))
		payload = wire.FindNodeResponse(q.Txid, o.self, nodes6)
	case wire.MethodGetPeers:
		nodes6 := wire.EncodeInfos(o.ClosestInfos(q.InfoHash, peer.ClosestN))
		payload = wire.GetPeersResponse(q.Txid, o.self, wire.TokenPlaceholder, nodes6)
	case wire.MethodAnnouncePeer:
		payload = wire.AnnouncePeerResponse(q.Txid, o.self)
	default:
		payload = wire.ErrorUnknownMethod(q.Txid)
	}
	n, err := o.conn.WriteToUDP(payload, from)
	if err != nil {
		o.stat.setError(err)
		log.Warnf("orchestrator %s: send to %s failed: %v", o.local, from, err)
		return
	}
	o.stat.recordSent(n)
	if o.metrics != nil {
		key := o.local.String()
		o.metrics.PeerTxPackets.WithLabelValues(key).Inc()
		o.metrics.PeerTxBytes.WithLabelValues(key).Add(float64(n))
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, cmd Cmd) {
	switch cmd.Kind {
	case KindSuggest:
		o.admit(ctx, cmd.Info)
	case KindFindNode:
		cmd.Reply <- o.ClosestInfos(cmd.Target, peer.ClosestN)
	case KindSeed:
		o.seed([]*net.UDPAddr{cmd.Addr})
	}
}

// seed sends an untracked find_node probe (txid [0], per §4.7 item 3) to
// each bootstrap address, for a random target id.
func (o *Orchestrator) seed(addrs []*net.UDPAddr) {
	for _, addr := range addrs {
		target := kademlia.Random()
		payload := wire.FindNodeQuery([]byte{0}, o.self, target)
		n, err := o.conn.WriteToUDP(payload, addr)
		if err != nil {
			o.stat.setError(err)
			log.Warnf("orchestrator %s: seed %s failed: %v", o.local, addr, err)
			continue
		}
		o.stat.recordSent(n)
		if o.metrics != nil {
			key := o.local.String()
			o.metrics.PeerTxPackets.WithLabelValues(key).Inc()
			o.metrics.PeerTxBytes.WithLabelValues(key).Add(float64(n))
		}
	}
}

// refresh picks a uniformly random current peer and issues find_node to it
// in the background, delivering the result on findCh (§4.7 item 4/5).
func (o *Orchestrator) refresh(ctx context.Context, findCh chan<- []kademlia.Info) {
	entry, ok := o.table.Random()
	if !ok {
		return
	}
	ri, ok := entry.(remoteInfoer)
	if !ok {
		return
	}
	eng, ok := o.lookupEngineByAddr(ri.RemoteInfo().Addr.String())
	if !ok {
		return
	}

	target := o.self
	if o.table.Count() < widenThreshold {
		target = kademlia.Random()
	}

	go func() {
		cmd := peer.NewFindNode(target)
		eng.Submit(cmd)
		res := <-cmd.Reply
		if res.Err != nil {
			log.Debugf("orchestrator %s: refresh find_node failed: %v", o.local, res.Err)
			return
		}
		select {
		case findCh <- res.Infos:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) refreshInterval() time.Duration {
	good := o.table.CountGood()
	if good == 0 {
		return refreshBase
	}
	return refreshGoodFactor * time.Duration(good)
}

// admit implements §4.7's Suggest rule: reject self/unknown ids, reject if
// already present, else start a peer engine if the bucket has room.
func (o *Orchestrator) admit(ctx context.Context, info kademlia.Info) {
	if info.ID == o.self || info.ID.IsUnknown() {
		return
	}
	if o.table.HasAddr(info.ID, info.Addr.String()) {
		return
	}
	if o.table.BucketLen(info.ID) >= kademlia.K {
		return
	}

	e := peer.New(o.local, info, o)
	if o.metrics != nil {
		e.AttachMetrics(o.metrics, o.local.String())
	}
	if !o.table.Insert(e) {
		return
	}

	o.mu.Lock()
	o.engines[info.Addr.String()] = e
	o.mu.Unlock()

	go func() {
		e.Run(ctx)
		select {
		case o.termCh <- e:
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) removeEngine(e *peer.Engine) {
	o.mu.Lock()
	delete(o.engines, e.Addr().String())
	o.mu.Unlock()
	o.table.Remove(e.ID())
}

func (o *Orchestrator) lookupEngineByAddr(addr string) (*peer.Engine, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.engines[addr]
	return e, ok
}
