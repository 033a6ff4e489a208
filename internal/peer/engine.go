// Package peer implements the per-(local,remote) communication engine
// (§4.6): a connected-UDP-socket event loop with a ping/pong keepalive,
// exponential reconnect backoff, and a transaction table for matching
// outbound queries to their responses.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/brineport/mdht/internal/kademlia"
	"github.com/brineport/mdht/internal/metrics"
	"github.com/brineport/mdht/internal/transport"
	"github.com/brineport/mdht/internal/wire"
)

var log = logging.Logger("peer")

// ErrNotConnected is returned to any Cmd submitted while the engine is
// between connection attempts.
var ErrNotConnected = errors.New("peer: not connected")

// ErrInitTimeout is the failure reason for a command outstanding when the
// Init-state deadline elapses without any response ever being seen.
var ErrInitTimeout = errors.New("peer: init timeout")

// ErrQueryTimeout is the failure reason for a command whose transaction
// deadline elapsed in Good/Fail status.
var ErrQueryTimeout = errors.New("peer: query timeout")

// QueryError wraps a KRPC error reply (y=e) delivered for one of our
// transactions.
type QueryError struct {
	Code    int64
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("peer: query error %d: %s", e.Code, e.Message)
}

// Backend is the callback surface an engine needs from its owning node
// orchestrator, kept minimal and defined here (not imported from package
// node) to avoid an import cycle — node imports peer, not the reverse.
// Admission (Suggest) is deliberately not part of this surface: per §4.7,
// only the orchestrator's own listening-socket dispatch and its
// background-query completions feed the admission path, not the peer
// engine's query responder.
type Backend interface {
	SelfID() kademlia.Id
	ClosestInfos(target kademlia.Id, n int) []kademlia.Info
}

// Engine is one (local_address, remote_address) communication task.
type Engine struct {
	local   *net.UDPAddr
	remote  kademlia.Info
	backend Backend

	status *statusBox
	stat   *statBox
	trxs   *Transactions
	cmds   chan Cmd
	sendCh chan queuedSend

	metrics    *metrics.Metrics
	metricsKey string

	done chan struct{}
}

// queuedSend is a built response payload waiting to be written from inside
// the central select loop, so every send — including query responses built
// off-loop — passes through the one place that resets the ping timer.
type queuedSend struct {
	payload []byte
}

// New creates an Engine for remote, reachable from local. It does not start
// the event loop; call Run in its own goroutine.
func New(local *net.UDPAddr, remote kademlia.Info, backend Backend) *Engine {
	return &Engine{
		local:   local,
		remote:  remote,
		backend: backend,
		status:  newStatusBox(kademlia.StatusInit),
		stat:    newStatBox(),
		trxs:    NewTransactions(),
		cmds:    make(chan Cmd, 16),
		sendCh:  make(chan queuedSend, 16),
		done:    make(chan struct{}),
	}
}

// kademlia.Entry implementation, so this Engine can sit directly in a
// routing table slot.

func (e *Engine) ID() kademlia.Id { return e.remote.ID }

func (e *Engine) Addr() interface{ String() string } { return e.remote.Addr }

func (e *Engine) Status() kademlia.Status { return e.status.Load() }

func (e *Engine) RTT() (time.Duration, bool) { return e.trxs.CurrentRTT() }

// AttachMetrics wires an optional Prometheus exporter into the engine,
// labeled by the orchestrator's local bind address. Calling this is optional;
// a nil-metrics engine just skips every increment.
func (e *Engine) AttachMetrics(m *metrics.Metrics, localKey string) {
	e.metrics = m
	e.metricsKey = localKey
}

// RemoteInfo returns the (id, address) this engine was created for. Callers
// that hold a kademlia.Entry and know it is backed by an *Engine can recover
// the concrete address through this structural-typed accessor without the
// kademlia package needing to depend on *Engine.
func (e *Engine) RemoteInfo() kademlia.Info { return e.remote }

// Stat returns a point-in-time snapshot for metrics/debug.
func (e *Engine) Stat() Stat { return e.stat.Snapshot() }

// Done is closed once the engine reaches Term.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Submit enqueues a command for the engine loop, or fails immediately with
// ErrNotConnected if the loop has already terminated.
func (e *Engine) Submit(cmd Cmd) {
	select {
	case e.cmds <- cmd:
	case <-e.done:
		cmd.Reply <- Result{Err: ErrNotConnected}
	}
}

// Run drives the engine until ctx is cancelled or the total unresponsiveness
// budget is exceeded. It always ends by transitioning to Term and closing
// Done.
func (e *Engine) Run(ctx context.Context) {
	defer func() {
		e.status.Store(kademlia.StatusTerm)
		e.stat.setStatus(kademlia.StatusTerm)
		if e.metrics != nil {
			e.metrics.PeerEnginesTerminated.Inc()
		}
		close(e.done)
		log.Debugf("engine %s: terminated", e.remote.ID)
	}()

	backoff := NewBackoff()
	var failSince time.Time
	hasFailSince := false

	for {
		conn, err := transport.Dial(e.local, e.remote.Addr)
		if err != nil {
			e.stat.setError(err)
			log.Warnf("engine %s: dial failed: %v", e.remote.ID, err)
			if !e.waitBackoff(ctx, backoff) {
				return
			}
			continue
		}

		termErr := e.runConnected(ctx, conn, backoff, &failSince, &hasFailSince)
		conn.Close()

		if ctx.Err() != nil {
			e.failOutstanding(ErrNotConnected)
			return
		}
		if errors.Is(termErr, errTotalTimeout) {
			e.failOutstanding(termErr)
			return
		}

		e.stat.setError(termErr)
		if !e.waitBackoff(ctx, backoff) {
			return
		}
	}
}

var errTotalTimeout = errors.New("peer: total unresponsiveness budget exceeded")

func (e *Engine) waitBackoff(ctx context.Context, backoff *Backoff) bool {
	e.rejectQueuedCommands()
	select {
	case <-time.After(backoff.Next()):
		return true
	case <-ctx.Done():
		return false
	}
}

// rejectQueuedCommands drains any commands submitted while not connected,
// replying "not connected" per §4.6.
func (e *Engine) rejectQueuedCommands() {
	for {
		select {
		case cmd := <-e.cmds:
			cmd.Reply <- Result{Err: ErrNotConnected}
		default:
			return
		}
	}
}

func (e *Engine) failOutstanding(err error) {
	for {
		_, cmd, ok := e.trxs.TimeoutNext()
		if !ok {
			return
		}
		cmd.Reply <- Result{Err: err}
	}
}

type recvResult struct {
	data []byte
	err  error
}

// runConnected multiplexes the central event loop over ping ticks, socket
// receives, owner commands, transaction timeouts, and cancellation (§4.6,
// §5). It returns the error that ended the connection, or errTotalTimeout
// if the 300s silence budget in Fail status was exceeded.
func (e *Engine) runConnected(ctx context.Context, conn *net.UDPConn, backoff *Backoff, failSince *time.Time, hasFailSince *bool) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvCh := make(chan recvResult, 1)
	go e.readLoop(connCtx, conn, recvCh)

	initTimer := time.NewTimer(InitTimeout)
	defer initTimer.Stop()
	pingTimer := time.NewTimer(PingStartupDelay)
	defer pingTimer.Stop()

	for {
		var trxTimer, budgetTimer *time.Timer
		var trxTimerC, budgetC <-chan time.Time

		if dl, ok := e.trxs.HeadDeadline(); ok {
			d := time.Until(dl)
			if d < 0 {
				d = 0
			}
			trxTimer = time.NewTimer(d)
			trxTimerC = trxTimer.C
		}
		if *hasFailSince {
			d := time.Until(failSince.Add(TotalTimeoutBudget))
			if d < 0 {
				d = 0
			}
			budgetTimer = time.NewTimer(d)
			budgetC = budgetTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(trxTimer)
			stopTimer(budgetTimer)
			return ctx.Err()

		case res := <-recvCh:
			stopTimer(trxTimer)
			stopTimer(budgetTimer)
			if res.err != nil {
				return res.err
			}
			e.stat.recordReceived(len(res.data))
			if e.metrics != nil {
				e.metrics.PeerRxPackets.WithLabelValues(e.metricsKey).Inc()
				e.metrics.PeerRxBytes.WithLabelValues(e.metricsKey).Add(float64(len(res.data)))
			}
			e.handleDatagram(res.data, backoff, initTimer, failSince, hasFailSince)

		case cmd := <-e.cmds:
			stopTimer(trxTimer)
			stopTimer(budgetTimer)
			e.handleCommand(conn, cmd)
			pingTimer.Reset(PingInterval)

		case qs := <-e.sendCh:
			stopTimer(trxTimer)
			stopTimer(budgetTimer)
			e.send(conn, qs.payload)
			pingTimer.Reset(PingInterval)

		case <-pingTimer.C:
			stopTimer(trxTimer)
			stopTimer(budgetTimer)
			e.sendPing(conn)
			pingTimer.Reset(PingInterval)

		case <-trxTimerC:
			stopTimer(budgetTimer)
			e.handleTransactionTimeout(initTimer, failSince, hasFailSince)

		case <-initTimer.C:
			stopTimer(trxTimer)
			stopTimer(budgetTimer)
			if e.status.Load() == kademlia.StatusInit {
				e.transitionToFail(failSince, hasFailSince)
				e.failOutstanding(ErrInitTimeout)
				log.Warnf("engine %s: init timeout", e.remote.ID)
			}

		case <-budgetC:
			stopTimer(trxTimer)
			return errTotalTimeout
		}
	}
}

func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (e *Engine) readLoop(ctx context.Context, conn *net.UDPConn, out chan<- recvResult) {
	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case out <- recvResult{err: err}:
			case <-ctx.Done():
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- recvResult{data: cp}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) transitionToFail(failSince *time.Time, hasFailSince *bool) {
	e.status.Store(kademlia.StatusFail)
	e.stat.setStatus(kademlia.StatusFail)
	if !*hasFailSince {
		*failSince = time.Now()
		*hasFailSince = true
	}
}

func (e *Engine) transitionToGood(backoff *Backoff) {
	e.status.Store(kademlia.StatusGood)
	e.stat.setStatus(kademlia.StatusGood)
	backoff.Reset()
}

func (e *Engine) handleTransactionTimeout(initTimer *time.Timer, failSince *time.Time, hasFailSince *bool) {
	_, cmd, ok := e.trxs.TimeoutNext()
	if !ok {
		return
	}
	wasInit := e.status.Load() == kademlia.StatusInit
	e.transitionToFail(failSince, hasFailSince)
	if wasInit {
		cmd.Reply <- Result{Err: ErrInitTimeout}
	} else {
		cmd.Reply <- Result{Err: ErrQueryTimeout}
	}
}

func (e *Engine) handleCommand(conn *net.UDPConn, cmd Cmd) {
	txid := e.trxs.Start(cmd)
	var payload []byte
	switch cmd.Method {
	case MethodPing:
		payload = wire.PingQuery(wire.Uint64ToTxid(txid), e.backend.SelfID())
	case MethodFindNode:
		payload = wire.FindNodeQuery(wire.Uint64ToTxid(txid), e.backend.SelfID(), cmd.Target)
	default:
		if _, c, ok := e.trxs.Resolve(txid); ok {
			c.Reply <- Result{Err: fmt.Errorf("peer: unknown command method %d", cmd.Method)}
		}
		return
	}
	e.send(conn, payload)
}

func (e *Engine) sendPing(conn *net.UDPConn) {
	txid := e.trxs.Start(NewPing())
	payload := wire.PingQuery(wire.Uint64ToTxid(txid), e.backend.SelfID())
	e.send(conn, payload)
}

func (e *Engine) send(conn *net.UDPConn, payload []byte) {
	n, err := conn.Write(payload)
	if err != nil {
		e.stat.setError(err)
		log.Warnf("engine %s: write failed: %v", e.remote.ID, err)
		return
	}
	e.stat.recordSent(n)
	if e.metrics != nil {
		e.metrics.PeerTxPackets.WithLabelValues(e.metricsKey).Inc()
		e.metrics.PeerTxBytes.WithLabelValues(e.metricsKey).Add(float64(n))
	}
}

func (e *Engine) handleDatagram(data []byte, backoff *Backoff, initTimer *time.Timer, failSince *time.Time, hasFailSince *bool) {
	msg, err := wire.Parse(data, MaxBencodeAllocs)
	if err != nil {
		log.Warnf("engine %s: invalid datagram: %v", e.remote.ID, err)
		return
	}
	if msg.HasVer {
		e.stat.setVersion(msg.Version)
	}

	switch msg.Kind {
	case wire.KindQuery:
		e.handleQuery(msg.Query)
	case wire.KindResponse:
		e.handleResponse(msg.Response, backoff, initTimer, failSince, hasFailSince)
	case wire.KindError:
		e.handleError(msg.Err)
	default:
		log.Warnf("engine %s: unrecognized message kind %q", e.remote.ID, msg.Kind)
	}
}

// handleQuery never writes to the socket itself: every response — the
// synchronous ones built here and the asynchronous find_node/get_peers ones
// built by buildClosest — is enqueued on sendCh and written from inside the
// central select loop in runConnected, so it also resets the ping timer
// (§4.6's "the ping timer is reset after every send").
func (e *Engine) handleQuery(q *wire.Query) {
	if q.ID != e.remote.ID {
		log.Warnf("engine %s: query id mismatch, protocol violation", e.remote.ID)
		var zero time.Time
		has := false
		e.transitionToFail(&zero, &has)
		return
	}

	selfID := e.backend.SelfID()
	switch q.Method {
	case wire.MethodPing:
		e.enqueueSend(wire.PingResponse(q.Txid, selfID))
	case wire.MethodFindNode:
		go e.buildClosest(q.Txid, q.Target, false)
	case wire.MethodGetPeers:
		go e.buildClosest(q.Txid, q.InfoHash, true)
	case wire.MethodAnnouncePeer:
		e.enqueueSend(wire.AnnouncePeerResponse(q.Txid, selfID))
	default:
		e.enqueueSend(wire.ErrorUnknownMethod(q.Txid))
	}
}

func (e *Engine) enqueueSend(payload []byte) {
	e.sendCh <- queuedSend{payload: payload}
}

// buildClosest runs the orchestrator routing-table lookup off the engine's
// own goroutine, so a slow backend never blocks the central multiplex
// (§4.6's "response builder task"), then hands the built payload back to
// runConnected's select loop for the actual write.
func (e *Engine) buildClosest(txid []byte, target kademlia.Id, withToken bool) {
	infos := e.backend.ClosestInfos(target, ClosestN)
	nodes6 := wire.EncodeInfos(infos)
	selfID := e.backend.SelfID()
	var payload []byte
	if withToken {
		payload = wire.GetPeersResponse(txid, selfID, wire.TokenPlaceholder, nodes6)
	} else {
		payload = wire.FindNodeResponse(txid, selfID, nodes6)
	}
	e.enqueueSend(payload)
}

func (e *Engine) handleResponse(r *wire.Response, backoff *Backoff, initTimer *time.Timer, failSince *time.Time, hasFailSince *bool) {
	if r.ID != e.remote.ID {
		log.Warnf("engine %s: response id mismatch, protocol violation", e.remote.ID)
		e.transitionToFail(failSince, hasFailSince)
		return
	}
	cmd, ok := e.trxs.Resolve(r.Txid)
	if rtt, hasRTT := e.trxs.CurrentRTT(); hasRTT {
		e.stat.setRTT(rtt)
		if ok && e.metrics != nil {
			e.metrics.TransactionRTT.Observe(rtt.Seconds())
		}
	}
	e.transitionToGood(backoff)
	*hasFailSince = false
	if !initTimer.Stop() {
		select {
		case <-initTimer.C:
		default:
		}
	}
	if !ok {
		return
	}
	infos, err := wire.DecodeInfos(r.Nodes6)
	if err != nil && len(r.Nodes6) > 0 {
		cmd.Reply <- Result{Err: err}
		return
	}
	cmd.Reply <- Result{Infos: infos}
}

func (e *Engine) handleError(er *wire.ErrorReply) {
	cmd, ok := e.trxs.Resolve(er.Txid)
	if !ok {
		return
	}
	cmd.Reply <- Result{Err: &QueryError{Code: er.Code, Message: er.Message}}
}
