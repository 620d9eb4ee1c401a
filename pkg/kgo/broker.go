package kgo

import (
	"context"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// promisedReq is one queued request waiting to be written to a broker's
// socket, grounded on the teacher's promisedReq in broker.go. noAck marks a
// requireAcks=0 write: handleReqs fires promise as soon as the frame is on
// the wire, skipping the callback queue entirely.
type promisedReq struct {
	ctx     context.Context
	req     kmsg.Request
	promise func(kmsg.Response, error)
	enqueue time.Time
	noAck   bool
}

// BrokerMetadata is the endpoint and identity of one cluster broker, as
// carried in Metadata responses. This mirrors kmsg.MetadataResponseBroker,
// same as the teacher's BrokerMetadata.
type BrokerMetadata struct {
	// NodeID is the broker's node ID. Seed brokers are given very
	// negative IDs via unknownSeedID and are never merged into the real
	// broker set.
	NodeID int32
	Port   int32
	Host   string
	Rack   *string

	_ struct{}
}

var unknownMetadata = BrokerMetadata{NodeID: -1}

func (m BrokerMetadata) equals(other kmsg.MetadataResponseBroker) bool {
	return m.NodeID == other.NodeID &&
		m.Port == other.Port &&
		m.Host == other.Host &&
		(m.Rack == nil && other.Rack == nil ||
			m.Rack != nil && other.Rack != nil && *m.Rack == *other.Rack)
}

func (m BrokerMetadata) addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(int(m.Port)))
}

// unknownControllerID is the sentinel stored in clusterMetadata when no
// controller has been resolved, or the cluster reports none.
const unknownControllerID = -1

// unknownSeedID assigns bootstrap (pre-metadata) endpoints very negative
// node IDs, well clear of any real broker ID, so a BrokerMetadata map never
// confuses a seed for a discovered broker. Kafka itself uses -1 for "no
// controller", so seeds start at MinInt32 instead of -1 downward.
func unknownSeedID(seedNum int) int32 {
	return int32(math.MinInt32 + seedNum)
}

var nextSocketID int64

// brokerCxn is one TCP/TLS socket to one broker endpoint — the
// BrokerConnection of spec.md §3/§4.1. Unlike the teacher's broker+brokerCxn
// split (which keeps one broker struct alive across reconnects, wrapping a
// replaceable cxn), BrokerPool owns reconnection here: each brokerCxn
// instance is exactly one socket generation, discarded for good when it
// dies, with the pool deciding whether and when to open a fresh one. This
// follows spec.md §4.4's "BrokerPool... constructs a new BrokerConnection"
// framing directly.
type brokerCxn struct {
	cl          *Client
	meta        BrokerMetadata
	addr        string
	longpolling bool
	socketID    int64

	conn     net.Conn
	versions apiVersions

	reqs chan promisedReq

	dieMu sync.RWMutex
	dead  int32

	corrID int32 // touched only by the serial handleReqs loop

	waiting int32 // atomic bool: a long-poll request is in flight

	lastActivity int64 // atomic unix nanos

	closing int32 // atomic bool: intentional close, suppress reconnect scheduling
}

func newBrokerCxn(cl *Client, meta BrokerMetadata, addr string, longpolling bool) *brokerCxn {
	return &brokerCxn{
		cl:           cl,
		meta:         meta,
		addr:         addr,
		longpolling:  longpolling,
		socketID:     atomic.AddInt64(&nextSocketID, 1),
		versions:     newAPIVersions(),
		reqs:         make(chan promisedReq, 10),
		lastActivity: time.Now().UnixNano(),
	}
}

func (cxn *brokerCxn) isConnected() bool {
	return cxn != nil && atomic.LoadInt32(&cxn.dead) == 0
}

func (cxn *brokerCxn) isReady() bool {
	return cxn.isConnected() && cxn.hasVersions()
}

func (cxn *brokerCxn) hasVersions() bool {
	for _, v := range cxn.versions {
		if v >= 0 {
			return true
		}
	}
	return false
}

func (cxn *brokerCxn) isIdle(idleDur time.Duration) bool {
	last := time.Unix(0, atomic.LoadInt64(&cxn.lastActivity))
	return time.Since(last) > idleDur
}

func (cxn *brokerCxn) touch() {
	atomic.StoreInt64(&cxn.lastActivity, time.Now().UnixNano())
}

// dial opens the socket, runs the (optional) ApiVersions negotiation, and —
// on success — starts the write and read goroutines. The caller
// (BrokerPool.getOrOpen) is responsible for registering cxn once this
// returns without error.
func (cxn *brokerCxn) dial(ctx context.Context) error {
	cfg := &cxn.cl.cfg

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout)
	conn, err := cfg.dialFn(dialCtx, "tcp", cxn.addr)
	cancel()
	since := time.Since(start)

	cfg.hooks.each(func(h Hook) {
		if h, ok := h.(BrokerConnectHook); ok {
			h.OnConnect(cxn.meta, since, conn, err)
		}
	})
	if err != nil {
		cfg.logger.Log(LogLevelWarn, "unable to open connection to broker", "addr", cxn.addr, "err", err)
		if _, ok := err.(net.Error); ok {
			return ErrNoDial
		}
		return err
	}
	if cfg.tls != nil {
		conn = tlsClient(conn, cfg.tls, cxn.addr)
	}
	cxn.conn = conn

	versions := newAPIVersions()
	if !cfg.versionsDisabled {
		versions, err = negotiateAPIVersions(conn, &cxn.cl.reqFormatter, &cxn.corrID, cxn.cl.bufPool, cfg.versionsRequestTimeout, cfg.softwareName, cfg.softwareVersion)
		if err != nil {
			cfg.logger.Log(LogLevelDebug, "api versions negotiation failed", "addr", cxn.addr, "err", err)
			conn.Close()
			return err
		}
	} else {
		versions = baseProtocolVersions()
	}
	cxn.versions = versions
	cxn.touch()

	cxn.reqs = make(chan promisedReq, 10)
	go cxn.handleReqs()
	go cxn.handleResps()

	cfg.logger.Log(LogLevelDebug, "connection ready", "addr", cxn.addr, "id", cxn.meta.NodeID)
	return nil
}

// do enqueues req for writing; promise is invoked exactly once, whether the
// request succeeds, times out, fails on write, or the connection is already
// dead.
func (cxn *brokerCxn) do(ctx context.Context, req kmsg.Request, promise func(kmsg.Response, error)) {
	cxn.enqueue(ctx, req, promise, false)
}

// writeAsync enqueues req as a fire-and-forget write: the frame goes through
// the same serialized writer as every other request, but handleReqs fires
// promise the instant the write completes (or fails) instead of registering
// a callback-queue entry and waiting on a response. This is the
// requireAcks=0 path of spec.md §4.1/§4.8 — "writeAsync" there.
func (cxn *brokerCxn) writeAsync(ctx context.Context, req kmsg.Request, promise func(error)) {
	cxn.enqueue(ctx, req, func(_ kmsg.Response, err error) { promise(err) }, true)
}

// enqueue is the shared body of do/writeAsync. The blocking send on cxn.reqs
// stays inside the dieMu read-lock for its entire duration: die() closes
// cxn.reqs only under the write lock, so as long as a sender holds the read
// lock, die cannot close the channel out from under it. Dropping the lock
// before a blocking send (as a buffer-full fallback once did) reopens that
// race: die could close cxn.reqs while the send is still parked, panicking
// on a send to a closed channel.
func (cxn *brokerCxn) enqueue(ctx context.Context, req kmsg.Request, promise func(kmsg.Response, error), noAck bool) {
	enqueueTime := time.Now()

	cxn.dieMu.RLock()
	defer cxn.dieMu.RUnlock()

	if atomic.LoadInt32(&cxn.dead) == 1 {
		promise(nil, ErrBrokerDead)
		return
	}

	select {
	case cxn.reqs <- promisedReq{ctx: ctx, req: req, promise: promise, enqueue: enqueueTime, noAck: noAck}:
	case <-ctx.Done():
		promise(nil, ctx.Err())
	}
}

// handleReqs is the sole writer for this connection: it serializes version
// selection and frame writes, one request at a time, mirroring the
// teacher's handleReqs loop in broker.go.
func (cxn *brokerCxn) handleReqs() {
	for pr := range cxn.reqs {
		req := pr.req

		if int(req.Key()) >= len(cxn.versions) {
			pr.promise(nil, ErrUnknownRequestKey)
			continue
		}
		if cxn.hasVersions() && cxn.versions[req.Key()] < 0 {
			pr.promise(nil, ErrBrokerTooOld)
			continue
		}

		version := req.MaxVersion()
		if brokerMax := cxn.versions[req.Key()]; brokerMax >= 0 && brokerMax < version {
			version = brokerMax
		}
		req.SetVersion(version)

		select {
		case <-pr.ctx.Done():
			pr.promise(nil, pr.ctx.Err())
			continue
		default:
		}

		corrID, err := cxn.writeRequest(pr.ctx, pr.enqueue, req)
		if err != nil {
			pr.promise(nil, err)
			cxn.die(err)
			continue
		}

		if pr.noAck {
			// requireAcks=0: the frame is on the wire, and no response is
			// expected or waited on. No correlation entry is created.
			pr.promise(nil, nil)
			continue
		}

		timeout := cxn.cl.cfg.requestTimeout
		if isLongPoll(req) {
			cxn.waitingSet(true)
		}
		cxn.cl.callbacks.queue(cxn.socketID, corrID, req.ResponseKind(), timeout, cxn.wrapPromise(pr.promise, isLongPoll(req)))
	}
}

func (cxn *brokerCxn) wrapPromise(promise func(kmsg.Response, error), longPoll bool) func(kmsg.Response, error) {
	if !longPoll {
		return promise
	}
	return func(resp kmsg.Response, err error) {
		cxn.waitingSet(false)
		promise(resp, err)
	}
}

func (cxn *brokerCxn) waitingSet(v bool) {
	if v {
		atomic.StoreInt32(&cxn.waiting, 1)
	} else {
		atomic.StoreInt32(&cxn.waiting, 0)
	}
}

func (cxn *brokerCxn) isWaiting() bool {
	return atomic.LoadInt32(&cxn.waiting) == 1
}

// isLongPoll reports whether req is a Fetch request, the one request type
// in this protocol that can legitimately block server-side for a long time
// awaiting new records. Per spec.md §3/§4.1, at most one such request may
// be outstanding per connection at a time.
func isLongPoll(req kmsg.Request) bool {
	_, ok := req.(*kmsg.FetchRequest)
	return ok
}

func (cxn *brokerCxn) writeRequest(ctx context.Context, enqueue time.Time, req kmsg.Request) (int32, error) {
	buf := cxn.cl.bufPool.get()
	buf = cxn.cl.reqFormatter.AppendRequest(buf[:0], req, cxn.corrID)

	writeStart := time.Now()
	if cxn.cl.cfg.requestTimeout > 0 {
		cxn.conn.SetWriteDeadline(time.Now().Add(cxn.cl.cfg.requestTimeout))
	}
	n, err := cxn.conn.Write(buf)
	cxn.conn.SetWriteDeadline(time.Time{})
	cxn.cl.bufPool.put(buf)

	cxn.cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(BrokerWriteHook); ok {
			h.OnWrite(cxn.meta, req.Key(), n, writeStart.Sub(enqueue), time.Since(writeStart), err)
		}
	})

	if err != nil {
		return 0, ErrConnDead
	}
	cxn.touch()
	id := cxn.corrID
	cxn.corrID++
	return id, nil
}

// handleResps is the sole reader for this connection: it decodes frames in
// wire order and resolves each one by correlation id, which may complete
// requests out of send order (e.g. a long-polling Fetch answered after a
// later Metadata request), exactly as spec.md §4.2's ordering guarantee
// describes.
func (cxn *brokerCxn) handleResps() {
	fr := newFrameReader(cxn.cl.cfg.maxBrokerReadBytes)
	for {
		readStart := time.Now()
		frame, err := fr.next(cxn.conn)
		if err != nil {
			cxn.die(err)
			return
		}
		cxn.touch()

		corrID, body, err := correlationID(frame)
		if err != nil {
			cxn.die(err)
			return
		}

		pr, ok := cxn.cl.callbacks.resolve(cxn.socketID, corrID)
		if !ok {
			// Already timed out, or a stray frame after a desync; per
			// spec.md §4.2 a late frame for a dead correlation id is
			// silently dropped.
			continue
		}

		if pr.resp.IsFlexible() && pr.resp.Key() != 18 { // ApiVersions response header is never flexible; see KIP-511
			r := kbin.Reader{Src: body}
			kmsg.SkipTags(&r)
			body = r.Src
		}

		decodeErr := pr.resp.ReadFrom(body)

		cxn.cl.cfg.hooks.each(func(h Hook) {
			if h, ok := h.(BrokerReadHook); ok {
				h.OnRead(cxn.meta, pr.resp.Key(), len(frame), time.Since(readStart), time.Since(readStart), decodeErr)
			}
		})

		if tr, ok := pr.resp.(interface{ Throttle() (int32, bool) }); ok {
			if ms, throttled := tr.Throttle(); throttled && ms > 0 {
				dur := time.Duration(ms) * time.Millisecond
				cxn.cl.cfg.hooks.each(func(h Hook) {
					if h, ok := h.(BrokerThrottleHook); ok {
						h.OnThrottle(cxn.meta, dur, true)
					}
				})
			}
		}

		if decodeErr != nil {
			pr.promise(nil, decodeErr)
			continue
		}
		pr.promise(pr.resp, nil)
	}
}

// die permanently stops this connection: drains pending writes with err,
// fails every outstanding callback for this socket, and closes the socket.
// die is idempotent.
func (cxn *brokerCxn) die(err error) {
	if !atomic.CompareAndSwapInt32(&cxn.dead, 0, 1) {
		return
	}
	if err == nil {
		err = ErrConnDead
	}

	go func() {
		for pr := range cxn.reqs {
			pr.promise(nil, err)
		}
	}()
	cxn.dieMu.Lock()
	cxn.dieMu.Unlock()
	close(cxn.reqs)

	cxn.cl.callbacks.fail(cxn.socketID, err)

	if cxn.conn != nil {
		cxn.conn.Close()
	}
	cxn.cl.cfg.hooks.each(func(h Hook) {
		if h, ok := h.(BrokerDisconnectHook); ok {
			h.OnDisconnect(cxn.meta, cxn.conn)
		}
	})

	// An unintentional close (peer hangup, read/write error) gets the
	// pool-drop-and-retry policy of spec.md §4.1/S3. A caller-initiated
	// close (close()/closeDead/reapIdle/closeAll) already dropped this cxn
	// from its pool map itself and does not want a reconnect.
	if !cxn.isClosing() {
		cxn.cl.pool.dropDead(cxn)
		cxn.scheduleReconnect()
	}
}

// scheduleReconnect retries this connection's endpoint once, 1 s after
// death, per spec.md §4.1. The retry is skipped if, by then, the connection
// has gone idle (no activity for cfg.idleConnection) — an idle broker is
// left to reconnect lazily on its next routed request instead of being
// redialed proactively.
func (cxn *brokerCxn) scheduleReconnect() {
	time.AfterFunc(time.Second, func() {
		if cxn.isClosing() || cxn.isIdle(cxn.cl.cfg.idleConnection) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), cxn.cl.cfg.connectTimeout)
		defer cancel()
		if _, err := cxn.cl.pool.getOrOpen(ctx, cxn.meta, cxn.longpolling); err != nil {
			cxn.cl.cfg.logger.Log(LogLevelWarn, "reconnect attempt failed", "addr", cxn.addr, "err", err)
		}
	})
}

// close is a caller-initiated shutdown: it marks the connection as
// intentionally closing (suppressing the pool's reconnect-on-disconnect
// path) before tearing it down the same way die does.
func (cxn *brokerCxn) close() {
	atomic.StoreInt32(&cxn.closing, 1)
	cxn.die(ErrClientClosing)
}

func (cxn *brokerCxn) isClosing() bool {
	return atomic.LoadInt32(&cxn.closing) == 1
}
