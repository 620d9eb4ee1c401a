package kgo

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anupkumarsharma/kafka-node/internal/codec"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Client is ClientCore (spec.md §4.8): it orchestrates bootstrap connect
// with retry and ties together the pool, metadata store, and router behind
// the small set of public operations below.
type Client struct {
	cfg cfg

	reqFormatter kmsg.RequestFormatter
	bufPool      bufPool
	callbacks    *callbackQueue

	pool   *pool
	meta   *metadataStore
	router *router

	seeds []BrokerMetadata

	ready       int32 // atomic bool
	connecting  int32 // atomic bool: latches concurrent connect() calls
	refreshing  int32 // atomic bool: single-flights refreshBrokerMetadata
	closingOnce sync.Once
	closed      chan struct{}

	idleStop chan struct{}
}

// NewClient builds a Client from the given options and, unless AutoConnect
// is disabled, starts Connect in the background.
func NewClient(opts ...Opt) (*Client, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	formatterOpts := []kmsg.RequestFormatterOpt{kmsg.FormatterClientID(c.clientID)}

	cl := &Client{
		cfg:          c,
		reqFormatter: kmsg.NewRequestFormatter(formatterOpts...),
		bufPool:      newBufPool(),
		callbacks:    newCallbackQueue(),
		meta:         newMetadataStore(),
		closed:       make(chan struct{}),
		idleStop:     make(chan struct{}),
	}
	cl.pool = newPool(cl)
	cl.router = newRouter(cl, cl.pool, cl.meta)
	cl.meta.onBrokersChanged = func() { cl.cfg.logger.Log(LogLevelInfo, "broker set changed") }

	for i, addr := range c.seedBrokers {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, err
		}
		cl.seeds = append(cl.seeds, BrokerMetadata{NodeID: unknownSeedID(i), Host: host, Port: port})
	}

	go cl.idleReaperLoop()

	if c.autoConnect {
		go cl.Connect(context.Background())
	}

	return cl, nil
}

func (cl *Client) seedMetadata() []BrokerMetadata { return cl.seeds }

func (cl *Client) idleReaperLoop() {
	t := time.NewTicker(cl.cfg.idleConnection / 4)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			cl.pool.reapIdle(cl.cfg.idleConnection)
		case <-cl.idleStop:
			return
		}
	}
}

// Connect performs the bootstrap described in spec.md §4.8: shuffle the
// seed list, dial the first endpoint that accepts, then load and replace
// metadata from it. A concurrent second call is ignored.
func (cl *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&cl.connecting, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&cl.connecting, 0)

	r := bootstrapRetrier(&cl.cfg)
	var lastErr error
	err := r.Run(func() error {
		if cl.isClosing() {
			return nil
		}
		cxn, err := cl.connectToSeeds(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		err = cl.loadMetadataFrom(ctx, cxn, nil, true)
		if err != nil {
			lastErr = err
			return err
		}
		return nil
	})
	if cl.isClosing() {
		return ErrClientClosing
	}
	if err != nil {
		cl.cfg.logger.Log(LogLevelError, "bootstrap connect exhausted retries", "err", lastErr)
		return lastErr
	}

	atomic.StoreInt32(&cl.ready, 1)
	cl.cfg.logger.Log(LogLevelInfo, "client ready")
	return nil
}

func (cl *Client) connectToSeeds(ctx context.Context) (*brokerCxn, error) {
	order := shuffled(len(cl.seeds))
	var lastErr error
	for _, idx := range order {
		cxn, err := cl.pool.getOrOpen(ctx, cl.seeds[idx], false)
		if err == nil {
			return cxn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoBrokers
	}
	return nil, lastErr
}

// loadMetadata refreshes cluster/topic metadata for topics via any connected
// broker; nil or empty topics requests metadata for every topic.
func (cl *Client) loadMetadata(ctx context.Context, topics []string, replace bool) error {
	cxn, err := cl.router.anyConnected(ctx)
	if err != nil {
		return err
	}
	return cl.loadMetadataFrom(ctx, cxn, topics, replace)
}

func (cl *Client) loadMetadataFrom(ctx context.Context, cxn *brokerCxn, topics []string, replace bool) error {
	req := kmsg.NewPtrMetadataRequest()
	if topics != nil {
		for _, t := range topics {
			rt := kmsg.NewMetadataRequestTopic()
			rt.Topic = &t
			req.Topics = append(req.Topics, rt)
		}
	}

	resp, err := cl.router.doSync(ctx, cxn, req)
	if err != nil {
		return err
	}
	metaResp, ok := resp.(*kmsg.MetadataResponse)
	if !ok {
		return ErrBrokerNotAvailable
	}

	cl.meta.update(metaResp, replace)
	cl.pool.closeDead(cl.meta.validAddrs())
	return nil
}

// refreshBrokerMetadata is single-flight guarded: a call that arrives while
// another refresh is in flight returns nil at once, without waiting for that
// refresh or seeing its error.
func (cl *Client) refreshBrokerMetadata(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&cl.refreshing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&cl.refreshing, 0)

	if err := cl.loadMetadata(ctx, nil, true); err != nil {
		cl.cfg.logger.Log(LogLevelError, "refreshBrokerMetadata failed", "err", err)
		return err
	}
	return nil
}

// verifyPayloadsHasLeaders ensures every (topic, partition) in pairs has a
// known leader, refreshing metadata once for any that don't.
func (cl *Client) verifyPayloadsHasLeaders(ctx context.Context, pairs []topicPartition) error {
	missing := cl.meta.missingLeaders(pairs)
	if len(missing) == 0 {
		return nil
	}
	topics := make([]string, 0, len(missing))
	seen := map[string]struct{}{}
	for _, tp := range missing {
		if _, ok := seen[tp.topic]; !ok {
			seen[tp.topic] = struct{}{}
			topics = append(topics, tp.topic)
		}
	}
	if err := cl.loadMetadata(ctx, topics, false); err != nil {
		return err
	}
	if still := cl.meta.missingLeaders(pairs); len(still) > 0 {
		missingTopics := make([]string, 0, len(still))
		seenMissing := map[string]struct{}{}
		for _, tp := range still {
			if _, ok := seenMissing[tp.topic]; !ok {
				seenMissing[tp.topic] = struct{}{}
				missingTopics = append(missingTopics, tp.topic)
			}
		}
		return &errTopicsNotExist{Topics: missingTopics}
	}
	return nil
}

// Request sends req to a randomly chosen connected broker (the any-connected
// route) and returns the decoded response. It does not route by request
// type: leader, controller, and group-coordinator routing are done by
// RequestSharded, SendControllerRequest, and DescribeGroups, not here. This
// is sendRequest from spec.md §4.8, simplified to a
// single (not sharded-by-leader) request; sharding a multi-partition
// request across leaders is the responsibility of the Producer/Consumer
// layer built on top of this client, not of the core itself.
func (cl *Client) Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	if atomic.LoadInt32(&cl.connecting) == 0 && !cl.isClosing() && atomic.LoadInt32(&cl.ready) == 0 {
		if err := cl.Connect(ctx); err != nil {
			return nil, err
		}
	}
	if cl.isClosing() {
		return nil, ErrClientClosing
	}

	cxn, err := cl.router.anyConnected(ctx)
	if err != nil {
		return nil, err
	}
	return cl.router.doSync(ctx, cxn, req)
}

// noAcksNotApplicable is passed for requireAcks by callers (e.g.
// SendFetchRequest) whose requests have no acknowledgement concept;
// RequestSharded only consults requireAcks for non-long-polling shards, so
// any nonzero value works, but this name documents the intent at call sites.
const noAcksNotApplicable int16 = -1

// RequestSharded sends req once per leader broker holding a partition in
// pairs, returning one response per leader. The caller supplies a fresh req
// per leader via newReq, since request bodies differ by which partitions
// they carry. For a non-long-polling shard, requireAcks==0 short-circuits
// to brokerCxn.writeAsync (spec.md §4.1/§4.8's "requireAcks=0" path): the
// frame is written fire-and-forget, no callback-queue entry is created, and
// the shard's ShardResponse reports NoAck instead of a decoded response.
func (cl *Client) RequestSharded(ctx context.Context, pairs []topicPartition, longpolling bool, requireAcks int16, newReq func(leader BrokerMetadata, pairs []topicPartition) kmsg.Request) (map[int32]ShardResponse, error) {
	if err := cl.verifyPayloadsHasLeaders(ctx, pairs); err != nil {
		return nil, err
	}

	byLeader := make(map[int32][]topicPartition)
	leaderMeta := make(map[int32]BrokerMetadata)
	for _, tp := range pairs {
		meta, ok := cl.meta.leader(tp.topic, tp.partition)
		if !ok {
			return nil, ErrBrokerNotAvailable
		}
		byLeader[meta.NodeID] = append(byLeader[meta.NodeID], tp)
		leaderMeta[meta.NodeID] = meta
	}

	out := make(map[int32]ShardResponse, len(byLeader))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for nodeID, tps := range byLeader {
		nodeID, tps := nodeID, tps
		wg.Add(1)
		go func() {
			defer wg.Done()
			meta := leaderMeta[nodeID]

			cxn, err := cl.router.open(ctx, meta, longpolling)
			if err != nil {
				go cl.refreshBrokerMetadata(context.Background())
				mu.Lock()
				out[nodeID] = ShardResponse{Err: ErrBrokerNotAvailable}
				mu.Unlock()
				return
			}
			if longpolling && cxn.isWaiting() {
				mu.Lock()
				out[nodeID] = ShardResponse{}
				mu.Unlock()
				return
			}

			req := newReq(meta, tps)

			if !longpolling && requireAcks == 0 {
				err := cl.router.doAsync(ctx, cxn, req)
				mu.Lock()
				out[nodeID] = ShardResponse{NoAck: true, Err: err}
				mu.Unlock()
				return
			}

			resp, err := cl.router.doSync(ctx, cxn, req)
			mu.Lock()
			out[nodeID] = ShardResponse{Resp: resp, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out, nil
}

// ShardResponse is one leader's outcome from RequestSharded.
type ShardResponse struct {
	Resp kmsg.Response
	Err  error

	// NoAck is set when requireAcks==0 short-circuited this shard through
	// writeAsync: Resp is always nil and Err only reflects a local write
	// failure, never a broker-reported error, per spec.md §4.8's
	// {result:'no ack'}.
	NoAck bool
}

// SendControllerRequest routes req to the controller, applying the
// one-shot NotController retry of spec.md §4.7.
func (cl *Client) SendControllerRequest(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	return cl.router.controllerRetry(ctx, func(cxn *brokerCxn) (kmsg.Response, error) {
		return cl.router.doSync(ctx, cxn, req)
	})
}

// CreateTopics issues a CreateTopics request to the controller.
func (cl *Client) CreateTopics(ctx context.Context, req *kmsg.CreateTopicsRequest) (*kmsg.CreateTopicsResponse, error) {
	resp, err := cl.SendControllerRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	out, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return nil, ErrBrokerNotAvailable
	}
	return out, nil
}

// ListGroups fans a ListGroups request out to every known broker,
// concurrency-bounded by cfg.maxAsyncRequests.
func (cl *Client) ListGroups(ctx context.Context) ([]kmsg.ListGroupsResponseGroup, error) {
	brokers := cl.meta.allBrokers()
	sem := make(chan struct{}, cl.cfg.maxAsyncRequests)
	var mu sync.Mutex
	var out []kmsg.ListGroupsResponseGroup
	var firstErr error
	var wg sync.WaitGroup

	for _, b := range brokers {
		b := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			cxn, err := cl.router.open(ctx, b, false)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			resp, err := cl.router.doSync(ctx, cxn, kmsg.NewPtrListGroupsRequest())
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			lgResp := resp.(*kmsg.ListGroupsResponse)
			mu.Lock()
			out = append(out, lgResp.Groups...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// DescribeGroups issues one DescribeGroups request per named group, each to
// that group's coordinator, concurrency-bounded by cfg.maxAsyncRequests.
func (cl *Client) DescribeGroups(ctx context.Context, groups []string) ([]kmsg.DescribeGroupsResponseGroup, error) {
	sem := make(chan struct{}, cl.cfg.maxAsyncRequests)
	var mu sync.Mutex
	var out []kmsg.DescribeGroupsResponseGroup
	var firstErr error
	var wg sync.WaitGroup

	for _, g := range groups {
		g := g
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			cxn, err := cl.router.coordinator(ctx, g)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			req := kmsg.NewPtrDescribeGroupsRequest()
			req.Groups = []string{g}
			resp, err := cl.router.doSync(ctx, cxn, req)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			dgResp := resp.(*kmsg.DescribeGroupsResponse)
			mu.Lock()
			out = append(out, dgResp.Groups...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// SendProduceRequest verifies attributes names a known compression codec,
// verifies leaders, and issues a sharded Produce request with requireAcks
// wired through to RequestSharded's requireAcks=0 fire-and-forget path; a
// NotLeaderForPartition or UnknownTopicOrPartition response additionally
// triggers a background brokersChanged-style metadata refresh.
//
// ClientCore never sees a produce payload's raw bytes itself — pairs only
// names (topic, partition), and the record batch bytes newReq embeds in its
// request are built by the caller — so it cannot compress on the caller's
// behalf. The producer layer built on top of this client is expected to
// call CompressRecords with this same attributes value on its record batch
// bytes before constructing the request it hands to newReq; attributes is
// still validated here so an unsupported codec is rejected before any
// broker round trip.
func (cl *Client) SendProduceRequest(ctx context.Context, pairs []topicPartition, attributes int8, requireAcks int16, newReq func(leader BrokerMetadata, pairs []topicPartition) kmsg.Request) (map[int32]ShardResponse, error) {
	if _, ok := codec.ForAttributes(attributes); !ok {
		return nil, ErrUnknownRequestKey
	}
	out, err := cl.RequestSharded(ctx, pairs, false, requireAcks, newReq)
	if err != nil {
		return nil, err
	}
refresh:
	for _, sr := range out {
		pr, ok := sr.Resp.(*kmsg.ProduceResponse)
		if !ok {
			continue
		}
		for _, t := range pr.Topics {
			for _, p := range t.Partitions {
				if err := kerr.ErrorForCode(p.ErrorCode); err == kerr.NotLeaderForPartition || err == kerr.UnknownTopicOrPartition {
					go cl.refreshBrokerMetadata(context.Background())
					break refresh
				}
			}
		}
	}
	return out, nil
}

// CompressRecords compresses src through the codec attributes selects, for
// the producer layer to call on its record batch bytes before handing them
// to SendProduceRequest's newReq closure (see SendProduceRequest's doc
// comment for why ClientCore cannot do this compression itself).
func CompressRecords(attributes int8, src []byte) ([]byte, error) {
	c, ok := codec.ForAttributes(attributes)
	if !ok {
		return nil, ErrUnknownRequestKey
	}
	var buf bytes.Buffer
	if err := c.Compress(&buf, src); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SendFetchRequest verifies leaders and issues a sharded, long-polling
// Fetch request.
func (cl *Client) SendFetchRequest(ctx context.Context, pairs []topicPartition, newReq func(leader BrokerMetadata, pairs []topicPartition) kmsg.Request) (map[int32]ShardResponse, error) {
	if err := cl.verifyPayloadsHasLeaders(ctx, pairs); err != nil {
		return nil, err
	}
	return cl.RequestSharded(ctx, pairs, true, noAcksNotApplicable, newReq)
}

// NoAckBatchOptions returns the opaque requireAcks=0 batching configuration
// supplied via the NoAckBatchOptions option, for the producer layer built on
// top of this client to read back; ClientCore itself never interprets this
// value beyond storing and returning it.
func (cl *Client) NoAckBatchOptions() any {
	return cl.cfg.noAckBatchOptions
}

func (cl *Client) isClosing() bool {
	select {
	case <-cl.closed:
		return true
	default:
		return false
	}
}

// Close stops bootstrap retry, shortens every connection's idle timeout so
// dead peers are reaped quickly, and defers actual teardown until the
// callback queue drains, per spec.md §4.8. Multiple calls coalesce onto the
// same teardown.
func (cl *Client) Close() {
	cl.closingOnce.Do(func() {
		close(cl.closed)
		cl.cfg.idleConnection = 5 * time.Second
		close(cl.idleStop)

		for cl.callbacks.pending() > 0 {
			cl.pool.reapIdle(cl.cfg.idleConnection)
			time.Sleep(10 * time.Millisecond)
		}
		cl.pool.closeAll()
	})
}

// DebugSnapshot returns a point-in-time view of client state, intended for
// tests and operational debugging (go-cmp/go-spew friendly: every field is
// exported and comparable).
type DebugSnapshot struct {
	Ready      bool
	Brokers    []BrokerMetadata
	Controller int32
	Pending    int
}

func (cl *Client) DebugSnapshot() DebugSnapshot {
	return DebugSnapshot{
		Ready:      atomic.LoadInt32(&cl.ready) == 1,
		Brokers:    cl.meta.allBrokers(),
		Controller: cl.meta.controllerID(),
		Pending:    cl.callbacks.pending(),
	}
}
