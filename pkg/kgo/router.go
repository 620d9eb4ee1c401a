package kgo

import (
	"context"
	"math/rand"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// router resolves a logical target — any connected broker, a partition's
// leader, the controller, or a group's coordinator — to a ready brokerCxn,
// per spec.md §4.6. It sits between ClientCore and BrokerPool the same way
// the teacher's broker.loadConnection sits between handleReqs and the
// socket, generalized here to cluster-wide target selection instead of a
// single broker's own produce/fetch/normal connection choice.
type router struct {
	cl   *Client
	pool *pool
	meta *metadataStore
}

func newRouter(cl *Client, p *pool, m *metadataStore) *router {
	return &router{cl: cl, pool: p, meta: m}
}

// anyConnected picks a uniformly random already-connected broker if one
// exists; otherwise it opens untried endpoints from brokerMetadata (or,
// before any metadata has been loaded, the client's seed list) until one
// succeeds.
func (r *router) anyConnected(ctx context.Context) (*brokerCxn, error) {
	if live := r.pool.getConnected(); len(live) > 0 {
		return live[rand.Intn(len(live))], nil
	}

	candidates := r.meta.allBrokers()
	if len(candidates) == 0 {
		candidates = r.cl.seedMetadata()
	}
	if len(candidates) == 0 {
		return nil, ErrNoBrokers
	}

	order := rand.Perm(len(candidates))
	var lastErr error
	for _, idx := range order {
		cxn, err := r.pool.getOrOpen(ctx, candidates[idx], false)
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

// leader resolves the ready connection for a partition's current leader.
// The caller must already have fresh-enough metadata; this never triggers
// a refresh itself (spec.md §4.6: "if metadata has no leader, caller must
// first call refreshMetadata").
func (r *router) leader(ctx context.Context, topic string, partition int32, longpolling bool) (*brokerCxn, error) {
	meta, ok := r.meta.leader(topic, partition)
	if !ok {
		return nil, ErrBrokerNotAvailable
	}
	return r.open(ctx, meta, longpolling)
}

// controller resolves the ready connection for the cluster controller,
// reloading metadata and retrying exactly once if the cached controller is
// unknown or unreachable.
func (r *router) controller(ctx context.Context) (*brokerCxn, error) {
	cxn, err := r.tryController(ctx)
	if err == nil {
		return cxn, nil
	}
	if err := r.cl.loadMetadata(ctx, nil, true); err != nil {
		return nil, err
	}
	cxn, err = r.tryController(ctx)
	if err != nil {
		return nil, ErrBrokerNotAvailable
	}
	return cxn, nil
}

func (r *router) tryController(ctx context.Context) (*brokerCxn, error) {
	id := r.meta.controllerID()
	if id == unknownControllerID {
		return nil, ErrBrokerNotAvailable
	}
	meta, ok := r.meta.broker(id)
	if !ok {
		return nil, ErrBrokerNotAvailable
	}
	return r.open(ctx, meta, false)
}

// coordinator issues a FindCoordinator request against any connected
// broker and resolves the returned node as a leader-style lookup.
func (r *router) coordinator(ctx context.Context, group string) (*brokerCxn, error) {
	cxn, err := r.anyConnected(ctx)
	if err != nil {
		return nil, err
	}

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = group
	req.CoordinatorType = 0 // group coordinator

	resp, err := r.doSync(ctx, cxn, req)
	if err != nil {
		return nil, err
	}
	fcResp, ok := resp.(*kmsg.FindCoordinatorResponse)
	if !ok {
		return nil, ErrBrokerNotAvailable
	}
	if err := kerr.ErrorForCode(fcResp.ErrorCode); err != nil {
		return nil, err
	}

	meta := BrokerMetadata{NodeID: fcResp.NodeID, Host: fcResp.Host, Port: fcResp.Port}
	return r.open(ctx, meta, false)
}

func (r *router) open(ctx context.Context, meta BrokerMetadata, longpolling bool) (*brokerCxn, error) {
	cxn, err := r.pool.getOrOpen(ctx, meta, longpolling)
	if err != nil {
		return nil, err
	}
	if !cxn.isReady() {
		if err := r.awaitReady(ctx, cxn); err != nil {
			return nil, err
		}
	}
	return cxn, nil
}

// awaitReady blocks until cxn finishes version negotiation (it already has
// by the time dial returns in this implementation, since dial negotiates
// synchronously) or the connection dies first.
func (r *router) awaitReady(ctx context.Context, cxn *brokerCxn) error {
	deadline := time.Now().Add(r.cl.cfg.requestTimeout)
	for !cxn.isReady() {
		if !cxn.isConnected() {
			return ErrBrokerNotAvailable
		}
		if time.Now().After(deadline) {
			return &ErrTimeout{Op: "waiting for broker readiness", Timeout: r.cl.cfg.requestTimeout.String()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// doSync issues req on cxn and blocks until its promise fires, returning the
// response or error. The router's coordinator lookup and every Client
// operation use it.
func (r *router) doSync(ctx context.Context, cxn *brokerCxn, req kmsg.Request) (kmsg.Response, error) {
	var resp kmsg.Response
	var err error
	done := make(chan struct{})
	cxn.do(ctx, req, func(rr kmsg.Response, re error) {
		resp, err = rr, re
		close(done)
	})
	<-done
	return resp, err
}

// doAsync is the requireAcks=0 counterpart to doSync: it writes req through
// cxn's fire-and-forget path and blocks only until the write itself
// completes (or fails), never on a broker response.
func (r *router) doAsync(ctx context.Context, cxn *brokerCxn, req kmsg.Request) error {
	var err error
	done := make(chan struct{})
	cxn.writeAsync(ctx, req, func(e error) {
		err = e
		close(done)
	})
	<-done
	return err
}

// controllerRetry wraps a controller-routed call with the one-shot retry
// of spec.md §4.7: a NotController error clears the cached controller id
// and the whole routed call is re-attempted exactly once. A second
// NotController is returned to the caller unchanged.
func (r *router) controllerRetry(ctx context.Context, call func(*brokerCxn) (kmsg.Response, error)) (kmsg.Response, error) {
	cxn, err := r.controller(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := call(cxn)
	if err == kerr.NotController {
		r.meta.setControllerID(unknownControllerID)
		cxn, err2 := r.controller(ctx)
		if err2 != nil {
			return nil, err
		}
		return call(cxn)
	}
	return resp, err
}
