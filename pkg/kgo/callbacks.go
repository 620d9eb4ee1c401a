package kgo

import (
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// pendingRequest is a single in-flight request awaiting its matching
// response, grounded on the teacher's promisedResp in broker.go but
// generalized to carry its own timer instead of relying on a read-deadline
// on the shared connection.
type pendingRequest struct {
	corrID int32

	resp    kmsg.Response
	promise func(kmsg.Response, error)

	timer *time.Timer
}

// callbackQueue is the two-level socketId -> corrID -> pendingRequest map
// described in spec.md §4.2. It is the client-wide partitioning of pending
// requests by connection identity: one socket's disconnection fails only
// its own partition, grounded on the teacher's per-brokerCxn resps channel
// generalized across the whole pool rather than scoped to one brokerCxn.
type callbackQueue struct {
	mu         sync.Mutex
	partitions map[int64]map[int32]*pendingRequest
}

func newCallbackQueue() *callbackQueue {
	return &callbackQueue{
		partitions: make(map[int64]map[int32]*pendingRequest),
	}
}

// queue registers a pending request under socketID/corrID. If no response
// arrives before timeout elapses, promise is invoked with an *ErrTimeout and
// the entry is removed; a later frame bearing corrID is then dropped by
// resolve as unknown.
func (q *callbackQueue) queue(socketID int64, corrID int32, resp kmsg.Response, timeout time.Duration, promise func(kmsg.Response, error)) {
	pr := &pendingRequest{corrID: corrID, resp: resp, promise: promise}

	// pr.timer must exist before pr is visible to resolve/fail/timeoutFire:
	// a fast broker reply can otherwise drive resolve concurrently and call
	// pr.timer.Stop() on a still-nil timer. Both the AfterFunc call and the
	// map insert happen under q.mu so no lookup can observe pr half-built.
	q.mu.Lock()
	pr.timer = time.AfterFunc(timeout, func() {
		q.timeoutFire(socketID, corrID, timeout)
	})
	part, ok := q.partitions[socketID]
	if !ok {
		part = make(map[int32]*pendingRequest)
		q.partitions[socketID] = part
	}
	part[corrID] = pr
	q.mu.Unlock()
}

func (q *callbackQueue) timeoutFire(socketID int64, corrID int32, timeout time.Duration) {
	q.mu.Lock()
	part, ok := q.partitions[socketID]
	if !ok {
		q.mu.Unlock()
		return
	}
	pr, ok := part[corrID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(part, corrID)
	q.mu.Unlock()

	pr.promise(nil, &ErrTimeout{Op: "request", Timeout: timeout.String()})
}

// resolve looks up the pending request for socketID/corrID and, if found,
// removes it, cancels its timer, and returns it; invoking its promise is
// left to the caller, which decodes the frame first. A miss (already
// timed out, already resolved, or never queued — e.g. a stray frame after a
// correlation-id desync) is reported back to the caller so it can decide
// whether the connection is still trustworthy.
func (q *callbackQueue) resolve(socketID int64, corrID int32) (*pendingRequest, bool) {
	q.mu.Lock()
	part, ok := q.partitions[socketID]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	pr, ok := part[corrID]
	if !ok {
		q.mu.Unlock()
		return nil, false
	}
	delete(part, corrID)
	q.mu.Unlock()

	pr.timer.Stop()
	return pr, true
}

// unqueue cancels a pending request silently, without invoking its promise.
func (q *callbackQueue) unqueue(socketID int64, corrID int32) {
	q.mu.Lock()
	part, ok := q.partitions[socketID]
	if ok {
		if pr, ok := part[corrID]; ok {
			delete(part, corrID)
			pr.timer.Stop()
		}
	}
	q.mu.Unlock()
}

// fail fails every pending request on socketID with err, clears their
// timers, and drops the partition. Called when a connection dies, per
// spec.md §4.2 — analogous to the teacher's brokerCxn.die draining its
// resps channel with ErrConnDead/ErrBrokerDead.
func (q *callbackQueue) fail(socketID int64, err error) {
	q.mu.Lock()
	part, ok := q.partitions[socketID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.partitions, socketID)
	q.mu.Unlock()

	for _, pr := range part {
		pr.timer.Stop()
		if err == nil && isLongPollResp(pr.resp) {
			// A long-polling connection closing with no error is the
			// peer's clean end of the poll, not a failure; per spec.md
			// §4.2 it is dropped silently rather than surfaced as an
			// error to a caller expecting new records.
			continue
		}
		pr.promise(nil, err)
	}
}

// isLongPollResp reports whether resp is the response kind of a Fetch
// request, the one request type this protocol allows to long-poll.
func isLongPollResp(resp kmsg.Response) bool {
	_, ok := resp.(*kmsg.FetchResponse)
	return ok
}

// pending reports the number of requests still awaiting resolution across
// every partition; ClientCore.close uses this to decide whether teardown
// must be deferred until the queue drains.
func (q *callbackQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, part := range q.partitions {
		n += len(part)
	}
	return n
}

func (q *callbackQueue) String() string {
	return fmt.Sprintf("callbackQueue{partitions:%d, pending:%d}", len(q.partitions), q.pending())
}
