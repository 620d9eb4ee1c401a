package kgo

import (
	"errors"
	"fmt"
)

// Client-local error kinds. These are distinct from the protocol-level
// errors kerr.ErrorForCode decodes out of a response body: everything here
// is raised by the client itself, before or instead of a broker reply.
var (
	// ErrBrokerDead is returned to a request enqueued on a connection that
	// has already died. Requests that were queued or in flight when it died
	// receive the error that killed it instead.
	ErrBrokerDead = errors.New("kgo: broker is dead")

	// ErrBrokerNotAvailable means no connection to the target broker could
	// be obtained, or the broker selected for a request disconnected
	// before the request could be answered.
	ErrBrokerNotAvailable = errors.New("kgo: broker not available")

	// ErrClientClosing is returned for any data-plane call that arrives
	// after Close has begun tearing the client down.
	ErrClientClosing = errors.New("kgo: client is closing")

	// ErrNoBrokers is returned when a router operation has no candidate
	// broker to try: brokerMetadata is empty and no seed brokers are
	// configured. When candidates exist but every dial fails, the last dial
	// error is returned instead.
	ErrNoBrokers = errors.New("kgo: unable to find available brokers")

	// ErrUnknownRequestKey is returned when a request's API key lies beyond
	// the per-connection version table (above kmsg.MaxKey), and by
	// SendProduceRequest and CompressRecords when attributes select no known
	// compression codec.
	ErrUnknownRequestKey = errors.New("kgo: unknown request key")

	// ErrConnDead means the underlying socket for a brokerCxn died, either
	// from a read/write error or because the peer closed the connection.
	ErrConnDead = errors.New("kgo: connection is dead")

	// ErrCorrelationIDMismatch means the reply to an ApiVersions request
	// during negotiation carried a correlation id other than the one just
	// sent; the dial fails and the socket is closed.
	ErrCorrelationIDMismatch = errors.New("kgo: correlation id mismatch")

	// ErrEmptyAPIVersions is returned when a broker answers ApiVersions
	// successfully but with zero keys; per spec.md §4.5 this fails the
	// connection rather than falling back to baseProtocolVersions.
	ErrEmptyAPIVersions = errors.New("kgo: broker returned an empty ApiVersions response")

	// ErrBrokerTooOld is returned when the connection's version table has no
	// entry for a request's API key: the broker did not advertise that key,
	// or baseProtocolVersions does not list it.
	ErrBrokerTooOld = errors.New("kgo: broker does not support a required version of this request")

	// ErrNoDial is returned when dialing a broker fails with a network error,
	// including a connect timeout; the underlying error is logged, not
	// wrapped.
	ErrNoDial = errors.New("kgo: no dial attempted for this broker")

	// ErrInvalidRespSize is returned when a response frame's declared
	// length is negative or zero.
	ErrInvalidRespSize = errors.New("kgo: invalid response size")
)

// ErrTimeout is returned when a request's timeout elapses before its response
// arrives, or when a connection does not become ready within requestTimeout.
// A connect timeout surfaces as ErrNoDial, and an ApiVersions timeout falls
// back to baseProtocolVersions instead of failing.
type ErrTimeout struct {
	Op      string
	Timeout string // rendered duration, kept as a string to avoid import cycles in callers formatting it further
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("kgo: %s timed out after %s", e.Op, e.Timeout)
}

// ErrLargeRespSize is returned when a broker claims a response frame larger
// than the client's configured maxBrokerReadBytes.
type ErrLargeRespSize struct {
	Size  int32
	Limit int32
}

func (e *ErrLargeRespSize) Error() string {
	return fmt.Sprintf("kgo: broker response size %d exceeds limit %d", e.Size, e.Limit)
}

// errTopicsNotExist is returned by topic-existence checks after a metadata
// refresh still shows one or more requested topics missing.
type errTopicsNotExist struct {
	Topics []string
}

func (e *errTopicsNotExist) Error() string {
	return fmt.Sprintf("kgo: topics do not exist: %v", e.Topics)
}
