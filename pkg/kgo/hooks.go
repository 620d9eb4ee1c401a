package kgo

import (
	"net"
	"time"
)

// Hook is an optional observer attached to a Client. A concrete hook
// implements one or more of the Broker*Hook interfaces below; unimplemented
// events are simply skipped for that hook. This mirrors the teacher's
// cfg.hooks.each(...) dispatch in broker.go, generalized to a slice of
// arbitrary hooks rather than a single hardcoded callback.
type Hook any

// BrokerConnectHook is called after every dial attempt to a broker,
// successful or not.
type BrokerConnectHook interface {
	OnConnect(meta BrokerMetadata, dialDur time.Duration, conn net.Conn, err error)
}

// BrokerDisconnectHook is called when a broker connection's socket is
// closed, whether by the client or by the peer.
type BrokerDisconnectHook interface {
	OnDisconnect(meta BrokerMetadata, conn net.Conn)
}

// BrokerWriteHook is called after every write of a framed request to a
// broker connection.
type BrokerWriteHook interface {
	OnWrite(meta BrokerMetadata, key int16, bytesWritten int, writeWait, timeToWrite time.Duration, err error)
}

// BrokerReadHook is called after every read of a framed response from a
// broker connection.
type BrokerReadHook interface {
	OnRead(meta BrokerMetadata, key int16, bytesRead int, readWait, timeToRead time.Duration, err error)
}

// BrokerThrottleHook is called when a response indicates the broker applied
// quota throttling to the request that produced it.
type BrokerThrottleHook interface {
	OnThrottle(meta BrokerMetadata, throttleDur time.Duration, throttledAfterResponse bool)
}

// hooks is the set of hooks a Client was configured with; each is dispatched
// to every hook that implements the relevant interface.
type hooks []Hook

func (hs hooks) each(fn func(Hook)) {
	for _, h := range hs {
		fn(h)
	}
}
