package kgo

import (
	"testing"
	"time"
)

// fakeCxn builds a brokerCxn detached from any real socket, for exercising
// pool and router bookkeeping (closeDead, reapIdle, closeAll, routing
// decisions) without a dial. versions is pre-populated as if negotiation
// already completed, since nothing drives a real handshake for this cxn.
func fakeCxn(cl *Client, addr string) *brokerCxn {
	cxn := newBrokerCxn(cl, BrokerMetadata{Host: addr}, addr, false)
	cxn.versions = baseProtocolVersions()
	cxn.reqs = make(chan promisedReq, 10)
	return cxn
}

func testClientForPool() *Client {
	cl := &Client{cfg: defaultCfg()}
	// Short enough that brokerCxn.die's reconnect-on-disconnect path (which
	// reads cl.pool) always sees an idle connection and skips scheduling a
	// real dial; cl.pool still needs to be non-nil for die to touch safely.
	cl.cfg.idleConnection = time.Nanosecond
	cl.callbacks = newCallbackQueue()
	cl.pool = newPool(cl)
	return cl
}

func TestPoolGetOrOpenCachesConnected(t *testing.T) {
	cl := testClientForPool()
	p := newPool(cl)

	meta := BrokerMetadata{Host: "b1", Port: 9092}
	cxn := fakeCxn(cl, meta.addr())
	p.brokers[meta.addr()] = cxn

	got, err := p.getOrOpen(nil, meta, false)
	if err != nil {
		t.Fatalf("getOrOpen: %v", err)
	}
	if got != cxn {
		t.Fatal("getOrOpen returned a different connection than the cached one")
	}
}

func TestPoolCloseDeadDropsUnlistedAddrs(t *testing.T) {
	cl := testClientForPool()
	p := newPool(cl)

	stay := fakeCxn(cl, "b1:9092")
	leave := fakeCxn(cl, "b2:9092")
	p.brokers["b1:9092"] = stay
	p.brokers["b2:9092"] = leave

	p.closeDead(map[string]struct{}{"b1:9092": {}})

	if !stay.isConnected() {
		t.Fatal("b1 should remain connected")
	}
	if leave.isConnected() {
		t.Fatal("b2 should have been closed")
	}
	if _, ok := p.brokers["b2:9092"]; ok {
		t.Fatal("b2 should have been dropped from the pool map")
	}
}

func TestPoolReapIdle(t *testing.T) {
	cl := testClientForPool()
	p := newPool(cl)

	idle := fakeCxn(cl, "b1:9092")
	idle.lastActivity = time.Now().Add(-time.Hour).UnixNano()
	fresh := fakeCxn(cl, "b2:9092")

	p.brokers["b1:9092"] = idle
	p.brokers["b2:9092"] = fresh

	p.reapIdle(time.Minute)

	if idle.isConnected() {
		t.Fatal("idle connection should have been closed")
	}
	if !fresh.isConnected() {
		t.Fatal("fresh connection should remain connected")
	}
}

func TestPoolCloseAllRejectsFurtherOpens(t *testing.T) {
	cl := testClientForPool()
	p := newPool(cl)
	p.brokers["b1:9092"] = fakeCxn(cl, "b1:9092")

	p.closeAll()

	if _, err := p.getOrOpen(nil, BrokerMetadata{Host: "b2:9092"}, false); err != ErrClientClosing {
		t.Fatalf("got %v, want ErrClientClosing", err)
	}
}
