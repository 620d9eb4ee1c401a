package kgo

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func testRouter() (*Client, *router) {
	cl := &Client{cfg: defaultCfg()}
	cl.callbacks = newCallbackQueue()
	cl.meta = newMetadataStore()
	cl.pool = newPool(cl)
	cl.router = newRouter(cl, cl.pool, cl.meta)
	return cl, cl.router
}

// serveFake drains cxn.reqs and answers every request with resp, bypassing
// the wire entirely; it stands in for handleReqs/handleResps in tests that
// only care about routing decisions, not frame encoding.
func serveFake(cxn *brokerCxn, resp kmsg.Response) {
	go func() {
		for pr := range cxn.reqs {
			pr.promise(resp, nil)
		}
	}()
}

func TestRouterAnyConnectedNoCandidates(t *testing.T) {
	_, r := testRouter()
	if _, err := r.anyConnected(context.Background()); err != ErrNoBrokers {
		t.Fatalf("got %v, want ErrNoBrokers", err)
	}
}

func TestRouterAnyConnectedPrefersLive(t *testing.T) {
	cl, r := testRouter()
	meta := BrokerMetadata{NodeID: 1, Host: "b1", Port: 9092}
	cxn := fakeCxn(cl, meta.addr())
	cl.pool.brokers[meta.addr()] = cxn

	got, err := r.anyConnected(context.Background())
	if err != nil {
		t.Fatalf("anyConnected: %v", err)
	}
	if got != cxn {
		t.Fatal("anyConnected should have returned the already-connected broker")
	}
}

func TestRouterTryControllerUnknown(t *testing.T) {
	_, r := testRouter()
	if _, err := r.tryController(context.Background()); err != ErrBrokerNotAvailable {
		t.Fatalf("got %v, want ErrBrokerNotAvailable", err)
	}
}

func TestRouterControllerRetryClearsOnNotController(t *testing.T) {
	cl, r := testRouter()
	meta := BrokerMetadata{NodeID: 1, Host: "b1", Port: 9092}
	cxn := fakeCxn(cl, meta.addr())
	cl.pool.brokers[meta.addr()] = cxn
	cl.meta.setBrokerMetadata([]BrokerMetadata{meta})
	cl.meta.setControllerID(1)

	// Answers the metadata reload controllerRetry triggers internally
	// once it clears the cached controller id, restoring the same
	// broker/controller so the retried lookup succeeds.
	serveFake(cxn, &kmsg.MetadataResponse{
		Brokers:      []kmsg.MetadataResponseBroker{{NodeID: meta.NodeID, Host: meta.Host, Port: meta.Port}},
		ControllerID: meta.NodeID,
	})

	attempts := 0
	_, err := r.controllerRetry(context.Background(), func(c *brokerCxn) (kmsg.Response, error) {
		attempts++
		if attempts == 1 {
			return nil, kerr.NotController
		}
		return &kmsg.MetadataResponse{}, nil
	})
	if err != nil {
		t.Fatalf("controllerRetry: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("call invoked %d times, want exactly 2 (one retry)", attempts)
	}
}

func TestRouterControllerRetryGivesUpAfterOne(t *testing.T) {
	cl, r := testRouter()
	meta := BrokerMetadata{NodeID: 1, Host: "b1", Port: 9092}
	cxn := fakeCxn(cl, meta.addr())
	cl.pool.brokers[meta.addr()] = cxn
	cl.meta.setBrokerMetadata([]BrokerMetadata{meta})
	cl.meta.setControllerID(1)

	serveFake(cxn, &kmsg.MetadataResponse{
		Brokers:      []kmsg.MetadataResponseBroker{{NodeID: meta.NodeID, Host: meta.Host, Port: meta.Port}},
		ControllerID: meta.NodeID,
	})

	attempts := 0
	_, err := r.controllerRetry(context.Background(), func(c *brokerCxn) (kmsg.Response, error) {
		attempts++
		return nil, kerr.NotController
	})
	if err != kerr.NotController {
		t.Fatalf("got %v, want kerr.NotController surfaced after the one retry", err)
	}
	if attempts != 2 {
		t.Fatalf("call invoked %d times, want exactly 2", attempts)
	}
}
