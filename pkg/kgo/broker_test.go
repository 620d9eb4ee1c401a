package kgo

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// wireTestCxn builds a brokerCxn backed by a net.Pipe with handleReqs/
// handleResps already running, skipping dial's ApiVersions negotiation —
// tests exercising do/writeAsync don't need a real handshake, just a
// serialized writer and reader on a live socket pair.
func wireTestCxn(cl *Client) (*brokerCxn, net.Conn) {
	client, server := net.Pipe()
	cxn := newBrokerCxn(cl, BrokerMetadata{Host: "b1"}, "b1:9092", false)
	cxn.conn = client
	cxn.versions = baseProtocolVersions()
	go cxn.handleReqs()
	go cxn.handleResps()
	return cxn, server
}

func TestBrokerCxnDoResolvesResponse(t *testing.T) {
	cl := testClientForPool()
	cxn, server := wireTestCxn(cl)
	defer server.Close()

	done := make(chan struct{})
	var gotResp kmsg.Response
	var gotErr error
	go cxn.do(context.Background(), kmsg.NewPtrMetadataRequest(), func(r kmsg.Response, e error) {
		gotResp, gotErr = r, e
		close(done)
	})

	corrID := readRequestFrame(t, server)
	resp := &kmsg.MetadataResponse{}
	body := resp.AppendTo(nil)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(corrID))
	writeFrame(t, server, append(hdr[:], body...))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("do's promise never fired")
	}
	if gotErr != nil {
		t.Fatalf("do: %v", gotErr)
	}
	if gotResp == nil {
		t.Fatal("expected a non-nil response")
	}
}

func TestBrokerCxnDoFailsWhenDead(t *testing.T) {
	cl := testClientForPool()
	cxn, server := wireTestCxn(cl)
	defer server.Close()
	cxn.die(errors.New("boom"))

	done := make(chan struct{})
	var gotErr error
	cxn.do(context.Background(), kmsg.NewPtrMetadataRequest(), func(_ kmsg.Response, e error) {
		gotErr = e
		close(done)
	})
	<-done
	if !errors.Is(gotErr, ErrBrokerDead) {
		t.Fatalf("got %v, want ErrBrokerDead", gotErr)
	}
}

// TestBrokerCxnWriteAsyncCompletesWithoutCallbackEntry is S6: a
// requireAcks=0 write fires its promise as soon as the frame is written,
// without ever registering a callback-queue entry or waiting on a reply.
func TestBrokerCxnWriteAsyncCompletesWithoutCallbackEntry(t *testing.T) {
	cl := testClientForPool()
	cxn, server := wireTestCxn(cl)
	defer server.Close()

	done := make(chan struct{})
	var gotErr error
	cxn.writeAsync(context.Background(), kmsg.NewPtrProduceRequest(), func(e error) {
		gotErr = e
		close(done)
	})

	// The broker never answers a requireAcks=0 write; just drain the frame
	// off the wire so the write isn't left blocked on the pipe.
	readRequestFrame(t, server)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writeAsync's promise never fired")
	}
	if gotErr != nil {
		t.Fatalf("writeAsync: %v", gotErr)
	}
	if cl.callbacks.pending() != 0 {
		t.Fatalf("pending() = %d, want 0 (writeAsync must not queue a callback)", cl.callbacks.pending())
	}
}

func TestBrokerCxnWriteAsyncFailsWhenDead(t *testing.T) {
	cl := testClientForPool()
	cxn, server := wireTestCxn(cl)
	defer server.Close()
	cxn.die(errors.New("boom"))

	done := make(chan struct{})
	var gotErr error
	cxn.writeAsync(context.Background(), kmsg.NewPtrProduceRequest(), func(e error) {
		gotErr = e
		close(done)
	})
	<-done
	if !errors.Is(gotErr, ErrBrokerDead) {
		t.Fatalf("got %v, want ErrBrokerDead", gotErr)
	}
}

func TestBrokerCxnDieDropsFromPool(t *testing.T) {
	cl := testClientForPool()
	cxn := fakeCxn(cl, "b1:9092")
	cl.pool.brokers["b1:9092"] = cxn

	cxn.die(errors.New("boom"))

	if _, ok := cl.pool.brokers["b1:9092"]; ok {
		t.Fatal("a dead connection should have been removed from the pool")
	}
}

func TestBrokerCxnDieLeavesNewerGenerationInPool(t *testing.T) {
	cl := testClientForPool()
	old := fakeCxn(cl, "b1:9092")
	newer := fakeCxn(cl, "b1:9092")
	cl.pool.brokers["b1:9092"] = newer

	old.die(errors.New("boom"))

	if cl.pool.brokers["b1:9092"] != newer {
		t.Fatal("die should not drop a newer connection generation it didn't install")
	}
}

func TestBrokerCxnCloseDoesNotTouchPool(t *testing.T) {
	cl := testClientForPool()
	cxn := fakeCxn(cl, "b1:9092")
	cl.pool.brokers["b1:9092"] = cxn

	cxn.close()

	if !cxn.isClosing() {
		t.Fatal("close() should mark the connection as closing")
	}
	if _, ok := cl.pool.brokers["b1:9092"]; !ok {
		t.Fatal("a caller-initiated close must leave pool bookkeeping to the caller, not die")
	}
}

// TestBrokerCxnDieSkipsReconnectWhenIdle exercises the idle-at-retry-time
// half of spec.md §4.1's reconnect policy: testClientForPool configures an
// effectively-zero idleConnection, so the scheduled reconnect should see the
// connection as idle and never attempt to redial it.
func TestBrokerCxnDieSkipsReconnectWhenIdle(t *testing.T) {
	cl := testClientForPool()
	cxn := fakeCxn(cl, "b1:9092")
	cl.pool.brokers["b1:9092"] = cxn

	cxn.die(errors.New("boom"))
	time.Sleep(1100 * time.Millisecond)

	if _, ok := cl.pool.brokers["b1:9092"]; ok {
		t.Fatal("an idle connection should not have been reconnected")
	}
}
