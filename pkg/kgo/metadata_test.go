package kgo

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Kafka protocol error codes used below: 5 is LEADER_NOT_AVAILABLE
// (retriable), 17 is INVALID_TOPIC_EXCEPTION (not retriable).
const (
	errCodeLeaderNotAvailable = 5
	errCodeInvalidTopic       = 17
)

func brokerResp(id, port int32, host string) kmsg.MetadataResponseBroker {
	return kmsg.MetadataResponseBroker{NodeID: id, Host: host, Port: port}
}

func TestMetadataStoreUpdateReplace(t *testing.T) {
	m := newMetadataStore()

	var fired int
	m.onBrokersChanged = func() { fired++ }

	resp := &kmsg.MetadataResponse{
		Brokers:      []kmsg.MetadataResponseBroker{brokerResp(1, 9092, "b1"), brokerResp(2, 9092, "b2")},
		ControllerID: 1,
	}
	topic := kmsg.MetadataResponseTopic{Topic: "orders"}
	topic.Partitions = []kmsg.MetadataResponseTopicPartition{
		{Partition: 0, Leader: 1},
		{Partition: 1, Leader: 2},
	}
	resp.Topics = []kmsg.MetadataResponseTopic{topic}

	m.update(resp, true)

	if m.controllerID() != 1 {
		t.Fatalf("controllerID() = %d, want 1", m.controllerID())
	}
	if !m.hasMetadata("orders", 0) || !m.hasMetadata("orders", 1) {
		t.Fatal("expected both partitions to have metadata")
	}
	leader, ok := m.leader("orders", 1)
	if !ok || leader.NodeID != 2 {
		t.Fatalf("leader(orders,1) = %+v, %v; want node 2", leader, ok)
	}

	// setBrokerMetadata only fires onBrokersChanged on a change from a
	// non-empty prior set; the bootstrap update above started from empty.
	if fired != 0 {
		t.Fatalf("onBrokersChanged fired %d times on first update, want 0", fired)
	}
}

func TestMetadataStoreMergeKeepsOldOnRetriableError(t *testing.T) {
	m := newMetadataStore()
	m.setBrokerMetadata([]BrokerMetadata{{NodeID: 1, Host: "b1", Port: 9092}})

	good := kmsg.MetadataResponseTopic{Topic: "orders"}
	good.Partitions = []kmsg.MetadataResponseTopicPartition{{Partition: 0, Leader: 1}}
	m.update(&kmsg.MetadataResponse{Topics: []kmsg.MetadataResponseTopic{good}}, false)

	if !m.hasMetadata("orders", 0) {
		t.Fatal("expected orders/0 to have metadata after first load")
	}

	retriable := kmsg.MetadataResponseTopic{Topic: "orders", ErrorCode: errCodeLeaderNotAvailable}
	m.update(&kmsg.MetadataResponse{
		Brokers: []kmsg.MetadataResponseBroker{brokerResp(1, 9092, "b1")},
		Topics:  []kmsg.MetadataResponseTopic{retriable},
	}, false)

	// A retriable topic-level error keeps the previously cached leader
	// instead of discarding it.
	if !m.hasMetadata("orders", 0) {
		t.Fatal("expected orders/0 to still have metadata after a retriable refresh error")
	}
	leader, ok := m.leader("orders", 0)
	if !ok || leader.NodeID != 1 {
		t.Fatalf("leader(orders,0) = %+v, %v; want node 1 preserved", leader, ok)
	}
}

func TestMetadataStoreMergeReplacesOnNonRetriableError(t *testing.T) {
	m := newMetadataStore()
	m.setBrokerMetadata([]BrokerMetadata{{NodeID: 1, Host: "b1", Port: 9092}})

	good := kmsg.MetadataResponseTopic{Topic: "orders"}
	good.Partitions = []kmsg.MetadataResponseTopicPartition{{Partition: 0, Leader: 1}}
	m.update(&kmsg.MetadataResponse{Topics: []kmsg.MetadataResponseTopic{good}}, false)

	gone := kmsg.MetadataResponseTopic{Topic: "orders", ErrorCode: errCodeInvalidTopic}
	m.update(&kmsg.MetadataResponse{Topics: []kmsg.MetadataResponseTopic{gone}}, false)

	if m.hasMetadata("orders", 0) {
		t.Fatal("a non-retriable topic error should replace, not keep, stale metadata")
	}
}

func TestMissingLeaders(t *testing.T) {
	m := newMetadataStore()
	m.setBrokerMetadata([]BrokerMetadata{{NodeID: 1, Host: "b1", Port: 9092}})

	topic := kmsg.MetadataResponseTopic{Topic: "orders"}
	topic.Partitions = []kmsg.MetadataResponseTopicPartition{{Partition: 0, Leader: 1}}
	m.update(&kmsg.MetadataResponse{Topics: []kmsg.MetadataResponseTopic{topic}}, true)

	pairs := []topicPartition{{topic: "orders", partition: 0}, {topic: "orders", partition: 1}, {topic: "shipments", partition: 0}}
	missing := m.missingLeaders(pairs)
	if len(missing) != 2 {
		t.Fatalf("missingLeaders = %v, want 2 entries", missing)
	}
}

func TestSameBrokersChangeDetection(t *testing.T) {
	m := newMetadataStore()
	m.setBrokerMetadata([]BrokerMetadata{{NodeID: 1, Host: "b1", Port: 9092}})

	var fired int
	m.onBrokersChanged = func() { fired++ }

	// Same set again: no change.
	m.setBrokerMetadata([]BrokerMetadata{{NodeID: 1, Host: "b1", Port: 9092}})
	if fired != 0 {
		t.Fatalf("onBrokersChanged fired on an identical broker set")
	}

	// A genuinely different set: fires, asynchronously.
	done := make(chan struct{})
	m.onBrokersChanged = func() { close(done) }
	m.setBrokerMetadata([]BrokerMetadata{{NodeID: 1, Host: "b1", Port: 9999}})
	<-done
}
