package kgo

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// partitionMetadata is one partition's leader/replica/ISR view, the
// TopicMetadata entry of spec.md §3.
type partitionMetadata struct {
	leader   int32
	replicas []int32
	isr      []int32
	loadErr  error
}

// topicMetadata is one topic's partition map plus any topic-level error
// (e.g. UnknownTopicOrPartition) returned for it in the last refresh.
type topicMetadata struct {
	loadErr    error
	partitions map[int32]*partitionMetadata
}

// metadataStore is the MetadataStore of spec.md §4.3: an in-memory,
// mutex-guarded cache of broker, topic, and controller metadata. Its merge
// logic is grounded on mergeTopicPartitions from the retrieval pack's
// standalone metadata.go reference, trimmed of the record-buffer/consumer
// wiring that belongs to the producer/consumer layer this client does not
// implement.
type metadataStore struct {
	mu sync.RWMutex

	brokers    map[int32]BrokerMetadata
	topics     map[string]*topicMetadata
	controller int32 // unknownControllerID when unresolved

	onBrokersChanged func()
}

func newMetadataStore() *metadataStore {
	return &metadataStore{
		brokers:    make(map[int32]BrokerMetadata),
		topics:     make(map[string]*topicMetadata),
		controller: unknownControllerID,
	}
}

// setBrokerMetadata replaces the broker set. If the previous set was
// non-empty and the new set differs, onBrokersChanged — if set — is invoked
// on a fresh goroutine, mirroring spec.md §4.3's "schedule... on the next
// scheduling tick (not synchronously)" to avoid re-entrancy into whatever
// triggered this refresh.
func (m *metadataStore) setBrokerMetadata(brokers []BrokerMetadata) {
	m.mu.Lock()
	changed := len(m.brokers) != 0 && !sameBrokers(m.brokers, brokers)
	next := make(map[int32]BrokerMetadata, len(brokers))
	for _, b := range brokers {
		next[b.NodeID] = b
	}
	m.brokers = next
	cb := m.onBrokersChanged
	m.mu.Unlock()

	if changed && cb != nil {
		go cb()
	}
}

func sameBrokers(have map[int32]BrokerMetadata, want []BrokerMetadata) bool {
	if len(have) != len(want) {
		return false
	}
	for _, b := range want {
		cur, ok := have[b.NodeID]
		if !ok || cur.Host != b.Host || cur.Port != b.Port {
			return false
		}
	}
	return true
}

// setControllerID is a direct setter; passing unknownControllerID is the
// signal that the cached controller is stale and must be re-resolved.
func (m *metadataStore) setControllerID(id int32) {
	m.mu.Lock()
	m.controller = id
	m.mu.Unlock()
}

func (m *metadataStore) controllerID() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controller
}

func (m *metadataStore) broker(id int32) (BrokerMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.brokers[id]
	return b, ok
}

func (m *metadataStore) allBrokers() []BrokerMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BrokerMetadata, 0, len(m.brokers))
	for _, b := range m.brokers {
		out = append(out, b)
	}
	return out
}

func (m *metadataStore) validAddrs() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.brokers))
	for _, b := range m.brokers {
		out[b.addr()] = struct{}{}
	}
	return out
}

// update applies a Metadata response: brokers are always replaced,
// topicMetadata is either replaced wholesale (bootstrap, or any refresh
// that asked for "all topics") or merged partition-by-partition
// (a refresh scoped to specific topics), and the controller id — if the
// response carries one — is updated too.
func (m *metadataStore) update(resp *kmsg.MetadataResponse, replaceTopics bool) {
	brokers := make([]BrokerMetadata, 0, len(resp.Brokers))
	for _, b := range resp.Brokers {
		brokers = append(brokers, BrokerMetadata{NodeID: b.NodeID, Host: b.Host, Port: b.Port, Rack: b.Rack})
	}
	m.setBrokerMetadata(brokers)

	if resp.ControllerID != 0 || len(resp.Brokers) > 0 {
		m.setControllerID(resp.ControllerID)
	}

	next := make(map[string]*topicMetadata, len(resp.Topics))
	for i := range resp.Topics {
		t := &resp.Topics[i]
		tm := &topicMetadata{
			loadErr:    kerr.ErrorForCode(t.ErrorCode),
			partitions: make(map[int32]*partitionMetadata, len(t.Partitions)),
		}
		for j := range t.Partitions {
			p := &t.Partitions[j]
			tm.partitions[p.Partition] = &partitionMetadata{
				leader:   p.Leader,
				replicas: p.Replicas,
				isr:      p.ISR,
				loadErr:  kerr.ErrorForCode(p.ErrorCode),
			}
		}
		next[t.Topic] = tm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if replaceTopics {
		m.topics = next
		return
	}
	for topic, tm := range next {
		m.topics[topic] = m.mergeTopic(m.topics[topic], tm)
	}
}

// mergeTopic folds a freshly-fetched topicMetadata into the cached one.
// A retriable topic-level error keeps the old partition data (so a caller
// can retry against last-known-good leaders); a non-retriable error, or a
// clean success, replaces it outright. Individual partitions that vanished
// from the new response (topic recreated with fewer partitions, or a stale
// broker answered) are dropped rather than kept around pointing at a
// leader that may no longer exist.
func (m *metadataStore) mergeTopic(old, fresh *topicMetadata) *topicMetadata {
	if old == nil {
		return fresh
	}
	if fresh.loadErr != nil && kerr.IsRetriable(fresh.loadErr) {
		return old
	}
	return fresh
}

// hasMetadata reports whether a leader is known for (topic, partition).
func (m *metadataStore) hasMetadata(topic string, partition int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.topics[topic]
	if !ok || tm.loadErr != nil {
		return false
	}
	p, ok := tm.partitions[partition]
	return ok && p.loadErr == nil
}

// leader returns the broker metadata for (topic, partition)'s leader.
func (m *metadataStore) leader(topic string, partition int32) (BrokerMetadata, bool) {
	m.mu.RLock()
	tm, ok := m.topics[topic]
	if !ok || tm.loadErr != nil {
		m.mu.RUnlock()
		return BrokerMetadata{}, false
	}
	p, ok := tm.partitions[partition]
	m.mu.RUnlock()
	if !ok || p.loadErr != nil {
		return BrokerMetadata{}, false
	}
	return m.broker(p.leader)
}

// missingLeaders returns the subset of (topic, partition) pairs for which
// no leader is currently known.
func (m *metadataStore) missingLeaders(pairs []topicPartition) []topicPartition {
	var missing []topicPartition
	for _, tp := range pairs {
		if !m.hasMetadata(tp.topic, tp.partition) {
			missing = append(missing, tp)
		}
	}
	return missing
}

// topicPartition identifies one partition of one topic.
type topicPartition struct {
	topic     string
	partition int32
}
