package kgo

import (
	"context"
	"sync"
	"time"
)

// pool is the BrokerPool of spec.md §4.4: two disjoint sets of live
// connections keyed by host:port, one for ordinary requests and one for
// long-polling fetches. The same endpoint may have entries in both —
// produce/metadata/admin traffic never shares a socket with a fetch loop's
// outstanding long poll, so a slow-to-return fetch never head-of-line
// blocks an unrelated request.
type pool struct {
	cl *Client

	mu          sync.Mutex
	brokers     map[string]*brokerCxn
	longpolling map[string]*brokerCxn
	closing     bool
}

func newPool(cl *Client) *pool {
	return &pool{
		cl:          cl,
		brokers:     make(map[string]*brokerCxn),
		longpolling: make(map[string]*brokerCxn),
	}
}

func (p *pool) set(longpolling bool) map[string]*brokerCxn {
	if longpolling {
		return p.longpolling
	}
	return p.brokers
}

// getOrOpen returns the live connection for meta, dialing and negotiating a
// new one on a cache miss. A dead cached entry is discarded and redialed
// rather than returned.
func (p *pool) getOrOpen(ctx context.Context, meta BrokerMetadata, longpolling bool) (*brokerCxn, error) {
	addr := meta.addr()

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrClientClosing
	}
	set := p.set(longpolling)
	if cxn, ok := set[addr]; ok && cxn.isConnected() {
		p.mu.Unlock()
		return cxn, nil
	}
	p.mu.Unlock()

	cxn := newBrokerCxn(p.cl, meta, addr, longpolling)
	if err := cxn.dial(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		cxn.close()
		return nil, ErrClientClosing
	}
	p.set(longpolling)[addr] = cxn
	p.mu.Unlock()

	return cxn, nil
}

// getConnected returns every presently-connected connection across both
// pools, used by the Router's any-connected selection.
func (p *pool) getConnected() []*brokerCxn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*brokerCxn
	for _, set := range [...]map[string]*brokerCxn{p.brokers, p.longpolling} {
		for _, cxn := range set {
			if cxn.isConnected() {
				out = append(out, cxn)
			}
		}
	}
	return out
}

// closeDead closes and drops every connection, in either pool, whose
// address is not in validAddrs. Called after every metadata refresh to
// reap brokers that left the cluster, per spec.md §4.4/Testable Property 2.
func (p *pool) closeDead(validAddrs map[string]struct{}) {
	p.mu.Lock()
	var dead []*brokerCxn
	for _, set := range [...]map[string]*brokerCxn{p.brokers, p.longpolling} {
		for addr, cxn := range set {
			if _, ok := validAddrs[addr]; !ok {
				dead = append(dead, cxn)
				delete(set, addr)
			}
		}
	}
	p.mu.Unlock()

	for _, cxn := range dead {
		cxn.close()
	}
}

// reapIdle closes and drops every connection that has been inactive longer
// than idleDur; it is the idle-at-retry-time half of spec.md §4.1's
// reconnect suppression, applied directly by the pool instead of only at
// the moment a given connection happens to die.
func (p *pool) reapIdle(idleDur time.Duration) {
	p.mu.Lock()
	var idle []*brokerCxn
	for _, set := range [...]map[string]*brokerCxn{p.brokers, p.longpolling} {
		for addr, cxn := range set {
			if cxn.isIdle(idleDur) {
				idle = append(idle, cxn)
				delete(set, addr)
			}
		}
	}
	p.mu.Unlock()

	for _, cxn := range idle {
		cxn.close()
	}
}

// dropDead removes cxn from its pool map, but only if it is still the
// current entry for its address; a newer connection generation that has
// already replaced it (e.g. a concurrent getOrOpen) is left untouched. This
// is the pool-removal half of a connection's unintentional death, per
// spec.md §4.1/S3 — the reconnect itself is scheduled by the dying cxn.
func (p *pool) dropDead(cxn *brokerCxn) {
	p.mu.Lock()
	set := p.set(cxn.longpolling)
	if cur, ok := set[cxn.addr]; ok && cur == cxn {
		delete(set, cxn.addr)
	}
	p.mu.Unlock()
}

// closeAll tears down every connection in both pools and marks the pool
// closed, so subsequent getOrOpen calls fail fast with ErrClientClosing.
func (p *pool) closeAll() {
	p.mu.Lock()
	p.closing = true
	var all []*brokerCxn
	for _, set := range [...]map[string]*brokerCxn{p.brokers, p.longpolling} {
		for addr, cxn := range set {
			all = append(all, cxn)
			delete(set, addr)
		}
	}
	p.mu.Unlock()

	for _, cxn := range all {
		cxn.close()
	}
}
