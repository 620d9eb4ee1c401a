package kgo

import "sync"

// bufPool reuses issued-request byte slices across writes to brokers,
// adapted directly from the teacher's broker.go bufPool — unchanged in
// shape, since a pooled scratch buffer is ambient infrastructure, not
// domain logic.
type bufPool struct{ p *sync.Pool }

func newBufPool() bufPool {
	return bufPool{
		p: &sync.Pool{New: func() any { r := make([]byte, 1<<10); return &r }},
	}
}

func (p bufPool) get() []byte  { return (*p.p.Get().(*[]byte))[:0] }
func (p bufPool) put(b []byte) { p.p.Put(&b) }
