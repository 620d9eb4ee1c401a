package kgo

import (
	"encoding/binary"
	"io"
)

// frameReader splits a Kafka connection's byte stream into length-prefixed
// response frames: a 4-byte big-endian size followed by that many bytes of
// body (correlationId + response payload). spec.md §4.1 describes this as
// an append-only receive buffer driven by a handleReceivedData hook, which
// fits an event-loop socket that delivers arbitrary-sized chunks
// asynchronously; over Go's blocking net.Conn, the equivalent is a reader
// that blocks until exactly one frame's bytes are available, so frameReader
// wraps io.Reader directly instead of maintaining its own byte accumulator.
type frameReader struct {
	maxSize int32
}

func newFrameReader(maxSize int32) frameReader {
	return frameReader{maxSize: maxSize}
}

// next blocks until one full frame is available on r, or an error (EOF,
// read error, oversize frame) occurs. The returned slice holds exactly the
// frame body, i.e. everything after the 4-byte length.
func (fr frameReader) next(r io.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, wrapReadErr(err)
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size <= 0 {
		return nil, ErrInvalidRespSize
	}
	if fr.maxSize > 0 && size > fr.maxSize {
		return nil, &ErrLargeRespSize{Size: size, Limit: fr.maxSize}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, wrapReadErr(err)
	}
	return body, nil
}

// wrapReadErr preserves a net.Error's Timeout-ness (callers like
// negotiateAPIVersions distinguish a deadline expiring from a dead
// connection) while collapsing everything else — EOF, reset, closed — to
// the client's own ErrConnDead.
func wrapReadErr(err error) error {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return err
	}
	return ErrConnDead
}

// correlationID extracts the leading 4-byte correlation id from a frame
// body, per the response layout in spec.md §6: `length | correlationId |
// body`. The caller is responsible for skipping any flexible-header tagged
// fields the negotiated version adds after it.
func correlationID(frame []byte) (int32, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, ErrConnDead
	}
	return int32(binary.BigEndian.Uint32(frame[:4])), frame[4:], nil
}
