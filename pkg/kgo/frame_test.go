package kgo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func encodeFrame(body []byte) []byte {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	return append(sizeBuf[:], body...)
}

func TestFrameReaderNext(t *testing.T) {
	body := []byte{0, 0, 0, 42, 1, 2, 3}
	r := bytes.NewReader(encodeFrame(body))

	fr := newFrameReader(1 << 20)
	got, err := fr.next(r)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("got %v want %v", got, body)
	}
}

func TestFrameReaderRejectsNonPositiveSize(t *testing.T) {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], 0)
	r := bytes.NewReader(sizeBuf[:])

	fr := newFrameReader(1 << 20)
	if _, err := fr.next(r); !errors.Is(err, ErrInvalidRespSize) {
		t.Fatalf("got %v, want ErrInvalidRespSize", err)
	}
}

func TestFrameReaderRejectsOversizeFrame(t *testing.T) {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], 1<<20)
	r := bytes.NewReader(sizeBuf[:])

	fr := newFrameReader(1024)
	_, err := fr.next(r)
	var tooLarge *ErrLargeRespSize
	if !errors.As(err, &tooLarge) {
		t.Fatalf("got %v, want *ErrLargeRespSize", err)
	}
	if tooLarge.Limit != 1024 || tooLarge.Size != 1<<20 {
		t.Fatalf("unexpected fields: %+v", tooLarge)
	}
}

func TestFrameReaderShortReadIsConnDead(t *testing.T) {
	// Declares a 10-byte body but only supplies 3.
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], 10)
	r := bytes.NewReader(append(sizeBuf[:], []byte{1, 2, 3}...))

	fr := newFrameReader(1 << 20)
	if _, err := fr.next(r); !errors.Is(err, ErrConnDead) {
		t.Fatalf("got %v, want ErrConnDead", err)
	}
}

func TestFrameReaderPreservesTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	client.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	fr := newFrameReader(1 << 20)
	_, err := fr.next(client)

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("got %v, want a timeout net.Error", err)
	}
}

func TestCorrelationID(t *testing.T) {
	frame := []byte{0, 0, 0, 7, 9, 9}
	id, rest, err := correlationID(frame)
	if err != nil {
		t.Fatalf("correlationID: %v", err)
	}
	if id != 7 {
		t.Fatalf("got id %d, want 7", id)
	}
	if !bytes.Equal(rest, []byte{9, 9}) {
		t.Fatalf("got rest %v, want [9 9]", rest)
	}
}

func TestCorrelationIDTooShort(t *testing.T) {
	if _, _, err := correlationID([]byte{0, 0}); !errors.Is(err, ErrConnDead) {
		t.Fatalf("got %v, want ErrConnDead", err)
	}
}
