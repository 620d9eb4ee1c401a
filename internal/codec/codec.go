// Package codec looks up a compression implementation for a record batch's
// attributes byte, per the lowest three bits of the Kafka record batch
// "attributes" field (spec.md §1 treats this as an external collaborator,
// a lookup over implementations rather than something the client core
// writes itself).
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Type identifies a compression algorithm by the low 3 bits of a record
// batch's attributes field.
type Type int8

const (
	None Type = iota
	Gzip
	Snappy
	LZ4
	ZSTD
)

// Codec compresses and decompresses record batch payloads for one
// algorithm.
type Codec interface {
	Decompress(src []byte) ([]byte, error)
	Compress(dst io.Writer, src []byte) error
}

// ForAttributes returns the Codec for the compression bits of attributes,
// and false if those bits select an algorithm this client does not
// implement.
func ForAttributes(attributes int8) (Codec, bool) {
	switch Type(attributes & 0x7) {
	case None:
		return noopCodec{}, true
	case Gzip:
		return gzipCodec{}, true
	case Snappy:
		return snappyCodec{}, true
	case LZ4:
		return lz4Codec{}, true
	case ZSTD:
		return zstdCodec{}, true
	default:
		return nil, false
	}
}

type noopCodec struct{}

func (noopCodec) Decompress(src []byte) ([]byte, error) { return src, nil }
func (noopCodec) Compress(dst io.Writer, src []byte) error {
	_, err := dst.Write(src)
	return err
}

type gzipCodec struct{}

func (gzipCodec) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (gzipCodec) Compress(dst io.Writer, src []byte) error {
	w := gzip.NewWriter(dst)
	if _, err := w.Write(src); err != nil {
		return fmt.Errorf("codec: gzip: %w", err)
	}
	return w.Close()
}

type snappyCodec struct{}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("codec: snappy: %w", err)
	}
	return out, nil
}

func (snappyCodec) Compress(dst io.Writer, src []byte) error {
	_, err := dst.Write(snappy.Encode(nil, src))
	return err
}

type lz4Codec struct{}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	return io.ReadAll(r)
}

func (lz4Codec) Compress(dst io.Writer, src []byte) error {
	w := lz4.NewWriter(dst)
	if _, err := w.Write(src); err != nil {
		return fmt.Errorf("codec: lz4: %w", err)
	}
	return w.Close()
}

type zstdCodec struct{}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (zstdCodec) Compress(dst io.Writer, src []byte) error {
	w, err := zstd.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("codec: zstd: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return fmt.Errorf("codec: zstd: %w", err)
	}
	return w.Close()
}
