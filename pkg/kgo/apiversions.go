package kgo

import (
	"net"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// apiVersions is a per-connection [0, kmsg.MaxKey] table of the highest
// version that connection's broker will accept for each request key,
// negotiated once right after dial. A negative entry means the broker
// never advertised that key.
type apiVersions [kmsg.MaxKey + 1]int16

func newAPIVersions() apiVersions {
	var v apiVersions
	for i := range v {
		v[i] = -1
	}
	return v
}

// baseProtocolVersions is used for brokers old enough (pre-0.10.0) to not
// understand ApiVersions at all; spec.md §4.5 calls this "the base version
// set" used on a negotiation timeout. Only the request keys listed below
// are populated — anything else stays unusable for such a broker.
func baseProtocolVersions() apiVersions {
	v := newAPIVersions()
	v[0] = 0  // Produce
	v[1] = 0  // Fetch
	v[2] = 0  // ListOffsets
	v[3] = 0  // Metadata
	v[8] = 0  // OffsetCommit
	v[9] = 0  // OffsetFetch
	v[10] = 0 // FindCoordinator
	v[15] = 0 // DescribeGroups
	v[16] = 0 // ListGroups
	v[19] = 0 // CreateTopics
	v[20] = 0 // DeleteTopics
	return v
}

// negotiateAPIVersions issues a single ApiVersions request over conn using
// formatter/corrID and returns the resulting per-key version table,
// following spec.md §4.5's three outcomes (success, timeout fallback, empty
// response failure). It is only ever called before a connection's
// handleResps reader has started, so it reads the raw reply itself under a
// plain read deadline rather than going through the callbackQueue.
//
// It reproduces the teacher's pre-2.4.0 downgrade dance verbatim: brokers
// older than 2.4.0 reply to an ApiVersions version they don't recognize
// with a reply that is still framed as v0 and carries UNSUPPORTED_VERSION,
// which must be detected by its exact byte pattern — the response header
// here is not flexible even once every other part of the wire format is —
// before the client can safely decide whether to retry at version 0.
func negotiateAPIVersions(conn net.Conn, formatter *kmsg.RequestFormatter, corrID *int32, buf bufPool, timeout time.Duration, softwareName, softwareVersion string) (apiVersions, error) {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	fr := newFrameReader(100 << 20)

	maxVersion := int16(3)
	for {
		req := &kmsg.ApiVersionsRequest{
			Version:               maxVersion,
			ClientSoftwareName:    softwareName,
			ClientSoftwareVersion: softwareVersion,
		}

		wireBuf := buf.get()
		wireBuf = formatter.AppendRequest(wireBuf[:0], req, *corrID)
		conn.SetWriteDeadline(time.Now().Add(timeout))
		_, err := conn.Write(wireBuf)
		buf.put(wireBuf)
		conn.SetWriteDeadline(time.Time{})
		if err != nil {
			return apiVersions{}, ErrConnDead
		}
		sentCorrID := *corrID
		*corrID++

		conn.SetReadDeadline(time.Now().Add(timeout))
		frame, rawErr := fr.next(conn)
		conn.SetReadDeadline(time.Time{})
		if rawErr != nil {
			if ne, ok := rawErr.(net.Error); ok && ne.Timeout() {
				return baseProtocolVersions(), nil
			}
			return apiVersions{}, rawErr
		}

		gotCorrID, body, err := correlationID(frame)
		if err != nil {
			return apiVersions{}, err
		}
		if gotCorrID != sentCorrID {
			return apiVersions{}, ErrCorrelationIDMismatch
		}
		if len(body) < 2 {
			return apiVersions{}, ErrConnDead
		}

		resp := &kmsg.ApiVersionsResponse{}

		if body[1] == 35 { // UNSUPPORTED_VERSION
			if maxVersion == 0 {
				return apiVersions{}, ErrConnDead
			}
			s := string(body)
			if s == "\x00\x23\x00\x00\x00\x00" ||
				s == "\x00\x23\x00\x00\x00\x00\x00\x00\x00\x00" {
				maxVersion = 0
				continue
			}
			resp.Version = 0
		} else {
			resp.Version = maxVersion
		}

		if err := resp.ReadFrom(body); err != nil {
			return apiVersions{}, ErrConnDead
		}
		if len(resp.ApiKeys) == 0 {
			return apiVersions{}, ErrEmptyAPIVersions
		}

		v := newAPIVersions()
		for _, key := range resp.ApiKeys {
			if key.ApiKey >= 0 && int(key.ApiKey) < len(v) {
				v[key.ApiKey] = key.MaxVersion
			}
		}
		return v, nil
	}
}
