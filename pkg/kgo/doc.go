// Package kgo implements the core of a Kafka client: a pool of broker
// connections, a refreshed view of cluster and topic metadata, routing of
// requests to the correct broker (leader, controller, or group coordinator),
// and correlation-id multiplexing of in-flight requests over each
// connection.
//
// This package does not encode or decode Kafka request/response bodies
// itself; that is delegated to github.com/twmb/franz-go/pkg/kmsg, a
// versioned registry of wire-format types. Likewise, protocol-level errors
// are resolved through github.com/twmb/franz-go/pkg/kerr rather than
// reimplemented here. Building a Producer, Consumer, or ConsumerGroup on top
// of Client.Request / Client.RequestSharded is left to higher layers.
package kgo
