package kgo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// cfg holds every option recognized in spec.md §6. It is unexported and
// populated exclusively through Opt values, following the teacher's
// functional-options shape.
type cfg struct {
	seedBrokers []string // trimmed host:port entries of "kafkaHost", as given; NewClient splits them

	connectTimeout  time.Duration
	requestTimeout  time.Duration
	idleConnection  time.Duration
	autoConnect     bool
	tls             *tls.Config
	clientID        string
	softwareName    string
	softwareVersion string

	versionsDisabled       bool
	versionsRequestTimeout time.Duration

	connectRetries   int
	connectFactor    float64
	connectMinTimeout time.Duration
	connectMaxTimeout time.Duration
	connectRandomize bool

	maxAsyncRequests int
	maxBrokerReadBytes int32

	noAckBatchOptions any

	logger Logger
	hooks  hooks

	dialFn func(ctx context.Context, network, addr string) (net.Conn, error)
}

func defaultCfg() cfg {
	return cfg{
		seedBrokers: []string{"localhost:9092"},

		connectTimeout: 10 * time.Second,
		requestTimeout: 30 * time.Second,
		idleConnection: 300 * time.Second,
		autoConnect:    true,
		clientID:       "kafka-node-client",

		softwareName:    "kafka-node",
		softwareVersion: "0.0.0",

		versionsRequestTimeout: 500 * time.Millisecond,

		connectRetries:    5,
		connectFactor:     2,
		connectMinTimeout: time.Second,
		connectMaxTimeout: 60 * time.Second,
		connectRandomize:  true,

		maxAsyncRequests:   10,
		maxBrokerReadBytes: 100 << 20,

		logger: nopLogger{},

		dialFn: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

func (c *cfg) validate() error {
	if len(c.seedBrokers) == 0 {
		return errors.New("kgo: no seed brokers configured")
	}
	if c.clientID == "" {
		return errors.New("kgo: clientID must not be empty")
	}
	for _, r := range c.clientID {
		if r > 127 {
			return fmt.Errorf("kgo: clientID %q is not ASCII", c.clientID)
		}
	}
	if c.requestTimeout <= 0 {
		return errors.New("kgo: requestTimeout must be positive")
	}
	return nil
}

// Opt is a single configuration option, applied in NewClient.
type Opt interface {
	apply(*cfg)
}

type opt struct{ fn func(*cfg) }

func (o opt) apply(c *cfg) { o.fn(c) }

// KafkaHost parses a comma-separated list of bootstrap broker endpoints.
// IPv6 hosts may be bracketed ("[::1]:9092"); the entries are stored as
// given, and NewClient strips the brackets when it splits each one into host
// and port.
func KafkaHost(hostList string) Opt {
	return opt{func(c *cfg) {
		var hosts []string
		for _, h := range strings.Split(hostList, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				hosts = append(hosts, h)
			}
		}
		c.seedBrokers = hosts
	}}
}

// ConnectTimeout overrides the per-socket connect deadline.
func ConnectTimeout(d time.Duration) Opt {
	return opt{func(c *cfg) { c.connectTimeout = d }}
}

// RequestTimeout overrides the default per-request deadline.
func RequestTimeout(d time.Duration) Opt {
	return opt{func(c *cfg) { c.requestTimeout = d }}
}

// IdleConnection overrides how long a connection must be inactive at retry
// time for its reconnect to be suppressed.
func IdleConnection(d time.Duration) Opt {
	return opt{func(c *cfg) { c.idleConnection = d }}
}

// AutoConnect controls whether NewClient starts Connect immediately.
func AutoConnect(b bool) Opt {
	return opt{func(c *cfg) { c.autoConnect = b }}
}

// WithTLS enables a TLS transport for every broker dial.
func WithTLS(tc *tls.Config) Opt {
	return opt{func(c *cfg) { c.tls = tc }}
}

// ClientID sets the identifier sent with every request header.
func ClientID(id string) Opt {
	return opt{func(c *cfg) { c.clientID = id }}
}

// DisableAPIVersions skips ApiVersions negotiation; every connection uses
// baseProtocolVersions unconditionally.
func DisableAPIVersions() Opt {
	return opt{func(c *cfg) { c.versionsDisabled = true }}
}

// APIVersionsTimeout overrides the ApiVersions request deadline.
func APIVersionsTimeout(d time.Duration) Opt {
	return opt{func(c *cfg) { c.versionsRequestTimeout = d }}
}

// ConnectRetryOptions overrides the bootstrap retry schedule.
func ConnectRetryOptions(retries int, factor float64, minTimeout, maxTimeout time.Duration, randomize bool) Opt {
	return opt{func(c *cfg) {
		c.connectRetries = retries
		c.connectFactor = factor
		c.connectMinTimeout = minTimeout
		c.connectMaxTimeout = maxTimeout
		c.connectRandomize = randomize
	}}
}

// MaxAsyncRequests bounds the fan-out concurrency of ListGroups/DescribeGroups.
func MaxAsyncRequests(n int) Opt {
	return opt{func(c *cfg) { c.maxAsyncRequests = n }}
}

// NoAckBatchOptions stores an opaque requireAcks=0 batching configuration
// that Client.NoAckBatchOptions returns unchanged; its shape is owned by the
// producer layer built on top of this client. No broker connection reads
// it, and the client does no requireAcks=0 batching of its own.
func NoAckBatchOptions(v any) Opt {
	return opt{func(c *cfg) { c.noAckBatchOptions = v }}
}

// WithLogger overrides the default no-op Logger.
func WithLogger(l Logger) Opt {
	return opt{func(c *cfg) { c.logger = l }}
}

// WithHooks attaches additional observers (e.g. NewPrometheusMetrics).
func WithHooks(hs ...Hook) Opt {
	return opt{func(c *cfg) { c.hooks = append(c.hooks, hs...) }}
}

// WithDialFn overrides how TCP connections are established; tests use this
// to dial an in-memory net.Pipe instead of a real socket.
func WithDialFn(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Opt {
	return opt{func(c *cfg) { c.dialFn = fn }}
}

// SoftwareNameAndVersion sets the ClientSoftwareName/Version fields sent in
// the ApiVersions request, per KIP-511.
func SoftwareNameAndVersion(name, version string) Opt {
	return opt{func(c *cfg) { c.softwareName, c.softwareVersion = name, version }}
}
