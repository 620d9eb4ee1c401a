package kgo

import (
	"crypto/tls"
	"net"
)

// tlsClient wraps conn in a TLS client connection, cloning tc so each dial
// gets its own ServerName derived from addr when the caller didn't pin one.
// crypto/tls is the only TLS implementation present anywhere in the
// retrieval pack's go.mod files; no third-party alternative is wired
// elsewhere in the ecosystem for this concern.
func tlsClient(conn net.Conn, tc *tls.Config, addr string) net.Conn {
	cfg := tc.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err == nil {
			cfg.ServerName = host
		}
	}
	return tls.Client(conn, cfg)
}
