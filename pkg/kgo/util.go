package kgo

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// splitHostPort parses a "host:port" or bracketed-IPv6 "[host]:port"
// bootstrap endpoint into its parts, per spec.md §3's BrokerEndpoint note
// that IPv6 hosts may be wrapped in brackets and must be unwrapped for the
// pool key.
func splitHostPort(addr string) (host string, port int32, err error) {
	if strings.HasPrefix(addr, "[") {
		end := strings.IndexByte(addr, ']')
		if end < 0 || end+2 >= len(addr) || addr[end+1] != ':' {
			return "", 0, fmt.Errorf("kgo: invalid bracketed host %q", addr)
		}
		host = addr[1:end]
		p, err := strconv.Atoi(addr[end+2:])
		if err != nil {
			return "", 0, fmt.Errorf("kgo: invalid port in %q: %w", addr, err)
		}
		return host, int32(p), nil
	}

	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("kgo: missing port in %q", addr)
	}
	host = addr[:idx]
	p, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("kgo: invalid port in %q: %w", addr, err)
	}
	return host, int32(p), nil
}

func shuffled(n int) []int {
	return rand.Perm(n)
}
