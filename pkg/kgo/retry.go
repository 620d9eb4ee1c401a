package kgo

import (
	"math/rand"
	"time"

	"github.com/eapache/go-resiliency/retrier"
)

// bootstrapRetrier builds the retry schedule spec.md §4.8 and the
// connectRetryOptions config describe: a fixed number of attempts at
// exponentially growing backoff, bounded by min/max and optionally
// randomized (+/-50%, the same jitter shape go-resiliency's own
// ExponentialBackoff leaves to the caller to add). go-resiliency is the
// retry/backoff library already pinned in the pack (trivago-gollum pulls it
// in transitively through Shopify/sarama for exactly this kind of
// connect-retry loop), so the bootstrap schedule is built from its
// primitives instead of a hand-rolled backoff loop.
func bootstrapRetrier(cfg *cfg) *retrier.Retrier {
	backoff := make([]time.Duration, cfg.connectRetries)
	d := cfg.connectMinTimeout
	for i := range backoff {
		wait := d
		if cfg.connectRandomize {
			jitter := time.Duration(rand.Int63n(int64(wait))) - wait/2
			wait += jitter
		}
		if wait > cfg.connectMaxTimeout {
			wait = cfg.connectMaxTimeout
		}
		if wait < 0 {
			wait = 0
		}
		backoff[i] = wait
		d = time.Duration(float64(d) * cfg.connectFactor)
		if d > cfg.connectMaxTimeout {
			d = cfg.connectMaxTimeout
		}
	}
	return retrier.New(backoff, retrier.DefaultClassifier{})
}
