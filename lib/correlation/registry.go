// Package correlation keeps track of outbound requests that await an asynchronous reply.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// ErrUnknownCorrelation is returned when a reply arrives for a token that isn't (or no longer) pending.
var ErrUnknownCorrelation = errors.New("unknown correlation token")

var expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "xds_mediator_correlations_expired_total",
	Help: "Total number of outbound requests that received no reply before the correlation timeout",
})

// ErrDuplicateCorrelation is returned when registering a token that is already pending.
var ErrDuplicateCorrelation = errors.New("correlation token already registered")

// DefaultTimeout is used when no timeout is configured.
const DefaultTimeout = time.Minute

// Pending is the state of an outbound request that awaits its reply.
type Pending interface {
	// Expire is called once when no reply was resolved within the registry's timeout.
	Expire()
}

// NewToken generates a new, random correlation token.
func NewToken() string {
	return uuid.NewString()
}

// Registry maps correlation tokens to pending request state. Every entry is consumed exactly once:
// either by Resolve when its reply arrives, or by expiry.
type Registry struct {
	cache   *ttlcache.Cache[string, Pending]
	timeout time.Duration
}

// NewRegistry creates a registry in which pending entries expire after the given timeout.
// Call Start to run the expiry loop.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cache := ttlcache.New[string, Pending](
		ttlcache.WithTTL[string, Pending](timeout),
		ttlcache.WithDisableTouchOnHit[string, Pending](),
	)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Pending]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		expiredTotal.Inc()
		log.Warn().Msgf("Correlation %s expired after %s without a reply", item.Key(), timeout)
		// Expiry callbacks are invoked while the cache is locked
		go item.Value().Expire()
	})
	return &Registry{
		cache:   cache,
		timeout: timeout,
	}
}

// Start starts the expiry loop in the background. It returns immediately; the loop stops when the context is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.cache.Start()
	go func() {
		<-ctx.Done()
		r.cache.Stop()
	}()
}

// Register stores the pending state for the given token.
func (r *Registry) Register(token string, pending Pending) error {
	if token == "" {
		return errors.New("empty correlation token")
	}
	if _, found := r.cache.GetOrSet(token, pending); found {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, token)
	}
	return nil
}

// Resolve removes and returns the pending state for the given token.
// It returns ErrUnknownCorrelation if the token was never registered, was already resolved or has expired.
func (r *Registry) Resolve(token string) (Pending, error) {
	item, found := r.cache.GetAndDelete(token)
	if !found || item == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, token)
	}
	if item.IsExpired() {
		// Removed before the expiry loop got to it, so it won't be notified of the eviction.
		go item.Value().Expire()
		return nil, fmt.Errorf("%w: %s (expired)", ErrUnknownCorrelation, token)
	}
	return item.Value(), nil
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Timeout returns the time after which pending entries expire.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// DeleteExpired expires all pending entries of which the timeout has elapsed.
func (r *Registry) DeleteExpired() {
	r.cache.DeleteExpired()
}
