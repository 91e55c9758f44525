// Package pool caches backend clients per tenant credential.
//
// Construction is single-flight per key: concurrent first use of a credential
// builds exactly one client and every caller receives that instance. The cache
// is bounded by size (LRU) and age (TTL); evicted clients are closed when they
// implement io.Closer.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/nous-labs/analyst/pkg/backend"
	"github.com/nous-labs/analyst/pkg/credentials"
)

const (
	DefaultMaxSize = 256
	DefaultTTL     = 30 * time.Minute
)

var (
	poolConstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyst",
		Subsystem: "pool",
		Name:      "constructions_total",
		Help:      "Backend client constructions by status.",
	}, []string{"status"})

	poolEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "analyst",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Backend clients evicted by size or age.",
	})

	poolLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analyst",
		Subsystem: "pool",
		Name:      "lookups_total",
		Help:      "Pool lookups by result (hit, miss).",
	}, []string{"result"})
)

// Client is a pooled backend client.
type Client struct {
	backend.Client
	Key       string
	CreatedAt time.Time
}

// Options bounds the pool. Zero values take the defaults.
type Options struct {
	MaxSize int
	TTL     time.Duration
}

// Pool maps credential keys to backend clients.
type Pool struct {
	factory backend.Factory
	cache   *expirable.LRU[string, *Client]
	flight  singleflight.Group
}

// New creates a pool that builds clients with factory.
func New(factory backend.Factory, opts Options) *Pool {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	p := &Pool{factory: factory}
	p.cache = expirable.NewLRU[string, *Client](opts.MaxSize, onEvict, opts.TTL)
	return p
}

func onEvict(key string, c *Client) {
	poolEvictionsTotal.Inc()
	if closer, ok := c.Client.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("pool: close evicted client", "key", key, "error", err)
		}
	}
	slog.Debug("pool: evicted client", "key", key, "age", time.Since(c.CreatedAt).Round(time.Second))
}

// Get returns the client for cred, constructing it on first use.
func (p *Pool) Get(ctx context.Context, cred credentials.Credential) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := cred.Key()
	if c, ok := p.cache.Get(key); ok {
		poolLookupsTotal.WithLabelValues("hit").Inc()
		return c, nil
	}
	poolLookupsTotal.WithLabelValues("miss").Inc()

	v, err, _ := p.flight.Do(key, func() (any, error) {
		// Another flight may have finished between our miss and this call.
		if c, ok := p.cache.Get(key); ok {
			return c, nil
		}
		inner, err := p.factory(cred.Secret)
		if err != nil {
			poolConstructionsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("build backend client for %s: %w", cred.Ref, err)
		}
		c := &Client{Client: inner, Key: key, CreatedAt: time.Now()}
		p.cache.Add(key, c)
		poolConstructionsTotal.WithLabelValues("ok").Inc()
		slog.Info("pool: constructed client", "ref", cred.Ref, "size", p.cache.Len())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

// Len returns the number of live clients.
func (p *Pool) Len() int {
	return p.cache.Len()
}

// Remove drops one credential's client, closing it.
func (p *Pool) Remove(cred credentials.Credential) bool {
	return p.cache.Remove(cred.Key())
}

// Purge closes and drops every client.
func (p *Pool) Purge() {
	p.cache.Purge()
}
