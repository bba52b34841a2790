package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/glyphnet/glyphnet/fedid"
)

var (
	// ErrDiscoveryUnavailable indicates the remote JWKS endpoint could not
	// be reached and no usable entry remained within the staleness grace.
	// Retryable.
	ErrDiscoveryUnavailable = errors.New("jwks: discovery unavailable")

	// ErrUnknownHost indicates the remote host answered but does not
	// publish a JWKS document. Not retryable.
	ErrUnknownHost = errors.New("jwks: unknown remote host")

	// ErrKeyNotFound indicates the kid is absent from the remote's current
	// key set, even after a forced refresh.
	ErrKeyNotFound = errors.New("jwks: key not found")
)

const (
	// DefaultTTL is how long a fetched key set is served without refetching.
	DefaultTTL = 5 * time.Minute
	// DefaultGrace is how far past TTL a last-known-good entry may still be
	// served when the remote is unreachable.
	DefaultGrace = 15 * time.Minute
	// defaultFetchTimeout bounds one remote fetch independently of any
	// single waiter's deadline.
	defaultFetchTimeout = 10 * time.Second

	// forcedRefreshFloor avoids refetching for a kid miss when the entry
	// was itself fetched moments ago; a fresh document that lacks the kid
	// will not have grown it since.
	forcedRefreshFloor = 2 * time.Second
)

// Cache fetches and caches remote hosts' JWKS documents.
//
// Fetches are coalesced per remote host: concurrent callers for the same
// host await a single in-flight fetch, and an individual waiter's context
// cancellation abandons only that waiter, never the shared fetch. Entries
// are mutated exclusively through the coalesced refresh path, so a caller
// never observes a key set older than one already served except under the
// explicit stale-grace fallback.
type Cache struct {
	client       *http.Client
	ttl          time.Duration
	grace        time.Duration
	fetchTimeout time.Duration
	baseURL      func(host string) string
	logger       *slog.Logger
	now          func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	stale   bool
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the refresh interval.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = d }
}

// WithGrace overrides the stale-on-failure window.
func WithGrace(d time.Duration) CacheOption {
	return func(c *Cache) { c.grace = d }
}

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *Cache) { c.client = client }
}

// WithBaseURL overrides how a host identifier maps to a base address.
// Tests point this at httptest servers.
func WithBaseURL(fn func(host string) string) CacheOption {
	return func(c *Cache) { c.baseURL = fn }
}

// WithLogger attaches a logger for fetch failures and stale fallbacks.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = logger }
}

// WithCacheClock overrides the time source, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a discovery cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		client:       &http.Client{},
		ttl:          DefaultTTL,
		grace:        DefaultGrace,
		fetchTimeout: defaultFetchTimeout,
		baseURL:      fedid.BaseURL,
		logger:       slog.Default(),
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keys returns the remote host's current public key set, fetching or
// refreshing as needed.
func (c *Cache) Keys(ctx context.Context, host string) (jose.JSONWebKeySet, error) {
	return c.keys(ctx, host, false)
}

// KeyByID resolves one key of the remote host. A kid missing from a cached
// entry forces exactly one immediate refresh before failing, which covers
// the skew between a remote rotating and this host noticing.
func (c *Cache) KeyByID(ctx context.Context, host, kid string) (jose.JSONWebKey, error) {
	host = fedid.NormalizeHost(host)
	set, err := c.keys(ctx, host, false)
	if err != nil {
		return jose.JSONWebKey{}, err
	}
	if k, ok := findKey(set, kid); ok {
		return k, nil
	}

	if e := c.lookup(host); e == nil || c.now().Sub(e.fetched) >= forcedRefreshFloor {
		set, err = c.keys(ctx, host, true)
		if err != nil {
			return jose.JSONWebKey{}, err
		}
		if k, ok := findKey(set, kid); ok {
			return k, nil
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: kid %q at %s", ErrKeyNotFound, kid, host)
}

func (c *Cache) keys(ctx context.Context, host string, force bool) (jose.JSONWebKeySet, error) {
	host = fedid.NormalizeHost(host)
	if !force {
		if e := c.lookup(host); e != nil && !e.stale && c.now().Sub(e.fetched) < c.ttl {
			return e.set, nil
		}
	}

	ch := c.group.DoChan(host, func() (any, error) {
		return c.refresh(host)
	})
	select {
	case <-ctx.Done():
		// The shared fetch keeps running for other waiters.
		return jose.JSONWebKeySet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return jose.JSONWebKeySet{}, res.Err
		}
		return res.Val.(jose.JSONWebKeySet), nil
	}
}

// refresh performs the single network fetch for a host and commits the
// result. It runs detached from any one caller's context.
func (c *Cache) refresh(host string) (jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	defer cancel()

	url := c.baseURL(host) + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return c.fallback(host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return jose.JSONWebKeySet{}, fmt.Errorf("%w: %s does not publish %s", ErrUnknownHost, host, WellKnownPath)
	case resp.StatusCode != http.StatusOK:
		return c.fallback(host, fmt.Errorf("status %d", resp.StatusCode))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return c.fallback(host, fmt.Errorf("decode: %w", err))
	}

	c.mu.Lock()
	c.entries[host] = &entry{set: set, fetched: c.now()}
	c.mu.Unlock()
	return set, nil
}

// fallback serves the last-known-good entry within the staleness grace, or
// fails closed.
func (c *Cache) fallback(host string, cause error) (jose.JSONWebKeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[host]; ok && c.now().Sub(e.fetched) < c.ttl+c.grace {
		e.stale = true
		c.logger.Warn("serving stale JWKS after fetch failure",
			slog.String("remote_host", host),
			slog.Duration("age", c.now().Sub(e.fetched)),
			slog.String("err", cause.Error()))
		return e.set, nil
	}
	delete(c.entries, host)
	return jose.JSONWebKeySet{}, fmt.Errorf("%w: host %s: %v", ErrDiscoveryUnavailable, host, cause)
}

func (c *Cache) lookup(host string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[host]
}

func findKey(set jose.JSONWebKeySet, kid string) (jose.JSONWebKey, bool) {
	for _, k := range set.Keys {
		if k.KeyID == kid {
			return k, true
		}
	}
	return jose.JSONWebKey{}, false
}
