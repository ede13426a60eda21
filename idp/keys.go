package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/singleflight"
)

// Key cache defaults.
const (
	DefaultKeyTTL             = time.Hour
	DefaultMinRefreshInterval = 5 * time.Minute
	DefaultKeyFetchTimeout    = 5 * time.Second
)

// maximum JWKS document size accepted from the provider
const maxJWKSBytes = 1 << 20

// KeyFetcher retrieves the provider's current public key set.
type KeyFetcher interface {
	FetchKeys(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// KeyCacheConfig tunes a KeyCache. Zero values select defaults.
type KeyCacheConfig struct {
	TTL                time.Duration
	MinRefreshInterval time.Duration
	Now                func() time.Time
}

type cachedKeys struct {
	set       *jose.JSONWebKeySet
	fetchedAt time.Time
}

// KeyCache serves the provider key set with a hard freshness bound. Once
// the TTL has passed the cache never answers from the old set: a failed
// refresh is returned to the caller.
type KeyCache struct {
	fetcher    KeyFetcher
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	current atomic.Pointer[cachedKeys]
	group   singleflight.Group
}

// NewKeyCache constructs a cache in front of fetcher.
func NewKeyCache(fetcher KeyFetcher, cfg KeyCacheConfig) *KeyCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultKeyTTL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &KeyCache{
		fetcher:    fetcher,
		ttl:        cfg.TTL,
		minRefresh: cfg.MinRefreshInterval,
		now:        cfg.Now,
	}
}

// Keys returns the cached key set, refreshing it when older than the TTL.
func (c *KeyCache) Keys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if cached := c.current.Load(); cached != nil && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.set, nil
	}
	entry, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return entry.set, nil
}

// Lookup resolves a key by id. An unknown kid forces one early refresh,
// rate limited by MinRefreshInterval, so rotated keys are picked up.
func (c *KeyCache) Lookup(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	set, err := c.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if key := findKey(set, kid); key != nil {
		return key, nil
	}

	cached := c.current.Load()
	if cached == nil || c.now().Sub(cached.fetchedAt) < c.minRefresh {
		return nil, ErrUnknownKey
	}
	entry, err := c.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key := findKey(entry.set, kid); key != nil {
		return key, nil
	}
	return nil, ErrUnknownKey
}

func (c *KeyCache) refresh(ctx context.Context) (*cachedKeys, error) {
	v, err, _ := c.group.Do("jwks", func() (any, error) {
		set, err := c.fetcher.FetchKeys(ctx)
		if err != nil {
			var kfe *KeyFetchError
			if errors.As(err, &kfe) {
				return nil, kfe
			}
			return nil, &KeyFetchError{Err: err}
		}
		entry := &cachedKeys{set: set, fetchedAt: c.now()}
		c.current.Store(entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedKeys), nil
}

func findKey(set *jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if set == nil || kid == "" {
		return nil
	}
	keys := set.Key(kid)
	if len(keys) == 0 {
		return nil
	}
	key := keys[0]
	return &key
}

// HTTPKeyFetcher downloads a JWKS document.
type HTTPKeyFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPKeyFetcher returns a fetcher with a pooled client and a fixed timeout.
func NewHTTPKeyFetcher(jwksURL string, timeout time.Duration) *HTTPKeyFetcher {
	if timeout <= 0 {
		timeout = DefaultKeyFetchTimeout
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &HTTPKeyFetcher{URL: jwksURL, Client: client}
}

// FetchKeys implements KeyFetcher.
func (f *HTTPKeyFetcher) FetchKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, &KeyFetchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &KeyFetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, &KeyFetchError{Err: fmt.Errorf("jwks fetch failed: %s", resp.Status)}
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return nil, &KeyFetchError{Err: fmt.Errorf("decode jwks: %w", err)}
	}
	if err := checkKeySet(&set); err != nil {
		return nil, &KeyFetchError{Err: err}
	}
	return &set, nil
}

func checkKeySet(set *jose.JSONWebKeySet) error {
	if len(set.Keys) == 0 {
		return errors.New("jwks contains no keys")
	}
	for _, k := range set.Keys {
		if k.KeyID == "" {
			return errors.New("jwks key without kid")
		}
		if !k.IsPublic() {
			return fmt.Errorf("jwks key %s is not a public key", k.KeyID)
		}
	}
	return nil
}
