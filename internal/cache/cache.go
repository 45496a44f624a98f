// Package cache provides an optional in-memory cache for buffered chat
// completions. Identical non-streaming requests from the same user can be
// answered without a second upstream call; the caller still runs accounting
// for every served response.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/modelrelay/relay/internal"
)

// ResponseCache is a W-TinyLFU cache of marshaled chat responses, backed by
// otter. Entries are stored as bytes so cached responses never alias live
// request state.
type ResponseCache struct {
	cache *otter.Cache[string, []byte]
}

// New creates a response cache with the given max entry count and TTL.
func New(maxSize int, ttl time.Duration) (*ResponseCache, error) {
	c, err := otter.New(&otter.Options[string, []byte]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	return &ResponseCache{cache: c}, nil
}

// Key derives the cache key for one user's request. Sampling parameters are
// part of the marshaled request, so two requests differing only in
// temperature hash differently. Session ID is excluded by ChatRequest's
// json tags; it must not split the cache.
func Key(userID string, req *gateway.ChatRequest) string {
	body, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(userID+"\x00"), body...))
	return hex.EncodeToString(sum[:])
}

// Get returns a deep copy of the cached response, if present.
func (c *ResponseCache) Get(key string) (*gateway.ChatResponse, bool) {
	raw, ok := c.cache.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.cache.Invalidate(key)
		return nil, false
	}
	return &resp, true
}

// Set stores a response. The per-request billing block is stripped: cost and
// balance belong to the request that produced them, not to later hits.
func (c *ResponseCache) Set(key string, resp *gateway.ChatResponse) {
	cp := *resp
	cp.GatewayUsage = nil
	raw, err := json.Marshal(&cp)
	if err != nil {
		return
	}
	c.cache.Set(key, raw)
}

// Purge removes all cached responses.
func (c *ResponseCache) Purge() {
	c.cache.InvalidateAll()
}
