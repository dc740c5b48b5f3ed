package nodeflow

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a component's bounded execution cache, mapping a CacheKey to
// a previously computed output. It is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[uint64, any]
}

// NewCache creates a cache holding at most size entries, evicting the
// least recently used. Returns nil when size is zero or negative; a nil
// Cache never hits.
func NewCache(size int) *Cache {
	if size <= 0 {
		return nil
	}
	entries, err := lru.New[uint64, any](size)
	if err != nil {
		return nil
	}
	return &Cache{entries: entries}
}

// Get returns the cached output for key.
func (c *Cache) Get(key uint64) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.entries.Get(key)
}

// Add stores an output.
func (c *Cache) Add(key uint64, output any) {
	if c == nil {
		return
	}
	c.entries.Add(key, output)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.entries.Purge()
}

type cacheEntry struct {
	Input  []cacheInput   `json:"input"`
	Config map[string]any `json:"config"`
	Keys   string         `json:"keys,omitempty"`
}

type cacheInput struct {
	Source string `json:"source"`
	Port   string `json:"port"`
	Value  any    `json:"value"`
}

// CacheKey hashes a component's input and config, plus a fingerprint of
// keys when keys is non-nil. Map ordering does not affect the result.
func CacheKey(in Input, config, keys map[string]any) (uint64, error) {
	entry := cacheEntry{
		Input:  make([]cacheInput, len(in)),
		Config: config,
	}
	for i, t := range in {
		entry.Input[i] = cacheInput{Source: t.SourceID, Port: t.Port, Value: t.Value}
	}
	if keys != nil {
		fp, err := fingerprint(keys)
		if err != nil {
			return 0, err
		}
		entry.Keys = fp
	}

	// encoding/json writes map keys sorted, which makes this canonical.
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("cache key: %w", err)
	}
	return xxhash.Sum64(data), nil
}

func fingerprint(v map[string]any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("keys fingerprint: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16), nil
}
