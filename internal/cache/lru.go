package cache

import (
	"errors"
	"sync"

	lru "github.com/golang/groupcache/lru"
)

// LRUKey may be any value that is comparable. See http://golang.org/ref/spec#Comparison_operators
type LRUKey = lru.Key

// ErrInvalidMaxEntries is returned when NewLRU is called with a
// maxEntries of zero or less. We require an explicit, positive limit
// since an unbounded object cache would grow for the lifetime of a
// long-running process.
var ErrInvalidMaxEntries = errors.New("maxEntries must be greater than 0")

// LRU represents a LRU cache
type LRU struct {
	cache *lru.Cache
	mu    sync.Mutex
}

// NewLRU creates a new LRU Cache that holds at most maxEntries items.
func NewLRU(maxEntries int) (*LRU, error) {
	if maxEntries <= 0 {
		return nil, ErrInvalidMaxEntries
	}
	return &LRU{
		cache: lru.New(maxEntries),
	}, nil
}

// Get looks up a key's value from the cache.
func (c *LRU) Get(key LRUKey) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cache.Get(key)
}

// Add adds a value to the cache.
func (c *LRU) Add(key LRUKey, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, value)
}

// Clear purges all stored items from the cache.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Clear()
}

// Len returns the number of items in the cache.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cache.Len()
}
