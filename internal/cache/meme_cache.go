package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// MemeKey identifies one generation result. Identical inputs hit the same
// entry, so regenerating the same meme is idempotent while the entry lives.
type MemeKey struct {
	UserID    string
	Prompt    string
	Tone      string
	BaseImage string
}

func (k MemeKey) hash() string {
	h := sha256.New()
	for _, part := range []string{k.UserID, k.Prompt, k.Tone, k.BaseImage} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type memeEntry struct {
	key       string
	value     []byte
	size      int64
	expiresAt time.Time
}

// MemeCache is an in-process LRU bounded by total byte size, with a per-entry
// TTL. Safe for concurrent use.
type MemeCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	size    int64
	maxSize int64
	ttl     time.Duration
}

// NewMemeCache creates a cache bounded to maxSize bytes with the given
// default TTL.
func NewMemeCache(maxSize int64, ttl time.Duration) *MemeCache {
	return &MemeCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached result, or false on miss or expiry.
func (c *MemeCache) Get(key MemeKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key.hash()]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*memeEntry)
	if time.Now().After(entry.expiresAt) {
		c.remove(elem)
		return nil, false
	}

	c.order.MoveToFront(elem)
	return entry.value, true
}

// Put stores a result with the default TTL.
func (c *MemeCache) Put(key MemeKey, value []byte) {
	c.PutTTL(key, value, c.ttl)
}

// PutTTL stores a result with an explicit TTL. Entries larger than the whole
// cache are not stored.
func (c *MemeCache) PutTTL(key MemeKey, value []byte, ttl time.Duration) {
	size := int64(len(value))
	if size > c.maxSize {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := key.hash()
	if elem, ok := c.entries[hash]; ok {
		c.remove(elem)
	}

	entry := &memeEntry{
		key:       hash,
		value:     value,
		size:      size,
		expiresAt: time.Now().Add(ttl),
	}
	c.entries[hash] = c.order.PushFront(entry)
	c.size += size

	for c.size > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}
}

// Len returns the number of live entries.
func (c *MemeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the current total byte size.
func (c *MemeCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Purge drops every entry.
func (c *MemeCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// remove must be called with the lock held.
func (c *MemeCache) remove(elem *list.Element) {
	entry := elem.Value.(*memeEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.key)
	c.size -= entry.size
}
