// Package respcache implements the bounded LRU response cache of the serving
// core.
//
// The cache is keyed by (class tag, question, conversation digest) and holds
// complete answers. Map and recency order live in one structure guarded by a
// single mutex, so concurrent get/put cannot tear them apart.
package respcache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"github.com/sage-edu/sage/pkg/types"
)

// DefaultCapacity is the cache size used when the configuration does not
// override it.
const DefaultCapacity = 100

// AllClassesTag is the class tag used when no class filter applies.
const AllClassesTag = "ALL"

// Key derives the cache key for a question. The question is lowercased and
// trimmed before hashing; the conversation digest covers only the last
// [types.HistoryWindow] turns and is empty without history.
func Key(classNum int, question string, history []types.ConversationTurn) string {
	tag := AllClassesTag
	if classNum > 0 {
		tag = strconv.Itoa(classNum)
	}
	return fmt.Sprintf("%s:%x:%x",
		tag,
		hash64(strings.ToLower(strings.TrimSpace(question))),
		hash64(Digest(history)),
	)
}

// Digest serializes the trailing conversation turns into the deterministic
// pipe-joined form used for cache-key derivation.
func Digest(history []types.ConversationTurn) string {
	turns := types.LastTurns(history, types.HistoryWindow)
	if len(turns) == 0 {
		return ""
	}
	parts := make([]string, len(turns))
	for i, t := range turns {
		role := "User"
		if t.Role == types.RoleAssistant {
			role = "Assistant"
		}
		parts[i] = role + ": " + t.Content
	}
	return strings.Join(parts, " | ")
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

type entry struct {
	key    string
	answer types.Answer
}

// Cache is the bounded LRU. The zero value is not usable; construct with
// [New]. All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = MRU, back = LRU
}

// New creates a cache holding at most capacity answers. Non-positive
// capacities fall back to [DefaultCapacity].
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns a copy of the cached answer with CacheHit set, and promotes
// the entry to most-recently-used.
func (c *Cache) Get(key string) (types.Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return types.Answer{}, false
	}
	c.order.MoveToFront(el)

	out := el.Value.(*entry).answer.Clone()
	out.CacheHit = true
	return out, true
}

// Put stores answer under key at the MRU position, evicting the LRU entry
// when at capacity. The stored copy always has CacheHit cleared so the flag
// reflects each individual lookup.
func (c *Cache) Put(key string, answer types.Answer) {
	stored := answer.Clone()
	stored.CacheHit = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*entry).answer = stored
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).key)
		}
	}
	c.items[key] = c.order.PushFront(&entry{key: key, answer: stored})
}

// Clear drops every entry and returns how many were evicted.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.order.Len()
	c.items = make(map[string]*list.Element, c.capacity)
	c.order.Init()
	return n
}

// Size returns the current number of cached entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured maximum entry count.
func (c *Cache) Capacity() int {
	return c.capacity
}
