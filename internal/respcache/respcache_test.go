package respcache_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sage-edu/sage/internal/respcache"
	"github.com/sage-edu/sage/pkg/types"
)

func TestKeyDerivation(t *testing.T) {
	history := []types.ConversationTurn{
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "hello"},
	}

	k1 := respcache.Key(10, "What is photosynthesis?", history)
	k2 := respcache.Key(10, "  what is PHOTOSYNTHESIS?  ", history)
	if k1 != k2 {
		t.Errorf("key must be case/whitespace insensitive on the question: %q vs %q", k1, k2)
	}

	if !strings.HasPrefix(k1, "10:") {
		t.Errorf("class-scoped key must carry the class tag: %q", k1)
	}
	if all := respcache.Key(0, "q", nil); !strings.HasPrefix(all, "ALL:") {
		t.Errorf("unscoped key must use the ALL tag: %q", all)
	}

	if k1 == respcache.Key(10, "What is photosynthesis?", nil) {
		t.Error("different conversation history must change the key")
	}
	if k1 == respcache.Key(9, "What is photosynthesis?", history) {
		t.Error("different class must change the key")
	}
}

func TestDigestWindow(t *testing.T) {
	var history []types.ConversationTurn
	for i := 0; i < 8; i++ {
		history = append(history, types.ConversationTurn{Role: types.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}
	d := respcache.Digest(history)
	if strings.Contains(d, "turn 2") {
		t.Errorf("digest must only cover the last %d turns: %q", types.HistoryWindow, d)
	}
	if !strings.Contains(d, "turn 7") || !strings.Contains(d, "turn 3") {
		t.Errorf("digest missing trailing turns: %q", d)
	}
	if !strings.Contains(d, "User: turn 7") {
		t.Errorf("digest must use Role: content form: %q", d)
	}
	if respcache.Digest(nil) != "" {
		t.Error("empty history must yield the empty digest")
	}
}

func TestGetReturnsMarkedCopy(t *testing.T) {
	c := respcache.New(10)
	orig := types.Answer{
		Text:       "Photosynthesis is how plants make food.",
		Sources:    []types.SourceDocument{{Content: "src", Metadata: map[string]string{"subject": "science"}}},
		Confidence: 0.5,
	}
	c.Put("k", orig)

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit")
	}
	if !got.CacheHit {
		t.Error("hit must be marked with CacheHit = true")
	}
	if got.Text != orig.Text || got.Confidence != orig.Confidence {
		t.Error("cached answer content must be identical to the original")
	}

	// Mutating the returned copy must not corrupt the cached value.
	got.Sources[0].Metadata["subject"] = "tampered"
	again, _ := c.Get("k")
	if again.Sources[0].Metadata["subject"] != "science" {
		t.Error("cache returned a shared reference instead of a copy")
	}
}

func TestLRUEviction(t *testing.T) {
	const capacity = 5
	c := respcache.New(capacity)

	for i := 0; i < capacity+3; i++ {
		c.Put(fmt.Sprintf("k%d", i), types.Answer{Text: fmt.Sprintf("a%d", i)})
	}
	if c.Size() != capacity {
		t.Fatalf("size = %d, want %d", c.Size(), capacity)
	}
	// The most recent `capacity` keys survive.
	for i := 3; i < capacity+3; i++ {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); !ok {
			t.Errorf("recent key k%d was evicted", i)
		}
	}
	for i := 0; i < 3; i++ {
		if _, ok := c.Get(fmt.Sprintf("k%d", i)); ok {
			t.Errorf("old key k%d should have been evicted", i)
		}
	}
}

func TestGetPromotesEntry(t *testing.T) {
	c := respcache.New(2)
	c.Put("a", types.Answer{Text: "a"})
	c.Put("b", types.Answer{Text: "b"})

	// Touch "a" so "b" becomes the LRU victim.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit on a")
	}
	c.Put("c", types.Answer{Text: "c"})

	if _, ok := c.Get("a"); !ok {
		t.Error("promoted entry was evicted")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("LRU entry survived eviction")
	}
}

func TestClearAndSize(t *testing.T) {
	c := respcache.New(10)
	c.Put("a", types.Answer{})
	c.Put("b", types.Answer{})
	if n := c.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if c.Size() != 0 {
		t.Errorf("Size() after clear = %d, want 0", c.Size())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("entry survived Clear")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := respcache.New(32)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*i)%40)
				c.Put(key, types.Answer{Text: key})
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	if c.Size() > 32 {
		t.Errorf("size %d exceeds capacity 32", c.Size())
	}
}
