// Package cache holds the client's in-memory view of every conversation's
// message list. It is pure state: no network calls, no timers. All writers
// (the sync engine, the write pipeline, history loads) go through Upsert,
// Remove and Reconcile, which together guarantee that no two entries in a
// bucket ever share a durable id.
package cache

import (
	"sort"
	"sync"

	"github.com/pedrohba/converse/internal/model"
)

// Cache is a per-conversation ordered collection of messages, keyed by
// conversation id.
type Cache struct {
	mu      sync.RWMutex
	buckets map[string][]model.Message
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{buckets: make(map[string][]model.Message)}
}

// Messages returns a copy of the conversation's messages in render order:
// ascending CreatedAt, ties broken by id string so the order is stable.
// The underlying bucket is kept in arrival order; ordering is applied here.
func (c *Cache) Messages(conversationID string) []model.Message {
	c.mu.RLock()
	bucket := c.buckets[conversationID]
	out := make([]model.Message, len(bucket))
	copy(out, bucket)
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Len returns the number of entries in a conversation's bucket.
func (c *Cache) Len(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets[conversationID])
}

// Get returns the entry with the given id, if present.
func (c *Cache) Get(conversationID string, id model.MessageID) (model.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.buckets[conversationID] {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// Upsert inserts m, or replaces the existing entry with the same id.
func (c *Cache) Upsert(conversationID string, m model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buckets[conversationID]
	for i := range bucket {
		if bucket[i].ID == m.ID {
			bucket[i] = m
			c.buckets[conversationID] = dedupDurable(bucket)
			return
		}
	}
	c.buckets[conversationID] = dedupDurable(append(bucket, m))
}

// Remove deletes the entry with the given id. Removing an absent id is a
// no-op, not an error; it reports whether anything was removed.
func (c *Cache) Remove(conversationID string, id model.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buckets[conversationID]
	for i := range bucket {
		if bucket[i].ID == id {
			c.buckets[conversationID] = append(bucket[:i:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveDurable deletes the entry with the given durable id from
// whichever bucket holds it, for delete events that carry no routing.
// It returns the conversation the entry lived in.
func (c *Cache) RemoveDurable(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	did := model.DurableID(id)
	for conv, bucket := range c.buckets {
		for i := range bucket {
			if bucket[i].ID == did {
				c.buckets[conv] = append(bucket[:i:i], bucket[i+1:]...)
				return conv, true
			}
		}
	}
	return "", false
}

// ReplaceByID replaces the entry matching m.ID and reports whether it was
// found. Unlike Upsert it never inserts; the update path uses this so a
// stale update event cannot resurrect a deleted message.
func (c *Cache) ReplaceByID(conversationID string, m model.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buckets[conversationID]
	for i := range bucket {
		if bucket[i].ID == m.ID {
			bucket[i] = m
			c.buckets[conversationID] = dedupDurable(bucket)
			return true
		}
	}
	return false
}

// Reconcile merges a candidate message into the bucket:
//
//  1. An entry with the same durable id is replaced in place, which makes
//     duplicate delivery of the same event idempotent.
//  2. A durable candidate written by localUserID may instead claim one
//     optimistic entry with the same sender and equal trimmed content.
//     This collapses "I sent it, saw it locally, then the server echoed it
//     back" into a single entry.
//  3. Otherwise the candidate is appended.
//
// After any insertion the bucket is filtered so no two entries share a
// durable id; either order of a send ack and its push echo converges to
// one entry. The durable version always wins over an optimistic one.
func (c *Cache) Reconcile(conversationID string, m model.Message, localUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buckets[conversationID]

	for i := range bucket {
		if bucket[i].ID == m.ID {
			bucket[i] = m
			c.buckets[conversationID] = dedupDurable(bucket)
			return
		}
	}

	if m.ID.IsDurable() && localUserID != "" && m.Sender.ID == localUserID {
		want := m.TrimmedContent()
		for i := range bucket {
			e := bucket[i]
			if e.ID.IsOptimistic() && e.Sender.ID == localUserID && e.TrimmedContent() == want {
				bucket[i] = m
				c.buckets[conversationID] = dedupDurable(bucket)
				return
			}
		}
	}

	c.buckets[conversationID] = dedupDurable(append(bucket, m))
}

// ReplaceOptimistic swaps the optimistic entry optID for its durable
// confirmation. The match is by id, not position, since push events may
// have inserted other entries in the interim. If the optimistic entry is
// already gone (typically claimed by the push echo of the same send), the
// durable version is merged by id instead so the bucket still converges to
// exactly one entry.
func (c *Cache) ReplaceOptimistic(conversationID string, optID model.MessageID, durable model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.buckets[conversationID]

	for i := range bucket {
		if bucket[i].ID == optID {
			bucket[i] = durable
			c.buckets[conversationID] = dedupDurable(bucket)
			return
		}
	}
	for i := range bucket {
		if bucket[i].ID == durable.ID {
			bucket[i] = durable
			c.buckets[conversationID] = dedupDurable(bucket)
			return
		}
	}
	c.buckets[conversationID] = dedupDurable(append(bucket, durable))
}

// SeedHistory merges a batch of durable messages (a history fetch or the
// local store's snapshot) into the bucket. Existing optimistic entries are
// left alone; durable entries are merged by id.
func (c *Cache) SeedHistory(conversationID string, msgs []model.Message, localUserID string) {
	for _, m := range msgs {
		c.Reconcile(conversationID, m, localUserID)
	}
}

// dedupDurable drops later entries whose durable id was already seen.
// Defends against interleaved call sites (a send ack and a push echo)
// completing their merges in close succession.
func dedupDurable(bucket []model.Message) []model.Message {
	seen := make(map[string]bool, len(bucket))
	out := bucket[:0]
	for _, m := range bucket {
		if id, ok := m.ID.Durable(); ok {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		out = append(out, m)
	}
	return out
}
