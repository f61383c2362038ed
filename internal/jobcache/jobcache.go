// Package jobcache retains completed/cancelled job snapshots for a bounded
// window so a caller polling a future-like job handle can still observe the
// result shortly after completion (SPEC_FULL.md's supplemental retention
// window for internal/warden).
//
// This is pkg/kv/kv.go's list+map LRU renamed into job-domain terms: the
// teacher evicts by byte-size capacity (it's a value cache keyed by
// arbitrary []byte); a job snapshot has no natural byte size to charge
// against a byte budget, so this adaptation evicts by item count instead,
// keeping the same list+map mechanics (container/list + map for O(1)
// MoveToFront/eviction) and the same TTL-on-Get-expiry check.
package jobcache

import (
	"container/list"
	"sync"
	"time"
)

// JobSnapshot is the retained, read-only view of a completed or cancelled job.
type JobSnapshot struct {
	Token   string
	State   string // "completed" or "cancelled"
	Results map[string][]byte
}

type cachedJob struct {
	token    string
	snapshot JobSnapshot
	expireAt time.Time
}

// JobCache is a TTL + item-count-bounded LRU cache of JobSnapshot, keyed by token.
type JobCache struct {
	mu       sync.Mutex
	byToken  map[string]*list.Element
	order    *list.List
	capacity int
	ttl      time.Duration
}

// New returns a JobCache retaining at most capacity completed jobs, each
// for up to ttl after insertion. capacity <= 0 means unbounded by count;
// ttl <= 0 means entries never expire by time (only by LRU eviction).
func New(capacity int, ttl time.Duration) *JobCache {
	return &JobCache{
		byToken:  make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Put retains snapshot under token, evicting the least-recently-used entry
// if capacity is exceeded.
func (c *JobCache) Put(token string, snapshot JobSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expireAt time.Time
	if c.ttl > 0 {
		expireAt = time.Now().Add(c.ttl)
	}

	if el, ok := c.byToken[token]; ok {
		cj := el.Value.(*cachedJob)
		cj.snapshot = snapshot
		cj.expireAt = expireAt
		c.order.MoveToFront(el)
		return
	}

	cj := &cachedJob{token: token, snapshot: snapshot, expireAt: expireAt}
	el := c.order.PushFront(cj)
	c.byToken[token] = el
	c.evictIfNeeded()
}

// Get returns the retained snapshot for token, if present and unexpired.
func (c *JobCache) Get(token string) (JobSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byToken[token]
	if !ok {
		return JobSnapshot{}, false
	}
	cj := el.Value.(*cachedJob)
	if !cj.expireAt.IsZero() && time.Now().After(cj.expireAt) {
		c.removeElement(el)
		return JobSnapshot{}, false
	}
	c.order.MoveToFront(el)
	return cj.snapshot, true
}

// Len reports the current number of retained (not necessarily unexpired) entries.
func (c *JobCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byToken)
}

func (c *JobCache) evictIfNeeded() {
	if c.capacity <= 0 {
		return
	}
	for len(c.byToken) > c.capacity && c.order.Back() != nil {
		c.removeElement(c.order.Back())
	}
}

func (c *JobCache) removeElement(el *list.Element) {
	cj := el.Value.(*cachedJob)
	delete(c.byToken, cj.token)
	c.order.Remove(el)
}
