package service

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/toolgate/gateway/internal/domain/decision"
)

// resultCacheEntry is a doubly-linked list node for the LRU cache.
type resultCacheEntry struct {
	key    uint64
	result decision.Result
	prev   *resultCacheEntry
	next   *resultCacheEntry
}

// ResultCache bounds an LRU cache of Decision Engine results for open
// (ungated) tools only: callers must never Put a gated tool's outcome here,
// since a cached Allow would silently replay a Service Governance approval
// that Evaluate is supposed to consume exactly once.
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*resultCacheEntry
	head    *resultCacheEntry
	tail    *resultCacheEntry
	maxSize int
}

// NewResultCache creates an LRU cache holding at most maxSize entries.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*resultCacheEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached result, promoting it to most-recently-used on hit.
func (c *ResultCache) Get(key uint64) (decision.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.result, true
	}
	return decision.Result{}, false
}

// Put stores result under key, evicting the least recently used entry if at
// capacity.
func (c *ResultCache) Put(key uint64, result decision.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = result
		c.moveToHeadLocked(e)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &resultCacheEntry{key: key, result: result}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called whenever the bundle revision advances, so
// a stale access-rule decision can never outlive the policy change that
// invalidated it.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*resultCacheEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current entry count.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *resultCacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *resultCacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *resultCacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeResultCacheKey hashes the fields that determine an open tool's
// decision: the bundle revision (so a rule or catalog change invalidates
// every key derived from the prior revision even before Clear runs), the
// caller's subject, the service and tool name, and the arguments map
// (EvaluateToolCall passes the call arguments together with the caller's
// claims, since claims-matcher rules make the outcome depend on them).
func computeResultCacheKey(revision uint64, subject, service, tool string, arguments map[string]any) uint64 {
	h := xxhash.New()

	var revBuf [8]byte
	binary.BigEndian.PutUint64(revBuf[:], revision)
	_, _ = h.Write(revBuf[:])

	_, _ = h.WriteString(subject)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(service)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})

	if len(arguments) > 0 {
		argsJSON, _ := json.Marshal(arguments)
		_, _ = h.Write(argsJSON)
	}

	return h.Sum64()
}
