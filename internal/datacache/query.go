package datacache

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/Azure/BatchExplorer-sub004/internal/metrics"
)

// NoFilter is the query cache key used for unfiltered list requests. It is
// never evicted.
const NoFilter = "<no-filter>"

// DefaultMaxQuery is the number of filtered queries kept by default.
const DefaultMaxQuery = 1

// CachedKeyList is the memo of one list query: the ordered keys it
// returned and the continuation state to resume it.
type CachedKeyList struct {
	Keys      []string
	Data      string
	CreatedAt time.Time

	seq uint64
}

// QueryCache maps a list filter to the keys of its last result.
type QueryCache struct {
	mu       sync.Mutex
	maxQuery int
	clock    clock.PassiveClock
	seq      uint64
	queries  map[string]*CachedKeyList
}

// NewQueryCache creates a query cache keeping at most maxQuery filtered
// entries. A nil clock means the real clock.
func NewQueryCache(maxQuery int, clk clock.PassiveClock) *QueryCache {
	if maxQuery <= 0 {
		maxQuery = DefaultMaxQuery
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &QueryCache{
		maxQuery: maxQuery,
		clock:    clk,
		queries:  make(map[string]*CachedKeyList),
	}
}

func queryKey(filter string) string {
	if filter == "" {
		return NoFilter
	}
	return filter
}

// CacheQuery stores keys and data under filter, replacing any previous
// entry, then enforces the size bound.
func (q *QueryCache) CacheQuery(filter string, keys []string, data string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.queries[queryKey(filter)] = &CachedKeyList{
		Keys:      dedupe(keys),
		Data:      data,
		CreatedAt: q.clock.Now(),
		seq:       q.seq,
	}
	q.evictLocked()
}

// GetKeys returns a copy of the entry stored under filter.
func (q *QueryCache) GetKeys(filter string) (CachedKeyList, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.queries[queryKey(filter)]
	if !ok {
		return CachedKeyList{}, false
	}
	out := *e
	out.Keys = append([]string(nil), e.Keys...)
	return out, true
}

// DeleteItemKey removes key from every stored key list.
func (q *QueryCache) DeleteItemKey(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.queries {
		for i, k := range e.Keys {
			if k == key {
				e.Keys = append(e.Keys[:i:i], e.Keys[i+1:]...)
				break
			}
		}
	}
}

// ClearCache drops every entry.
func (q *QueryCache) ClearCache() {
	q.mu.Lock()
	q.queries = make(map[string]*CachedKeyList)
	q.mu.Unlock()
}

// Len returns the number of stored entries, the sentinel included.
func (q *QueryCache) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queries)
}

func (q *QueryCache) evictLocked() {
	filters := make([]string, 0, len(q.queries))
	for f := range q.queries {
		if f != NoFilter {
			filters = append(filters, f)
		}
	}
	if len(filters) <= q.maxQuery {
		return
	}
	sort.Slice(filters, func(i, j int) bool {
		a, b := q.queries[filters[i]], q.queries[filters[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
	evict := len(filters) - q.maxQuery
	for _, f := range filters[:evict] {
		delete(q.queries, f)
	}
	metrics.RecordQueryEvictions(evict)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
