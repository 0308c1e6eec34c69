package datacache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestQueryCacheEvictsOldest(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewQueryCache(2, clk)

	q.CacheQuery("", []string{"x"}, "")
	for i := 0; i < 4; i++ {
		q.CacheQuery(fmt.Sprintf("f%d", i), []string{"a"}, "")
		clk.SetTime(clk.Now().Add(time.Second))
	}

	assert.Equal(t, 3, q.Len(), "two filtered entries plus the sentinel")
	_, ok := q.GetKeys("")
	assert.True(t, ok, "sentinel entry is never evicted")
	for _, f := range []string{"f0", "f1"} {
		_, ok := q.GetKeys(f)
		assert.False(t, ok, f)
	}
	for _, f := range []string{"f2", "f3"} {
		_, ok := q.GetKeys(f)
		assert.True(t, ok, f)
	}
}

func TestQueryCacheTieBreaksOnInsertionOrder(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(0, 0))
	q := NewQueryCache(1, clk)

	q.CacheQuery("first", nil, "")
	q.CacheQuery("second", nil, "")

	_, ok := q.GetKeys("first")
	assert.False(t, ok)
	_, ok = q.GetKeys("second")
	assert.True(t, ok)
}

func TestQueryCacheDefaultBound(t *testing.T) {
	q := NewQueryCache(0, nil)
	q.CacheQuery("a", nil, "")
	q.CacheQuery("b", nil, "")
	assert.Equal(t, DefaultMaxQuery, q.Len())
}

func TestQueryCacheStoresData(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Unix(100, 0))
	q := NewQueryCache(1, clk)
	q.CacheQuery("state eq 'active'", []string{"a", "b", "a"}, "https://next")

	e, ok := q.GetKeys("state eq 'active'")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, e.Keys, "keys are an ordered set")
	assert.Equal(t, "https://next", e.Data)
	assert.Equal(t, time.Unix(100, 0), e.CreatedAt)

	e.Keys[0] = "mutated"
	again, _ := q.GetKeys("state eq 'active'")
	assert.Equal(t, "a", again.Keys[0], "GetKeys returns a copy")
}

func TestQueryCacheDeleteItemKey(t *testing.T) {
	q := NewQueryCache(3, nil)
	q.CacheQuery("", []string{"a", "b", "c"}, "")
	q.CacheQuery("f", []string{"c", "b"}, "")

	q.DeleteItemKey("b")

	e, _ := q.GetKeys("")
	assert.Equal(t, []string{"a", "c"}, e.Keys)
	e, _ = q.GetKeys("f")
	assert.Equal(t, []string{"c"}, e.Keys)
}
