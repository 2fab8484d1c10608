package shardmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

type counter struct{ n int }

func newCounter() *counter { return &counter{} }

func TestUpdate_CreatesLazily(t *testing.T) {
	m := New(4, newCounter)
	assert.Equal(t, 0, m.Len())

	m.Update(10, func(c *counter) *counter { c.n++; return c })
	m.Update(10, func(c *counter) *counter { c.n++; return c })

	var got int
	ok := m.View(10, func(c *counter) { got = c.n })
	assert.True(t, ok)
	assert.Equal(t, 2, got)
	assert.False(t, m.View(11, func(*counter) {}))
	assert.Equal(t, 1, m.Len())
}

func TestDelete(t *testing.T) {
	m := New(0, newCounter)
	m.Update(1, func(c *counter) *counter { return c })
	m.Delete(1)
	assert.Equal(t, 0, m.Len())
}

func TestSweep_RemovesMatching(t *testing.T) {
	m := New(8, newCounter)
	for id := int64(1); id <= 100; id++ {
		m.Update(id, func(c *counter) *counter { c.n = int(id); return c })
	}

	removed := m.Sweep(func(_ int64, c *counter) bool { return c.n%2 == 0 })
	assert.Equal(t, 50, removed)
	assert.Equal(t, 50, m.Len())
}

// TestConcurrentUpdatesProperty checks that per-key updates are never lost under contention.
func TestConcurrentUpdatesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numUsers := rapid.IntRange(1, 20).Draw(t, "numUsers")
		opsPerUser := rapid.IntRange(1, 50).Draw(t, "opsPerUser")
		m := New(rapid.IntRange(1, 16).Draw(t, "shards"), newCounter)

		var wg sync.WaitGroup
		for u := 0; u < numUsers; u++ {
			for i := 0; i < opsPerUser; i++ {
				wg.Add(1)
				go func(uid int64) {
					defer wg.Done()
					m.Update(uid, func(c *counter) *counter { c.n++; return c })
				}(int64(u))
			}
		}
		wg.Wait()

		for u := 0; u < numUsers; u++ {
			var got int
			m.View(int64(u), func(c *counter) { got = c.n })
			if got != opsPerUser {
				t.Fatalf("user %d: expected %d updates, got %d", u, opsPerUser, got)
			}
		}
	})
}
