package window

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n int
}

func TestStore(t *testing.T) {
	t.Run("UpdateCreatesAndMutates", func(t *testing.T) {
		s := New[counter](4)

		s.Update("user-1", func(c *counter, exists bool) bool {
			assert.False(t, exists)
			c.n++
			return true
		})
		s.Update("user-1", func(c *counter, exists bool) bool {
			assert.True(t, exists)
			c.n++
			return true
		})

		var got int
		require.True(t, s.View("user-1", func(c *counter) { got = c.n }))
		assert.Equal(t, 2, got)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("UpdateReturningFalseDeletes", func(t *testing.T) {
		s := New[counter](4)
		s.Update("k", func(c *counter, _ bool) bool { return true })
		s.Update("k", func(c *counter, _ bool) bool { return false })
		assert.False(t, s.Has("k"))

		s.Update("never", func(c *counter, _ bool) bool { return false })
		assert.False(t, s.Has("never"))
	})

	t.Run("ConcurrentUpdatesAreSerializedPerKey", func(t *testing.T) {
		s := New[counter](8)
		const goroutines, perG = 16, 500

		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < perG; i++ {
					key := fmt.Sprintf("user-%d", i%3)
					s.Update(key, func(c *counter, _ bool) bool {
						c.n++
						return true
					})
				}
			}(g)
		}
		wg.Wait()

		total := 0
		s.Range(func(_ string, c *counter) bool {
			total += c.n
			return true
		})
		assert.Equal(t, goroutines*perG, total)
	})

	t.Run("SweepIdle", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		s := New[counter](2).WithClock(func() time.Time { return now })

		s.Update("old", func(*counter, bool) bool { return true })
		now = now.Add(30 * time.Minute)
		s.Update("fresh", func(*counter, bool) bool { return true })
		now = now.Add(45 * time.Minute)

		removed := s.SweepIdle(time.Hour)
		assert.Equal(t, 1, removed)
		assert.False(t, s.Has("old"))
		assert.True(t, s.Has("fresh"))
	})

	t.Run("ResetAndDelete", func(t *testing.T) {
		s := New[counter](0)
		for i := 0; i < 10; i++ {
			s.Update(fmt.Sprint(i), func(*counter, bool) bool { return true })
		}
		s.Delete("3")
		assert.Equal(t, 9, s.Len())
		s.Reset()
		assert.Equal(t, 0, s.Len())
	})
}

func TestSeries(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

	t.Run("OrderedAppend", func(t *testing.T) {
		s := NewSeries[int](0)
		s.Append(at(10), 10)
		s.Append(at(0), 0)
		s.Append(at(5), 5)
		s.Append(at(20), 20)

		var got []int
		for _, e := range s.Events() {
			got = append(got, e.Value)
		}
		assert.Equal(t, []int{0, 5, 10, 20}, got)

		last, ok := s.Last()
		require.True(t, ok)
		assert.Equal(t, 20, last.Value)
	})

	t.Run("BoundedDropsOldest", func(t *testing.T) {
		s := NewSeries[int](3)
		var evicted []int
		for i := 0; i < 5; i++ {
			if e, ok := s.Append(at(i), i); ok {
				evicted = append(evicted, e.Value)
			}
		}
		assert.Equal(t, 3, s.Len())
		assert.Equal(t, 2, s.Events()[0].Value)
		assert.Equal(t, []int{0, 1}, evicted)
	})

	t.Run("PruneBeforeFunc", func(t *testing.T) {
		s := NewSeries[int](0)
		for i := 0; i < 5; i++ {
			s.Append(at(i), i)
		}
		sum := 0
		n := s.PruneBeforeFunc(at(3), func(e Event[int]) { sum += e.Value })
		assert.Equal(t, 3, n)
		assert.Equal(t, 0+1+2, sum)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("PruneAndSince", func(t *testing.T) {
		s := NewSeries[int](0)
		for i := 0; i <= 90; i += 10 {
			s.Append(at(i), i)
		}

		assert.Len(t, s.Since(at(60)), 4)
		assert.Len(t, s.Between(at(20), at(40)), 3)

		removed := s.PruneBefore(at(30))
		assert.Equal(t, 3, removed)
		assert.Equal(t, 30, s.Events()[0].Value)

		assert.Equal(t, 7, s.PruneBefore(at(1000)))
		assert.Equal(t, 0, s.Len())
		_, ok := s.Last()
		assert.False(t, ok)
	})

	t.Run("BoundedMemoryUnderChurn", func(t *testing.T) {
		s := NewSeries[int](0)
		for i := 0; i < 10000; i++ {
			s.Append(at(i), i)
			s.PruneBefore(at(i - 10))
		}
		assert.Equal(t, 11, s.Len())
		assert.LessOrEqual(t, cap(s.events), 2*s.Len()+16+s.Len())
	})
}

func TestSweeper(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a := New[counter](2).WithClock(func() time.Time { return now })
	b := New[counter](2).WithClock(func() time.Time { return now })

	a.Update("x", func(*counter, bool) bool { return true })
	b.Update("y", func(*counter, bool) bool { return true })
	now = now.Add(2 * time.Hour)

	sw := NewSweeper(time.Minute)
	sw.Register("a", a, time.Hour)
	sw.Register("b", b, 3*time.Hour)

	var reported []int
	sw.OnSweep(func(n int) { reported = append(reported, n) })

	assert.Equal(t, 1, sw.SweepNow())
	assert.False(t, a.Has("x"))
	assert.True(t, b.Has("y"))
	assert.Equal(t, []int{1}, reported)

	t.Run("RunStopsOnCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			NewSweeper(time.Millisecond).Run(ctx)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}
