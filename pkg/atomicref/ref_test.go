package atomicref

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroValue(t *testing.T) {
	var r Ref[*int]
	assert.Nil(t, r.Get())
	v := 3
	r.Set(&v)
	assert.Equal(t, 3, *r.Get())
}

func TestGetAndSet(t *testing.T) {
	r := New("a")
	assert.Equal(t, "a", r.GetAndSet("b"))
	assert.Equal(t, "b", r.Get())
}

func TestReplaceConditional(t *testing.T) {
	r := New(10)
	old, ok := r.Replace(func(v int) (int, bool) { return 5, v > 20 })
	assert.False(t, ok)
	assert.Equal(t, 10, old)
	assert.Equal(t, 10, r.Get())

	old, ok = r.Replace(func(v int) (int, bool) { return 5, v > 1 })
	assert.True(t, ok)
	assert.Equal(t, 10, old)
	assert.Equal(t, 5, r.Get())
}

func TestComputeIsAtomic(t *testing.T) {
	r := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Compute(func(v int) int { return v + 1 })
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5000, r.Get())

	seen := -1
	r.Apply(func(v int) { seen = v })
	assert.Equal(t, 5000, seen)
}
