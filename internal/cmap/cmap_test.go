package cmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newStringMap[V any]() *Map[string, V] {
	return New[string, V](8, Fnv32)
}

func TestSetAndGet(t *testing.T) {
	m := newStringMap[int]()
	assert.True(t, m.Set("a", 1))
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSetDoesNotOverwrite(t *testing.T) {
	m := newStringMap[int]()
	assert.True(t, m.Set("a", 1))
	assert.False(t, m.Set("a", 2))
	v, _ := m.Get("a")
	assert.Equal(t, 1, v)
}

func TestStoreOverwrites(t *testing.T) {
	m := newStringMap[int]()
	m.Store("a", 1)
	m.Store("a", 2)
	v, _ := m.Get("a")
	assert.Equal(t, 2, v)
}

func TestConcurrentInserts(t *testing.T) {
	m := newStringMap[int]()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Set(string(rune('a'))+string(rune(i)), i)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 200)
}

func TestValuesAndKeys(t *testing.T) {
	m := newStringMap[int]()
	m.Store("a", 1)
	m.Store("b", 2)
	assert.ElementsMatch(t, []int{1, 2}, m.Values())
	assert.ElementsMatch(t, []string{"a", "b"}, m.Keys())
}

func TestPanicsOnNonPowerOfTwoShards(t *testing.T) {
	assert.Panics(t, func() {
		New[string, int](3, Fnv32)
	})
}
