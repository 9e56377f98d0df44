package hatrack

import (
	"fmt"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMapBasic(t *testing.T) {
	m := NewMap[int, string](WithDomain(NewDomain(64)))

	m.Put(1, "a")
	m.Put(2, "b")
	m.Put(1, "c")

	v, ok := m.Get(1)
	require.True(t, ok)
	require.Equal(t, "c", v)

	items := m.Items(true)
	require.Equal(t, []MapItem[int, string]{{1, "c"}, {2, "b"}}, items)
	require.Equal(t, uint64(2), m.Len())
}

func TestMapRoundTripLaws(t *testing.T) {
	m := NewMap[string, int](WithDomain(NewDomain(64)))

	m.Put("k", 1)
	v, ok := m.Get("k")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.False(t, m.Add("k", 2))
	v, _ = m.Get("k")
	require.Equal(t, 1, v)

	require.True(t, m.Remove("k"))
	_, ok = m.Get("k")
	require.False(t, ok)
	require.False(t, m.Remove("k"))

	require.True(t, m.Add("k", 3))
	require.True(t, m.Replace("k", 4))
	v, _ = m.Get("k")
	require.Equal(t, 4, v)

	require.False(t, m.Replace("missing", 0))
}

func TestMapKeysValuesSorted(t *testing.T) {
	m := NewMap[int, string](WithDomain(NewDomain(64)))

	for i := 0; i < 8; i++ {
		m.Put(i, fmt.Sprintf("v%d", i))
	}

	keys := m.Keys(true)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, keys)

	values := m.Values(true)
	require.Equal(t, 8, len(values))
	require.Equal(t, "v0", values[0])
	require.Equal(t, "v7", values[7])

	unsorted := m.Keys(false)
	sort.Ints(unsorted)
	require.Equal(t, keys, unsorted)
}

func TestMapRange(t *testing.T) {
	m := NewMap[int, int](WithDomain(NewDomain(64)))
	for i := 0; i < 10; i++ {
		m.Put(i, i*i)
	}

	seen := map[int]int{}
	m.Range(func(k, v int) bool {
		seen[k] = v
		return true
	})
	require.Equal(t, 10, len(seen))
	for k, v := range seen {
		require.Equal(t, k*k, v)
	}

	n := 0
	m.Range(func(int, int) bool {
		n++
		return n < 3
	})
	require.Equal(t, 3, n)
}

func TestMapMigrationKeepsContents(t *testing.T) {
	m := NewMap[int, int](WithDomain(NewDomain(64)), WithPresize(8))

	for i := 0; i < 100; i++ {
		m.Put(i, i)
	}
	require.Equal(t, uint64(100), m.Len())
	for i := 0; i < 100; i++ {
		v, ok := m.Get(i)
		require.True(t, ok, "key %d", i)
		require.Equal(t, i, v)
	}
}

func TestMapFreeHandler(t *testing.T) {
	d := NewDomain(64)
	m := NewMap[int, string](WithDomain(d))

	var freed []string
	m.SetFreeHandler(func(k int, v string) {
		freed = append(freed, fmt.Sprintf("%d=%s", k, v))
	})

	m.Put(1, "a")
	m.Put(1, "b") // retires a
	m.Remove(1)   // retires b
	d.Drain()

	require.ElementsMatch(t, []string{"1=a", "1=b"}, freed)

	m.Put(2, "live")
	m.Delete()
	require.Contains(t, freed, "2=live")
}

func TestMapCustomHasher(t *testing.T) {
	m := NewMap[int, int](WithDomain(NewDomain(64)))
	m.SetKeyHasher(func(k int) Hash {
		return HashInt(uint64(k) * 31)
	})

	for i := 0; i < 32; i++ {
		m.Put(i, i)
	}
	for i := 0; i < 32; i++ {
		v, ok := m.Get(i)
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	require.Panics(t, func() { m.SetKeyHasher(nil) })
}

func TestMapHashableKey(t *testing.T) {
	m := NewMap[*customKey, string](WithDomain(NewDomain(64)))

	k1 := &customKey{id: 1}
	k2 := &customKey{id: 2}
	m.Put(k1, "one")
	m.Put(k2, "two")

	// A distinct object with the same identity hashes to the same slot.
	v, ok := m.Get(&customKey{id: 1})
	require.True(t, ok)
	require.Equal(t, "one", v)

	// The cache slot was filled on first hashing.
	assert.False(t, k1.cache.IsEmpty())
}

func TestMapConcurrentMixed(t *testing.T) {
	const workers = 8
	const perWorker = 1000

	m := NewMap[int, int](WithDomain(NewDomain(256)))

	var eg errgroup.Group
	var added atomic.Int64
	for w := 0; w < workers; w++ {
		base := w * perWorker
		eg.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := base + i
				m.Put(k, k)
				added.Add(1)
				if i%5 == 0 {
					if !m.Remove(k) {
						return fmt.Errorf("remove of own key %d failed", k)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			k := w*perWorker + i
			v, ok := m.Get(k)
			if i%5 == 0 {
				require.False(t, ok)
			} else {
				require.True(t, ok)
				require.Equal(t, k, v)
			}
		}
	}
}
