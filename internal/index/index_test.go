package index

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.data[key] = value
	return nil
}

type atomicKV struct {
	*memKV
}

func (a atomicKV) Update(key string, fn func([]byte) ([]byte, bool, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, write, err := fn(a.data[key])
	if err != nil || !write {
		return err
	}
	a.puts++
	a.data[key] = next
	return nil
}

func TestKnownEmptyWhenAbsent(t *testing.T) {
	idx := New(newMemKV(), nil)
	require.Empty(t, idx.Known("u1"))
}

func TestKnownTreatsCorruptValueAsEmpty(t *testing.T) {
	kv := newMemKV()
	kv.data["u1"] = []byte("{not an array")
	idx := New(kv, nil)
	require.Empty(t, idx.Known("u1"))

	added, err := idx.Add("u1", "Qm1")
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, []string{"Qm1"}, idx.Known("u1"))
}

func TestAddIsIdempotent(t *testing.T) {
	kv := newMemKV()
	idx := New(kv, nil)
	added, err := idx.Add("u1", "Qm1")
	require.NoError(t, err)
	require.True(t, added)
	added, err = idx.Add("u1", "Qm1")
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 1, kv.puts, "second add must not write")
	require.JSONEq(t, `["Qm1"]`, string(kv.data["u1"]))
}

func TestAddKeepsInsertionOrderAndURLIsolation(t *testing.T) {
	idx := New(newMemKV(), nil)
	for _, c := range []string{"c1", "c2", "c3"} {
		_, err := idx.Add("u1", c)
		require.NoError(t, err)
	}
	_, err := idx.Add("u2", "other")
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2", "c3"}, idx.Known("u1"))
	require.Equal(t, []string{"other"}, idx.Known("u2"))
	require.NotContains(t, idx.Known("u2"), "c2")
}

func TestKnownDropsDuplicatesFromStoredValue(t *testing.T) {
	kv := newMemKV()
	kv.data["u1"] = []byte(`["a","b","a",""]`)
	require.Equal(t, []string{"a", "b"}, New(kv, nil).Known("u1"))
}

func TestAddUsesAtomicUpdateWhenAvailable(t *testing.T) {
	kv := atomicKV{newMemKV()}
	idx := New(kv, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := idx.Add("u1", string(rune('A'+n%26))+string(rune('a'+n/26)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Len(t, idx.Known("u1"), 50)
}
