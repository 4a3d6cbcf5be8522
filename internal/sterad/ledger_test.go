package sterad

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordAndForget(t *testing.T) {
	l, err := openMemLedger()
	require.NoError(t, err)
	defer l.close()

	l.Record("/b", LedgerRecord{File: "b.html", Size: 10, Hash32: 1})
	l.Record("/a", LedgerRecord{File: "a.html", Size: 5, Hash32: 2})
	l.Record("/a", LedgerRecord{File: "a.html", Size: 7, Hash32: 3})

	rec, ok := l.Peek("/a")
	require.True(t, ok)
	assert.Equal(t, uint32(3), rec.Hash32)
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, int64(17), l.TotalSize())
	assert.Equal(t, []string{"/a", "/b"}, l.Keys())

	l.Forget("/b")
	l.Forget("/missing")
	_, ok = l.Peek("/b")
	assert.False(t, ok)
	assert.Equal(t, int64(7), l.TotalSize())
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")

	l, err := openLedger(dir)
	require.NoError(t, err)
	l.Record("/about", LedgerRecord{File: "about.html", Size: 42, StoredAt: 1700000000, Hash32: 99})
	l.Record("/gone", LedgerRecord{File: "gone.html", Size: 1})
	l.Forget("/gone")
	l.flush()
	l.close()

	l, err = openLedger(dir)
	require.NoError(t, err)
	defer l.close()

	rec, ok := l.Peek("/about")
	require.True(t, ok)
	assert.Equal(t, LedgerRecord{File: "about.html", Size: 42, StoredAt: 1700000000, Hash32: 99}, rec)
	_, ok = l.Peek("/gone")
	assert.False(t, ok)
	assert.Equal(t, int64(42), l.TotalSize())
}

func TestLedgerCloseIsIdempotent(t *testing.T) {
	l, err := openMemLedger()
	require.NoError(t, err)
	l.close()
	assert.NotPanics(t, l.close)
}

func TestLedgerWritesAfterClose(t *testing.T) {
	l, err := openMemLedger()
	require.NoError(t, err)
	l.close()

	assert.NotPanics(t, func() {
		assert.False(t, l.Record("/late", LedgerRecord{File: "late.html", Size: 1}))
		assert.False(t, l.Forget("/late"))
		l.flush()
	})
	assert.Zero(t, l.Len())
}

func TestLedgerCloseKeepsAcceptedWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	l, err := openLedger(dir)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/page-%d", i)
			if l.Record(path, LedgerRecord{File: path[1:] + ".html", Size: 1}) {
				mu.Lock()
				accepted = append(accepted, path)
				mu.Unlock()
			}
		}(i)
	}
	assert.NotPanics(t, l.close)
	wg.Wait()

	l, err = openLedger(dir)
	require.NoError(t, err)
	defer l.close()
	for _, path := range accepted {
		_, ok := l.Peek(path)
		assert.True(t, ok, path)
	}
}
