package sterad

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const ledgerPrefix = "m:"

// LedgerRecord describes one snapshot on disk.
type LedgerRecord struct {
	File     string
	Size     int64
	StoredAt int64 // unix seconds
	Hash32   uint32
}

type ledgerOp struct {
	key    string
	rec    *LedgerRecord
	forget bool
	flush  chan struct{}
}

// ledger indexes captured paths in leveldb. Reads hit the in-memory index;
// writes are applied in order by a single writer goroutine.
type ledger struct {
	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]LedgerRecord
	totalSize int64

	// closed and senders are guarded by mu; close waits for senders that
	// got in before it so no send reaches a closed channel.
	closed  bool
	senders sync.WaitGroup

	ops       chan ledgerOp
	done      chan struct{}
	closeOnce sync.Once
}

func openLedger(dir string) (*ledger, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", dir, err)
	}
	return newLedger(db)
}

// openMemLedger backs the ledger with in-memory storage.
func openMemLedger() (*ledger, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLedger(db)
}

func newLedger(db *leveldb.DB) (*ledger, error) {
	l := &ledger{
		db:    db,
		index: map[string]LedgerRecord{},
		ops:   make(chan ledgerOp, 1024),
		done:  make(chan struct{}),
	}
	if err := l.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go l.writerLoop()
	return l, nil
}

func (l *ledger) close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.senders.Wait()
		close(l.ops)
		<-l.done
		_ = l.db.Close()
	})
}

func (l *ledger) loadIndex() error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(ledgerPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]LedgerRecord{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(ledgerPrefix)))
		var rec LedgerRecord
		if err := decodeGob(it.Value(), &rec); err != nil {
			continue
		}
		idx[key] = rec
		total += rec.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	l.mu.Lock()
	l.index = idx
	l.totalSize = total
	l.mu.Unlock()
	return nil
}

func (l *ledger) Peek(path string) (LedgerRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.index[path]
	return rec, ok
}

func (l *ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

func (l *ledger) TotalSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSize
}

// Keys returns recorded paths in lexical order.
func (l *ledger) Keys() []string {
	l.mu.Lock()
	out := make([]string, 0, len(l.index))
	for k := range l.index {
		out = append(out, k)
	}
	l.mu.Unlock()
	sort.Strings(out)
	return out
}

// Record updates the index now and persists asynchronously. It reports
// false once the ledger is closed.
func (l *ledger) Record(path string, rec LedgerRecord) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if old, ok := l.index[path]; ok {
		l.totalSize -= old.Size
	}
	l.index[path] = rec
	l.totalSize += rec.Size
	l.senders.Add(1)
	l.mu.Unlock()
	defer l.senders.Done()

	clone := rec
	l.ops <- ledgerOp{key: path, rec: &clone}
	return true
}

// Forget removes path from the index and from leveldb. It reports false
// once the ledger is closed.
func (l *ledger) Forget(path string) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if old, ok := l.index[path]; ok {
		l.totalSize -= old.Size
		delete(l.index, path)
	}
	l.senders.Add(1)
	l.mu.Unlock()
	defer l.senders.Done()

	l.ops <- ledgerOp{key: path, forget: true}
	return true
}

// flush blocks until every queued write has been applied.
func (l *ledger) flush() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.senders.Add(1)
	l.mu.Unlock()

	ch := make(chan struct{})
	l.ops <- ledgerOp{flush: ch}
	l.senders.Done()
	<-ch
}

func (l *ledger) writerLoop() {
	defer close(l.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range l.ops {
		switch {
		case op.flush != nil:
			close(op.flush)
		case op.forget:
			_ = l.db.Delete([]byte(ledgerPrefix+op.key), nil)
		case op.rec != nil:
			b, err := encodeGob(*op.rec)
			if err != nil {
				continue
			}
			_ = l.db.Put([]byte(ledgerPrefix+op.key), b, nil)
		}
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
