package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"
)

const (
	badgerRecPrefix = "exec:rec:"
	badgerSeqPrefix = "exec:seq:"
)

// BadgerStore persists archived executions in an embedded Badger key-value
// store. Records live under "exec:rec:<id>" and an insertion-order index
// under "exec:seq:<zero padded seq>" drives eviction and newest-first listing.
type BadgerStore[T any] struct {
	db       *badger.DB
	mu       sync.Mutex
	closed   bool
	capacity int
	next     uint64
	count    int
}

type badgerRecord[T any] struct {
	Seq    uint64    `json:"seq"`
	Record Record[T] `json:"record"`
}

// NewBadgerStore opens a Badger database in dir. An empty dir opens an
// in-memory database.
func NewBadgerStore[T any](dir string, capacity int) (*BadgerStore[T], error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}

	s := &BadgerStore[T]{db: db, capacity: capacity}
	if err := s.scanIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// scanIndex restores the record count and next sequence number.
func (s *BadgerStore[T]) scanIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerSeqPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%d", &seq); err != nil {
				return fmt.Errorf("corrupt sequence key %q: %w", it.Item().Key(), err)
			}
			if seq >= s.next {
				s.next = seq + 1
			}
			s.count++
		}
		return nil
	})
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", badgerSeqPrefix, seq))
}

func recKey(id string) []byte {
	return []byte(badgerRecPrefix + id)
}

// Save implements Store.
func (s *BadgerStore[T]) Save(_ context.Context, rec Record[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prevCount, prevNext := s.count, s.next
	err := s.db.Update(func(txn *badger.Txn) error {
		if prev, err := getBadgerRecord[T](txn, rec.ID); err == nil {
			if err := txn.Delete(seqKey(prev.Seq)); err != nil {
				return err
			}
			s.count--
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		seq := s.next
		s.next++
		data, err := json.Marshal(badgerRecord[T]{Seq: seq, Record: rec})
		if err != nil {
			return fmt.Errorf("failed to marshal execution %s: %w", rec.ID, err)
		}
		if err := txn.Set(recKey(rec.ID), data); err != nil {
			return err
		}
		if err := txn.Set(seqKey(seq), []byte(rec.ID)); err != nil {
			return err
		}
		s.count++
		return s.evict(txn)
	})
	if err != nil {
		s.count, s.next = prevCount, prevNext
	}
	return err
}

func (s *BadgerStore[T]) evict(txn *badger.Txn) error {
	excess := s.count - s.capacity
	if excess <= 0 {
		return nil
	}

	type victim struct{ seq, rec []byte }
	victims := make([]victim, 0, excess)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	prefix := []byte(badgerSeqPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(victims) < excess; it.Next() {
		id, err := it.Item().ValueCopy(nil)
		if err != nil {
			it.Close()
			return err
		}
		victims = append(victims, victim{seq: it.Item().KeyCopy(nil), rec: recKey(string(id))})
	}
	it.Close()

	for _, v := range victims {
		if err := txn.Delete(v.seq); err != nil {
			return err
		}
		if err := txn.Delete(v.rec); err != nil {
			return err
		}
		s.count--
	}
	return nil
}

func getBadgerRecord[T any](txn *badger.Txn, id string) (badgerRecord[T], error) {
	item, err := txn.Get(recKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return badgerRecord[T]{}, ErrNotFound
	}
	if err != nil {
		return badgerRecord[T]{}, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return badgerRecord[T]{}, err
	}
	var br badgerRecord[T]
	if err := json.Unmarshal(value, &br); err != nil {
		return badgerRecord[T]{}, fmt.Errorf("failed to unmarshal execution %s: %w", id, err)
	}
	return br, nil
}

// Load implements Store.
func (s *BadgerStore[T]) Load(_ context.Context, id string) (Record[T], error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Record[T]{}, ErrClosed
	}

	var rec Record[T]
	err := s.db.View(func(txn *badger.Txn) error {
		br, err := getBadgerRecord[T](txn, id)
		if err != nil {
			return err
		}
		rec = br.Record
		return nil
	})
	return rec, err
}

// List implements Store.
func (s *BadgerStore[T]) List(_ context.Context, limit int) ([]Record[T], error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = s.capacity
	}

	var out []Record[T]
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerSeqPrefix)
		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			br, err := getBadgerRecord[T](txn, string(id))
			if err != nil {
				return err
			}
			out = append(out, br.Record)
		}
		return nil
	})
	return out, err
}

// Close implements Store.
func (s *BadgerStore[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
