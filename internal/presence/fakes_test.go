package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

type memStore struct {
	mu       sync.Mutex
	records  map[string]Record
	attempts []Record
	writes   []Record
	loads    int

	upsertErr error
	loadErr   error
	// hang, when set, makes Upsert block for matching records until released.
	hang    func(Record) bool
	release chan struct{}

	watch func(ctx context.Context, fn func(Event)) error

	// loadGate, when set, holds LoadAll after it has read the records;
	// loadStarted is signalled at that point.
	loadGate    chan struct{}
	loadStarted chan struct{}
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record), release: make(chan struct{})}
}

func (s *memStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.attempts = append(s.attempts, rec)
	hang := s.hang
	err := s.upsertErr
	s.mu.Unlock()

	if hang != nil && hang(rec) {
		<-s.release
		return errors.New("released")
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, rec)
	s.records[rec.UserID] = rec
	return nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	s.loads++
	if s.loadErr != nil {
		s.mu.Unlock()
		return nil, s.loadErr
	}
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	gate, started := s.loadGate, s.loadStarted
	s.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	return out, nil
}

func (s *memStore) Watch(ctx context.Context, fn func(Event)) error {
	if s.watch != nil {
		return s.watch(ctx, fn)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *memStore) Writes() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.writes...)
}

func (s *memStore) Attempts() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.attempts...)
}

func (s *memStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

type countingReloader struct {
	n atomic.Int32
}

func (r *countingReloader) Reload(ctx context.Context) error {
	r.n.Add(1)
	return nil
}

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) Seen() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}
