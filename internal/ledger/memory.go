package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/premiumsync/internal/model"
)

// MemoryStore keeps the encoded document in process memory. It is used when
// no gist is configured and in tests; loads go through Decode so read-time
// normalization behaves the same as the gist store.
type MemoryStore struct {
	mu     sync.Mutex
	doc    []byte
	saves  int
	now    func() time.Time
	logger *slog.Logger
}

// NewMemoryStore returns a store holding an empty document.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{now: time.Now, logger: logger}
}

// SetClock overrides the time source used for load normalization.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Load(ctx context.Context) (*model.Ledger, error) {
	s.mu.Lock()
	doc := s.doc
	now := s.now
	s.mu.Unlock()
	return Decode(doc, now().UTC(), s.logger)
}

func (s *MemoryStore) Save(ctx context.Context, l *model.Ledger) error {
	data, err := Encode(l)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = data
	s.saves++
	s.mu.Unlock()
	return nil
}

// Document returns the raw stored document.
func (s *MemoryStore) Document() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.doc))
	copy(out, s.doc)
	return out
}

// SetDocument replaces the raw stored document.
func (s *MemoryStore) SetDocument(doc []byte) {
	s.mu.Lock()
	s.doc = append([]byte(nil), doc...)
	s.mu.Unlock()
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
