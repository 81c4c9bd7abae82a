// Package memory provides an in-memory EntryStore for tests and single
// process development setups. One mutex covers every stream, so Append and
// AppendPair are trivially atomic and readers always see a point-in-time
// copy, never a partial append.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/example/credit-ledger/internal/ledger"
)

type Store struct {
	mu      sync.Mutex
	streams map[string][]ledger.Entry
}

func New() *Store {
	return &Store{streams: make(map[string][]ledger.Entry)}
}

func (s *Store) Append(ctx context.Context, d ledger.Draft) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(d), nil
}

func (s *Store) AppendPair(ctx context.Context, first, second ledger.Draft) (ledger.Entry, ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Both appends happen under the same critical section: either both
	// entries become visible or, on a crash before return, neither does.
	e1 := s.appendLocked(first)
	e2 := s.appendLocked(second)
	return e1, e2, nil
}

func (s *Store) appendLocked(d ledger.Draft) ledger.Entry {
	stream := s.streams[d.AccountID]

	var last ledger.Entry
	hasLast := len(stream) > 0
	if hasLast {
		last = stream[len(stream)-1]
	}

	e := ledger.Seal(d, last, hasLast)
	s.streams[d.AccountID] = append(stream, e)
	return e
}

func (s *Store) List(ctx context.Context, accountID string, sinceSeq int64) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.Entry
	for _, e := range s.streams[accountID] {
		if e.Sequence >= sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Last(ctx context.Context, accountID string) (ledger.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[accountID]
	if len(stream) == 0 {
		return ledger.Entry{}, false, nil
	}
	return stream[len(stream)-1], true, nil
}

func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.streams))
	for id := range s.streams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

var _ ledger.EntryStore = (*Store)(nil)
