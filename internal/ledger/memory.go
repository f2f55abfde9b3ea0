package ledger

import (
	"context"
	"strings"
	"sync"
	"time"
)

type recordState string

const (
	statePending  recordState = "pending"
	stateComplete recordState = "complete"
)

type record struct {
	state     recordState
	claimedAt time.Time
	entry     Entry
}

// MemoryStore is an in-process Store used in local development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*record
	clock    func() time.Time
	claimTTL time.Duration
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*record),
		clock:    time.Now,
		claimTTL: DefaultClaimTTL,
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// WithClaimTTL overrides the pending-claim lease. Zero disables reclaiming.
func (s *MemoryStore) WithClaimTTL(ttl time.Duration) *MemoryStore {
	s.claimTTL = ttl
	return s
}

// Begin claims the intent or reports the prior outcome. A pending claim whose
// lease has lapsed is treated as abandoned and reclaimed.
func (s *MemoryStore) Begin(_ context.Context, intentID, orderID string) (Claim, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Claim{}, ErrNotClaimed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	if existing, ok := s.records[intentID]; ok {
		if existing.state == stateComplete {
			entry := existing.entry
			return Claim{Replay: &entry}, nil
		}
		if s.claimTTL <= 0 || now.Sub(existing.claimedAt) <= s.claimTTL {
			return Claim{}, ErrInFlight
		}
	}

	s.records[intentID] = &record{
		state:     statePending,
		claimedAt: now,
		entry:     Entry{IntentID: intentID, OrderID: orderID},
	}
	return Claim{}, nil
}

// Complete stores the terminal entry for a claimed intent.
func (s *MemoryStore) Complete(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[entry.IntentID]
	if !ok || existing.state != statePending {
		return ErrNotClaimed
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = s.clock().UTC()
	}
	existing.state = stateComplete
	existing.entry = entry
	return nil
}

// Release drops an in-flight claim.
func (s *MemoryStore) Release(_ context.Context, intentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[intentID]
	if !ok {
		return ErrNotClaimed
	}
	if existing.state == stateComplete {
		return nil
	}
	delete(s.records, intentID)
	return nil
}
