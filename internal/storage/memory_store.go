package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything behind one mutex, which makes each method a
// single atomic compare-and-set.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
	attempts map[string][]*models.MatchAttempt
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.Request),
		attempts: make(map[string][]*models.MatchAttempt),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SearchingRequests(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, r := range m.requests {
		if r.Status == models.StatusSearching {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from, to models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from || from.Terminal() {
		return false, nil
	}
	now := m.now()
	r.Status = to
	r.UpdatedAt = now
	if !to.HoldsProvider() {
		r.AssignedProvider = nil
	}
	switch to {
	case models.StatusCompleted:
		r.CompletedAt = &now
	case models.StatusCancelled:
		r.CancelledAt = &now
	}
	return true, nil
}

func (m *MemoryStore) InsertBatch(_ context.Context, attempts []models.MatchAttempt) (bool, error) {
	if len(attempts) == 0 {
		return false, nil
	}
	reqID := attempts[0].RequestID
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[reqID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusSearching {
		return false, nil
	}
	existing := m.attempts[reqID]
	last := 0
	seen := make(map[string]struct{}, len(existing)+len(attempts))
	for _, a := range existing {
		if a.Batch > last {
			last = a.Batch
		}
		seen[a.CandidateID] = struct{}{}
	}
	for _, a := range attempts {
		if a.RequestID != reqID || a.Batch <= last {
			return false, nil
		}
		if _, dup := seen[a.CandidateID]; dup {
			return false, nil
		}
		seen[a.CandidateID] = struct{}{}
	}
	for _, a := range attempts {
		cp := a
		m.attempts[reqID] = append(m.attempts[reqID], &cp)
	}
	return true, nil
}

func (m *MemoryStore) AcceptAttempt(_ context.Context, requestID, candidateID string, batch int) (bool, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, nil, ErrNotFound
	}
	if r.Status != models.StatusSearching {
		return false, nil, nil
	}
	target := m.find(requestID, candidateID, batch)
	if target == nil || target.Status != models.AttemptPending {
		return false, nil, nil
	}
	now := m.now()
	target.Status = models.AttemptAccepted
	target.RespondedAt = &now
	provider := candidateID
	r.Status = models.StatusAssigned
	r.AssignedProvider = &provider
	r.AssignedAt = &now
	r.UpdatedAt = now
	return true, m.closePending(requestID, -1, models.AttemptSuperseded), nil
}

func (m *MemoryStore) CloseAttempt(_ context.Context, requestID, candidateID string, batch int, to models.AttemptStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.find(requestID, candidateID, batch)
	if a == nil || a.Status != models.AttemptPending {
		return false, nil
	}
	now := m.now()
	a.Status = to
	a.RespondedAt = &now
	return true, nil
}

func (m *MemoryStore) ExpireBatch(_ context.Context, requestID string, batch int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closePending(requestID, batch, models.AttemptExpired), nil
}

func (m *MemoryStore) SupersedePending(_ context.Context, requestID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closePending(requestID, -1, models.AttemptSuperseded), nil
}

func (m *MemoryStore) Attempts(_ context.Context, requestID string) ([]models.MatchAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MatchAttempt, 0, len(m.attempts[requestID]))
	for _, a := range m.attempts[requestID] {
		out = append(out, *a)
	}
	return out, nil
}

func (m *MemoryStore) LastBatch(_ context.Context, requestID string) (models.BatchInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var info models.BatchInfo
	for _, a := range m.attempts[requestID] {
		if a.Batch > info.Number {
			info.Number = a.Batch
		}
		if a.ExpiresAt.After(info.ExpiresAt) {
			info.ExpiresAt = a.ExpiresAt
		}
	}
	return info, nil
}

func (m *MemoryStore) find(requestID, candidateID string, batch int) *models.MatchAttempt {
	for _, a := range m.attempts[requestID] {
		if a.CandidateID == candidateID && a.Batch == batch {
			return a
		}
	}
	return nil
}

// closePending must be called with mu held. batch < 0 means every batch.
func (m *MemoryStore) closePending(requestID string, batch int, to models.AttemptStatus) []string {
	var ids []string
	for _, a := range m.attempts[requestID] {
		if a.Status != models.AttemptPending || (batch >= 0 && a.Batch != batch) {
			continue
		}
		a.Status = to
		ids = append(ids, a.CandidateID)
	}
	return ids
}
