package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"campus_listings/internal/domain"
)

// MemoryPaymentSessions is the process-local payment session repository used
// when no database is configured. Rows are lost on restart.
type MemoryPaymentSessions struct {
	mu   sync.Mutex
	rows map[string]domain.PaymentSession
	now  func() time.Time
}

func NewMemoryPaymentSessions() *MemoryPaymentSessions {
	return &MemoryPaymentSessions{rows: map[string]domain.PaymentSession{}, now: time.Now}
}

// CreateSession keeps the first row for a reference; a replay only refreshes
// the redirect target.
func (m *MemoryPaymentSessions) CreateSession(_ context.Context, s domain.PaymentSession) error {
	if s.Reference == "" {
		return errors.New("payment session without reference")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if cur, ok := m.rows[s.Reference]; ok {
		cur.AuthorizationURL = s.AuthorizationURL
		cur.UpdatedAt = now
		m.rows[s.Reference] = cur
		return nil
	}
	if s.Status == "" {
		s.Status = domain.StatusAwaitingReturn
	}
	s.CreatedAt, s.UpdatedAt = now, now
	m.rows[s.Reference] = s
	return nil
}

func (m *MemoryPaymentSessions) GetSession(_ context.Context, reference string) (domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[reference]
	if !ok {
		return domain.PaymentSession{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *MemoryPaymentSessions) UpdateStatus(_ context.Context, reference string, status domain.PaymentStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[reference]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	s.Status = status
	s.UpdatedAt = m.now().UTC()
	m.rows[reference] = s
	return true, nil
}

// ListStale returns open rows last updated before olderThan, oldest first.
func (m *MemoryPaymentSessions) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.PaymentSession, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentSession
	for _, s := range m.rows {
		open := s.Status == domain.StatusAwaitingReturn || s.Status == domain.StatusVerifying
		if open && s.UpdatedAt.Before(olderThan) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
