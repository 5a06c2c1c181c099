package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"campus_listings/internal/domain"
)

type grantKey struct{ viewer, property string }

// MemoryEntitlementStore keeps grants for one viewer session in process
// memory. It is dropped with the session.
type MemoryEntitlementStore struct {
	mu     sync.RWMutex
	grants map[grantKey]domain.EntitlementGrant
	now    func() time.Time
}

func NewMemoryEntitlementStore() *MemoryEntitlementStore {
	return &MemoryEntitlementStore{grants: map[grantKey]domain.EntitlementGrant{}, now: time.Now}
}

func (s *MemoryEntitlementStore) HasGrant(ctx context.Context, viewerID, propertyID string) (bool, error) {
	_, ok, err := s.Grant(ctx, viewerID, propertyID)
	return ok, err
}

func (s *MemoryEntitlementStore) Grant(_ context.Context, viewerID, propertyID string) (domain.EntitlementGrant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey{viewerID, propertyID}]
	return g, ok, nil
}

func (s *MemoryEntitlementStore) RecordGrant(_ context.Context, viewerID, propertyID, reference string) (domain.EntitlementGrant, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := grantKey{viewerID, propertyID}
	if g, ok := s.grants[k]; ok {
		return g, false, nil
	}
	g := domain.EntitlementGrant{
		ViewerID:         viewerID,
		PropertyID:       propertyID,
		UnlockedAt:       s.now().UTC(),
		PaymentReference: reference,
	}
	s.grants[k] = g
	return g, true, nil
}

func (s *MemoryEntitlementStore) AllGrants(_ context.Context, viewerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.grants))
	for k := range s.grants {
		if k.viewer == viewerID {
			out = append(out, k.property)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Replace swaps the viewer's grants for the server's list. Grants that
// survive keep their original reference and timestamp.
func (s *MemoryEntitlementStore) Replace(_ context.Context, viewerID string, propertyIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]struct{}, len(propertyIDs))
	for _, id := range propertyIDs {
		keep[id] = struct{}{}
	}
	for k := range s.grants {
		if _, ok := keep[k.property]; k.viewer == viewerID && !ok {
			delete(s.grants, k)
		}
	}
	now := s.now().UTC()
	for id := range keep {
		k := grantKey{viewerID, id}
		if _, ok := s.grants[k]; !ok {
			s.grants[k] = domain.EntitlementGrant{ViewerID: viewerID, PropertyID: id, UnlockedAt: now}
		}
	}
	return nil
}

func (s *MemoryEntitlementStore) Drop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants = map[grantKey]domain.EntitlementGrant{}
	return nil
}
