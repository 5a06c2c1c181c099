package app_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"campus_listings/internal/domain"
)

// ---- fakes ----

type fakeMarketplace struct {
	mu sync.Mutex

	docs     map[string]map[string]any
	unlocked []string
	listErr  error

	initiateResp domain.InitiateResponse
	initiateErr  error
	initiated    []domain.InitiateRequest

	verifyResp  domain.VerifyResponse
	verifyErr   error
	verifyCalls int
	verifyDelay time.Duration
}

func (f *fakeMarketplace) GetProperty(_ context.Context, _, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, &domain.ProviderError{Status: 404, Message: "Property not found"}
	}
	return d, nil
}

func (f *fakeMarketplace) ListProperties(_ context.Context, _ string, _ int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeMarketplace) ListUnlocked(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.unlocked...), nil
}

func (f *fakeMarketplace) InitiateUnlock(_ context.Context, _ string, req domain.InitiateRequest) (domain.InitiateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, req)
	return f.initiateResp, f.initiateErr
}

func (f *fakeMarketplace) VerifyUnlock(ctx context.Context, _, _ string) (domain.VerifyResponse, error) {
	f.mu.Lock()
	f.verifyCalls++
	delay := f.verifyDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.VerifyResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyResp, f.verifyErr
}

func (f *fakeMarketplace) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[string]domain.PaymentSession
	createErr error
}

func newFakeRepo() *fakeRepo { return &fakeRepo{sessions: map[string]domain.PaymentSession{}} }

func (r *fakeRepo) CreateSession(_ context.Context, s domain.PaymentSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.sessions[s.Reference] = s
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, ref string) (domain.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	if !ok {
		return domain.PaymentSession{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, ref string, st domain.PaymentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[ref]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	s.Status = st
	r.sessions[ref] = s
	return true, nil
}

func (r *fakeRepo) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.PaymentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentSession
	for _, s := range r.sessions {
		if (s.Status == domain.StatusAwaitingReturn || s.Status == domain.StatusVerifying) && s.UpdatedAt.Before(olderThan) {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) status(ref string) domain.PaymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[ref].Status
}

type fakeCache struct {
	mu    sync.Mutex
	store map[string]map[string]any
	dels  []string
}

func (c *fakeCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	if !ok {
		return false, nil
	}
	if d, ok := dst.(*map[string]any); ok {
		*d = v
	}
	return true, nil
}

func (c *fakeCache) Set(_ context.Context, key string, v any, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store == nil {
		c.store = map[string]map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		c.store[key] = m
	}
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	c.dels = append(c.dels, key)
	return nil
}

// failingStore reads as an outage on every call.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) HasGrant(context.Context, string, string) (bool, error) { return false, errStoreDown }
func (failingStore) Grant(context.Context, string, string) (domain.EntitlementGrant, bool, error) {
	return domain.EntitlementGrant{}, false, errStoreDown
}
func (failingStore) RecordGrant(context.Context, string, string, string) (domain.EntitlementGrant, bool, error) {
	return domain.EntitlementGrant{}, false, errStoreDown
}
func (failingStore) AllGrants(context.Context, string) ([]string, error) { return nil, errStoreDown }
func (failingStore) Replace(context.Context, string, []string) error     { return errStoreDown }
func (failingStore) Drop(context.Context) error                          { return nil }

func ptr[T any](v T) *T { return &v }

// premiumDoc is a nested document carrying real premium data.
func premiumDoc(id string) map[string]any {
	return map[string]any{
		"_id":   id,
		"title": "Two-bed flat near the north gate",
		"price": map[string]any{"amount": 250000.0, "period": "year"},
		"location": map[string]any{
			"area":               "Agbowo",
			"distanceFromCampus": map[string]any{"value": 1.5, "unit": "km"},
		},
		"specifications": map[string]any{"bedrooms": 2.0, "bathrooms": 1.0, "propertyType": "flat"},
		"premiumDetails": map[string]any{
			"exactAddress":   "12 Market Road",
			"gpsCoordinates": map[string]any{"lat": 7.44, "lng": 3.9},
			"caretaker":      map[string]any{"name": "Mr. Ade", "phone": "+2348000000000"},
		},
	}
}
