package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"campus_listings/internal/domain"
)

// StoreFactory builds the entitlement store for a new viewer session.
type StoreFactory func(sessionID string) domain.EntitlementStore

func MemoryStores(string) domain.EntitlementStore { return NewMemoryEntitlementStore() }

// toucher is implemented by stores that expire on their own and must be kept
// alive while the session is in use.
type toucher interface {
	Touch(ctx context.Context) error
}

// ViewerSession is the context object for one logged-in viewer. It is created
// on login and torn down on logout; nothing reads it as ambient state.
type ViewerSession struct {
	ID           string
	ViewerID     string
	Token        string
	CreatedAt    time.Time
	Entitlements domain.EntitlementStore

	mu       sync.Mutex
	lastSeen time.Time
	verified map[string]domain.EntitlementGrant // reference -> grant
}

func (s *ViewerSession) Authenticated() bool {
	return s != nil && s.ViewerID != ""
}

func (s *ViewerSession) Gate() *Gate { return NewGate(s.Entitlements) }

func (s *ViewerSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *ViewerSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// rememberVerified keeps a successful verification so a reload of the
// callback route does not call the server again.
func (s *ViewerSession) rememberVerified(reference string, g domain.EntitlementGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verified == nil {
		s.verified = map[string]domain.EntitlementGrant{}
	}
	s.verified[reference] = g
}

func (s *ViewerSession) verifiedGrant(reference string) (domain.EntitlementGrant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.verified[reference]
	return g, ok
}

type Sessions struct {
	mu      sync.RWMutex
	byID    map[string]*ViewerSession
	client  domain.MarketplaceClient
	stores  StoreFactory
	idleTTL time.Duration
	now     func() time.Time
}

func NewSessions(client domain.MarketplaceClient, stores StoreFactory, idleTTL time.Duration) *Sessions {
	if stores == nil {
		stores = MemoryStores
	}
	return &Sessions{
		byID:    map[string]*ViewerSession{},
		client:  client,
		stores:  stores,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Open starts a session for an authenticated viewer and seeds its grants from
// the server. A failed seed leaves the store empty; the gate then fails closed.
func (m *Sessions) Open(ctx context.Context, viewerID, token string) (*ViewerSession, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, domain.ErrUnauthenticated
	}
	id := uuid.NewString()
	now := m.now()
	sess := &ViewerSession{
		ID:           id,
		ViewerID:     viewerID,
		Token:        token,
		CreatedAt:    now,
		Entitlements: m.stores(id),
		lastSeen:     now,
	}
	if err := RefreshEntitlements(ctx, m.client, sess); err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("seeding entitlements failed")
	}

	m.mu.Lock()
	m.byID[id] = sess
	m.mu.Unlock()
	log.Info().Str("session_id", id).Str("viewer_id", viewerID).Msg("viewer session opened")
	return sess, nil
}

func (m *Sessions) Get(id string) (*ViewerSession, bool) {
	m.mu.RLock()
	sess, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	now := m.now()
	if m.idleTTL > 0 && now.Sub(sess.idleSince()) > m.idleTTL {
		_ = m.Close(context.Background(), id)
		return nil, false
	}
	sess.touch(now)
	if t, ok := sess.Entitlements.(toucher); ok {
		if err := t.Touch(context.Background()); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("extend entitlement store failed")
		}
	}
	return sess, true
}

// Close tears the session down together with its entitlement store.
func (m *Sessions) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.byID[id]
	delete(m.byID, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	log.Info().Str("session_id", id).Str("viewer_id", sess.ViewerID).Msg("viewer session closed")
	return sess.Entitlements.Drop(ctx)
}

func (m *Sessions) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Sweep closes idle sessions and returns how many were closed.
func (m *Sessions) Sweep(ctx context.Context) int {
	if m.idleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTTL)
	m.mu.RLock()
	var stale []string
	for id, s := range m.byID {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		_ = m.Close(ctx, id)
	}
	return len(stale)
}

// RefreshEntitlements replaces the session's grants with the server's list of
// unlocked properties. It is the only writer besides the callback reconciler.
func RefreshEntitlements(ctx context.Context, client domain.MarketplaceClient, sess *ViewerSession) error {
	if !sess.Authenticated() {
		return domain.ErrUnauthenticated
	}
	if client == nil {
		return errors.New("no marketplace client configured")
	}
	ids, err := client.ListUnlocked(ctx, sess.Token)
	if err != nil {
		return err
	}
	clean := ids[:0:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	return sess.Entitlements.Replace(ctx, sess.ViewerID, clean)
}
