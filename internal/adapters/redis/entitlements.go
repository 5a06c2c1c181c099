package redisad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"campus_listings/internal/domain"
)

// EntitlementStore keeps one viewer session's grants in a Redis hash
// "entitlements:{sessionID}" with fields "{viewerID}|{propertyID}". The key
// TTL slides on every read and write, so it only expires once the session
// has gone idle and orphaned grants do not outlive it.
type EntitlementStore struct {
	c   redis.UniversalClient
	key string
	ttl time.Duration
	now func() time.Time
}

func NewEntitlementStore(c redis.UniversalClient, sessionID string, ttl time.Duration) *EntitlementStore {
	return &EntitlementStore{c: c, key: "entitlements:" + sessionID, ttl: ttl, now: time.Now}
}

// EntitlementStores returns a factory bound to one client, for wiring into
// the session manager.
func EntitlementStores(c redis.UniversalClient, ttl time.Duration) func(string) domain.EntitlementStore {
	return func(sessionID string) domain.EntitlementStore {
		return NewEntitlementStore(c, sessionID, ttl)
	}
}

func field(viewerID, propertyID string) string { return viewerID + "|" + propertyID }

// Touch extends the key's lifetime by one TTL. A missing key stays missing.
func (s *EntitlementStore) Touch(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}
	return s.c.Expire(ctx, s.key, s.ttl).Err()
}

func (s *EntitlementStore) touch(ctx context.Context) {
	if err := s.Touch(ctx); err != nil {
		log.Warn().Err(err).Str("key", s.key).Msg("extend entitlement ttl failed")
	}
}

func (s *EntitlementStore) HasGrant(ctx context.Context, viewerID, propertyID string) (bool, error) {
	ok, err := s.c.HExists(ctx, s.key, field(viewerID, propertyID)).Result()
	if err != nil {
		return false, err
	}
	s.touch(ctx)
	return ok, nil
}

func (s *EntitlementStore) Grant(ctx context.Context, viewerID, propertyID string) (domain.EntitlementGrant, bool, error) {
	b, err := s.c.HGet(ctx, s.key, field(viewerID, propertyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.EntitlementGrant{}, false, nil
	}
	if err != nil {
		return domain.EntitlementGrant{}, false, err
	}
	s.touch(ctx)
	var g domain.EntitlementGrant
	if err := json.Unmarshal(b, &g); err != nil {
		return domain.EntitlementGrant{}, false, fmt.Errorf("decode grant %s: %w", propertyID, err)
	}
	return g, true, nil
}

// RecordGrant relies on HSETNX so concurrent writers keep the first grant.
func (s *EntitlementStore) RecordGrant(ctx context.Context, viewerID, propertyID, reference string) (domain.EntitlementGrant, bool, error) {
	g := domain.EntitlementGrant{
		ViewerID:         viewerID,
		PropertyID:       propertyID,
		UnlockedAt:       s.now().UTC(),
		PaymentReference: reference,
	}
	b, err := json.Marshal(g)
	if err != nil {
		return domain.EntitlementGrant{}, false, err
	}
	created, err := s.c.HSetNX(ctx, s.key, field(viewerID, propertyID), b).Result()
	if err != nil {
		return domain.EntitlementGrant{}, false, err
	}
	s.touch(ctx)
	if created {
		return g, true, nil
	}
	existing, ok, err := s.Grant(ctx, viewerID, propertyID)
	if err != nil {
		return domain.EntitlementGrant{}, false, err
	}
	if !ok {
		// dropped between HSETNX and HGET; report what was attempted
		return g, false, nil
	}
	return existing, false, nil
}

func (s *EntitlementStore) AllGrants(ctx context.Context, viewerID string) ([]string, error) {
	fields, err := s.c.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	s.touch(ctx)
	prefix := viewerID + "|"
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if id, ok := strings.CutPrefix(f, prefix); ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Replace swaps the viewer's grants for the server's list inside one
// MULTI/EXEC. Surviving grants keep their reference and timestamp.
func (s *EntitlementStore) Replace(ctx context.Context, viewerID string, propertyIDs []string) error {
	current, err := s.AllGrants(ctx, viewerID)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(propertyIDs))
	for _, id := range propertyIDs {
		keep[id] = struct{}{}
	}
	now := s.now().UTC()
	_, err = s.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range current {
			if _, ok := keep[id]; !ok {
				p.HDel(ctx, s.key, field(viewerID, id))
			}
		}
		for id := range keep {
			b, err := json.Marshal(domain.EntitlementGrant{ViewerID: viewerID, PropertyID: id, UnlockedAt: now})
			if err != nil {
				return err
			}
			p.HSetNX(ctx, s.key, field(viewerID, id), b)
		}
		if s.ttl > 0 {
			p.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *EntitlementStore) Drop(ctx context.Context) error {
	return s.c.Del(ctx, s.key).Err()
}
