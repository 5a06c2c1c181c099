package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"campus_listings/internal/domain"
)

// PropertyService fetches property documents for a viewer, normalizes them
// and hands them to the viewer's gate.
type PropertyService struct {
	client   domain.MarketplaceClient
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewPropertyService(c domain.MarketplaceClient, cache domain.Cache, ttl time.Duration) *PropertyService {
	return &PropertyService{client: c, cache: cache, cacheTTL: ttl}
}

func viewerKey(sess *ViewerSession) string {
	if sess.Authenticated() {
		return sess.ViewerID
	}
	return "anon"
}

func propertyKey(sess *ViewerSession, id string) string {
	return fmt.Sprintf("property:%s:%s", id, viewerKey(sess))
}

func token(sess *ViewerSession) string {
	if sess == nil {
		return ""
	}
	return sess.Token
}

// document returns the raw document. Raw documents are cached, not records,
// so a cached copy is normalized and gated on every read.
func (s *PropertyService) document(ctx context.Context, sess *ViewerSession, id string) (map[string]any, error) {
	key := propertyKey(sess, id)
	var doc map[string]any
	if s.cache != nil {
		if ok, _ := s.cache.Get(ctx, key, &doc); ok && doc != nil {
			return doc, nil
		}
	}
	doc, err := s.client.GetProperty(ctx, token(sess), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPropertyNotFound, id)
		}
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, doc, int(s.cacheTTL.Seconds()))
	}
	return doc, nil
}

// Record returns the canonical, unmasked record. It must not be rendered.
func (s *PropertyService) Record(ctx context.Context, sess *ViewerSession, id string) (domain.PropertyRecord, error) {
	doc, err := s.document(ctx, sess, id)
	if err != nil {
		return domain.PropertyRecord{}, err
	}
	rec := Normalize(doc)
	if rec.ID == "" {
		rec.ID = id
	}
	s.reconcileHint(ctx, sess, rec)
	return rec, nil
}

// View returns the record as the viewer may see it.
func (s *PropertyService) View(ctx context.Context, sess *ViewerSession, id string) (domain.PropertyRecord, error) {
	rec, err := s.Record(ctx, sess, id)
	if err != nil {
		return domain.PropertyRecord{}, err
	}
	return present(ctx, sess, rec), nil
}

func (s *PropertyService) List(ctx context.Context, sess *ViewerSession, limit int) ([]domain.PropertyRecord, error) {
	docs, err := s.client.ListProperties(ctx, token(sess), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PropertyRecord, 0, len(docs))
	for _, d := range docs {
		rec := Normalize(d)
		if rec.ID == "" {
			continue
		}
		out = append(out, present(ctx, sess, rec))
	}
	return out, nil
}

// Unlocked returns the viewer's unlocked properties, fetched concurrently.
// Properties that disappeared from the marketplace are skipped.
func (s *PropertyService) Unlocked(ctx context.Context, sess *ViewerSession) ([]domain.PropertyRecord, error) {
	if !sess.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	ids, err := sess.Entitlements.AllGrants(ctx, sess.ViewerID)
	if err != nil {
		return nil, err
	}
	recs := make([]*domain.PropertyRecord, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rec, err := s.View(gctx, sess, id)
			if errors.Is(err, domain.ErrPropertyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			recs[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]domain.PropertyRecord, 0, len(recs))
	for _, r := range recs {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Invalidate drops the viewer's cached document so the next read fetches the
// post-unlock version.
func (s *PropertyService) Invalidate(ctx context.Context, sess *ViewerSession, id string) {
	if s.cache != nil {
		_ = s.cache.Del(ctx, propertyKey(sess, id))
	}
}

// reconcileHint treats unlock flags on fetched documents as hints. A true
// hint never grants; a false hint contradicting a local grant triggers an
// authoritative refresh, which may revoke it.
func (s *PropertyService) reconcileHint(ctx context.Context, sess *ViewerSession, rec domain.PropertyRecord) {
	if rec.UnlockedHint == nil || !sess.Authenticated() {
		return
	}
	has, err := sess.Entitlements.HasGrant(ctx, sess.ViewerID, rec.ID)
	if err != nil || has == *rec.UnlockedHint {
		return
	}
	if *rec.UnlockedHint {
		log.Debug().Str("property_id", rec.ID).Str("viewer_id", sess.ViewerID).Msg("unlock hint without grant ignored")
		return
	}
	log.Info().Str("property_id", rec.ID).Str("viewer_id", sess.ViewerID).Msg("server reports property locked, refreshing entitlements")
	if err := RefreshEntitlements(ctx, s.client, sess); err != nil {
		log.Warn().Err(err).Str("viewer_id", sess.ViewerID).Msg("entitlement refresh failed")
	}
}

func present(ctx context.Context, sess *ViewerSession, rec domain.PropertyRecord) domain.PropertyRecord {
	if !sess.Authenticated() {
		// anonymous readers never hold grants; the gate short-circuits on ""
		return NewGate(nil).Present(ctx, rec, "")
	}
	return sess.Gate().Present(ctx, rec, sess.ViewerID)
}
