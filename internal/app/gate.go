package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"campus_listings/internal/domain"
)

// Gate is the only place premium fields are masked. Rendering code must pass
// records through Present before they leave the service.
type Gate struct {
	store domain.EntitlementStore
}

func NewGate(store domain.EntitlementStore) *Gate {
	return &Gate{store: store}
}

// IsUnlocked fails closed: a store error reads as locked.
func (g *Gate) IsUnlocked(ctx context.Context, viewerID, propertyID string) bool {
	if g.store == nil || viewerID == "" || propertyID == "" {
		return false
	}
	ok, err := g.store.HasGrant(ctx, viewerID, propertyID)
	if err != nil {
		log.Warn().Err(err).
			Str("viewer_id", viewerID).
			Str("property_id", propertyID).
			Msg("entitlement lookup failed, treating as locked")
		return false
	}
	return ok
}

// Present projects rec for viewerID. It does not modify rec.
func (g *Gate) Present(ctx context.Context, rec domain.PropertyRecord, viewerID string) domain.PropertyRecord {
	out := rec
	out.Images = append([]string(nil), rec.Images...)
	out.Amenities = append([]string(nil), rec.Amenities...)
	if out.Images == nil {
		out.Images = []string{}
	}
	if out.Amenities == nil {
		out.Amenities = []string{}
	}
	out.UnlockedHint = nil

	if g.IsUnlocked(ctx, viewerID, rec.ID) {
		out.Premium = rec.Premium
		out.Locked = false
		return out
	}
	out.Premium = domain.RedactedPremium()
	out.Locked = true
	return out
}

func (g *Gate) PresentAll(ctx context.Context, recs []domain.PropertyRecord, viewerID string) []domain.PropertyRecord {
	out := make([]domain.PropertyRecord, len(recs))
	for i, r := range recs {
		out[i] = g.Present(ctx, r, viewerID)
	}
	return out
}
