package domain

import (
	"context"
	"time"
)

// MarketplaceClient talks to the marketplace API on behalf of a viewer.
// token is the viewer's bearer credential; it may be empty for public reads.
type MarketplaceClient interface {
	GetProperty(ctx context.Context, token, id string) (map[string]any, error)
	ListProperties(ctx context.Context, token string, limit int) ([]map[string]any, error)
	ListUnlocked(ctx context.Context, token string) ([]string, error)
	InitiateUnlock(ctx context.Context, token string, req InitiateRequest) (InitiateResponse, error)
	VerifyUnlock(ctx context.Context, token, reference string) (VerifyResponse, error)
}

// EntitlementStore is a session-scoped cache of server-confirmed grants.
type EntitlementStore interface {
	HasGrant(ctx context.Context, viewerID, propertyID string) (bool, error)
	Grant(ctx context.Context, viewerID, propertyID string) (EntitlementGrant, bool, error)
	// RecordGrant is idempotent: a second call for the same pair returns the
	// existing grant unchanged with created=false.
	RecordGrant(ctx context.Context, viewerID, propertyID, reference string) (g EntitlementGrant, created bool, err error)
	AllGrants(ctx context.Context, viewerID string) ([]string, error)
	// Replace is reserved for an authoritative refresh from the server.
	Replace(ctx context.Context, viewerID string, propertyIDs []string) error
	Drop(ctx context.Context) error
}

type PaymentSessionRepository interface {
	CreateSession(ctx context.Context, s PaymentSession) error
	GetSession(ctx context.Context, reference string) (PaymentSession, error)
	// UpdateStatus moves a non-terminal session to status; it returns
	// false when the row is missing or already terminal.
	UpdateStatus(ctx context.Context, reference string, status PaymentStatus) (bool, error)
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]PaymentSession, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}
