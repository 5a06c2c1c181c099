package domain

import "time"

type PaymentStatus string

const (
	StatusInitiated      PaymentStatus = "initiated"
	StatusAwaitingReturn PaymentStatus = "awaiting_return"
	StatusVerifying      PaymentStatus = "verifying"
	StatusVerified       PaymentStatus = "verified"
	StatusFailed         PaymentStatus = "failed"
	// StatusAbandoned is set by the sweeper on sessions that never returned.
	StatusAbandoned PaymentStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusVerified || s == StatusFailed || s == StatusAbandoned
}

// PaymentSession is one unlock payment attempt. Reference is issued by the
// provider and is the only idempotency key the service has.
type PaymentSession struct {
	Reference        string
	PropertyID       string
	ViewerID         string
	Status           PaymentStatus
	AuthorizationURL string
	PaymentMethod    string
	Fee              string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EntitlementGrant records that a viewer may see a property's premium fields.
// At most one exists per (ViewerID, PropertyID).
type EntitlementGrant struct {
	ViewerID         string    `json:"viewerId"`
	PropertyID       string    `json:"propertyId"`
	UnlockedAt       time.Time `json:"unlockedAt"`
	PaymentReference string    `json:"paymentReference"`
}

// Marketplace API payloads.

type InitiateRequest struct {
	PropertyID    string
	PaymentMethod string
	Amount        string
	Currency      string
	CallbackURL   string
}

type InitiateResponse struct {
	Reference        string
	AuthorizationURL string
}

type VerifyResponse struct {
	Unlocked   bool
	PropertyID string
	Message    string
}
