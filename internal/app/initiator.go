package app

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"campus_listings/internal/domain"
)

// UnlockFee is the fixed price of one unlock. It does not vary per property.
type UnlockFee struct {
	Amount   decimal.Decimal
	Currency string
}

func (f UnlockFee) String() string {
	return f.Currency + " " + f.Amount.StringFixed(2)
}

type InitiateResult struct {
	Reference        string `json:"reference,omitempty"`
	AuthorizationURL string `json:"authorizationUrl,omitempty"`
	AlreadyUnlocked  bool   `json:"alreadyUnlocked"`
}

type PaymentInitiator struct {
	client        domain.MarketplaceClient
	properties    *PropertyService
	repo          domain.PaymentSessionRepository
	fee           UnlockFee
	defaultMethod string
	callbackURL   string
}

func NewPaymentInitiator(c domain.MarketplaceClient, p *PropertyService, repo domain.PaymentSessionRepository,
	fee UnlockFee, defaultMethod, callbackURL string) *PaymentInitiator {
	return &PaymentInitiator{
		client:        c,
		properties:    p,
		repo:          repo,
		fee:           fee,
		defaultMethod: defaultMethod,
		callbackURL:   callbackURL,
	}
}

func (p *PaymentInitiator) Fee() UnlockFee { return p.fee }

// InitiateUnlock starts a payment session for (viewer, property). If the
// viewer already holds a grant it returns AlreadyUnlocked without charging.
// Nothing is committed unless the provider returned a reference and a usable
// redirect target.
func (p *PaymentInitiator) InitiateUnlock(ctx context.Context, sess *ViewerSession, propertyID, method string) (InitiateResult, error) {
	if !sess.Authenticated() {
		return InitiateResult{}, domain.ErrUnauthenticated
	}
	propertyID = strings.TrimSpace(propertyID)
	if propertyID == "" {
		return InitiateResult{}, domain.ErrPropertyNotFound
	}
	gate := sess.Gate()
	if gate.IsUnlocked(ctx, sess.ViewerID, propertyID) {
		return InitiateResult{AlreadyUnlocked: true}, nil
	}

	rec, err := p.properties.Record(ctx, sess, propertyID)
	if err != nil {
		return InitiateResult{}, err
	}
	// The server hints the viewer already paid (another device, lost
	// session); confirm with the authoritative list before charging again.
	if rec.UnlockedHint != nil && *rec.UnlockedHint {
		if err := RefreshEntitlements(ctx, p.client, sess); err != nil {
			log.Warn().Err(err).Str("viewer_id", sess.ViewerID).Msg("entitlement refresh before initiate failed")
		} else if gate.IsUnlocked(ctx, sess.ViewerID, propertyID) {
			return InitiateResult{AlreadyUnlocked: true}, nil
		}
	}

	if method = strings.TrimSpace(method); method == "" {
		method = p.defaultMethod
	}
	ps := domain.PaymentSession{
		PropertyID:    propertyID,
		ViewerID:      sess.ViewerID,
		Status:        domain.StatusInitiated,
		PaymentMethod: method,
		Fee:           p.fee.String(),
	}

	resp, err := p.client.InitiateUnlock(ctx, sess.Token, domain.InitiateRequest{
		PropertyID:    propertyID,
		PaymentMethod: method,
		Amount:        p.fee.Amount.StringFixed(2),
		Currency:      p.fee.Currency,
		CallbackURL:   p.callbackURL,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	if !usableRedirect(resp.AuthorizationURL) {
		return InitiateResult{}, domain.ErrMissingRedirectTarget
	}
	if strings.TrimSpace(resp.Reference) == "" {
		return InitiateResult{}, &domain.ProviderError{Status: http.StatusBadGateway, Message: "payment provider returned no reference"}
	}

	ps.Reference = resp.Reference
	ps.AuthorizationURL = resp.AuthorizationURL
	ps.Status = domain.StatusAwaitingReturn
	if p.repo != nil {
		if err := p.repo.CreateSession(ctx, ps); err != nil {
			return InitiateResult{}, fmt.Errorf("record payment session %s: %w", ps.Reference, err)
		}
	}

	log.Info().
		Str("reference", ps.Reference).
		Str("property_id", propertyID).
		Str("viewer_id", sess.ViewerID).
		Str("method", method).
		Msg("unlock payment initiated")
	return InitiateResult{Reference: ps.Reference, AuthorizationURL: ps.AuthorizationURL}, nil
}

func usableRedirect(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
