package app

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"campus_listings/internal/domain"
)

type CallbackState string

const (
	StateAwaitingReference CallbackState = "awaiting_reference"
	StateVerifying         CallbackState = "verifying"
	StateVerified          CallbackState = "verified"
	StateFailed            CallbackState = "failed"
)

// Return-route parameter names, in priority order.
var referenceParams = []string{"reference", "trxref"}

const maxReferenceLen = 128

// Route is a navigation target inside the web app.
type Route struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

var (
	RouteListings = Route{Path: "/listings", Label: "Back to listings"}
	RouteUnlocked = Route{Path: "/unlocked", Label: "My unlocked properties"}
)

func RoutePropertyDetail(id string) Route {
	return Route{Path: "/properties/" + url.PathEscape(id), Label: "View property"}
}

func routeRetry(reference string) Route {
	return Route{Path: "/payment/callback?reference=" + url.QueryEscape(reference), Label: "Try again"}
}

// CallbackOutcome is the terminal result of one callback invocation.
type CallbackOutcome struct {
	State      CallbackState
	Trace      []CallbackState
	Reference  string
	PropertyID string
	Grant      *domain.EntitlementGrant
	Next       Route
	Retry      *Route
	Err        error
	Message    string
}

// ReconcilerDeps are shared by every callback invocation. Flight must be
// shared so concurrent loads of one callback make a single verify call.
type ReconcilerDeps struct {
	Client        domain.MarketplaceClient
	Repo          domain.PaymentSessionRepository
	Properties    *PropertyService
	VerifyTimeout time.Duration
	Flight        *singleflight.Group
}

// CallbackReconciler runs the return-route state machine for one viewer
// session. Build a fresh one per callback request.
type CallbackReconciler struct {
	deps  ReconcilerDeps
	sess  *ViewerSession
	state CallbackState
	trace []CallbackState
}

func NewCallbackReconciler(sess *ViewerSession, deps ReconcilerDeps) *CallbackReconciler {
	if deps.Flight == nil {
		deps.Flight = &singleflight.Group{}
	}
	if deps.VerifyTimeout <= 0 {
		deps.VerifyTimeout = 30 * time.Second
	}
	return &CallbackReconciler{deps: deps, sess: sess}
}

// ExtractReference returns the session reference from return-URL query
// values: reference wins over trxref. Blank or malformed values are absent.
func ExtractReference(q url.Values) string {
	for _, name := range referenceParams {
		if v := strings.TrimSpace(q.Get(name)); v != "" && validReference(v) {
			return v
		}
	}
	return ""
}

func validReference(v string) bool {
	if len(v) > maxReferenceLen {
		return false
	}
	for _, r := range v {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

func (r *CallbackReconciler) enter(s CallbackState) {
	r.state = s
	r.trace = append(r.trace, s)
}

// Reconcile runs AwaitingReference -> Verifying -> Verified|Failed. The verify
// call and the grant write run detached from ctx cancellation: a viewer
// leaving the callback page must not lose an entitlement.
func (r *CallbackReconciler) Reconcile(ctx context.Context, query url.Values) CallbackOutcome {
	r.state, r.trace = "", nil
	r.enter(StateAwaitingReference)

	ref := ExtractReference(query)
	if ref == "" {
		return r.fail("", domain.ErrMissingReference, nil)
	}
	if !r.sess.Authenticated() {
		return r.fail(ref, domain.ErrUnauthenticated, nil)
	}
	r.enter(StateVerifying)

	if g, ok := r.sess.verifiedGrant(ref); ok {
		log.Debug().Str("reference", ref).Msg("callback reload, reusing verified result")
		return r.verified(ref, g)
	}

	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deps.VerifyTimeout)
	defer cancel()

	known := r.loadSession(vctx, ref)
	r.setStatus(vctx, ref, domain.StatusVerifying, known)

	key := r.sess.ViewerID + "|" + ref
	v, err, _ := r.deps.Flight.Do(key, func() (any, error) {
		return r.deps.Client.VerifyUnlock(vctx, r.sess.Token, ref)
	})
	if err != nil {
		err = classifyVerifyError(ref, err)
		if domain.Retryable(err) {
			// back to awaiting so a retry (or the sweeper) can pick it up
			r.setStatus(vctx, ref, domain.StatusAwaitingReturn, known)
			retry := routeRetry(ref)
			return r.fail(ref, err, &retry)
		}
		r.setStatus(vctx, ref, domain.StatusFailed, known)
		return r.fail(ref, err, nil)
	}
	res := v.(domain.VerifyResponse)
	if !res.Unlocked {
		r.setStatus(vctx, ref, domain.StatusFailed, known)
		return r.fail(ref, &domain.VerificationFailedError{Reference: ref, Message: res.Message}, nil)
	}

	propertyID := strings.TrimSpace(res.PropertyID)
	if known != nil && propertyID != "" && known.PropertyID != propertyID {
		log.Warn().
			Str("reference", ref).
			Str("session_property_id", known.PropertyID).
			Str("verified_property_id", propertyID).
			Msg("verified property differs from initiated property")
	}

	if propertyID == "" {
		// No identifier: pull the authoritative list instead of guessing.
		if err := RefreshEntitlements(vctx, r.deps.Client, r.sess); err != nil {
			log.Warn().Err(err).Str("reference", ref).Msg("entitlement refresh after verify failed")
		}
		g := domain.EntitlementGrant{ViewerID: r.sess.ViewerID, PaymentReference: ref}
		r.sess.rememberVerified(ref, g)
		r.setStatus(vctx, ref, domain.StatusVerified, known)
		return r.verified(ref, g)
	}

	g, created, err := r.sess.Entitlements.RecordGrant(vctx, r.sess.ViewerID, propertyID, ref)
	if err != nil {
		// The server holds the grant; retrying verify is safe and will
		// write it locally.
		retry := routeRetry(ref)
		return r.fail(ref, &domain.NetworkError{Op: "record entitlement", Err: err}, &retry)
	}
	r.sess.rememberVerified(ref, g)
	if r.deps.Properties != nil {
		r.deps.Properties.Invalidate(vctx, r.sess, propertyID)
	}
	r.setStatus(vctx, ref, domain.StatusVerified, known)

	log.Info().
		Str("reference", ref).
		Str("property_id", propertyID).
		Str("viewer_id", r.sess.ViewerID).
		Bool("new_grant", created).
		Msg("unlock verified")
	return r.verified(ref, g)
}

func (r *CallbackReconciler) verified(ref string, g domain.EntitlementGrant) CallbackOutcome {
	r.enter(StateVerified)
	next := RouteUnlocked
	if g.PropertyID != "" {
		next = RoutePropertyDetail(g.PropertyID)
	}
	grant := g
	return CallbackOutcome{
		State:      r.state,
		Trace:      r.trace,
		Reference:  ref,
		PropertyID: g.PropertyID,
		Grant:      &grant,
		Next:       next,
	}
}

func (r *CallbackReconciler) fail(ref string, err error, retry *Route) CallbackOutcome {
	r.enter(StateFailed)
	log.Warn().Err(err).Str("reference", ref).Msg("payment callback failed")
	return CallbackOutcome{
		State:     r.state,
		Trace:     r.trace,
		Reference: ref,
		Next:      RouteListings,
		Retry:     retry,
		Err:       err,
		Message:   domain.UserMessage(err),
	}
}

func (r *CallbackReconciler) loadSession(ctx context.Context, ref string) *domain.PaymentSession {
	if r.deps.Repo == nil {
		return nil
	}
	ps, err := r.deps.Repo.GetSession(ctx, ref)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Str("reference", ref).Msg("load payment session failed")
		}
		return nil
	}
	if ps.ViewerID != r.sess.ViewerID {
		// another viewer's row is left for its owner and the sweeper
		log.Warn().Str("reference", ref).Str("viewer_id", r.sess.ViewerID).Msg("payment session belongs to another viewer")
		return nil
	}
	return &ps
}

func (r *CallbackReconciler) setStatus(ctx context.Context, ref string, s domain.PaymentStatus, known *domain.PaymentSession) {
	if r.deps.Repo == nil || known == nil {
		return
	}
	if _, err := r.deps.Repo.UpdateStatus(ctx, ref, s); err != nil {
		log.Warn().Err(err).Str("reference", ref).Str("status", string(s)).Msg("update payment session failed")
	}
}

// classifyVerifyError maps client errors onto the callback taxonomy.
func classifyVerifyError(ref string, err error) error {
	var vf *domain.VerificationFailedError
	var ne *domain.NetworkError
	var pe *domain.ProviderError
	switch {
	case errors.As(err, &vf), errors.As(err, &ne):
		return err
	case errors.As(err, &pe) && pe.Message != "" && pe.Status < 500:
		return &domain.VerificationFailedError{Reference: ref, Message: pe.Message}
	case errors.Is(err, domain.ErrNotFound):
		return &domain.VerificationFailedError{Reference: ref, Message: "Unknown payment reference."}
	case pe != nil:
		return &domain.VerificationFailedError{Reference: ref}
	default:
		return &domain.NetworkError{Op: "verify payment", Err: err}
	}
}
