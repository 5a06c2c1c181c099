package httpserver

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"campus_listings/internal/adapters/observability"
	"campus_listings/internal/app"
	"campus_listings/internal/domain"
)

const (
	sessionCookie = "sid"
	sessionHeader = "X-Session-ID"
)

type Handlers struct {
	Sessions   *app.Sessions
	Properties *app.PropertyService
	Initiator  *app.PaymentInitiator
	Reconciler app.ReconcilerDeps
	// Secure marks the session cookie Secure (HTTPS deployments).
	Secure bool
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// callback failures carry a way out for the viewer
	Reference string     `json:"reference,omitempty"`
	Next      *app.Route `json:"next,omitempty"`
	Retry     *app.Route `json:"retry,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Group(func(r chi.Router) {
		r.Use(Timeout(s.timeout))

		r.Post("/v1/session", h.openSession)
		r.Delete("/v1/session", h.closeSession)

		r.Get("/v1/properties", h.listProperties)
		r.Get("/v1/properties/{id}", h.getProperty)
		r.Post("/v1/properties/{id}/unlock", h.initiateUnlock)
		r.Get("/v1/unlocked", h.listUnlocked)
		r.Post("/v1/unlocked/refresh", h.refreshUnlocked)
		r.Get("/v1/unlock-fee", h.unlockFee)
	})

	// Bounded by the reconciler's verify timeout, which ends in a problem
	// body with a retry route rather than a bare 503.
	s.mux.Get("/payment/callback", h.paymentCallback)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	writeProblemBody(w, problem{Type: "about:blank", Title: title, Status: status, Detail: detail})
}

func writeProblemBody(w http.ResponseWriter, p problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// writeError maps domain errors onto HTTP statuses with the viewer-facing text
// as detail.
func writeError(w http.ResponseWriter, err error) {
	var vf *domain.VerificationFailedError
	var pe *domain.ProviderError
	msg := domain.UserMessage(err)
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", msg)
	case errors.Is(err, domain.ErrPropertyNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", msg)
	case errors.Is(err, domain.ErrMissingReference):
		writeProblem(w, http.StatusBadRequest, "Missing Reference", msg)
	case errors.As(err, &vf):
		writeProblem(w, http.StatusPaymentRequired, "Payment Not Verified", msg)
	case domain.Retryable(err):
		writeProblem(w, http.StatusServiceUnavailable, "Service Unavailable", msg)
	case errors.Is(err, domain.ErrMissingRedirectTarget), errors.As(err, &pe):
		writeProblem(w, http.StatusBadGateway, "Bad Gateway", msg)
	default:
		log.Error().Err(err).Msg("unhandled error")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", msg)
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		// Log but don't fail the whole response; return empty ETag and best-effort body.
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

// writeCached writes v with a weak ETag and answers If-None-Match with 304.
// Bodies depend on the viewer's grants, so caches must keep them private.
func writeCached(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.Header().Set("Vary", "Cookie, "+sessionHeader)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag) // include ETag on 304
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write body")
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// session resolves the caller's viewer session. nil means anonymous.
func (h *Handlers) session(r *http.Request) *app.ViewerSession {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			id = c.Value
		}
	}
	if id == "" {
		return nil
	}
	sess, ok := h.Sessions.Get(id)
	if !ok {
		return nil
	}
	return sess
}

// ---- sessions ----

type openSessionRequest struct {
	ViewerID string `json:"viewerId"`
	Token    string `json:"token"`
}

type sessionResponse struct {
	SessionID string   `json:"sessionId"`
	ViewerID  string   `json:"viewerId"`
	Unlocked  []string `json:"unlocked"`
}

// openSession is the hand-off from the upstream auth layer.
func (h *Handlers) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "expected JSON with viewerId and token")
		return
	}
	sess, err := h.Sessions.Open(r.Context(), req.ViewerID, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	observability.SetActiveSessions(h.Sessions.Len())

	ids, err := sess.Entitlements.AllGrants(r.Context(), sess.ViewerID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("list grants failed")
		ids = []string{}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: sess.ID, ViewerID: sess.ViewerID, Unlocked: ids})
}

func (h *Handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	if sess := h.session(r); sess != nil {
		if err := h.Sessions.Close(r.Context(), sess.ID); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("drop entitlement store failed")
		}
		observability.SetActiveSessions(h.Sessions.Len())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ---- properties ----

func (h *Handlers) listProperties(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if ls := r.URL.Query().Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > 100 {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be an integer between 1 and 100")
			return
		}
		limit = l
	}
	out, err := h.Properties.List(r.Context(), h.session(r), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, r, map[string]any{"items": out})
}

func (h *Handlers) getProperty(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id is required")
		return
	}
	rec, err := h.Properties.View(r.Context(), h.session(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, r, rec)
}

func (h *Handlers) listUnlocked(w http.ResponseWriter, r *http.Request) {
	out, err := h.Properties.Unlocked(r.Context(), h.session(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, r, map[string]any{"items": out})
}

func (h *Handlers) refreshUnlocked(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if !sess.Authenticated() {
		writeError(w, domain.ErrUnauthenticated)
		return
	}
	if err := app.RefreshEntitlements(r.Context(), h.Reconciler.Client, sess); err != nil {
		writeError(w, err)
		return
	}
	ids, err := sess.Entitlements.AllGrants(r.Context(), sess.ViewerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": ids})
}

// ---- unlock ----

type feeResponse struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

func (h *Handlers) unlockFee(w http.ResponseWriter, r *http.Request) {
	fee := h.Initiator.Fee()
	writeJSON(w, http.StatusOK, feeResponse{
		Amount:   fee.Amount.StringFixed(2),
		Currency: fee.Currency,
		Display:  fee.String(),
	})
}

type initiateRequest struct {
	PaymentMethod string `json:"paymentMethod"`
}

// initiateUnlock answers browsers with 303 to the checkout page and API
// callers (Accept: application/json) with the result body.
func (h *Handlers) initiateUnlock(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "Invalid body", "expected JSON")
			return
		}
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = r.URL.Query().Get("method")
	}

	res, err := h.Initiator.InitiateUnlock(r.Context(), h.session(r), chi.URLParam(r, "id"), req.PaymentMethod)
	if err != nil {
		observability.ObserveUnlock("initiate", "error")
		writeError(w, err)
		return
	}
	if res.AlreadyUnlocked {
		observability.ObserveUnlock("initiate", "already_unlocked")
		writeJSON(w, http.StatusOK, res)
		return
	}
	observability.ObserveUnlock("initiate", "redirect")
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, res)
		return
	}
	http.Redirect(w, r, res.AuthorizationURL, http.StatusSeeOther)
}

type callbackResponse struct {
	State      app.CallbackState   `json:"state"`
	Trace      []app.CallbackState `json:"trace"`
	Reference  string              `json:"reference"`
	PropertyID string              `json:"propertyId,omitempty"`
	Next       app.Route           `json:"next"`
}

// paymentCallback is the return route the provider redirects to.
func (h *Handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	out := app.NewCallbackReconciler(sess, h.Reconciler).Reconcile(r.Context(), r.URL.Query())

	if out.State == app.StateVerified {
		observability.ObserveUnlock("callback", "verified")
		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, callbackResponse{
				State:      out.State,
				Trace:      out.Trace,
				Reference:  out.Reference,
				PropertyID: out.PropertyID,
				Next:       out.Next,
			})
			return
		}
		http.Redirect(w, r, out.Next.Path, http.StatusSeeOther)
		return
	}

	status, title := http.StatusInternalServerError, "Payment Failed"
	var vf *domain.VerificationFailedError
	switch {
	case errors.Is(out.Err, domain.ErrMissingReference):
		status, title = http.StatusBadRequest, "Missing Reference"
		observability.ObserveUnlock("callback", "missing_reference")
	case errors.Is(out.Err, domain.ErrUnauthenticated):
		status, title = http.StatusUnauthorized, "Unauthorized"
		observability.ObserveUnlock("callback", "unauthenticated")
	case errors.As(out.Err, &vf):
		status, title = http.StatusPaymentRequired, "Payment Not Verified"
		observability.ObserveUnlock("callback", "rejected")
	case domain.Retryable(out.Err):
		status, title = http.StatusServiceUnavailable, "Verification Unavailable"
		observability.ObserveUnlock("callback", "retryable")
	default:
		observability.ObserveUnlock("callback", "error")
	}
	next := out.Next
	writeProblemBody(w, problem{
		Type:      "about:blank",
		Title:     title,
		Status:    status,
		Detail:    out.Message,
		Reference: out.Reference,
		Next:      &next,
		Retry:     out.Retry,
	})
}
