package app_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/singleflight"

	"campus_listings/internal/app"
	"campus_listings/internal/domain"
)

type reconcileFixture struct {
	mp    *fakeMarketplace
	repo  *fakeRepo
	cache *fakeCache
	sess  *app.ViewerSession
	deps  app.ReconcilerDeps
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	f := &reconcileFixture{
		mp:    &fakeMarketplace{docs: map[string]map[string]any{"p1": premiumDoc("p1")}},
		repo:  newFakeRepo(),
		cache: &fakeCache{},
	}
	f.sess = openSession(t, f.mp)
	props := app.NewPropertyService(f.mp, f.cache, time.Minute)
	f.deps = app.ReconcilerDeps{
		Client:        f.mp,
		Repo:          f.repo,
		Properties:    props,
		VerifyTimeout: time.Second,
		Flight:        &singleflight.Group{},
	}
	return f
}

func (f *reconcileFixture) reconcile(ctx context.Context, rawQuery string) app.CallbackOutcome {
	q, _ := url.ParseQuery(rawQuery)
	return app.NewCallbackReconciler(f.sess, f.deps).Reconcile(ctx, q)
}

func (f *reconcileFixture) grants(t *testing.T) []string {
	t.Helper()
	ids, err := f.sess.Entitlements.AllGrants(context.Background(), f.sess.ViewerID)
	require.NoError(t, err)
	return ids
}

func TestExtractReference(t *testing.T) {
	cases := map[string]string{
		"reference=abc123":            "abc123",
		"trxref=xyz789":               "xyz789",
		"reference=abc&trxref=xyz":    "abc",
		"reference=&trxref=xyz":       "xyz",
		"reference=%20%20&trxref=xyz": "xyz",
		"reference=has%20space":       "",
		"foo=bar":                     "",
		"":                            "",
	}
	for raw, want := range cases {
		q, _ := url.ParseQuery(raw)
		assert.Equal(t, want, app.ExtractReference(q), raw)
	}
}

func TestReconcile_ReferenceWithPropertyRoutesToDetail(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t)
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true, PropertyID: "p1"}
	require.NoError(t, f.repo.CreateSession(ctx, domain.PaymentSession{
		Reference: "abc123", PropertyID: "p1", ViewerID: "v1", Status: domain.StatusAwaitingReturn,
	}))

	// warm the cache with the locked view
	before, err := f.deps.Properties.View(ctx, f.sess, "p1")
	require.NoError(t, err)
	require.True(t, before.Locked)

	out := f.reconcile(ctx, "reference=abc123")
	require.Equal(t, app.StateVerified, out.State, out.Err)
	assert.Equal(t, []app.CallbackState{app.StateAwaitingReference, app.StateVerifying, app.StateVerified}, out.Trace)
	assert.Equal(t, "/properties/p1", out.Next.Path)
	require.NotNil(t, out.Grant)
	assert.Equal(t, "abc123", out.Grant.PaymentReference)
	assert.Equal(t, domain.StatusVerified, f.repo.status("abc123"))

	after, err := f.deps.Properties.View(ctx, f.sess, "p1")
	require.NoError(t, err)
	assert.False(t, after.Locked)
	assert.Equal(t, "12 Market Road", after.Premium.ExactAddress)
}

func TestReconcile_TrxrefWithoutPropertyRoutesToUnlockedList(t *testing.T) {
	f := newReconcileFixture(t)
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true}
	f.mp.unlocked = []string{"p1"}

	out := f.reconcile(context.Background(), "trxref=xyz789")
	require.Equal(t, app.StateVerified, out.State, out.Err)
	assert.Equal(t, "xyz789", out.Reference)
	assert.Equal(t, app.RouteUnlocked, out.Next)
	// grants come from the authoritative list
	assert.Equal(t, []string{"p1"}, f.grants(t))
}

func TestReconcile_MissingReferenceMakesNoCall(t *testing.T) {
	f := newReconcileFixture(t)
	out := f.reconcile(context.Background(), "status=success")

	assert.Equal(t, app.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, domain.ErrMissingReference)
	assert.Equal(t, []app.CallbackState{app.StateAwaitingReference, app.StateFailed}, out.Trace)
	assert.Equal(t, 0, f.mp.calls())
	assert.Nil(t, out.Retry)
	assert.NotEmpty(t, out.Message)
}

func TestReconcile_ServerErrorIsVerificationFailure(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t)
	f.mp.verifyErr = &domain.ProviderError{Status: 500, Message: "Internal Server Error"}
	require.NoError(t, f.repo.CreateSession(ctx, domain.PaymentSession{
		Reference: "abc123", PropertyID: "p1", ViewerID: "v1", Status: domain.StatusAwaitingReturn,
	}))

	out := f.reconcile(ctx, "reference=abc123")
	assert.Equal(t, app.StateFailed, out.State)
	var vf *domain.VerificationFailedError
	require.True(t, errors.As(out.Err, &vf))
	assert.Equal(t, "abc123", vf.Reference)
	assert.NotContains(t, out.Message, "Internal Server Error")
	assert.Empty(t, f.grants(t))
	assert.Nil(t, out.Grant)
	assert.Equal(t, domain.StatusFailed, f.repo.status("abc123"))
}

func TestReconcile_DeclinedCarriesServerMessage(t *testing.T) {
	f := newReconcileFixture(t)
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: false, Message: "Payment was declined"}

	out := f.reconcile(context.Background(), "reference=abc123")
	assert.Equal(t, app.StateFailed, out.State)
	assert.Equal(t, "Payment was declined", out.Message)
	assert.Equal(t, app.RouteListings, out.Next)
	assert.Empty(t, f.grants(t))
}

func TestReconcile_NetworkErrorOffersRetry(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t)
	f.mp.verifyErr = &domain.NetworkError{Op: "verify", Err: errors.New("connection refused")}
	require.NoError(t, f.repo.CreateSession(ctx, domain.PaymentSession{
		Reference: "abc123", PropertyID: "p1", ViewerID: "v1", Status: domain.StatusAwaitingReturn,
	}))

	out := f.reconcile(ctx, "reference=abc123")
	assert.Equal(t, app.StateFailed, out.State)
	assert.True(t, domain.Retryable(out.Err))
	require.NotNil(t, out.Retry)
	assert.Equal(t, "/payment/callback?reference=abc123", out.Retry.Path)
	assert.Equal(t, domain.StatusAwaitingReturn, f.repo.status("abc123"))
	assert.Empty(t, f.grants(t))

	// the retry with the same reference succeeds
	f.mp.mu.Lock()
	f.mp.verifyErr = nil
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true, PropertyID: "p1"}
	f.mp.mu.Unlock()
	out = f.reconcile(ctx, "reference=abc123")
	assert.Equal(t, app.StateVerified, out.State)
	assert.Equal(t, []string{"p1"}, f.grants(t))
}

func TestReconcile_ReloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t)
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true, PropertyID: "p1"}

	first := f.reconcile(ctx, "reference=abc123")
	require.Equal(t, app.StateVerified, first.State)
	second := f.reconcile(ctx, "reference=abc123")
	require.Equal(t, app.StateVerified, second.State)

	assert.Equal(t, 1, f.mp.calls(), "reload reuses the verified result")
	assert.Equal(t, first.Grant, second.Grant)
	assert.Equal(t, []string{"p1"}, f.grants(t))
}

func TestReconcile_ConcurrentLoadsVerifyOnce(t *testing.T) {
	f := newReconcileFixture(t)
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true, PropertyID: "p1"}
	f.mp.verifyDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	outs := make([]app.CallbackOutcome, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = f.reconcile(context.Background(), "reference=abc123")
		}(i)
	}
	wg.Wait()

	for _, o := range outs {
		assert.Equal(t, app.StateVerified, o.State)
	}
	assert.Equal(t, 1, f.mp.calls())
	assert.Equal(t, []string{"p1"}, f.grants(t))
}

func TestReconcile_SurvivesCallerCancellation(t *testing.T) {
	f := newReconcileFixture(t)
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true, PropertyID: "p1"}
	f.mp.verifyDelay = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // viewer navigated away

	out := f.reconcile(ctx, "reference=abc123")
	assert.Equal(t, app.StateVerified, out.State)
	assert.Equal(t, []string{"p1"}, f.grants(t))
}

func TestReconcile_RequiresSession(t *testing.T) {
	f := newReconcileFixture(t)
	q, _ := url.ParseQuery("reference=abc123")
	out := app.NewCallbackReconciler(nil, f.deps).Reconcile(context.Background(), q)
	assert.ErrorIs(t, out.Err, domain.ErrUnauthenticated)
	assert.Equal(t, 0, f.mp.calls())
}

func TestReconcile_LeavesAnotherViewersSessionAlone(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t)
	f.mp.verifyErr = &domain.ProviderError{Status: 400, Message: "Payment was declined"}
	require.NoError(t, f.repo.CreateSession(ctx, domain.PaymentSession{
		Reference: "abc123", PropertyID: "p1", ViewerID: "v2", Status: domain.StatusAwaitingReturn,
	}))

	out := f.reconcile(ctx, "reference=abc123")
	require.Equal(t, app.StateFailed, out.State)
	assert.Equal(t, domain.StatusAwaitingReturn, f.repo.status("abc123"))

	f.mp.verifyErr = nil
	f.mp.verifyResp = domain.VerifyResponse{Unlocked: true, PropertyID: "p1"}
	out = f.reconcile(ctx, "reference=abc123")
	require.Equal(t, app.StateVerified, out.State, out.Err)
	assert.Equal(t, domain.StatusAwaitingReturn, f.repo.status("abc123"))
}
