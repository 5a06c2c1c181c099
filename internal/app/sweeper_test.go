package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus_listings/internal/app"
	"campus_listings/internal/domain"
)

func seedSession(t *testing.T, repo *fakeRepo, ref string, status domain.PaymentStatus, age time.Duration) {
	t.Helper()
	require.NoError(t, repo.CreateSession(context.Background(), domain.PaymentSession{
		Reference:  ref,
		PropertyID: "p1",
		ViewerID:   "v1",
		Status:     status,
		CreatedAt:  time.Now().Add(-age),
		UpdatedAt:  time.Now().Add(-age),
	}))
}

func TestPaymentSweeper_SettlesStaleSessions(t *testing.T) {
	cases := []struct {
		name      string
		resp      domain.VerifyResponse
		err       error
		want      domain.PaymentStatus
		wantCount app.SweepResult
	}{
		{
			name:      "paid and never returned",
			resp:      domain.VerifyResponse{Unlocked: true, PropertyID: "p1"},
			want:      domain.StatusVerified,
			wantCount: app.SweepResult{Scanned: 1, Verified: 1},
		},
		{
			name:      "definite no",
			resp:      domain.VerifyResponse{Unlocked: false},
			want:      domain.StatusAbandoned,
			wantCount: app.SweepResult{Scanned: 1, Abandoned: 1},
		},
		{
			name:      "unknown reference",
			err:       &domain.ProviderError{Status: 404, Message: "Transaction not found"},
			want:      domain.StatusAbandoned,
			wantCount: app.SweepResult{Scanned: 1, Abandoned: 1},
		},
		{
			name:      "marketplace down",
			err:       &domain.ProviderError{Status: 503, Message: "Service Unavailable"},
			want:      domain.StatusAwaitingReturn,
			wantCount: app.SweepResult{Scanned: 1, Skipped: 1},
		},
		{
			name:      "network failure",
			err:       &domain.NetworkError{Op: "verify", Err: errors.New("timeout")},
			want:      domain.StatusAwaitingReturn,
			wantCount: app.SweepResult{Scanned: 1, Skipped: 1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			seedSession(t, repo, "ref_old", domain.StatusAwaitingReturn, time.Hour)
			mp := &fakeMarketplace{verifyResp: tc.resp, verifyErr: tc.err}

			res, err := app.NewPaymentSweeper(repo, mp, "svc", 30*time.Minute, 2, 10).Sweep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.wantCount, res)
			assert.Equal(t, tc.want, repo.status("ref_old"))
		})
	}
}

func TestPaymentSweeper_IgnoresFreshAndTerminal(t *testing.T) {
	repo := newFakeRepo()
	seedSession(t, repo, "ref_fresh", domain.StatusAwaitingReturn, time.Minute)
	seedSession(t, repo, "ref_done", domain.StatusVerified, time.Hour)
	seedSession(t, repo, "ref_failed", domain.StatusFailed, time.Hour)
	mp := &fakeMarketplace{verifyResp: domain.VerifyResponse{Unlocked: true}}

	res, err := app.NewPaymentSweeper(repo, mp, "svc", 30*time.Minute, 2, 10).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, app.SweepResult{}, res)
	assert.Equal(t, 0, mp.calls())
	assert.Equal(t, domain.StatusAwaitingReturn, repo.status("ref_fresh"))
}

func TestPaymentSweeper_BoundedBatch(t *testing.T) {
	repo := newFakeRepo()
	for _, ref := range []string{"a", "b", "c", "d", "e"} {
		seedSession(t, repo, ref, domain.StatusVerifying, time.Hour)
	}
	mp := &fakeMarketplace{verifyResp: domain.VerifyResponse{Unlocked: false}}

	res, err := app.NewPaymentSweeper(repo, mp, "svc", 30*time.Minute, 2, 3).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Abandoned)
	assert.Equal(t, 3, mp.calls())

	res, err = app.NewPaymentSweeper(repo, mp, "svc", 30*time.Minute, 2, 3).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Abandoned, "the next run picks up the rest")
}
