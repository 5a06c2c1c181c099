package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"campus_listings/internal/domain"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Scanned   int
	Verified  int
	Abandoned int
	Skipped   int
}

// PaymentSweeper settles payment sessions that never came back through the
// callback route. The viewer may have paid and closed the tab, so each one
// is verified before it is marked abandoned.
type PaymentSweeper struct {
	repo    domain.PaymentSessionRepository
	client  domain.MarketplaceClient
	token   string
	ttl     time.Duration
	workers int
	batch   int
	now     func() time.Time
}

func NewPaymentSweeper(repo domain.PaymentSessionRepository, client domain.MarketplaceClient, serviceToken string,
	ttl time.Duration, workers, batch int) *PaymentSweeper {
	if workers <= 0 {
		workers = 4
	}
	if batch <= 0 {
		batch = 100
	}
	return &PaymentSweeper{
		repo:    repo,
		client:  client,
		token:   serviceToken,
		ttl:     ttl,
		workers: workers,
		batch:   batch,
		now:     time.Now,
	}
}

func (s *PaymentSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-s.ttl), s.batch)
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu  sync.Mutex
		res = SweepResult{Scanned: len(stale)}
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(s.workers))
	)
	for _, ps := range stale {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ps domain.PaymentSession) {
			defer wg.Done()
			defer sem.Release(1)

			st := s.settle(ctx, ps)
			mu.Lock()
			defer mu.Unlock()
			switch st {
			case domain.StatusVerified:
				res.Verified++
			case domain.StatusAbandoned:
				res.Abandoned++
			default:
				res.Skipped++
			}
		}(ps)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// settle returns the status written, or "" when the session was left alone.
func (s *PaymentSweeper) settle(ctx context.Context, ps domain.PaymentSession) domain.PaymentStatus {
	l := log.With().Str("reference", ps.Reference).Str("property_id", ps.PropertyID).Logger()

	next := domain.StatusAbandoned
	res, err := s.client.VerifyUnlock(ctx, s.token, ps.Reference)
	switch {
	case err != nil:
		if transientProvider(err) {
			l.Warn().Err(err).Msg("marketplace unavailable, leaving session for next run")
			return ""
		}
		err = classifyVerifyError(ps.Reference, err)
		if domain.Retryable(err) {
			l.Warn().Err(err).Msg("sweep verify failed, leaving session for next run")
			return ""
		}
	case res.Unlocked:
		next = domain.StatusVerified
	}

	ok, err := s.repo.UpdateStatus(ctx, ps.Reference, next)
	if err != nil {
		l.Warn().Err(err).Msg("sweep status update failed")
		return ""
	}
	if !ok {
		// settled by a callback in the meantime
		return ""
	}
	l.Info().Str("status", string(next)).Msg("payment session swept")
	return next
}

// transientProvider reports 429 and 5xx answers. The callback route treats
// them as a failed verification; the sweeper only gives up on a definite no.
func transientProvider(err error) bool {
	var pe *domain.ProviderError
	return errors.As(err, &pe) && (pe.Status == 429 || pe.Status >= 500)
}
