package withdrawal

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payout"
	"github.com/robertarktes/ticket-resale-settlement/internal/store"
)

const finalizeTimeout = 5 * time.Second

// Worker claims pending withdrawals and hands them to the rail. Several
// workers may run at once; the claim CAS keeps them off each other's rows.
type Worker struct {
	svc         *Service
	store       store.Withdrawals
	rail        payout.Rail
	maxAttempts int
	backoff     func(attempt int) time.Duration
	logger      observability.Logger
}

func NewWorker(svc *Service, s store.Withdrawals, rail payout.Rail, maxAttempts int, logger observability.Logger) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{
		svc:         svc,
		store:       s,
		rail:        rail,
		maxAttempts: maxAttempts,
		backoff:     func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
		logger:      logger,
	}
}

func (w *Worker) Run(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Process(ctx, batch); err != nil {
				w.logger.WithError(err).Error("failed to process withdrawals")
			}
		}
	}
}

// Process handles up to batch pending withdrawals and returns how many it
// claimed.
func (w *Worker) Process(ctx context.Context, batch int) (int, error) {
	ctx, span := observability.Tracer("withdrawal").Start(ctx, "withdrawal.Process")
	defer span.End()

	pending, err := w.store.PendingWithdrawals(ctx, batch)
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, p := range pending {
		wd, err := w.svc.Claim(ctx, p.ID)
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			w.logger.WithError(err).WithField("withdrawal_id", p.ID).Error("failed to claim withdrawal")
			continue
		}
		claimed++
		if err := w.submit(ctx, wd); err != nil {
			w.logger.WithError(err).WithField("withdrawal_id", wd.ID).Error("failed to settle withdrawal")
		}
	}
	return claimed, nil
}

func (w *Worker) submit(ctx context.Context, wd *domain.Withdrawal) error {
	req := payout.Request{
		WithdrawalID:  wd.ID,
		StakeholderID: wd.StakeholderID,
		Amount:        wd.Amount,
		Method:        wd.Method,
		Destination:   wd.Destination,
	}
	var lastErr error
	for {
		attempt, err := w.store.RecordAttempt(ctx, wd.ID)
		if err != nil {
			return w.release(ctx, wd, err)
		}
		receipt, err := w.rail.Submit(ctx, req)
		if err == nil {
			return w.apply(ctx, wd, receipt)
		}
		lastErr = err
		w.logger.WithError(err).WithField("withdrawal_id", wd.ID).WithField("attempt", attempt).Warn("payout rail error")
		if attempt >= w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return w.release(ctx, wd, ctx.Err())
		case <-time.After(w.backoff(attempt)):
		}
	}
	fctx, cancel := detached(ctx)
	defer cancel()
	_, err := w.svc.Fail(fctx, wd.ID, "payout rail unavailable: "+lastErr.Error())
	return err
}

// detached outlives a cancelled caller so a claimed withdrawal is never left
// in processing by a shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// release puts an unsubmitted withdrawal back to pending for the next sweep.
func (w *Worker) release(ctx context.Context, wd *domain.Withdrawal, cause error) error {
	rctx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.svc.Release(rctx, wd.ID); err != nil {
		return errors.CombineErrors(cause, err)
	}
	w.logger.WithError(cause).WithField("withdrawal_id", wd.ID).Warn("withdrawal released before reaching the rail")
	return cause
}

func (w *Worker) apply(ctx context.Context, wd *domain.Withdrawal, r payout.Receipt) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	var err error
	switch r.Outcome {
	case payout.Completed:
		_, err = w.svc.Complete(ctx, wd.ID, r.Ref)
	case payout.Failed:
		_, err = w.svc.Fail(ctx, wd.ID, r.Reason)
	default:
		w.logger.WithField("withdrawal_id", wd.ID).WithField("ref", r.Ref).Debug("payout awaiting rail result")
	}
	return err
}
