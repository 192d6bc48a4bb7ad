// Package fallback is the reconciler: a periodic sweep over the ledger
// that re-drives submissions the live path did not resolve.
//
// Two kinds of rows qualify: rows with a recorded error and retries left,
// and payload-bearing rows still pending past the age threshold (dispatch
// drop, worker death, process restart). Each pass claims its rows with a
// compare-and-swap on retry_count, so concurrent reconciler instances and
// a still-running live worker never double-drive the same attempt; the
// finalize-once guard in the ledger keeps billing single-shot even when a
// claim race slips through.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/metrics"
	"github.com/availproject/turbo-da/internal/pipeline"
	"github.com/availproject/turbo-da/internal/signer"
)

// Config carries the sweep timings and bounds.
type Config struct {
	Interval   time.Duration // pass cadence
	Age        time.Duration // pending rows younger than this are left alone
	BatchSize  int           // rows per pass, also the parallelism bound
	MaxRetries int
}

// Ledger is the slice of the store the reconciler needs beyond what the
// pipeline already uses.
type Ledger interface {
	pipeline.Ledger
	RetryCandidates(ctx context.Context, olderThan time.Duration, maxRetries, limit int) ([]*ledger.Submission, error)
	ClaimRetry(ctx context.Context, submissionID string, expectedCount int) (bool, int, error)
	ClearError(ctx context.Context, submissionID string) error
}

// Dialer produces connected chain clients.
type Dialer interface {
	Dial(ctx context.Context) (chain.Client, error)
}

// Reconciler owns the sweep loop.
type Reconciler struct {
	cfg     Config
	ledger  Ledger
	proc    *pipeline.Processor
	dialer  Dialer
	signers *signer.Pool
	tick    ticker.Ticker
	log     zerolog.Logger
}

// New builds a reconciler over the shared processor. Batch slot i signs
// with signer i mod pool size, so a full batch spreads nonce pressure
// across every configured key.
func New(cfg Config, l Ledger, proc *pipeline.Processor, dialer Dialer,
	signers *signer.Pool, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		ledger:  l,
		proc:    proc,
		dialer:  dialer,
		signers: signers,
		tick:    ticker.New(cfg.Interval),
		log:     logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run sweeps on the configured cadence until ctx is canceled. It blocks.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info().
		Dur("interval", r.cfg.Interval).
		Dur("age_threshold", r.cfg.Age).
		Int("batch_size", r.cfg.BatchSize).
		Msg("reconciler started")

	r.tick.Resume()
	defer r.tick.Stop()

	for {
		select {
		case <-r.tick.Ticks():
			if err := r.Pass(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconciler pass failed")
			}
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		}
	}
}

// Pass runs one sweep: scan, claim, and re-drive up to BatchSize rows in
// parallel. Per-row failures are recorded on the row and do not abort the
// pass; only a scan or dial failure surfaces here.
func (r *Reconciler) Pass(ctx context.Context) error {
	metrics.ReconcilerPasses.Inc()

	candidates, err := r.ledger.RetryCandidates(ctx, r.cfg.Age, r.cfg.MaxRetries, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	client, err := r.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.BatchSize)

	for i, sub := range candidates {
		i, sub := i, sub
		g.Go(func() error {
			r.retryOne(gctx, client, r.signers.Get(i%r.signers.Size()), sub)
			return nil
		})
	}
	return g.Wait()
}

// retryOne claims and re-drives a single row.
func (r *Reconciler) retryOne(ctx context.Context, client chain.Client, s *signer.Signer, sub *ledger.Submission) {
	log := r.log.With().Str("submission_id", sub.SubmissionID).Logger()

	claimed, newCount, err := r.ledger.ClaimRetry(ctx, sub.SubmissionID, sub.RetryCount)
	if err != nil {
		log.Error().Err(err).Msg("retry claim failed")
		return
	}
	if !claimed {
		// Lost the race to another instance, or the row finalized under us.
		log.Debug().Msg("retry already claimed elsewhere")
		return
	}

	if newCount > r.cfg.MaxRetries {
		log.Warn().Int("retry_count", newCount).Msg("retry budget exhausted")
		if err := r.ledger.MarkError(ctx, sub.SubmissionID, pipeline.KindRetryExhausted); err != nil {
			log.Error().Err(err).Msg("failed to mark retry exhaustion")
		}
		return
	}

	if len(sub.Payload) == 0 {
		// Payload was cleared; without bytes there is nothing to resubmit.
		log.Warn().Msg("no payload to retry")
		if err := r.ledger.MarkError(ctx, sub.SubmissionID, pipeline.KindNoPayload); err != nil {
			log.Error().Err(err).Msg("failed to mark missing payload")
		}
		return
	}

	if sub.Error.Valid {
		if err := r.ledger.ClearError(ctx, sub.SubmissionID); err != nil {
			log.Error().Err(err).Msg("failed to clear previous error")
			return
		}
	}

	acc, _, err := r.ledger.AccountWithUser(ctx, sub.AppAccountID)
	if err != nil {
		log.Error().Err(err).Msg("account lookup failed")
		return
	}

	err = r.proc.Process(ctx, client, s, dispatch.Message{
		SubmissionID: sub.SubmissionID,
		ThreadID:     s.Index(),
		AppAccountID: sub.AppAccountID,
		UserID:       sub.UserID,
		ChainAppID:   acc.ChainAppID,
		Payload:      sub.Payload,
	})
	switch {
	case err == nil:
		metrics.ReconcilerRecovered.Inc()
		log.Info().Int("retry_count", newCount).Msg("submission recovered")
	case errors.Is(err, pipeline.ErrFallbackResolved):
	default:
		// Pipeline already wrote the kind to the row; the next pass gets it.
		log.Warn().Err(err).Int("retry_count", newCount).Msg("retry attempt failed")
	}
}
