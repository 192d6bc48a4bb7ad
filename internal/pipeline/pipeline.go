// Package pipeline is the shared submit path: everything that happens to a
// submission between a worker (or reconciler slot) picking it up and the
// ledger recording the outcome.
//
// The same Processor drives both entry points. The live worker hands it a
// dispatch message; the fallback reconciler rebuilds an equivalent message
// from the stored row. Keeping one implementation is what makes retries
// idempotent: the re-entry guard and the finalize-once transaction in the
// ledger do not care who is calling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/credit"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/metrics"
	"github.com/availproject/turbo-da/internal/signer"
)

// Stable error kinds beyond the credit and chain ones.
const (
	KindTimeout             = "timeout"
	KindDBUnavailable       = "db_unavailable"
	KindHotStateUnavailable = "hot_state_unavailable"
	KindRetryExhausted      = "retry_exhausted"
	KindNoPayload           = "no payload to retry"
)

// ErrFallbackResolved short-circuits processing when the row was already
// finalized by the other driver. It is a sentinel, not a failure.
var ErrFallbackResolved = errors.New("fallback_resolved")

// Ledger is the slice of the store the pipeline needs.
type Ledger interface {
	GetSubmission(ctx context.Context, submissionID string) (*ledger.Submission, error)
	AccountWithUser(ctx context.Context, appAccountID string) (*ledger.AppAccount, *ledger.User, error)
	Finalize(ctx context.Context, p ledger.FinalizeParams) error
	MarkError(ctx context.Context, submissionID, kind string) error
}

// Processor runs the per-submission algorithm.
type Processor struct {
	ledger        Ledger
	gate          *credit.Gate
	submitTimeout time.Duration
	log           zerolog.Logger
}

// New builds a processor. submitTimeout bounds the whole chain
// submit-and-watch call.
func New(l Ledger, gate *credit.Gate, submitTimeout time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		ledger:        l,
		gate:          gate,
		submitTimeout: submitTimeout,
		log:           logger.With().Str("component", "pipeline").Logger(),
	}
}

// feeQuoter adapts a chain client + signer address to the credit engine's
// estimator contract.
type feeQuoter struct {
	client chain.Client
	addr   common.Address
}

func (q feeQuoter) EstimateFee(ctx context.Context, payloadSize int64) (decimal.Decimal, error) {
	return q.client.EstimateFee(ctx, payloadSize, q.addr)
}

// Process drives one submission through credit gate, chain submit, and
// write-back. On failure the stable error kind has already been written to
// the row (when the ledger was reachable) and the returned error carries
// it for logging. ErrFallbackResolved means the row was terminal before we
// started.
func (p *Processor) Process(ctx context.Context, client chain.Client, s *signer.Signer, msg dispatch.Message) error {
	log := p.log.With().
		Str("submission_id", msg.SubmissionID).
		Int("signer", s.Index()).
		Logger()

	// Re-entry guard: the fallback path may have resolved this row while
	// the message sat in the dispatch buffer.
	sub, err := p.ledger.GetSubmission(ctx, msg.SubmissionID)
	if err != nil {
		return fmt.Errorf("%s: %w", KindDBUnavailable, err)
	}
	if sub.State() == ledger.StateFinalized {
		metrics.SubmissionsTotal.WithLabelValues("fallback_resolved").Inc()
		log.Info().Msg("submission already finalized, skipping")
		return ErrFallbackResolved
	}

	acc, user, err := p.ledger.AccountWithUser(ctx, msg.AppAccountID)
	if err != nil {
		return p.fail(ctx, log, msg.SubmissionID, KindDBUnavailable, err)
	}

	// Credit gate: point cost, in-flight reservation, cumulative check.
	quoter := feeQuoter{client: client, addr: s.Address()}
	cost, err := credit.Cost(ctx, quoter, int64(len(msg.Payload)))
	if err != nil {
		return p.fail(ctx, log, msg.SubmissionID, chainKind(err), err)
	}

	cumulative, err := p.gate.Reserve(ctx, acc, user, msg.SubmissionID, cost)
	if err != nil {
		return p.fail(ctx, log, msg.SubmissionID, KindHotStateUnavailable, err)
	}

	decision, err := credit.Admit(acc, user, cost, cumulative)
	if err != nil {
		metrics.CreditRejections.WithLabelValues(err.Error()).Inc()
		return p.fail(ctx, log, msg.SubmissionID, err.Error(), err)
	}

	// Bounded chain submit. The deadline covers the full watch-to-
	// inclusion window.
	submitCtx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	start := time.Now()
	incl, err := client.Submit(submitCtx, msg.ChainAppID, msg.Payload, s)
	cancel()
	metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := chainKind(err)
		if errors.Is(submitCtx.Err(), context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return p.fail(ctx, log, msg.SubmissionID, kind, err)
	}

	// Finalize and bill in one transaction.
	err = p.ledger.Finalize(ctx, ledger.FinalizeParams{
		SubmissionID:   msg.SubmissionID,
		AppAccountID:   acc.AppAccountID,
		UserID:         user.UserID,
		BlockNumber:    incl.BlockNumber,
		BlockHash:      incl.BlockHash.Hex(),
		TxHash:         incl.TxHash.Hex(),
		DataHash:       incl.DataHash.Hex(),
		ExtrinsicIndex: incl.ExtrinsicIndex,
		ToAddress:      s.Address().Hex(),
		Fees:           incl.Fee,
		ConvertedFees:  decision.Cost,
		AccountDebit:   decision.AccountDebit,
		UserDebit:      decision.UserDebit,
		Spill:          decision.Spill,
	})
	if err != nil {
		// Included on chain but not recorded; the reconciler's re-entry
		// guard will see the row still pending and re-drive it, and the
		// finalize-once guard keeps billing single-shot.
		return fmt.Errorf("%s: %w", KindDBUnavailable, err)
	}

	metrics.SubmissionsTotal.WithLabelValues("finalized").Inc()
	log.Info().
		Int64("block_number", incl.BlockNumber).
		Str("cost", decision.Cost.String()).
		Dur("submit_duration", time.Since(start)).
		Msg("submission included and billed")
	return nil
}

// fail records the stable kind on the row (best effort) and returns a
// wrapped error for the caller's log line.
func (p *Processor) fail(ctx context.Context, log zerolog.Logger, submissionID, kind string, cause error) error {
	metrics.SubmissionsTotal.WithLabelValues("error").Inc()
	if err := p.ledger.MarkError(ctx, submissionID, kind); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to record submission error")
	} else {
		log.Warn().Str("kind", kind).Err(cause).Msg("submission failed")
	}
	return fmt.Errorf("%s: %w", kind, cause)
}

// chainKind extracts the stable kind from a chain adapter error, falling
// back to rpc_transport for anything unrecognized.
func chainKind(err error) string {
	var cerr *chain.Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return chain.KindTransport
}
