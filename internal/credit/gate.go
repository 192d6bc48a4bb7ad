package credit

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
)

// Gate is the cumulative admission check over the hot-state queue.
//
// Every in-flight submission appends "<submission_id>|<cost>" to a list
// whose key embeds the balances observed at append time. Workers never
// remove their entries: once a submission finalizes and the balances move,
// the next submission lands on a fresh key and the old queue is simply
// never read again. The ledger point check still protects against a lost
// or unavailable hot state.
type Gate struct {
	store hotstate.Store
	log   zerolog.Logger
}

// NewGate wires the gate over a hot-state store.
func NewGate(store hotstate.Store, logger zerolog.Logger) *Gate {
	return &Gate{
		store: store,
		log:   logger.With().Str("component", "credit_gate").Logger(),
	}
}

// Reserve appends this submission's cost to the account's in-flight queue
// and returns the cumulative cost up to and including it.
func (g *Gate) Reserve(ctx context.Context, acc *ledger.AppAccount, user *ledger.User, submissionID string, cost decimal.Decimal) (decimal.Decimal, error) {
	key := hotstate.PendingQueueKey(user.UserID,
		acc.CreditBalance.String(), user.GlobalCreditBalance.String())
	entry := submissionID + "|" + cost.String()

	if err := g.store.RPush(ctx, key, entry); err != nil {
		return decimal.Zero, fmt.Errorf("in-flight append failed: %w", err)
	}

	entries, err := g.store.LRange(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("in-flight read failed: %w", err)
	}

	cumulative := decimal.Zero
	for _, e := range entries {
		id, c, err := parseEntry(e)
		if err != nil {
			g.log.Warn().Str("entry", e).Err(err).Msg("skipping malformed in-flight entry")
			continue
		}
		cumulative = cumulative.Add(c)
		if id == submissionID {
			break
		}
	}

	g.log.Debug().
		Str("submission_id", submissionID).
		Str("cost", cost.String()).
		Str("cumulative", cumulative.String()).
		Int("queue_len", len(entries)).
		Msg("in-flight cost reserved")

	return cumulative, nil
}

func parseEntry(entry string) (string, decimal.Decimal, error) {
	id, costStr, ok := strings.Cut(entry, "|")
	if !ok {
		return "", decimal.Zero, fmt.Errorf("missing separator")
	}
	c, err := decimal.NewFromString(costStr)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("bad cost: %w", err)
	}
	return id, c, nil
}
