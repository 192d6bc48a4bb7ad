// Package credit decides whether a submission may spend.
//
// Cost is expressed in credits, where one credit is the posting capacity of
// 1 KiB. For a payload of L bytes the engine asks the chain for two fee
// quotes - fee(1 KiB) and fee(L) - and computes
//
//	cost = fee(1KiB) * L / (fee(L) * 1024)
//
// i.e. the fraction of a 1 KiB posting this payload represents, priced at
// the current 1 KiB fee. All arithmetic is fixed-precision decimal.
//
// Admission runs two checks with the same inequality: the point check
// (this submission alone) and the cumulative check (this submission plus
// every earlier un-settled one for the same account, read from the
// hot-state queue). Policy semantics are deliberately uneven and must stay
// that way: policies 0 and 1 treat spend-equal-to-balance as insufficient,
// while policy 2 admits as long as the remainder after draining the
// account does not exceed the user balance.
package credit

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/availproject/turbo-da/internal/ledger"
)

// Selection policies, stored per app account.
const (
	SelectStrictAccount   int16 = 0 // account bucket only
	SelectStrictUser      int16 = 1 // user bucket only
	SelectAccountThenUser int16 = 2 // account first, spill to user
)

// Admission failures. The error strings are the stable kinds written into
// submission.error; they must not change.
var (
	ErrInsufficientAccountCredits  = errors.New("insufficient_account_credits")
	ErrInsufficientFallbackCredits = errors.New("insufficient_fallback_credits")
	ErrInsufficientTotalCredits    = errors.New("insufficient_total_credits")
	ErrInvalidCreditSelection      = errors.New("invalid_credit_selection")
)

var (
	oneKiB = decimal.NewFromInt(1024)
)

// FeeEstimator quotes the chain fee, in native chain units, for posting a
// payload of the given size. Satisfied by chain.Client.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, payloadSize int64) (decimal.Decimal, error)
}

// Cost converts a payload size to credit units using two fee quotes.
func Cost(ctx context.Context, est FeeEstimator, payloadSize int64) (decimal.Decimal, error) {
	if payloadSize <= 0 {
		return decimal.Zero, fmt.Errorf("payload size must be positive, got %d", payloadSize)
	}

	feeKiB, err := est.EstimateFee(ctx, 1024)
	if err != nil {
		return decimal.Zero, fmt.Errorf("1KiB fee quote failed: %w", err)
	}
	feeL, err := est.EstimateFee(ctx, payloadSize)
	if err != nil {
		return decimal.Zero, fmt.Errorf("payload fee quote failed: %w", err)
	}
	if feeL.IsZero() {
		return decimal.Zero, fmt.Errorf("chain quoted a zero fee for %d bytes", payloadSize)
	}

	size := decimal.NewFromInt(payloadSize)
	return feeKiB.Mul(size).Div(feeL.Mul(oneKiB)), nil
}

// Decision is a successful admission: the cost and how it is split between
// the account and user buckets at finalization time.
//
// For the spill policy the split here is provisional: it is derived from
// the balance snapshot read at gate time, and two concurrent spills
// admitted under the same snapshot would jointly overdraw the account
// bucket if both splits were applied verbatim. Spill marks the decision so
// the ledger recomputes the split against the live balance, under row
// lock, inside the finalize transaction.
type Decision struct {
	Cost         decimal.Decimal
	AccountDebit decimal.Decimal
	UserDebit    decimal.Decimal
	Spill        bool
}

// Admit applies the account's selection policy to a spend.
//
// cumulative is the sum of in-flight costs for the account up to and
// including this submission (cumulative >= cost always); the inequality is
// checked against it so concurrent submissions cannot jointly overdraw.
// The returned debit split is computed from cost alone - the earlier
// in-flight entries bill themselves.
func Admit(acc *ledger.AppAccount, user *ledger.User, cost, cumulative decimal.Decimal) (Decision, error) {
	switch acc.CreditSelection {
	case SelectStrictAccount:
		if cumulative.GreaterThanOrEqual(acc.CreditBalance) {
			return Decision{}, ErrInsufficientAccountCredits
		}
		return Decision{Cost: cost, AccountDebit: cost, UserDebit: decimal.Zero}, nil

	case SelectStrictUser:
		if cumulative.GreaterThanOrEqual(user.GlobalCreditBalance) {
			return Decision{}, ErrInsufficientFallbackCredits
		}
		return Decision{Cost: cost, AccountDebit: decimal.Zero, UserDebit: cost}, nil

	case SelectAccountThenUser:
		remainder := cumulative.Sub(acc.CreditBalance)
		if remainder.GreaterThan(user.GlobalCreditBalance) {
			return Decision{}, ErrInsufficientTotalCredits
		}
		accountDebit := decimal.Min(cost, acc.CreditBalance)
		if accountDebit.IsNegative() {
			accountDebit = decimal.Zero
		}
		return Decision{
			Cost:         cost,
			AccountDebit: accountDebit,
			UserDebit:    cost.Sub(accountDebit),
			Spill:        true,
		}, nil

	default:
		return Decision{}, ErrInvalidCreditSelection
	}
}

// IsAdmissionError reports whether err is one of the terminal admission
// failures (as opposed to a transport problem talking to the chain or the
// hot state). The reconciler does not revive these.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrInsufficientAccountCredits) ||
		errors.Is(err, ErrInsufficientFallbackCredits) ||
		errors.Is(err, ErrInsufficientTotalCredits) ||
		errors.Is(err, ErrInvalidCreditSelection)
}
