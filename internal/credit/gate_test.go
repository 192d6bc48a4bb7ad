package credit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/availproject/turbo-da/internal/hotstate"
)

func TestReserve_CumulativeGrowsWithQueue(t *testing.T) {
	store := hotstate.NewMemory()
	gate := NewGate(store, zerolog.Nop())
	ctx := context.Background()

	acc := account("100", SelectStrictAccount)
	user := userWith("50")

	c1, err := gate.Reserve(ctx, acc, user, "sub-1", dec("3"))
	require.NoError(t, err)
	assert.True(t, c1.Equal(dec("3")))

	c2, err := gate.Reserve(ctx, acc, user, "sub-2", dec("4"))
	require.NoError(t, err)
	assert.True(t, c2.Equal(dec("7")))

	c3, err := gate.Reserve(ctx, acc, user, "sub-3", dec("0.5"))
	require.NoError(t, err)
	assert.True(t, c3.Equal(dec("7.5")))
}

func TestReserve_SumsOnlyUpToOwnEntry(t *testing.T) {
	store := hotstate.NewMemory()
	gate := NewGate(store, zerolog.Nop())
	ctx := context.Background()

	acc := account("100", SelectStrictAccount)
	user := userWith("50")

	// A later entry already sits in the queue when sub-1 re-reads it; the
	// cumulative for sub-1 must stop at sub-1.
	key := hotstate.PendingQueueKey(user.UserID, acc.CreditBalance.String(), user.GlobalCreditBalance.String())
	require.NoError(t, store.RPush(ctx, key, "sub-0|10"))

	c, err := gate.Reserve(ctx, acc, user, "sub-1", dec("2"))
	require.NoError(t, err)
	assert.True(t, c.Equal(dec("12")), "got %s", c)

	require.NoError(t, store.RPush(ctx, key, "sub-9|99"))
	entries, err := store.LRange(ctx, key)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestReserve_BalanceChangeStartsFreshQueue(t *testing.T) {
	store := hotstate.NewMemory()
	gate := NewGate(store, zerolog.Nop())
	ctx := context.Background()

	user := userWith("50")

	c1, err := gate.Reserve(ctx, account("100", 0), user, "sub-1", dec("40"))
	require.NoError(t, err)
	assert.True(t, c1.Equal(dec("40")))

	// After a finalization moved the account balance, the key changes and
	// the old reservations stop counting.
	c2, err := gate.Reserve(ctx, account("60", 0), user, "sub-2", dec("5"))
	require.NoError(t, err)
	assert.True(t, c2.Equal(dec("5")))
}

func TestReserve_SkipsMalformedEntries(t *testing.T) {
	store := hotstate.NewMemory()
	gate := NewGate(store, zerolog.Nop())
	ctx := context.Background()

	acc := account("100", SelectStrictAccount)
	user := userWith("50")

	key := hotstate.PendingQueueKey(user.UserID, acc.CreditBalance.String(), user.GlobalCreditBalance.String())
	require.NoError(t, store.RPush(ctx, key, "garbage-no-separator"))
	require.NoError(t, store.RPush(ctx, key, "sub-0|not-a-number"))

	c, err := gate.Reserve(ctx, acc, user, "sub-1", dec("2"))
	require.NoError(t, err)
	assert.True(t, c.Equal(dec("2")))
}
