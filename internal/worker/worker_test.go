package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/credit"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/metrics"
	"github.com/availproject/turbo-da/internal/pipeline"
	"github.com/availproject/turbo-da/internal/signer"
)

// countingLedger records which submissions the pipeline looked at. Every
// row reads as already finalized, so Process returns immediately without
// touching the chain.
type countingLedger struct {
	mu   sync.Mutex
	seen []string
}

func (c *countingLedger) GetSubmission(_ context.Context, id string) (*ledger.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, id)
	return &ledger.Submission{
		SubmissionID: id,
		BlockHash:    sql.NullString{String: "0xbb", Valid: true},
	}, nil
}

func (c *countingLedger) AccountWithUser(context.Context, string) (*ledger.AppAccount, *ledger.User, error) {
	return nil, nil, ledger.ErrNotFound
}

func (c *countingLedger) Finalize(context.Context, ledger.FinalizeParams) error { return nil }

func (c *countingLedger) MarkError(context.Context, string, string) error { return nil }

func (c *countingLedger) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

type nopClient struct{}

func (nopClient) Submit(context.Context, int32, []byte, *signer.Signer) (*chain.Inclusion, error) {
	return nil, &chain.Error{Kind: chain.KindTransport, Msg: "unused"}
}

func (nopClient) ReadSubmission(context.Context, string, int64) ([]byte, error) {
	return nil, chain.ErrNotFound
}

func (nopClient) EstimateFee(context.Context, int64, common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (nopClient) Close() {}

type nopDialer struct{}

func (nopDialer) Dial(context.Context) (chain.Client, error) { return nopClient{}, nil }

func testPool(t *testing.T, n int) *signer.Pool {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%064x", i+1)
	}
	pool, err := signer.NewPool(keys)
	require.NoError(t, err)
	return pool
}

func testProcessor(l pipeline.Ledger) *pipeline.Processor {
	gate := credit.NewGate(hotstate.NewMemory(), zerolog.Nop())
	return pipeline.New(l, gate, time.Second, zerolog.Nop())
}

func TestWorker_ActsOnlyOnItsOwnThread(t *testing.T) {
	l := &countingLedger{}
	b := dispatch.NewBroadcaster(16, zerolog.Nop())
	hb := make(chan int, 16)

	w := New(0, testProcessor(l), nopDialer{}, testPool(t, 1).Get(0), b, hb,
		Config{HeartbeatInterval: time.Hour, Pace: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 },
		time.Second, 5*time.Millisecond)

	b.Publish(dispatch.Message{SubmissionID: "mine", ThreadID: 0})
	b.Publish(dispatch.Message{SubmissionID: "not-mine", ThreadID: 1})
	b.Publish(dispatch.Message{SubmissionID: "mine-too", ThreadID: 0})

	require.Eventually(t, func() bool { return len(l.snapshot()) == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"mine", "mine-too"}, l.snapshot())

	cancel()
	<-done
}

func TestWorker_EmitsHeartbeats(t *testing.T) {
	b := dispatch.NewBroadcaster(4, zerolog.Nop())
	hb := make(chan int, 16)

	w := New(3, testProcessor(&countingLedger{}), nopDialer{}, testPool(t, 1).Get(0), b, hb,
		Config{HeartbeatInterval: 10 * time.Millisecond, Pace: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	deadline := time.After(time.Second)
	for beats := 0; beats < 3; {
		select {
		case id := <-hb:
			assert.Equal(t, 3, id)
			beats++
		case <-deadline:
			t.Fatal("expected three heartbeats")
		}
	}
}

func TestSupervisor_RespawnsSilentWorker(t *testing.T) {
	b := dispatch.NewBroadcaster(4, zerolog.Nop())
	s := NewSupervisor(SupervisorConfig{
		Workers:           1,
		Period:            time.Hour,
		HeartbeatInterval: time.Hour,
		Pace:              time.Millisecond,
	}, testProcessor(&countingLedger{}), nopDialer{}, testPool(t, 1), b, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.lastSeen[0] = time.Now()
	s.spawn(ctx, 0)
	require.Eventually(t, func() bool { return b.Subscribers() == 1 },
		time.Second, 5*time.Millisecond)

	// A fresh heartbeat keeps the worker alive.
	before := testutil.ToFloat64(metrics.WorkerRespawns)
	s.check(ctx)
	assert.Equal(t, before, testutil.ToFloat64(metrics.WorkerRespawns))

	// Stale heartbeat triggers exactly one respawn.
	s.mu.Lock()
	s.lastSeen[0] = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()
	s.check(ctx)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.WorkerRespawns))

	// The respawned worker re-subscribes after the old one detaches.
	require.Eventually(t, func() bool { return b.Subscribers() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()
	s.wg.Wait()
}

func TestSupervisor_DrainRecordsQueuedBeats(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{
		Workers:           2,
		Period:            time.Hour,
		HeartbeatInterval: time.Hour,
	}, testProcessor(&countingLedger{}), nopDialer{}, testPool(t, 2),
		dispatch.NewBroadcaster(4, zerolog.Nop()), zerolog.Nop())

	old := time.Now().Add(-time.Hour)
	s.lastSeen[0] = old
	s.lastSeen[1] = old

	s.heartbeats <- 1
	s.heartbeats <- 1
	s.drain()

	assert.Equal(t, old, s.lastSeen[0])
	assert.True(t, s.lastSeen[1].After(old))
}
