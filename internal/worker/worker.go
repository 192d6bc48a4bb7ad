// Package worker runs the N submission loops and the supervisor that
// keeps them alive.
//
// Each worker subscribes to the dispatch broadcast, filters for its own
// thread id, and drives matching submissions through the shared pipeline
// with its own signer and its own chain connection. Workers are fully
// independent: one wedged RPC call stalls one signer's stream, nothing
// else, and the supervisor respawns the loop when its heartbeat lapses.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/pipeline"
	"github.com/availproject/turbo-da/internal/signer"
)

// yieldOnMismatch is how long a worker backs off after discarding a
// message addressed to another thread, to avoid busy-spinning through the
// broadcast.
const yieldOnMismatch = 5 * time.Millisecond

// Dialer produces connected chain clients. chain.Dialer is the production
// implementation.
type Dialer interface {
	Dial(ctx context.Context) (chain.Client, error)
}

// Config is per-worker timing.
type Config struct {
	HeartbeatInterval time.Duration
	Pace              time.Duration
}

// Worker is one long-lived submission loop.
type Worker struct {
	id          int
	proc        *pipeline.Processor
	dialer      Dialer
	signer      *signer.Signer
	broadcaster *dispatch.Broadcaster
	heartbeat   chan<- int
	cfg         Config
	log         zerolog.Logger

	client chain.Client
}

// New builds worker id, bound to signer id.
func New(id int, proc *pipeline.Processor, dialer Dialer, s *signer.Signer,
	b *dispatch.Broadcaster, heartbeat chan<- int, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		id:          id,
		proc:        proc,
		dialer:      dialer,
		signer:      s,
		broadcaster: b,
		heartbeat:   heartbeat,
		cfg:         cfg,
		log:         logger.With().Str("component", "worker").Int("worker_id", id).Logger(),
	}
}

// Run receives until ctx is canceled. It owns its subscription, its chain
// connection, and its heartbeat emitter.
func (w *Worker) Run(ctx context.Context) {
	sub := w.broadcaster.Subscribe()
	defer sub.Cancel()
	defer w.dropClient()

	w.log.Info().Msg("worker started")

	// Heartbeats are emitted on a fixed cadence regardless of what the
	// receive loop is doing; a worker wedged inside an RPC stops beating,
	// which is exactly the signal the supervisor wants.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.emitHeartbeats(hbCtx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return
		case msg := <-sub.C:
			if msg.ThreadID != w.id {
				time.Sleep(yieldOnMismatch)
				continue
			}
			w.handle(ctx, msg)

			select {
			case <-time.After(w.cfg.Pace):
			case <-ctx.Done():
			}
		}
	}
}

// handle acquires a live client and runs the pipeline once.
func (w *Worker) handle(ctx context.Context, msg dispatch.Message) {
	client, err := w.acquireClient(ctx)
	if err != nil {
		// Only happens when ctx died mid-dial; the row stays Pending for
		// the reconciler.
		w.log.Warn().Err(err).Str("submission_id", msg.SubmissionID).
			Msg("no chain client, leaving submission for reconciler")
		return
	}

	err = w.proc.Process(ctx, client, w.signer, msg)
	switch {
	case err == nil, errors.Is(err, pipeline.ErrFallbackResolved):
	default:
		w.log.Warn().Err(err).Str("submission_id", msg.SubmissionID).
			Msg("submission processing failed")
		// Transport-flavored failures usually mean the connection is bad;
		// drop it so the next message re-dials with failover.
		var cerr *chain.Error
		if errors.As(err, &cerr) && cerr.Kind == chain.KindTransport {
			w.dropClient()
		}
	}
}

func (w *Worker) acquireClient(ctx context.Context) (chain.Client, error) {
	if w.client != nil {
		return w.client, nil
	}
	c, err := w.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	w.client = c
	return c, nil
}

func (w *Worker) dropClient() {
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
}

// emitHeartbeats sends the worker id on the supervisor channel at the
// configured cadence. The send is non-blocking; the channel is sized so a
// drop only happens when the supervisor itself is gone.
func (w *Worker) emitHeartbeats(ctx context.Context) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()

	// One immediate beat so a freshly spawned worker is never counted
	// absent on the first supervisor pass.
	w.beat()

	for {
		select {
		case <-t.C:
			w.beat()
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) beat() {
	select {
	case w.heartbeat <- w.id:
	default:
		w.log.Warn().Msg("heartbeat channel full")
	}
}
