package worker

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/metrics"
	"github.com/availproject/turbo-da/internal/pipeline"
	"github.com/availproject/turbo-da/internal/signer"
)

// heartbeatSlack sizes the heartbeat channel per worker, so several beats
// can queue up between supervisor drains without blocking emitters.
const heartbeatSlack = 3

// SupervisorConfig carries the pool dimensions and timings.
type SupervisorConfig struct {
	Workers           int
	Period            time.Duration // check cadence and staleness cutoff
	HeartbeatInterval time.Duration
	Pace              time.Duration
}

// Supervisor owns the worker pool: it spawns one worker per signer,
// collects heartbeats, and respawns any worker whose last beat is older
// than the supervision period. Respawn cancels the old loop's context
// first; a loop wedged in an RPC unwinds as soon as the call observes the
// cancellation.
type Supervisor struct {
	cfg         SupervisorConfig
	proc        *pipeline.Processor
	dialer      Dialer
	signers     *signer.Pool
	broadcaster *dispatch.Broadcaster
	tick        ticker.Ticker
	log         zerolog.Logger
	workerLog   zerolog.Logger

	heartbeats chan int

	mu       sync.Mutex
	lastSeen []time.Time
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor wires a pool over the shared processor, dialer, and
// broadcaster. Worker i always runs with signer i.
func NewSupervisor(cfg SupervisorConfig, proc *pipeline.Processor, dialer Dialer,
	signers *signer.Pool, b *dispatch.Broadcaster, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		proc:        proc,
		dialer:      dialer,
		signers:     signers,
		broadcaster: b,
		tick:        ticker.New(cfg.Period),
		log:         logger.With().Str("component", "supervisor").Logger(),
		workerLog:   logger,
		heartbeats:  make(chan int, cfg.Workers*heartbeatSlack),
		lastSeen:    make([]time.Time, cfg.Workers),
		cancels:     make([]context.CancelFunc, cfg.Workers),
	}
}

// Run spawns the pool and supervises it until ctx is canceled. It blocks;
// callers run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	now := time.Now()
	for i := 0; i < s.cfg.Workers; i++ {
		s.lastSeen[i] = now
		s.spawn(ctx, i)
	}
	s.log.Info().Int("workers", s.cfg.Workers).Msg("worker pool started")

	s.tick.Resume()
	defer s.tick.Stop()

	for {
		select {
		case id := <-s.heartbeats:
			s.record(id)
		case <-s.tick.Ticks():
			s.drain()
			s.check(ctx)
		case <-ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, id int) {
	wctx, cancel := context.WithCancel(ctx)
	s.cancels[id] = cancel

	w := New(id, s.proc, s.dialer, s.signers.Get(id), s.broadcaster, s.heartbeats,
		Config{HeartbeatInterval: s.cfg.HeartbeatInterval, Pace: s.cfg.Pace}, s.workerLog)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.Run(wctx)
	}()
}

func (s *Supervisor) record(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= 0 && id < len(s.lastSeen) {
		s.lastSeen[id] = time.Now()
	}
}

// drain empties queued heartbeats without blocking so the staleness check
// sees everything emitted up to this tick.
func (s *Supervisor) drain() {
	for {
		select {
		case id := <-s.heartbeats:
			s.record(id)
		default:
			return
		}
	}
}

// check respawns every worker that has not beaten within one period.
func (s *Supervisor) check(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Period)

	for i := 0; i < s.cfg.Workers; i++ {
		s.mu.Lock()
		last := s.lastSeen[i]
		s.mu.Unlock()
		if !last.Before(cutoff) {
			continue
		}

		s.log.Warn().Int("worker_id", i).
			Time("last_heartbeat", last).
			Msg("worker heartbeat missed, respawning")
		metrics.WorkerRespawns.Inc()

		s.cancels[i]()
		s.record(i)
		s.spawn(ctx, i)
	}
}

func (s *Supervisor) shutdown() {
	for _, cancel := range s.cancels {
		if cancel != nil {
			cancel()
		}
	}
	s.wg.Wait()
	s.log.Info().Msg("worker pool stopped")
}
