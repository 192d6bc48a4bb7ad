package hotstate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// KeySource yields the hashed API keys to load. Satisfied by
// ledger.Store.ListAPIKeyHashes.
type KeySource interface {
	ListAPIKeyHashes(ctx context.Context) (map[string]string, error)
}

// Warmer keeps the API-key cache populated from the ledger.
//
// The cache must be warm before the gateway accepts traffic: an empty cache
// means every programmatic request falls through to the database, and a key
// deleted from the ledger but still cached would keep authenticating. The
// periodic refresh bounds that window.
type Warmer struct {
	store  Store
	source KeySource
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewWarmer wires a warmer over any Store implementation.
func NewWarmer(store Store, source KeySource, logger zerolog.Logger) *Warmer {
	return &Warmer{
		store:  store,
		source: source,
		log:    logger.With().Str("component", "key_warmer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// WarmAPIKeys loads every hashed key binding into the cache. Called once at
// startup and again on every refresh tick.
func (w *Warmer) WarmAPIKeys(ctx context.Context) error {
	start := time.Now()

	keys, err := w.source.ListAPIKeyHashes(ctx)
	if err != nil {
		return fmt.Errorf("api key load failed: %w", err)
	}

	for hash, userID := range keys {
		if err := w.store.Set(ctx, APIKeyCacheKey(hash), userID); err != nil {
			return fmt.Errorf("api key cache write failed: %w", err)
		}
	}

	w.log.Info().
		Int("key_count", len(keys)).
		Dur("duration", time.Since(start)).
		Msg("api key cache warmed")
	return nil
}

// StartPeriodicRefresh re-warms the cache on a fixed interval to pick up
// keys created or revoked outside this process.
func (w *Warmer) StartPeriodicRefresh(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := w.WarmAPIKeys(ctx); err != nil {
					w.log.Error().Err(err).Msg("periodic key refresh failed")
				}
				cancel()
			case <-w.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the periodic refresh.
func (w *Warmer) Stop() {
	close(w.stopCh)
}
