// Package auth resolves callers to user ids.
//
// Two paths into a request: an upstream gateway that has already verified
// a session token injects the user id header directly, or the caller
// presents an API key. Keys are stored hashed; lookups hit the hot-state
// cache first and fall through to the ledger, filling the cache on the
// way back so a Redis flush only costs one DB roundtrip per key.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
)

const (
	// HeaderAPIKey carries the raw API key on inbound requests.
	HeaderAPIKey = "X-API-KEY"
	// HeaderUserID carries the resolved user id; set by this middleware
	// (or by a trusted upstream) and read by the handlers.
	HeaderUserID = "X-Turbo-User-Id"
)

// ErrUnauthorized is returned when no credential resolves to a user.
var ErrUnauthorized = errors.New("auth: unauthorized")

// KeyLookup is the ledger slice the resolver needs.
type KeyLookup interface {
	LookupAPIKey(ctx context.Context, keyHash string) (string, error)
}

// Resolver maps API keys to user ids through the cache.
type Resolver struct {
	store  hotstate.Store
	ledger KeyLookup
	log    zerolog.Logger
}

// NewResolver builds a resolver over the hot-state cache and the ledger.
func NewResolver(store hotstate.Store, l KeyLookup, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		ledger: l,
		log:    logger.With().Str("component", "auth").Logger(),
	}
}

// HashKey is the canonical key digest used everywhere a key is stored or
// compared.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a new random API key and returns (rawKey, keyHash).
// The raw key is shown to the caller once; only the hash persists.
func GenerateKey() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw := hex.EncodeToString(buf)
	return raw, HashKey(raw), nil
}

// ResolveKey returns the user id that owns rawKey, or ErrUnauthorized.
func (r *Resolver) ResolveKey(ctx context.Context, rawKey string) (string, error) {
	hash := HashKey(rawKey)
	cacheKey := hotstate.APIKeyCacheKey(hash)

	userID, ok, err := r.store.Get(ctx, cacheKey)
	if err != nil {
		// Cache down is not an auth failure; fall through to the ledger.
		r.log.Warn().Err(err).Msg("api key cache read failed")
	}
	if ok {
		return userID, nil
	}

	userID, err = r.ledger.LookupAPIKey(ctx, hash)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", ErrUnauthorized
	}
	if err != nil {
		return "", err
	}

	if err := r.store.Set(ctx, cacheKey, userID); err != nil {
		r.log.Warn().Err(err).Msg("api key cache fill failed")
	}
	return userID, nil
}

// Middleware authenticates every request. A pre-set user id header from a
// trusted upstream passes through untouched; otherwise the API key header
// must resolve. Unresolved requests get a 401 and never reach next.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(HeaderUserID) != "" {
			next.ServeHTTP(w, req)
			return
		}

		rawKey := req.Header.Get(HeaderAPIKey)
		if rawKey == "" {
			http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
			return
		}

		userID, err := r.ResolveKey(req.Context(), rawKey)
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
			return
		}
		if err != nil {
			r.log.Error().Err(err).Msg("api key resolution failed")
			http.Error(w, `{"error":"auth backend unavailable"}`, http.StatusServiceUnavailable)
			return
		}

		req.Header.Set(HeaderUserID, userID)
		next.ServeHTTP(w, req)
	})
}
