package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
)

// keyMap is an in-memory KeyLookup that counts hits.
type keyMap struct {
	keys map[string]string
	hits int
}

func (k *keyMap) LookupAPIKey(_ context.Context, keyHash string) (string, error) {
	k.hits++
	userID, ok := k.keys[keyHash]
	if !ok {
		return "", ledger.ErrNotFound
	}
	return userID, nil
}

func TestResolveKey_FillsCacheFromLedger(t *testing.T) {
	store := hotstate.NewMemory()
	keys := &keyMap{keys: map[string]string{HashKey("raw-key"): "alice"}}
	r := NewResolver(store, keys, zerolog.Nop())

	userID, err := r.ResolveKey(context.Background(), "raw-key")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, 1, keys.hits)

	// Second lookup is served from the cache.
	userID, err = r.ResolveKey(context.Background(), "raw-key")
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
	assert.Equal(t, 1, keys.hits)
}

func TestResolveKey_UnknownKeyIsUnauthorized(t *testing.T) {
	r := NewResolver(hotstate.NewMemory(), &keyMap{keys: map[string]string{}}, zerolog.Nop())

	_, err := r.ResolveKey(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGenerateKey_HashMatchesRaw(t *testing.T) {
	raw, hash, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, raw, 64)
	assert.Equal(t, HashKey(raw), hash)

	raw2, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func middlewareTarget(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var seenUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUser = r.Header.Get(HeaderUserID)
		w.WriteHeader(http.StatusOK)
	})
	return next, &seenUser
}

func TestMiddleware_ResolvesAPIKey(t *testing.T) {
	store := hotstate.NewMemory()
	keys := &keyMap{keys: map[string]string{HashKey("raw-key"): "alice"}}
	r := NewResolver(store, keys, zerolog.Nop())
	next, seenUser := middlewareTarget(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/get_user", nil)
	req.Header.Set(HeaderAPIKey, "raw-key")
	rec := httptest.NewRecorder()
	r.Middleware(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", *seenUser)
}

func TestMiddleware_TrustsUpstreamUserHeader(t *testing.T) {
	r := NewResolver(hotstate.NewMemory(), &keyMap{keys: map[string]string{}}, zerolog.Nop())
	next, seenUser := middlewareTarget(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/get_user", nil)
	req.Header.Set(HeaderUserID, "bob")
	rec := httptest.NewRecorder()
	r.Middleware(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", *seenUser)
}

func TestMiddleware_RejectsMissingAndBadCredentials(t *testing.T) {
	r := NewResolver(hotstate.NewMemory(), &keyMap{keys: map[string]string{}}, zerolog.Nop())
	next, _ := middlewareTarget(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/get_user", nil)
	rec := httptest.NewRecorder()
	r.Middleware(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/get_user", nil)
	req.Header.Set(HeaderAPIKey, "wrong")
	rec = httptest.NewRecorder()
	r.Middleware(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
