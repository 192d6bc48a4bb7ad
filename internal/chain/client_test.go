package chain

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/availproject/turbo-da/internal/signer"
)

func TestError_KindsAndFormat(t *testing.T) {
	assert.EqualError(t, transportErr(assert.AnError), "rpc_transport: "+assert.AnError.Error())
	assert.EqualError(t, decodeErr("bad json"), "rpc_decode: bad json")

	rej := rejectedErr("bad_app_id")
	assert.Equal(t, "chain_rejected:bad_app_id", rej.Kind)
	assert.EqualError(t, rej, "chain_rejected:bad_app_id: bad_app_id")
}

func TestSignPayload_BindsAppIDAndNonce(t *testing.T) {
	pool, err := signer.NewPool([]string{strings.Repeat("11", 32)})
	require.NoError(t, err)
	s := pool.Get(0)

	payload := []byte("some da payload")

	sig1, err := signPayload(s, 7, 1, payload)
	require.NoError(t, err)
	require.Len(t, sig1, 65)

	// Same inputs sign identically; any field change alters the digest.
	sig2, err := signPayload(s, 7, 1, payload)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	sigNonce, err := signPayload(s, 7, 2, payload)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sigNonce)

	sigApp, err := signPayload(s, 8, 1, payload)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sigApp)
}

func TestSignPayload_RecoversToSignerAddress(t *testing.T) {
	pool, err := signer.NewPool([]string{strings.Repeat("11", 32)})
	require.NoError(t, err)
	s := pool.Get(0)

	payload := []byte("some da payload")
	sig, err := signPayload(s, 7, 1, payload)
	require.NoError(t, err)

	header := []byte{0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 1}
	digest := crypto.Keccak256(header, payload)
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}
