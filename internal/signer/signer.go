// Package signer holds the fixed pool of submission keypairs.
//
// Worker i owns keypair i for its whole lifetime; nothing else uses it
// while the worker loop is running. One keypair means one on-chain nonce
// stream, so the pool size caps submission parallelism. The fallback
// reconciler indexes the same pool by batch position, which keeps a signer
// in at most one of {worker loop, reconciler slot} at a time.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is one keypair in the pool.
type Signer struct {
	index   int
	key     *ecdsa.PrivateKey
	address common.Address
}

// Index is the signer's position in the pool, equal to its worker id.
func (s *Signer) Index() int { return s.index }

// Address is the signer's public address, recorded as the submission's
// to_address.
func (s *Signer) Address() common.Address { return s.address }

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	return sig, nil
}

// Pool is the fixed set of signers, built once at startup.
type Pool struct {
	signers []*Signer
}

// NewPool parses the configured private keys. Every key must be valid
// 32-byte hex; a bad key is a startup failure, not something to limp past.
func NewPool(hexKeys []string) (*Pool, error) {
	signers := make([]*Signer, 0, len(hexKeys))
	for i, h := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		signers = append(signers, &Signer{
			index:   i,
			key:     key,
			address: crypto.PubkeyToAddress(key.PublicKey),
		})
	}
	return &Pool{signers: signers}, nil
}

// Get returns signer i. Callers index within [0, Size).
func (p *Pool) Get(i int) *Signer { return p.signers[i] }

// Size is the number of signers, equal to the worker count.
func (p *Pool) Size() int { return len(p.signers) }
