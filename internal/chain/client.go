// Package chain adapts the DA node's JSON-RPC API.
//
// The adapter does exactly three things for the core: submit a payload and
// watch it to inclusion, read a payload back out of a finalized block, and
// quote posting fees. Every underlying failure - transport, decode,
// on-chain rejection - surfaces as a single *Error with a stable kind; the
// adapter never retries. Retry policy belongs to the worker timeout and
// the fallback reconciler.
//
// Connection management is a dumb loop by design: try each configured
// endpoint in order, and when the list is exhausted sleep and start over
// from the first. The loop only gives up when the context does.
package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/availproject/turbo-da/internal/signer"
)

// Stable error kinds, written into submission.error by the pipeline.
const (
	KindTransport = "rpc_transport"
	KindDecode    = "rpc_decode"
	KindRejected  = "chain_rejected"
)

// ErrNotFound is returned by ReadSubmission when the block or extrinsic
// does not exist.
var ErrNotFound = errors.New("chain: extrinsic not found")

// Error is the single failure type the adapter produces.
type Error struct {
	Kind string // KindTransport, KindDecode, or "chain_rejected:<reason>"
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func transportErr(err error) *Error {
	return &Error{Kind: KindTransport, Msg: err.Error()}
}

func decodeErr(msg string) *Error {
	return &Error{Kind: KindDecode, Msg: msg}
}

func rejectedErr(reason string) *Error {
	return &Error{Kind: KindRejected + ":" + reason, Msg: reason}
}

// Inclusion is the result of a successful submit-and-watch.
type Inclusion struct {
	BlockNumber    int64
	BlockHash      common.Hash
	TxHash         common.Hash
	DataHash       common.Hash
	ExtrinsicIndex int64
	Fee            decimal.Decimal // chain units
}

// Client is what the pipeline consumes. RPCClient is the production
// implementation; tests substitute fakes.
type Client interface {
	Submit(ctx context.Context, chainAppID int32, payload []byte, s *signer.Signer) (*Inclusion, error)
	ReadSubmission(ctx context.Context, blockHash string, extrinsicIndex int64) ([]byte, error)
	EstimateFee(ctx context.Context, payloadSize int64, signerAddr common.Address) (decimal.Decimal, error)
	Close()
}

// extrinsicStatus is one notification on the submit-and-watch stream.
type extrinsicStatus struct {
	Status         string         `json:"status"` // broadcast | included | dropped | invalid
	BlockNumber    hexutil.Uint64 `json:"blockNumber"`
	BlockHash      common.Hash    `json:"blockHash"`
	TxHash         common.Hash    `json:"txHash"`
	DataHash       common.Hash    `json:"dataHash"`
	ExtrinsicIndex hexutil.Uint64 `json:"extrinsicIndex"`
	Reason         string         `json:"reason,omitempty"`
}

// submitParams is the signed submit-data envelope.
type submitParams struct {
	AppID     int32          `json:"appId"`
	Nonce     hexutil.Uint64 `json:"nonce"`
	Data      hexutil.Bytes  `json:"data"`
	Signer    common.Address `json:"signer"`
	Signature hexutil.Bytes  `json:"signature"`
}

// RPCClient talks to one DA node over go-ethereum's rpc transport.
type RPCClient struct {
	rpc *rpc.Client
	log zerolog.Logger
}

// Dialer produces connected clients with endpoint failover.
type Dialer struct {
	endpoints []string
	retryWait time.Duration
	log       zerolog.Logger
}

// NewDialer builds a dialer over the configured endpoint list.
func NewDialer(endpoints []string, retryWait time.Duration, logger zerolog.Logger) *Dialer {
	return &Dialer{
		endpoints: endpoints,
		retryWait: retryWait,
		log:       logger.With().Str("component", "chain_dialer").Logger(),
	}
}

// Dial iterates the endpoints in order until one connects. When the whole
// list fails it sleeps retryWait and starts over; it returns an error only
// when ctx is done.
func (d *Dialer) Dial(ctx context.Context) (Client, error) {
	for {
		for i, endpoint := range d.endpoints {
			c, err := rpc.DialContext(ctx, endpoint)
			if err == nil {
				d.log.Info().Int("endpoint_index", i).Str("endpoint", endpoint).
					Msg("connected to DA node")
				return &RPCClient{
					rpc: c,
					log: d.log.With().Str("endpoint", endpoint).Logger(),
				}, nil
			}
			d.log.Warn().Err(err).Int("endpoint_index", i).Str("endpoint", endpoint).
				Msg("DA node dial failed, advancing")
		}

		d.log.Warn().Dur("wait", d.retryWait).Msg("all DA endpoints failed, restarting from first")
		select {
		case <-time.After(d.retryWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close drops the underlying connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}

// Submit signs and submits a data extrinsic, then watches the status
// stream until the extrinsic is included, rejected, or ctx expires. The
// final fee is queried separately once the inclusion arrives.
func (c *RPCClient) Submit(ctx context.Context, chainAppID int32, payload []byte, s *signer.Signer) (*Inclusion, error) {
	var nonce hexutil.Uint64
	// Best-block nonce plus pending pool, so sequential submits from one
	// signer never collide.
	if err := c.rpc.CallContext(ctx, &nonce, "da_nextNonce", s.Address()); err != nil {
		return nil, transportErr(err)
	}

	sig, err := signPayload(s, chainAppID, uint64(nonce), payload)
	if err != nil {
		return nil, decodeErr(err.Error())
	}

	params := submitParams{
		AppID:     chainAppID,
		Nonce:     nonce,
		Data:      payload,
		Signer:    s.Address(),
		Signature: sig,
	}

	statusCh := make(chan extrinsicStatus, 8)
	sub, err := c.rpc.Subscribe(ctx, "da", statusCh, "submitData", params)
	if err != nil {
		return nil, transportErr(err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case st := <-statusCh:
			switch st.Status {
			case "broadcast":
				continue
			case "included":
				fee, err := c.queryFee(ctx, st.TxHash)
				if err != nil {
					return nil, err
				}
				return &Inclusion{
					BlockNumber:    int64(st.BlockNumber),
					BlockHash:      st.BlockHash,
					TxHash:         st.TxHash,
					DataHash:       st.DataHash,
					ExtrinsicIndex: int64(st.ExtrinsicIndex),
					Fee:            fee,
				}, nil
			case "dropped", "invalid":
				reason := st.Reason
				if reason == "" {
					reason = st.Status
				}
				return nil, rejectedErr(reason)
			default:
				return nil, decodeErr("unknown extrinsic status " + st.Status)
			}
		case err := <-sub.Err():
			return nil, transportErr(err)
		case <-ctx.Done():
			return nil, transportErr(ctx.Err())
		}
	}
}

// queryFee fetches the final fee for an included extrinsic.
func (c *RPCClient) queryFee(ctx context.Context, txHash common.Hash) (decimal.Decimal, error) {
	var feeStr string
	if err := c.rpc.CallContext(ctx, &feeStr, "da_queryFeeDetails", txHash); err != nil {
		return decimal.Zero, transportErr(err)
	}
	fee, err := decimal.NewFromString(feeStr)
	if err != nil {
		return decimal.Zero, decodeErr("bad fee " + feeStr)
	}
	return fee, nil
}

// ReadSubmission fetches a payload out of a finalized block by extrinsic
// index. Serves get_pre_image after the DB payload has been cleared.
func (c *RPCClient) ReadSubmission(ctx context.Context, blockHash string, extrinsicIndex int64) ([]byte, error) {
	var data hexutil.Bytes
	err := c.rpc.CallContext(ctx, &data, "da_getExtrinsicData", common.HexToHash(blockHash), extrinsicIndex)
	if err != nil {
		return nil, transportErr(err)
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data, nil
}

// EstimateFee quotes the posting fee for a payload of the given size.
func (c *RPCClient) EstimateFee(ctx context.Context, payloadSize int64, signerAddr common.Address) (decimal.Decimal, error) {
	var feeStr string
	if err := c.rpc.CallContext(ctx, &feeStr, "da_estimateFee", payloadSize, signerAddr); err != nil {
		return decimal.Zero, transportErr(err)
	}
	fee, err := decimal.NewFromString(feeStr)
	if err != nil {
		return decimal.Zero, decodeErr("bad fee estimate " + feeStr)
	}
	return fee, nil
}

// signPayload hashes (appID || nonce || payload) and signs the digest.
func signPayload(s *signer.Signer, appID int32, nonce uint64, payload []byte) ([]byte, error) {
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[:4], uint32(appID))
	binary.BigEndian.PutUint64(header[4:], nonce)
	digest := crypto.Keccak256(header, payload)
	return s.Sign(digest)
}
