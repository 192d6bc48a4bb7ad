package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/availproject/turbo-da/internal/auth"
	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/signer"
)

type fakeLedger struct {
	subs     map[string]*ledger.Submission
	accounts map[string]*ledger.AppAccount
	users    map[string]*ledger.User
	apiKeys  map[string]string
	requests []*ledger.CreditRequest
	pending  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		subs: map[string]*ledger.Submission{},
		accounts: map[string]*ledger.AppAccount{
			"acc-1": {AppAccountID: "acc-1", UserID: "alice", ChainAppID: 7,
				CreditBalance: decimal.NewFromInt(100)},
		},
		users: map[string]*ledger.User{
			"alice": {UserID: "alice", GlobalCreditBalance: decimal.NewFromInt(1000)},
		},
		apiKeys: map[string]string{},
	}
}

func (f *fakeLedger) InsertSubmission(_ context.Context, sub *ledger.Submission) error {
	f.subs[sub.SubmissionID] = sub
	return nil
}

func (f *fakeLedger) GetSubmission(_ context.Context, id string) (*ledger.Submission, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return sub, nil
}

func (f *fakeLedger) CountUnresolved(_ context.Context, _ string) (int, error) {
	return f.pending, nil
}

func (f *fakeLedger) AccountWithUser(_ context.Context, id string) (*ledger.AppAccount, *ledger.User, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return nil, nil, ledger.ErrNotFound
	}
	return acc, f.users[acc.UserID], nil
}

func (f *fakeLedger) CreateAppAccount(_ context.Context, acc *ledger.AppAccount) error {
	f.accounts[acc.AppAccountID] = acc
	return nil
}

func (f *fakeLedger) DeleteAppAccount(_ context.Context, id, userID string) error {
	acc, ok := f.accounts[id]
	if !ok || acc.UserID != userID {
		return ledger.ErrNotFound
	}
	delete(f.accounts, id)
	return nil
}

func (f *fakeLedger) ListAppAccounts(_ context.Context, userID string) ([]*ledger.AppAccount, error) {
	var out []*ledger.AppAccount
	for _, acc := range f.accounts {
		if acc.UserID == userID {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (f *fakeLedger) GetUser(_ context.Context, userID string) (*ledger.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return u, nil
}

func (f *fakeLedger) InsertAPIKey(_ context.Context, keyHash, userID string) error {
	f.apiKeys[keyHash] = userID
	return nil
}

func (f *fakeLedger) DeleteAPIKey(_ context.Context, keyHash, userID string) error {
	if f.apiKeys[keyHash] != userID {
		return ledger.ErrNotFound
	}
	delete(f.apiKeys, keyHash)
	return nil
}

func (f *fakeLedger) InsertCreditRequest(_ context.Context, req *ledger.CreditRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

// readbackClient serves a fixed payload for chain read-back.
type readbackClient struct{ data []byte }

func (c readbackClient) Submit(context.Context, int32, []byte, *signer.Signer) (*chain.Inclusion, error) {
	return nil, &chain.Error{Kind: chain.KindTransport, Msg: "unused"}
}

func (c readbackClient) ReadSubmission(context.Context, string, int64) ([]byte, error) {
	if c.data == nil {
		return nil, chain.ErrNotFound
	}
	return c.data, nil
}

func (c readbackClient) EstimateFee(context.Context, int64, common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (c readbackClient) Close() {}

type readbackDialer struct{ data []byte }

func (d readbackDialer) Dial(context.Context) (chain.Client, error) {
	return readbackClient{data: d.data}, nil
}

func testHandler(l Ledger, dialer ChainDialer) (*Handler, *dispatch.Broadcaster, hotstate.Store) {
	b := dispatch.NewBroadcaster(16, zerolog.Nop())
	store := hotstate.NewMemory()
	h := NewHandler(l, b, dialer, store, Config{
		MaxPayloadSize:     1024,
		MaxPendingRequests: 5,
		Threads:            2,
	}, zerolog.Nop())
	return h, b, store
}

func authed(req *http.Request, userID string) *http.Request {
	req.Header.Set(auth.HeaderUserID, userID)
	return req
}

func TestSubmitRawData_PersistsThenDispatches(t *testing.T) {
	l := newFakeLedger()
	h, b, _ := testHandler(l, readbackDialer{})
	sub := b.Subscribe()

	payload := bytes.Repeat([]byte{0xAB}, 512)
	req := authed(httptest.NewRequest(http.MethodPost,
		"/v1/submit_raw_data?app_account_id=acc-1", bytes.NewReader(payload)), "alice")
	rec := httptest.NewRecorder()
	h.handleSubmitRawData(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["submission_id"]
	require.NotEmpty(t, id)

	row, ok := l.subs[id]
	require.True(t, ok)
	assert.Equal(t, payload, row.Payload)
	assert.Equal(t, "512 bytes", row.AmountData)

	msg := <-sub.C
	assert.Equal(t, id, msg.SubmissionID)
	assert.Equal(t, int32(7), msg.ChainAppID)
	assert.Less(t, msg.ThreadID, 2)
}

func TestSubmitRawData_PayloadBoundary(t *testing.T) {
	h, _, _ := testHandler(newFakeLedger(), readbackDialer{})

	// Exactly the cap is accepted.
	req := authed(httptest.NewRequest(http.MethodPost,
		"/v1/submit_raw_data?app_account_id=acc-1",
		bytes.NewReader(make([]byte, 1024))), "alice")
	rec := httptest.NewRecorder()
	h.handleSubmitRawData(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// One byte past the cap is rejected.
	req = authed(httptest.NewRequest(http.MethodPost,
		"/v1/submit_raw_data?app_account_id=acc-1",
		bytes.NewReader(make([]byte, 1025))), "alice")
	rec = httptest.NewRecorder()
	h.handleSubmitRawData(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitData_JSONEnvelope(t *testing.T) {
	l := newFakeLedger()
	h, _, _ := testHandler(l, readbackDialer{})

	body, _ := json.Marshal(map[string]string{
		"data":           "hello da",
		"app_account_id": "acc-1",
	})
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/submit_data",
		bytes.NewReader(body)), "alice")
	rec := httptest.NewRecorder()
	h.handleSubmitData(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, l.subs, 1)
	for _, row := range l.subs {
		assert.Equal(t, []byte("hello da"), row.Payload)
	}
}

// A payload made entirely of control bytes escapes to \u00XX on the wire,
// six characters per payload byte. A payload at the cap must still decode
// intact; only the decoded length counts against the cap.
func TestSubmitData_EscapedPayloadAtCap(t *testing.T) {
	l := newFakeLedger()
	h, _, _ := testHandler(l, readbackDialer{})

	data := strings.Repeat("\x01", 1024)
	body, _ := json.Marshal(map[string]string{
		"data":           data,
		"app_account_id": "acc-1",
	})
	require.Greater(t, len(body), 6*1024, "escaping must inflate the wire form")

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/submit_data",
		bytes.NewReader(body)), "alice")
	rec := httptest.NewRecorder()
	h.handleSubmitData(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, l.subs, 1)
	for _, row := range l.subs {
		assert.Len(t, row.Payload, 1024)
	}
}

func TestSubmit_RejectsForeignAccountAndCap(t *testing.T) {
	l := newFakeLedger()
	h, _, _ := testHandler(l, readbackDialer{})

	// Someone else's account reads as not found.
	req := authed(httptest.NewRequest(http.MethodPost,
		"/v1/submit_raw_data?app_account_id=acc-1", bytes.NewReader([]byte("x"))), "mallory")
	rec := httptest.NewRecorder()
	h.handleSubmitRawData(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Pending cap reached.
	l.pending = 5
	req = authed(httptest.NewRequest(http.MethodPost,
		"/v1/submit_raw_data?app_account_id=acc-1", bytes.NewReader([]byte("x"))), "alice")
	rec = httptest.NewRecorder()
	h.handleSubmitRawData(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func finalizedSubmission(id, userID string) *ledger.Submission {
	return &ledger.Submission{
		SubmissionID:   id,
		AppAccountID:   "acc-1",
		UserID:         userID,
		AmountData:     "512 bytes",
		BlockNumber:    sql.NullInt64{Int64: 42, Valid: true},
		BlockHash:      sql.NullString{String: "0xbb", Valid: true},
		TxHash:         sql.NullString{String: "0xcc", Valid: true},
		DataHash:       sql.NullString{String: "0xdd", Valid: true},
		ExtrinsicIndex: sql.NullInt64{Int64: 3, Valid: true},
		ToAddress:      sql.NullString{String: "0xee", Valid: true},
		Fees:           decimal.NewNullDecimal(decimal.NewFromInt(99)),
		ConvertedFees:  decimal.NewNullDecimal(decimal.NewFromInt(7)),
	}
}

func TestGetSubmissionInfo_FinalizedFields(t *testing.T) {
	l := newFakeLedger()
	l.subs["sub-1"] = finalizedSubmission("sub-1", "alice")
	h, _, _ := testHandler(l, readbackDialer{})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/v1/get_submission_info?submission_id=sub-1", nil), "alice")
	rec := httptest.NewRecorder()
	h.handleGetSubmissionInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Finalized", resp["state"])
	assert.Equal(t, "0xbb", resp["block_hash"])
	assert.Equal(t, "0xcc", resp["tx_hash"])
	assert.Equal(t, float64(42), resp["block_number"])
	assert.Equal(t, "7", resp["converted_fees"])
	assert.Equal(t, "512 bytes", resp["data_billed"])
}

func TestGetSubmissionInfo_PendingOmitsChainFields(t *testing.T) {
	l := newFakeLedger()
	l.subs["sub-1"] = &ledger.Submission{SubmissionID: "sub-1", UserID: "alice",
		AmountData: "10 bytes", Payload: []byte("0123456789")}
	h, _, _ := testHandler(l, readbackDialer{})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/v1/get_submission_info?submission_id=sub-1", nil), "alice")
	rec := httptest.NewRecorder()
	h.handleGetSubmissionInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Pending", resp["state"])
	assert.NotContains(t, resp, "block_hash")
}

func TestGetSubmissionInfo_ForeignRowIs404(t *testing.T) {
	l := newFakeLedger()
	l.subs["sub-1"] = finalizedSubmission("sub-1", "alice")
	h, _, _ := testHandler(l, readbackDialer{})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/v1/get_submission_info?submission_id=sub-1", nil), "mallory")
	rec := httptest.NewRecorder()
	h.handleGetSubmissionInfo(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPreImage_ServesStoredPayload(t *testing.T) {
	l := newFakeLedger()
	l.subs["sub-1"] = &ledger.Submission{SubmissionID: "sub-1", UserID: "alice",
		Payload: []byte("stored bytes")}
	h, _, _ := testHandler(l, readbackDialer{})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/v1/get_pre_image?submission_id=sub-1", nil), "alice")
	rec := httptest.NewRecorder()
	h.handleGetPreImage(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stored bytes", rec.Body.String())
}

func TestGetPreImage_PendingWithoutPayloadIs501(t *testing.T) {
	l := newFakeLedger()
	l.subs["sub-1"] = &ledger.Submission{SubmissionID: "sub-1", UserID: "alice"}
	h, _, _ := testHandler(l, readbackDialer{})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/v1/get_pre_image?submission_id=sub-1", nil), "alice")
	rec := httptest.NewRecorder()
	h.handleGetPreImage(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetPreImage_FinalizedReadsBackFromChain(t *testing.T) {
	l := newFakeLedger()
	sub := finalizedSubmission("sub-1", "alice")
	sub.Payload = nil // cleared at finalization
	l.subs["sub-1"] = sub
	h, _, _ := testHandler(l, readbackDialer{data: []byte("chain bytes")})

	req := authed(httptest.NewRequest(http.MethodGet,
		"/v1/get_pre_image?submission_id=sub-1", nil), "alice")
	rec := httptest.NewRecorder()
	h.handleGetPreImage(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chain bytes", rec.Body.String())
}

func TestGenerateAPIKey_ReturnsRawStoresHash(t *testing.T) {
	l := newFakeLedger()
	h, _, store := testHandler(l, readbackDialer{})

	req := authed(httptest.NewRequest(http.MethodPost, "/v1/generate_api_key", nil), "alice")
	rec := httptest.NewRecorder()
	h.handleGenerateAPIKey(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	raw := resp["api_key"]
	require.NotEmpty(t, raw)

	hash := auth.HashKey(raw)
	assert.Equal(t, "alice", l.apiKeys[hash])

	cached, ok, _ := store.Get(context.Background(), hotstate.APIKeyCacheKey(hash))
	assert.True(t, ok)
	assert.Equal(t, "alice", cached)
}

func TestRequestCredit_ValidatesAmount(t *testing.T) {
	l := newFakeLedger()
	h, _, _ := testHandler(l, readbackDialer{})

	body, _ := json.Marshal(map[string]string{"amount": "25.5"})
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/request_credit",
		bytes.NewReader(body)), "alice")
	rec := httptest.NewRecorder()
	h.handleRequestCredit(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, l.requests, 1)
	assert.True(t, l.requests[0].Amount.Equal(decimal.RequireFromString("25.5")))

	body, _ = json.Marshal(map[string]string{"amount": "-3"})
	req = authed(httptest.NewRequest(http.MethodPost, "/v1/request_credit",
		bytes.NewReader(body)), "alice")
	rec = httptest.NewRecorder()
	h.handleRequestCredit(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, l.requests, 1)
}
