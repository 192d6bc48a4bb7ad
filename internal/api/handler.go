// Package api provides the HTTP/JSON surface of the gateway.
//
// Endpoints:
//   POST   /v1/submit_data          - Submit a payload (JSON envelope)
//   POST   /v1/submit_raw_data      - Submit a payload (raw body)
//   GET    /v1/get_pre_image        - Read a submitted payload back
//   GET    /v1/get_submission_info  - Submission state and chain fields
//   POST   /v1/create_app_account   - Create an app account
//   DELETE /v1/delete_app_account   - Delete an app account
//   GET    /v1/get_app_accounts     - List the caller's app accounts
//   GET    /v1/get_user             - Caller's credit balances
//   POST   /v1/generate_api_key     - Mint an API key
//   DELETE /v1/delete_api_key       - Revoke an API key
//   POST   /v1/request_credit       - File a credit top-up request
//   GET    /health                  - Health check
//   GET    /ready                   - Readiness check
//   GET    /metrics                 - Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/availproject/turbo-da/internal/auth"
	"github.com/availproject/turbo-da/internal/chain"
	"github.com/availproject/turbo-da/internal/dispatch"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
	"github.com/availproject/turbo-da/internal/metrics"
)

// Ledger is the store surface the handlers consume.
type Ledger interface {
	InsertSubmission(ctx context.Context, sub *ledger.Submission) error
	GetSubmission(ctx context.Context, submissionID string) (*ledger.Submission, error)
	CountUnresolved(ctx context.Context, userID string) (int, error)
	AccountWithUser(ctx context.Context, appAccountID string) (*ledger.AppAccount, *ledger.User, error)
	CreateAppAccount(ctx context.Context, acc *ledger.AppAccount) error
	DeleteAppAccount(ctx context.Context, appAccountID, userID string) error
	ListAppAccounts(ctx context.Context, userID string) ([]*ledger.AppAccount, error)
	GetUser(ctx context.Context, userID string) (*ledger.User, error)
	InsertAPIKey(ctx context.Context, keyHash, userID string) error
	DeleteAPIKey(ctx context.Context, keyHash, userID string) error
	InsertCreditRequest(ctx context.Context, req *ledger.CreditRequest) error
}

// ChainDialer provides chain clients for pre-image read-back.
type ChainDialer interface {
	Dial(ctx context.Context) (chain.Client, error)
}

// Config bounds the intake.
type Config struct {
	MaxPayloadSize     int64
	MaxPendingRequests int
	Threads            int
}

// Handler serves the gateway's HTTP API.
type Handler struct {
	ledger      Ledger
	broadcaster *dispatch.Broadcaster
	dialer      ChainDialer
	store       hotstate.Store
	cfg         Config
	log         zerolog.Logger
}

// NewHandler builds the handler over the store, dispatcher, and chain
// dialer.
func NewHandler(l Ledger, b *dispatch.Broadcaster, d ChainDialer, store hotstate.Store,
	cfg Config, logger zerolog.Logger) *Handler {
	return &Handler{
		ledger:      l,
		broadcaster: b,
		dialer:      d,
		store:       store,
		cfg:         cfg,
		log:         logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers the authenticated v1 routes plus the open
// health and metrics endpoints. resolver guards everything under /v1.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, resolver *auth.Resolver) {
	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/submit_data", h.handleSubmitData)
	v1.HandleFunc("/v1/submit_raw_data", h.handleSubmitRawData)
	v1.HandleFunc("/v1/get_pre_image", h.handleGetPreImage)
	v1.HandleFunc("/v1/get_submission_info", h.handleGetSubmissionInfo)
	v1.HandleFunc("/v1/create_app_account", h.handleCreateAppAccount)
	v1.HandleFunc("/v1/delete_app_account", h.handleDeleteAppAccount)
	v1.HandleFunc("/v1/get_app_accounts", h.handleGetAppAccounts)
	v1.HandleFunc("/v1/get_user", h.handleGetUser)
	v1.HandleFunc("/v1/generate_api_key", h.handleGenerateAPIKey)
	v1.HandleFunc("/v1/delete_api_key", h.handleDeleteAPIKey)
	v1.HandleFunc("/v1/request_credit", h.handleRequestCredit)
	mux.Handle("/v1/", resolver.Middleware(v1))

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleSubmitData handles POST /v1/submit_data
func (h *Handler) handleSubmitData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Data         string `json:"data"`
		AppAccountID string `json:"app_account_id"`
	}
	// JSON escaping can inflate every payload byte to a six-character
	// \u00XX sequence, so the wire limit must be 6x the payload cap or a
	// legal payload gets truncated mid-document. The decoded length is
	// what intake enforces against the cap.
	if err := json.NewDecoder(io.LimitReader(r.Body, h.cfg.MaxPayloadSize*6+4096)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	h.intake(w, r, req.AppAccountID, []byte(req.Data))
}

// handleSubmitRawData handles POST /v1/submit_raw_data?app_account_id=
func (h *Handler) handleSubmitRawData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Read one byte past the cap so an oversized body is detected without
	// buffering all of it.
	payload, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxPayloadSize+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Failed to read body: "+err.Error())
		return
	}

	h.intake(w, r, r.URL.Query().Get("app_account_id"), payload)
}

// intake is the shared submission path: validate, persist, dispatch, 202.
func (h *Handler) intake(w http.ResponseWriter, r *http.Request, appAccountID string, payload []byte) {
	userID := r.Header.Get(auth.HeaderUserID)
	ctx := r.Context()

	if appAccountID == "" {
		h.writeError(w, http.StatusBadRequest, "app_account_id is required")
		return
	}
	if len(payload) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty payload")
		return
	}
	if int64(len(payload)) > h.cfg.MaxPayloadSize {
		h.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", h.cfg.MaxPayloadSize))
		return
	}

	acc, _, err := h.ledger.AccountWithUser(ctx, appAccountID)
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "app account not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if acc.UserID != userID {
		h.writeError(w, http.StatusNotFound, "app account not found")
		return
	}

	pending, err := h.ledger.CountUnresolved(ctx, userID)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if pending >= h.cfg.MaxPendingRequests {
		h.writeError(w, http.StatusTooManyRequests, "too many pending submissions")
		return
	}

	sub := &ledger.Submission{
		SubmissionID: uuid.New().String(),
		AppAccountID: acc.AppAccountID,
		UserID:       userID,
		AmountData:   humanSize(int64(len(payload))),
		Payload:      payload,
	}
	// Row first, dispatch second: a row without a message is recoverable
	// by the reconciler, a message without a row is not.
	if err := h.ledger.InsertSubmission(ctx, sub); err != nil {
		h.log.Error().Err(err).Msg("submission insert failed")
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	h.broadcaster.Publish(dispatch.Message{
		SubmissionID: sub.SubmissionID,
		ThreadID:     rand.Intn(h.cfg.Threads),
		AppAccountID: acc.AppAccountID,
		UserID:       userID,
		ChainAppID:   acc.ChainAppID,
		Payload:      payload,
	})
	metrics.IntakeTotal.Inc()

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"submission_id": sub.SubmissionID,
	})
}

// handleGetPreImage handles GET /v1/get_pre_image?submission_id=
func (h *Handler) handleGetPreImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sub, ok := h.ownedSubmission(w, r)
	if !ok {
		return
	}

	if len(sub.Payload) > 0 {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(sub.Payload)
		return
	}

	if sub.State() != ledger.StateFinalized {
		// Payload not stored and not on chain yet; nothing to serve.
		h.writeError(w, http.StatusNotImplemented, "payload not yet retrievable")
		return
	}

	// Finalization cleared the stored payload; read it back off the chain.
	client, err := h.dialer.Dial(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "chain unavailable")
		return
	}
	defer client.Close()

	data, err := client.ReadSubmission(r.Context(), sub.BlockHash.String, sub.ExtrinsicIndex.Int64)
	if errors.Is(err, chain.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "payload not found on chain")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("submission_id", sub.SubmissionID).
			Msg("chain read-back failed")
		h.writeError(w, http.StatusServiceUnavailable, "chain unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleGetSubmissionInfo handles GET /v1/get_submission_info?submission_id=
func (h *Handler) handleGetSubmissionInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sub, ok := h.ownedSubmission(w, r)
	if !ok {
		return
	}

	resp := map[string]interface{}{
		"submission_id": sub.SubmissionID,
		"state":         string(sub.State()),
		"data_billed":   sub.AmountData,
		"created_at":    sub.CreatedAt,
		"updated_at":    sub.UpdatedAt,
	}
	if sub.Error.Valid {
		resp["error"] = sub.Error.String
	}
	if sub.State() == ledger.StateFinalized {
		resp["block_number"] = sub.BlockNumber.Int64
		resp["block_hash"] = hexPrefixed(sub.BlockHash.String)
		resp["tx_hash"] = hexPrefixed(sub.TxHash.String)
		resp["data_hash"] = hexPrefixed(sub.DataHash.String)
		resp["extrinsic_index"] = sub.ExtrinsicIndex.Int64
		resp["to_address"] = hexPrefixed(sub.ToAddress.String)
		if sub.Fees.Valid {
			resp["fees"] = sub.Fees.Decimal.String()
		}
		if sub.ConvertedFees.Valid {
			resp["converted_fees"] = sub.ConvertedFees.Decimal.String()
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ownedSubmission loads ?submission_id= and enforces that it belongs to
// the authenticated user. Foreign rows 404 rather than 403 so ids do not
// leak.
func (h *Handler) ownedSubmission(w http.ResponseWriter, r *http.Request) (*ledger.Submission, bool) {
	id := r.URL.Query().Get("submission_id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "submission_id is required")
		return nil, false
	}

	sub, err := h.ledger.GetSubmission(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "submission not found")
		return nil, false
	}
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return nil, false
	}
	if sub.UserID != r.Header.Get(auth.HeaderUserID) {
		h.writeError(w, http.StatusNotFound, "submission not found")
		return nil, false
	}
	return sub, true
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ledger.CountUnresolved(r.Context(), "readiness-probe"); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// hexPrefixed normalizes a stored hash or address to 0x form.
func hexPrefixed(s string) string {
	if s == "" || strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

// humanSize renders a byte count the way the billing fields expect it.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d bytes", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}
