package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/availproject/turbo-da/internal/auth"
	"github.com/availproject/turbo-da/internal/credit"
	"github.com/availproject/turbo-da/internal/hotstate"
	"github.com/availproject/turbo-da/internal/ledger"
)

// handleCreateAppAccount handles POST /v1/create_app_account
func (h *Handler) handleCreateAppAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		ChainAppID      int32 `json:"chain_app_id"`
		CreditSelection int16 `json:"credit_selection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	switch req.CreditSelection {
	case credit.SelectStrictAccount, credit.SelectStrictUser, credit.SelectAccountThenUser:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid credit_selection")
		return
	}

	acc := &ledger.AppAccount{
		AppAccountID:    uuid.New().String(),
		UserID:          r.Header.Get(auth.HeaderUserID),
		ChainAppID:      req.ChainAppID,
		CreditBalance:   decimal.Zero,
		CreditUsed:      decimal.Zero,
		CreditSelection: req.CreditSelection,
	}
	if err := h.ledger.CreateAppAccount(r.Context(), acc); err != nil {
		h.log.Error().Err(err).Msg("app account create failed")
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"app_account_id": acc.AppAccountID,
	})
}

// handleDeleteAppAccount handles DELETE /v1/delete_app_account?app_account_id=
func (h *Handler) handleDeleteAppAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	id := r.URL.Query().Get("app_account_id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "app_account_id is required")
		return
	}

	err := h.ledger.DeleteAppAccount(r.Context(), id, r.Header.Get(auth.HeaderUserID))
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "app account not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("app account delete failed")
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// handleGetAppAccounts handles GET /v1/get_app_accounts
func (h *Handler) handleGetAppAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	accounts, err := h.ledger.ListAppAccounts(r.Context(), r.Header.Get(auth.HeaderUserID))
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	out := make([]map[string]interface{}, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, map[string]interface{}{
			"app_account_id":   acc.AppAccountID,
			"chain_app_id":     acc.ChainAppID,
			"credit_balance":   acc.CreditBalance.String(),
			"credit_used":      acc.CreditUsed.String(),
			"credit_selection": acc.CreditSelection,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"app_accounts": out})
}

// handleGetUser handles GET /v1/get_user
func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	u, err := h.ledger.GetUser(r.Context(), r.Header.Get(auth.HeaderUserID))
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":                  u.UserID,
		"global_credit_balance":    u.GlobalCreditBalance.String(),
		"global_credit_used":       u.GlobalCreditUsed.String(),
		"allocated_credit_balance": u.AllocatedCreditBalance.String(),
	})
}

// handleGenerateAPIKey handles POST /v1/generate_api_key
func (h *Handler) handleGenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID := r.Header.Get(auth.HeaderUserID)
	rawKey, keyHash, err := auth.GenerateKey()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	if err := h.ledger.InsertAPIKey(r.Context(), keyHash, userID); err != nil {
		h.log.Error().Err(err).Msg("api key insert failed")
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if err := h.store.Set(r.Context(), hotstate.APIKeyCacheKey(keyHash), userID); err != nil {
		h.log.Warn().Err(err).Msg("api key cache fill failed")
	}

	// The raw key is returned exactly once; only its hash persists.
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"api_key": rawKey,
	})
}

// handleDeleteAPIKey handles DELETE /v1/delete_api_key
func (h *Handler) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		h.writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	keyHash := auth.HashKey(req.APIKey)
	err := h.ledger.DeleteAPIKey(r.Context(), keyHash, r.Header.Get(auth.HeaderUserID))
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "api key not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if err := h.store.Delete(r.Context(), hotstate.APIKeyCacheKey(keyHash)); err != nil {
		h.log.Warn().Err(err).Msg("api key cache invalidation failed")
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleRequestCredit handles POST /v1/request_credit
func (h *Handler) handleRequestCredit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	cr := &ledger.CreditRequest{
		RequestID: uuid.New().String(),
		UserID:    r.Header.Get(auth.HeaderUserID),
		Amount:    amount,
	}
	if err := h.ledger.InsertCreditRequest(r.Context(), cr); err != nil {
		h.log.Error().Err(err).Msg("credit request insert failed")
		h.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": cr.RequestID,
	})
}
