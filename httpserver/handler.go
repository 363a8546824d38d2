package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/contract-host/api"
	"github.com/ruteri/contract-host/common"
	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/tokens"
)

const (
	// defaultMaxContractSize applies when the server config leaves MaxContractSize unset (16MB).
	defaultMaxContractSize = 16 * 1024 * 1024

	// maxBodySize bounds JSON request bodies (1MB).
	maxBodySize = 1024 * 1024
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// TokenIssuer mints tokens for uploaded contracts.
type TokenIssuer interface {
	IssueToken(ctx context.Context, contractHash interfaces.ContractHash) (string, error)
}

// Handler serves the management API: contract upload, token issuance and
// per-token billing operations.
type Handler struct {
	storage   interfaces.StorageBackend
	contracts interfaces.ContractStore
	issuer    TokenIssuer
	ledger    interfaces.BillingLedger
	log       *slog.Logger

	maxContractSize int64
}

// NewHandler creates the management API handler.
//
// Parameters:
//   - storage: Backend holding contract code, keyed by its hash
//   - contracts: Record of uploaded contracts
//   - issuer: Mints tokens bound to uploaded contracts
//   - ledger: Balance operations for issued tokens
//   - log: Structured logger for operational insights
func NewHandler(storage interfaces.StorageBackend, contracts interfaces.ContractStore, issuer TokenIssuer, ledger interfaces.BillingLedger, log *slog.Logger) *Handler {
	return &Handler{
		storage:         storage,
		contracts:       contracts,
		issuer:          issuer,
		ledger:          ledger,
		log:             log,
		maxContractSize: defaultMaxContractSize,
	}
}

// SetMaxContractSize overrides the upload limit. Non-positive values are ignored.
func (h *Handler) SetMaxContractSize(size int64) {
	if size > 0 {
		h.maxContractSize = size
	}
}

// HandleHealth reports whether the contract storage backend is reachable.
//
// URL format: GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := api.HealthResponse{
		Status:  "ok",
		Version: common.Version,
		Storage: h.storage.Available(ctx),
	}
	status := http.StatusOK
	if !resp.Storage {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// HandleUploadContract stores the request body as contract code.
//
// URL format: POST /contract
//
// Response: {"hash": "<hex sha256 of the code>"}
func (h *Handler) HandleUploadContract(w http.ResponseWriter, r *http.Request) {
	code, err := io.ReadAll(io.LimitReader(r.Body, h.maxContractSize+1))
	if err != nil {
		h.log.Error("Failed to read request body", "err", err)
		h.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(code) == 0 {
		h.writeError(w, http.StatusBadRequest, "Empty contract code")
		return
	}
	if int64(len(code)) > h.maxContractSize {
		h.writeError(w, http.StatusRequestEntityTooLarge, "Contract code too large")
		return
	}

	hash, err := h.uploadContract(r.Context(), code)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.ContractResponse{Hash: hash.String()})
}

func (h *Handler) uploadContract(ctx context.Context, code []byte) (interfaces.ContractHash, error) {
	hash, err := h.storage.Store(ctx, code)
	if err != nil {
		return hash, fmt.Errorf("failed to store contract code: %w", err)
	}

	if err := h.contracts.AddContract(ctx, interfaces.Contract{
		Hash:      hash,
		Size:      int64(len(code)),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return hash, fmt.Errorf("failed to record contract: %w", err)
	}

	h.log.Info("Contract uploaded", "hash", hash.String(), "size", len(code))
	return hash, nil
}

// HandleIssueToken mints a token for an uploaded contract.
//
// URL format: POST /token?contract=<hex hash>
//
// Response: {"token": "<16 chars>"}
func (h *Handler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	hash, err := interfaces.NewContractHashFromHex(r.URL.Query().Get("contract"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unknown contract hash")
		return
	}

	token, err := h.issuer.IssueToken(r.Context(), hash)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.TokenResponse{Token: token})
}

// HandleCredit adds the requested amount to the token's balance.
//
// URL format: POST /token/{token}/credits with body {"amount": n}
func (h *Handler) HandleCredit(w http.ResponseWriter, r *http.Request) {
	token, amount, err := h.parseAmountRequest(r)
	if err != nil {
		h.handleError(w, err)
		return
	}

	receipt, err := h.ledger.Credit(r.Context(), token, amount)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.CreditResponse{Success: true, Balance: receipt.Balance, Credit: receipt})
}

// HandleDebit removes the requested amount from the token's balance.
//
// URL format: POST /token/{token}/debits with body {"amount": n}
func (h *Handler) HandleDebit(w http.ResponseWriter, r *http.Request) {
	token, amount, err := h.parseAmountRequest(r)
	if err != nil {
		h.handleError(w, err)
		return
	}

	receipt, err := h.ledger.Debit(r.Context(), token, amount)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.DebitResponse{Success: true, Balance: receipt.Balance, Debit: receipt})
}

// HandleListCredits lists the token's credits, oldest first.
//
// URL format: GET /token/{token}/credits
func (h *Handler) HandleListCredits(w http.ResponseWriter, r *http.Request) {
	txs, err := h.transactions(r, interfaces.CreditTransaction)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.CreditsResponse{Success: true, Credits: txs})
}

// HandleListDebits lists the token's debits and metering charges, oldest first.
//
// URL format: GET /token/{token}/debits
func (h *Handler) HandleListDebits(w http.ResponseWriter, r *http.Request) {
	debits, err := h.transactions(r, interfaces.DebitTransaction)
	if err != nil {
		h.handleError(w, err)
		return
	}
	charges, err := h.transactions(r, interfaces.ChargeTransaction)
	if err != nil {
		h.handleError(w, err)
		return
	}

	txs := mergeByTime(debits, charges)
	h.writeJSON(w, http.StatusOK, api.DebitsResponse{Success: true, Debits: txs})
}

// HandleBalance returns the token's current balance.
//
// URL format: GET /token/{token}/balance
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	token, err := tokenParam(r)
	if err != nil {
		h.handleError(w, err)
		return
	}

	balance, err := h.ledger.Balance(r.Context(), token)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.BalanceResponse{Token: token, Balance: balance})
}

func (h *Handler) transactions(r *http.Request, kind interfaces.TransactionKind) ([]interfaces.Transaction, error) {
	token, err := tokenParam(r)
	if err != nil {
		return nil, err
	}
	return h.ledger.Transactions(r.Context(), token, kind)
}

func (h *Handler) parseAmountRequest(r *http.Request) (string, int64, error) {
	token, err := tokenParam(r)
	if err != nil {
		return "", 0, err
	}

	var req api.AmountRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		return "", 0, &RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("invalid request body")}
	}
	return token, req.Amount, nil
}

func tokenParam(r *http.Request) (string, error) {
	token := chi.URLParam(r, "token")
	if !tokens.Valid(token) {
		return "", interfaces.ErrTokenNotFound
	}
	return token, nil
}

// mergeByTime merges two transaction lists that are each ordered oldest first.
func mergeByTime(a, b []interfaces.Transaction) []interfaces.Transaction {
	out := make([]interfaces.Transaction, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if b[0].CreatedAt.Before(a[0].CreatedAt) {
			out = append(out, b[0])
			b = b[1:]
		} else {
			out = append(out, a[0])
			a = a[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		h.writeError(w, reqErr.StatusCode, reqErr.Error())
	case errors.Is(err, interfaces.ErrTokenNotFound):
		h.writeError(w, http.StatusNotFound, "token not found")
	case errors.Is(err, interfaces.ErrUnknownContract):
		h.writeError(w, http.StatusBadRequest, "Unknown contract hash")
	case errors.Is(err, interfaces.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, interfaces.ErrInvalidAmount.Error())
	case errors.Is(err, interfaces.ErrInsufficientBalance):
		h.writeError(w, http.StatusPaymentRequired, interfaces.ErrInsufficientBalance.Error())
	default:
		h.log.Error("Request failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
