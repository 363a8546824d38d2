package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/contract-host/api"
	"github.com/ruteri/contract-host/billing"
	"github.com/ruteri/contract-host/interfaces"
	"github.com/ruteri/contract-host/storage"
	"github.com/ruteri/contract-host/store"
	"github.com/ruteri/contract-host/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server *Server
	ts     *httptest.Server
	ledger *billing.Ledger
}

func newTestEnv(t *testing.T, startingBalance int64) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	ledger := billing.NewLedger(s, logger)
	issuer := tokens.NewIssuer(s, ledger, startingBalance, logger)

	srv, err := New(&api.HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		GracefulShutdownDuration: time.Second,
		MaxContractSize:          64,
	}, NewHandler(backend, s, issuer, ledger, logger))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, ts: ts, ledger: ledger}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) upload(t *testing.T, code string) string {
	t.Helper()
	var resp api.ContractResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/contract", []byte(code), &resp))
	return resp.Hash
}

func (e *testEnv) issue(t *testing.T, hash string) string {
	t.Helper()
	var resp api.TokenResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/token?contract="+hash, nil, &resp))
	return resp.Token
}

func amount(n int64) []byte {
	b, _ := json.Marshal(api.AmountRequest{Amount: n})
	return b
}

func TestUploadContract(t *testing.T) {
	env := newTestEnv(t, 0)

	hash := env.upload(t, "contract code")
	assert.Equal(t, interfaces.ComputeID([]byte("contract code")).String(), hash)

	// Same code uploads to the same hash.
	assert.Equal(t, hash, env.upload(t, "contract code"))

	var errResp api.ErrorResponse
	status := env.do(t, http.MethodPost, "/contract", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Empty contract code", errResp.Error)

	status = env.do(t, http.MethodPost, "/contract", bytes.Repeat([]byte("x"), 65), &errResp)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t, 100)
	hash := env.upload(t, "contract code")

	token := env.issue(t, hash)
	assert.True(t, tokens.Valid(token))

	var balance api.BalanceResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/token/"+token+"/balance", nil, &balance))
	assert.Equal(t, token, balance.Token)
	assert.EqualValues(t, 100, balance.Balance)

	var credits api.CreditsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/token/"+token+"/credits", nil, &credits))
	require.Len(t, credits.Credits, 1)
	assert.EqualValues(t, 100, credits.Credits[0].Amount)
}

func TestIssueTokenUnknownContract(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name  string
		query string
	}{
		{"missing", ""},
		{"malformed", "not-a-hash"},
		{"never uploaded", interfaces.ComputeID([]byte("other")).String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp api.ErrorResponse
			status := env.do(t, http.MethodPost, "/token?contract="+tt.query, nil, &errResp)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "Unknown contract hash", errResp.Error)
		})
	}
}

func TestCreditAndDebit(t *testing.T) {
	env := newTestEnv(t, 0)
	token := env.issue(t, env.upload(t, "contract code"))

	var credit api.CreditResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/token/"+token+"/credits", amount(50), &credit))
	assert.True(t, credit.Success)
	assert.EqualValues(t, 50, credit.Balance)
	require.NotNil(t, credit.Credit)
	assert.Equal(t, interfaces.CreditTransaction, credit.Credit.Kind)

	var debit api.DebitResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/token/"+token+"/debits", amount(20), &debit))
	assert.True(t, debit.Success)
	assert.EqualValues(t, 30, debit.Balance)

	var errResp api.ErrorResponse
	status := env.do(t, http.MethodPost, "/token/"+token+"/debits", amount(31), &errResp)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, interfaces.ErrInsufficientBalance.Error(), errResp.Error)

	status = env.do(t, http.MethodPost, "/token/"+token+"/credits", amount(0), &errResp)
	assert.Equal(t, http.StatusBadRequest, status)

	status = env.do(t, http.MethodPost, "/token/"+token+"/credits", []byte("{"), &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid request body", errResp.Error)
}

func TestListDebitsIncludesCharges(t *testing.T) {
	env := newTestEnv(t, 100)
	token := env.issue(t, env.upload(t, "contract code"))

	var debit api.DebitResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/token/"+token+"/debits", amount(10), &debit))
	_, err := env.ledger.Charge(t.Context(), token, 5)
	require.NoError(t, err)

	var debits api.DebitsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/token/"+token+"/debits", nil, &debits))
	require.Len(t, debits.Debits, 2)
	assert.Equal(t, interfaces.DebitTransaction, debits.Debits[0].Kind)
	assert.Equal(t, interfaces.ChargeTransaction, debits.Debits[1].Kind)
	assert.EqualValues(t, 85, debits.Debits[1].Balance)
}

func TestUnknownToken(t *testing.T) {
	env := newTestEnv(t, 0)

	for _, token := range []string{"0123456789abcdef", "bad"} {
		for _, route := range []struct{ method, path string }{
			{http.MethodGet, "/balance"},
			{http.MethodGet, "/credits"},
			{http.MethodGet, "/debits"},
			{http.MethodPost, "/credits"},
			{http.MethodPost, "/debits"},
		} {
			var errResp api.ErrorResponse
			status := env.do(t, route.method, "/token/"+token+route.path, amount(1), &errResp)
			assert.Equal(t, http.StatusNotFound, status, "%s %s", route.method, route.path)
			assert.Equal(t, "token not found", errResp.Error)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, 0)

	var health api.HealthResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Storage)

	var status map[string]string
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/livez", nil, &status))
	assert.Equal(t, "alive", status["status"])

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/drain", nil, &status))
	assert.Equal(t, "draining", status["status"])
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", nil, &status))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/undrain", nil, &status))
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil, &status))
	assert.Equal(t, "ready", status["status"])
}

func TestServerServesOnBoundAddr(t *testing.T) {
	env := newTestEnv(t, 0)
	env.server.RunInBackground()

	resp, err := http.Get("http://" + env.server.Addr() + "/livez")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
