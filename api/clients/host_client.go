package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/contract-host/api"
	"github.com/ruteri/contract-host/interfaces"
)

// APIError is a non-2xx response from the management API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", e.StatusCode, e.Message)
}

// HostClient talks to the management API of a contract host.
type HostClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHostClient creates a client for the management API.
//
// Parameters:
//   - baseURL: The base URL of the host (e.g., "https://host.example.com:8443")
//   - tlsConfig: TLS settings for https URLs, nil for the system defaults
//   - timeout: Request timeout duration (optional, default 30 seconds)
func NewHostClient(baseURL string, tlsConfig *tls.Config, timeout ...time.Duration) *HostClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	return &HostClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   clientTimeout,
			Transport: transport,
		},
	}
}

// UploadContract uploads contract code and returns its hash.
func (c *HostClient) UploadContract(ctx context.Context, code []byte) (interfaces.ContractHash, error) {
	var resp api.ContractResponse
	if err := c.do(ctx, http.MethodPost, "/contract", code, &resp); err != nil {
		return interfaces.ContractHash{}, fmt.Errorf("upload failed: %w", err)
	}
	return interfaces.NewContractHashFromHex(resp.Hash)
}

// IssueToken issues a token for an uploaded contract.
func (c *HostClient) IssueToken(ctx context.Context, contractHash interfaces.ContractHash) (string, error) {
	var resp api.TokenResponse
	path := "/token?contract=" + url.QueryEscape(contractHash.String())
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	return resp.Token, nil
}

// Credit adds amount to the token's balance.
func (c *HostClient) Credit(ctx context.Context, token string, amount int64) (*api.CreditResponse, error) {
	body, err := json.Marshal(api.AmountRequest{Amount: amount})
	if err != nil {
		return nil, err
	}

	var resp api.CreditResponse
	if err := c.do(ctx, http.MethodPost, tokenPath(token, "credits"), body, &resp); err != nil {
		return nil, fmt.Errorf("credit failed: %w", err)
	}
	return &resp, nil
}

// Debit removes amount from the token's balance.
func (c *HostClient) Debit(ctx context.Context, token string, amount int64) (*api.DebitResponse, error) {
	body, err := json.Marshal(api.AmountRequest{Amount: amount})
	if err != nil {
		return nil, err
	}

	var resp api.DebitResponse
	if err := c.do(ctx, http.MethodPost, tokenPath(token, "debits"), body, &resp); err != nil {
		return nil, fmt.Errorf("debit failed: %w", err)
	}
	return &resp, nil
}

func (c *HostClient) Balance(ctx context.Context, token string) (int64, error) {
	var resp api.BalanceResponse
	if err := c.do(ctx, http.MethodGet, tokenPath(token, "balance"), nil, &resp); err != nil {
		return 0, fmt.Errorf("balance request failed: %w", err)
	}
	return resp.Balance, nil
}

func (c *HostClient) Credits(ctx context.Context, token string) ([]interfaces.Transaction, error) {
	var resp api.CreditsResponse
	if err := c.do(ctx, http.MethodGet, tokenPath(token, "credits"), nil, &resp); err != nil {
		return nil, fmt.Errorf("credits request failed: %w", err)
	}
	return resp.Credits, nil
}

func (c *HostClient) Debits(ctx context.Context, token string) ([]interfaces.Transaction, error) {
	var resp api.DebitsResponse
	if err := c.do(ctx, http.MethodGet, tokenPath(token, "debits"), nil, &resp); err != nil {
		return nil, fmt.Errorf("debits request failed: %w", err)
	}
	return resp.Debits, nil
}

func tokenPath(token, resource string) string {
	return "/token/" + url.PathEscape(token) + "/" + resource
}

func (c *HostClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil && method == http.MethodPost && path != "/contract" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &errResp) != nil || errResp.Error == "" {
			errResp.Error = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is the API's unknown token response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
