// Package esign is the outbound query client for the e-signature provider,
// used by the reconciliation poller and manual resyncs.
package esign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrProvider signals a provider-side failure (non-2xx, transport error, or
// a business error code in the response envelope).
var ErrProvider = errors.New("esign: provider error")

const successCode = 100000

// Signer is one party's signing progress as reported by the provider.
type Signer struct {
	Name      string `json:"name"`
	Status    int    `json:"status"`
	SignOrder int    `json:"signOrder"`
}

// StatusResult is the provider's answer to a contract status query.
type StatusResult struct {
	Status  int      `json:"status"`
	Signers []Signer `json:"signers"`
}

type statusEnvelope struct {
	Code int          `json:"code"`
	Msg  string       `json:"msg"`
	Data StatusResult `json:"data"`
}

// Client talks to the e-signature provider's query API.
type Client struct {
	baseURL string
	appID   string
	httpc   *http.Client
}

func NewClient(baseURL, appID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// QueryStatus fetches the current signing status for a contract number.
func (c *Client) QueryStatus(ctx context.Context, contractNo string) (StatusResult, error) {
	if contractNo == "" {
		return StatusResult{}, fmt.Errorf("esign: empty contract number")
	}

	form := url.Values{}
	form.Set("appId", c.appID)
	form.Set("contractNo", contractNo)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/contract/status", strings.NewReader(form.Encode()))
	if err != nil {
		return StatusResult{}, fmt.Errorf("esign: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, fmt.Errorf("%w: http %d", ErrProvider, resp.StatusCode)
	}

	var env statusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return StatusResult{}, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}
	if env.Code != successCode {
		return StatusResult{}, fmt.Errorf("%w: code %d: %s", ErrProvider, env.Code, env.Msg)
	}
	return env.Data, nil
}
