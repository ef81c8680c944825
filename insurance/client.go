// Package insurance is the outbound query client for the insurance
// provider, used by the reconciliation poller and manual resyncs.
package insurance

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrProvider signals a provider-side failure.
var ErrProvider = errors.New("insurance: provider error")

// QueryResult is the provider's answer to a policy query keyed by
// AgencyPolicyRef.
type QueryResult struct {
	Issued        bool
	PolicyNo      string
	EffectiveDate string
	ExpireDate    string
	PdfURL        string
	ErrorMessage  string
}

type queryRequest struct {
	XMLName         xml.Name `xml:"RequestInfo"`
	AgencyPolicyRef string   `xml:"AgencyPolicyRef"`
}

type queryResponse struct {
	XMLName       xml.Name `xml:"ResultInfo"`
	Success       string   `xml:"Success"`
	PolicyNo      string   `xml:"PolicyNo"`
	EffectiveDate string   `xml:"EffectiveDate"`
	ExpireDate    string   `xml:"ExpireDate"`
	PolicyPdfURL  string   `xml:"PolicyPdfUrl"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

// Client talks to the insurance provider's XML query API.
type Client struct {
	baseURL string
	agency  string
	httpc   *http.Client
}

func NewClient(baseURL, agencyCode string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agency:  agencyCode,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// QueryPolicy fetches the current policy state for an AgencyPolicyRef. A
// present PolicyPdfUrl means the policy has been issued.
func (c *Client) QueryPolicy(ctx context.Context, agencyPolicyRef string) (QueryResult, error) {
	if agencyPolicyRef == "" {
		return QueryResult{}, fmt.Errorf("insurance: empty agency policy ref")
	}

	body, err := xml.Marshal(queryRequest{AgencyPolicyRef: agencyPolicyRef})
	if err != nil {
		return QueryResult{}, fmt.Errorf("insurance: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/policy/query", bytes.NewReader(body))
	if err != nil {
		return QueryResult{}, fmt.Errorf("insurance: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Agency-Code", c.agency)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QueryResult{}, fmt.Errorf("%w: http %d", ErrProvider, resp.StatusCode)
	}

	var env queryResponse
	if err := xml.NewDecoder(resp.Body).Decode(&env); err != nil {
		return QueryResult{}, fmt.Errorf("%w: decode response: %v", ErrProvider, err)
	}

	return QueryResult{
		Issued:        env.Success == "true" || env.PolicyPdfURL != "",
		PolicyNo:      env.PolicyNo,
		EffectiveDate: env.EffectiveDate,
		ExpireDate:    env.ExpireDate,
		PdfURL:        env.PolicyPdfURL,
		ErrorMessage:  env.ErrorMessage,
	}, nil
}
