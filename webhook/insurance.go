package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"time"
)

// resultInfo mirrors the insurance provider's XML callback envelope.
type resultInfo struct {
	XMLName         xml.Name     `xml:"ResultInfo"`
	OrderID         string       `xml:"OrderId"`
	AgencyPolicyRef string       `xml:"AgencyPolicyRef"`
	NotifyTime      string       `xml:"NotifyTime"`
	PolicyList      policyListEl `xml:"PolicyList"`
}

type policyListEl struct {
	Policies []policyEl `xml:"Policy"`
}

type policyEl struct {
	Success       string `xml:"Success"`
	PolicyNo      string `xml:"PolicyNo"`
	OrderID       string `xml:"OrderId"`
	EffectiveDate string `xml:"EffectiveDate"`
	ExpireDate    string `xml:"ExpireDate"`
	PolicyPdfURL  string `xml:"PolicyPdfUrl"`
	ErrorMessage  string `xml:"ErrorMessage"`
}

// InsurancePolicyResult is one normalized policy entry from the callback.
type InsurancePolicyResult struct {
	Success       bool
	PolicyNo      string
	EffectiveDate *time.Time
	ExpireDate    *time.Time
	PdfURL        *string
	ErrorMessage  string
}

// InsuranceCallback is the normalized insurance payment/status callback.
type InsuranceCallback struct {
	OrderID         string
	AgencyPolicyRef string
	NotifyTime      string
	Policies        []InsurancePolicyResult
}

func parseInsuranceCallback(body []byte) (InsuranceCallback, error) {
	var env resultInfo
	if err := xml.Unmarshal(body, &env); err != nil {
		return InsuranceCallback{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if env.AgencyPolicyRef == "" {
		return InsuranceCallback{}, fmt.Errorf("%w: missing AgencyPolicyRef", ErrValidation)
	}
	if len(env.PolicyList.Policies) == 0 {
		return InsuranceCallback{}, fmt.Errorf("%w: empty PolicyList", ErrValidation)
	}

	cb := InsuranceCallback{
		OrderID:         env.OrderID,
		AgencyPolicyRef: env.AgencyPolicyRef,
		NotifyTime:      env.NotifyTime,
	}
	for _, p := range env.PolicyList.Policies {
		res := InsurancePolicyResult{
			Success:       p.Success == "true",
			PolicyNo:      p.PolicyNo,
			EffectiveDate: parseProviderDate(p.EffectiveDate),
			ExpireDate:    parseProviderDate(p.ExpireDate),
			ErrorMessage:  p.ErrorMessage,
		}
		if p.PolicyPdfURL != "" {
			url := p.PolicyPdfURL
			res.PdfURL = &url
		}
		cb.Policies = append(cb.Policies, res)
	}
	return cb, nil
}

func (cb InsuranceCallback) dedupKey(body []byte) string {
	if cb.NotifyTime != "" {
		return cb.AgencyPolicyRef + ":" + cb.NotifyTime
	}
	sum := sha256.Sum256(body)
	return cb.AgencyPolicyRef + ":" + hex.EncodeToString(sum[:8])
}

func parseProviderDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
