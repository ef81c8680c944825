package contract

import (
	"fmt"
	"time"
)

// ContractStatus is the lifecycle state of a service contract.
type ContractStatus string

const (
	StatusDraft      ContractStatus = "draft"
	StatusSigning    ContractStatus = "signing"
	StatusActive     ContractStatus = "active"
	StatusReplaced   ContractStatus = "replaced"
	StatusTerminated ContractStatus = "terminated"
	StatusRefunded   ContractStatus = "refunded"
)

// EsignStatus is the provider-reported signing state, mapped from the
// numeric codes the e-signature provider sends.
type EsignStatus string

const (
	EsignPending  EsignStatus = "pending"
	EsignSigning  EsignStatus = "signing"
	EsignSigned   EsignStatus = "signed"
	EsignExpired  EsignStatus = "expired"
	EsignRejected EsignStatus = "rejected"
	EsignVoided   EsignStatus = "voided"
	EsignRevoked  EsignStatus = "revoked"
)

// EsignStatusFromCode maps the provider's numeric status code to a typed
// status. Code 5 is unassigned by the provider; it and any other unknown
// code yield ErrUnknownStateCode so callers flag the contract for manual
// review instead of guessing.
func EsignStatusFromCode(code int) (EsignStatus, error) {
	switch code {
	case 0:
		return EsignPending, nil
	case 1:
		return EsignSigning, nil
	case 2:
		return EsignSigned, nil
	case 3:
		return EsignExpired, nil
	case 4:
		return EsignRejected, nil
	case 6:
		return EsignVoided, nil
	case 7:
		return EsignRevoked, nil
	default:
		return "", fmt.Errorf("%w: esign code %d", ErrUnknownStateCode, code)
	}
}

// InsuranceSyncStatus tracks propagation of an active contract to the
// insurance provider.
type InsuranceSyncStatus string

const (
	SyncNone    InsuranceSyncStatus = "none"
	SyncPending InsuranceSyncStatus = "pending"
	SyncSuccess InsuranceSyncStatus = "success"
	SyncError   InsuranceSyncStatus = "error"
)

// PolicyStatus is the lifecycle state of an insurance policy.
type PolicyStatus string

const (
	PolicyPending     PolicyStatus = "pending"
	PolicyActive      PolicyStatus = "active"
	PolicySurrendered PolicyStatus = "surrendered"
	PolicyError       PolicyStatus = "error"
)

// Contract mirrors the contracts table.
type Contract struct {
	ID                      string
	ContractNumber          string
	CustomerID              string
	CustomerPhone           string
	WorkerID                string
	ContractType            string
	StartDate               time.Time
	EndDate                 time.Time
	ContractStatus          ContractStatus
	EsignContractNo         *string
	EsignStatus             EsignStatus
	InsuranceSyncStatus     InsuranceSyncStatus
	InsuranceSyncError      *string
	InsuranceSyncedAt       *time.Time
	ReplacesContractID      *string
	ReplacedByContractID    *string
	StatusBeforeReplacement *ContractStatus
	NeedsManualReview       bool
	ManualReviewReason      *string
	LastEventAt             *time.Time
	Version                 int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// InsurancePolicy mirrors the insurance_policies table. AgencyPolicyRef is
// the idempotency key shared with the provider.
type InsurancePolicy struct {
	ID              string
	AgencyPolicyRef string
	PolicyNo        *string
	Status          PolicyStatus
	ContractID      string
	TotalPremium    *float64
	EffectiveDate   *time.Time
	ExpireDate      *time.Time
	PolicyPdfURL    *string
	ErrorMessage    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProcessedEvent is the dedup ledger row for inbound provider events.
type ProcessedEvent struct {
	ID               int64
	SourceSystem     string
	ExternalEventKey string
	ProcessedAt      time.Time
}

// Source systems accepted by the dedup ledger.
const (
	SourceEsign     = "esign"
	SourceInsurance = "insurance"
)
