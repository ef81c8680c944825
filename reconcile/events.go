package reconcile

import (
	"time"

	"careflow/contract"
)

// EntityType names the entity a canonical event is keyed on.
type EntityType string

const (
	EntityContract EntityType = "contract"
	EntityPolicy   EntityType = "policy"
)

// CanonicalEvent is the normalized internal representation of a provider
// state report. Webhooks, poll results, and manual resyncs all reduce to
// this shape before touching contract state.
type CanonicalEvent struct {
	SourceSystem string
	// DedupKey is the external event key: the payload's natural identifier
	// plus a monotonic hint (provider timestamp when present, else a
	// content hash). Unique per (SourceSystem, DedupKey).
	DedupKey   string
	EntityType EntityType
	// EntityKey is the contract number for contract events, or the
	// AgencyPolicyRef for policy events.
	EntityKey    string
	Kind         contract.EventKind
	EsignStatus  contract.EsignStatus
	ErrorMessage string
	Policy       *PolicyDetails
	RawPayload   []byte
	ObservedAt   time.Time
	// ExpectedVersion, when non-zero, guards against applying a poll result
	// that raced with a fresher event: the event is dropped if the
	// contract's version moved past the value captured at selection time.
	ExpectedVersion int64
	// OperatorID is set for manual resyncs and recorded in the audit log.
	OperatorID string
}

// PolicyDetails carries the provider-confirmed policy fields attached to an
// insurance success event.
type PolicyDetails struct {
	PolicyNo      string
	EffectiveDate *time.Time
	ExpireDate    *time.Time
	PdfURL        *string
}

func (e CanonicalEvent) transitionEvent() contract.Event {
	return contract.Event{
		Kind:         e.Kind,
		EsignStatus:  e.EsignStatus,
		ErrorMessage: e.ErrorMessage,
		ObservedAt:   e.ObservedAt,
	}
}
