package contract

import (
	"fmt"
	"time"
)

// EventKind identifies a canonical reconciliation event, regardless of
// whether it originated from a webhook or a poll.
type EventKind string

const (
	// EventEsignCreated reports the signing flow was opened at the provider.
	EventEsignCreated EventKind = "esign.created"
	// EventEsignStatus reports the provider's current signing status.
	EventEsignStatus EventKind = "esign.status"
	// EventInsuranceSyncRequested asks to propagate an active, signed
	// contract to the insurance provider.
	EventInsuranceSyncRequested EventKind = "insurance.sync_requested"
	// EventInsuranceSuccess reports a successful policy issue callback.
	EventInsuranceSuccess EventKind = "insurance.success"
	// EventInsuranceFailure reports a failed policy issue callback or a
	// provider error after the poller exhausted its retries.
	EventInsuranceFailure EventKind = "insurance.failure"
)

// Event is the state-relevant slice of a canonical event.
type Event struct {
	Kind         EventKind
	EsignStatus  EsignStatus // set for EventEsignStatus
	ErrorMessage string      // set for EventInsuranceFailure
	ObservedAt   time.Time
}

// Snapshot is the state a transition is computed against.
type Snapshot struct {
	ContractStatus      ContractStatus
	EsignStatus         EsignStatus
	InsuranceSyncStatus InsuranceSyncStatus
}

// Effect is a side effect a committed transition asks collaborators to
// perform. Effects are written to the outbox; the reconciler never
// performs delivery itself.
type Effect struct {
	Topic   string
	Payload map[string]any
}

// Outbox topics emitted by transitions.
const (
	TopicContractSigning    = "contract.signing"
	TopicContractActivated  = "contract.activated"
	TopicContractTerminated = "contract.terminated"
	TopicInsuranceRequested = "insurance.sync_requested"
	TopicInsuranceSucceeded = "insurance.sync_succeeded"
	TopicInsuranceFailed    = "insurance.sync_failed"
)

// Outcome is the result of a legal transition. Changed is false for
// duplicate deliveries of already-applied events.
type Outcome struct {
	ContractStatus      ContractStatus
	EsignStatus         EsignStatus
	InsuranceSyncStatus InsuranceSyncStatus
	InsuranceSyncError  *string
	SetSyncedAt         bool
	Changed             bool
	Effects             []Effect
}

// Transition is the single transition function for contract state. It is
// pure: it never touches storage and never coerces an unknown or illegal
// move into a "best guess". Callers decide how to act on ErrStaleEvent
// (discard, log) versus ErrIllegalTransition / ErrUnknownStateCode (flag
// for manual review).
func Transition(cur Snapshot, ev Event) (Outcome, error) {
	out := Outcome{
		ContractStatus:      cur.ContractStatus,
		EsignStatus:         cur.EsignStatus,
		InsuranceSyncStatus: cur.InsuranceSyncStatus,
	}

	switch ev.Kind {
	case EventEsignCreated:
		switch cur.ContractStatus {
		case StatusDraft:
			out.ContractStatus = StatusSigning
			out.EsignStatus = EsignSigning
			out.Changed = true
			out.Effects = append(out.Effects, Effect{Topic: TopicContractSigning})
			return out, nil
		case StatusSigning:
			return out, nil // duplicate delivery
		default:
			return out, fmt.Errorf("%w: esign.created while %s", ErrStaleEvent, cur.ContractStatus)
		}

	case EventEsignStatus:
		return esignStatusTransition(cur, ev, out)

	case EventInsuranceSyncRequested:
		if cur.ContractStatus != StatusActive || cur.EsignStatus != EsignSigned {
			return out, fmt.Errorf("%w: insurance sync requested while %s/%s",
				ErrIllegalTransition, cur.ContractStatus, cur.EsignStatus)
		}
		switch cur.InsuranceSyncStatus {
		case SyncPending, SyncSuccess:
			return out, nil // already requested or already synced
		default:
			out.InsuranceSyncStatus = SyncPending
			out.InsuranceSyncError = nil
			out.Changed = true
			out.Effects = append(out.Effects, Effect{Topic: TopicInsuranceRequested})
			return out, nil
		}

	case EventInsuranceSuccess:
		if cur.InsuranceSyncStatus == SyncSuccess {
			return out, nil // duplicate callback
		}
		if cur.ContractStatus != StatusActive {
			return out, fmt.Errorf("%w: insurance success while contract %s",
				ErrIllegalTransition, cur.ContractStatus)
		}
		switch cur.InsuranceSyncStatus {
		case SyncPending, SyncError:
			out.InsuranceSyncStatus = SyncSuccess
			out.InsuranceSyncError = nil
			out.SetSyncedAt = true
			out.Changed = true
			out.Effects = append(out.Effects, Effect{Topic: TopicInsuranceSucceeded})
			return out, nil
		default:
			return out, fmt.Errorf("%w: insurance success without a sync request", ErrIllegalTransition)
		}

	case EventInsuranceFailure:
		if cur.InsuranceSyncStatus == SyncSuccess {
			// A fresher success already landed; the failure is stale.
			return out, fmt.Errorf("%w: insurance failure after success", ErrStaleEvent)
		}
		if cur.ContractStatus != StatusActive || cur.InsuranceSyncStatus == SyncNone {
			return out, fmt.Errorf("%w: insurance failure while %s/%s",
				ErrIllegalTransition, cur.ContractStatus, cur.InsuranceSyncStatus)
		}
		msg := ev.ErrorMessage
		out.InsuranceSyncStatus = SyncError
		out.InsuranceSyncError = &msg
		out.Changed = true
		out.Effects = append(out.Effects, Effect{
			Topic:   TopicInsuranceFailed,
			Payload: map[string]any{"error": ev.ErrorMessage},
		})
		return out, nil

	default:
		return out, fmt.Errorf("%w: event kind %q", ErrUnknownStateCode, ev.Kind)
	}
}

func esignStatusTransition(cur Snapshot, ev Event, out Outcome) (Outcome, error) {
	switch ev.EsignStatus {
	case EsignSigned:
		switch cur.ContractStatus {
		case StatusSigning:
			out.ContractStatus = StatusActive
			out.EsignStatus = EsignSigned
			out.Changed = true
			out.Effects = append(out.Effects, Effect{Topic: TopicContractActivated})
			return out, nil
		case StatusActive:
			return out, nil // duplicate terminal callback
		case StatusReplaced, StatusTerminated, StatusRefunded:
			return out, fmt.Errorf("%w: signed report while %s", ErrStaleEvent, cur.ContractStatus)
		default:
			// signed while draft means we never saw the creation callback;
			// surface to an operator instead of inventing the missing hop.
			return out, fmt.Errorf("%w: signed report while %s", ErrIllegalTransition, cur.ContractStatus)
		}

	case EsignExpired, EsignRejected, EsignVoided, EsignRevoked:
		switch cur.ContractStatus {
		case StatusSigning:
			out.ContractStatus = StatusTerminated
			out.EsignStatus = ev.EsignStatus
			out.Changed = true
			out.Effects = append(out.Effects, Effect{
				Topic:   TopicContractTerminated,
				Payload: map[string]any{"esign_status": string(ev.EsignStatus)},
			})
			return out, nil
		case StatusTerminated:
			return out, nil // duplicate delivery
		default:
			return out, fmt.Errorf("%w: %s report while %s",
				ErrIllegalTransition, ev.EsignStatus, cur.ContractStatus)
		}

	case EsignPending, EsignSigning:
		switch cur.ContractStatus {
		case StatusDraft:
			out.ContractStatus = StatusSigning
			out.EsignStatus = ev.EsignStatus
			out.Changed = true
			out.Effects = append(out.Effects, Effect{Topic: TopicContractSigning})
			return out, nil
		case StatusSigning:
			if cur.EsignStatus != ev.EsignStatus {
				out.EsignStatus = ev.EsignStatus
				out.Changed = true
			}
			return out, nil
		default:
			// A stale "still signing" report arriving after the contract
			// moved on, e.g. activation already reached through the poller.
			return out, fmt.Errorf("%w: %s report while %s",
				ErrStaleEvent, ev.EsignStatus, cur.ContractStatus)
		}

	default:
		return out, fmt.Errorf("%w: esign status %q", ErrUnknownStateCode, ev.EsignStatus)
	}
}
