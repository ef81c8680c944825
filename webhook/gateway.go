package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"careflow/contract"
	"careflow/reconcile"
)

const maxCallbackBodyBytes = 1 << 20 // 1MB

// ErrValidation signals a structurally malformed callback. It is
// acknowledged with HTTP 200 and dropped, preventing provider retry storms
// on permanently broken input.
var ErrValidation = errors.New("webhook: validation error")

// Processor is the reconciler entry point the gateway hands events to.
type Processor interface {
	Process(ctx context.Context, ev reconcile.CanonicalEvent) error
}

// DedupChecker is the fast-path duplicate lookup before invoking the
// reconciler. The reconciler's own dedup insert remains the authority.
type DedupChecker interface {
	WasProcessed(ctx context.Context, sourceSystem, externalEventKey string) (bool, error)
}

// Gateway accepts inbound provider callbacks, validates and deduplicates
// them, normalizes them into canonical events, and hands them to the
// reconciler synchronously. Acknowledgment discipline: a transient failure
// is NOT acked (the provider redelivers); logical failures are acked and
// surfaced through the manual-review marker instead.
type Gateway struct {
	proc  Processor
	dedup DedupChecker
}

func NewGateway(proc Processor, dedup DedupChecker) *Gateway {
	return &Gateway{proc: proc, dedup: dedup}
}

// HandleEsignCallback processes the e-signature provider's status callback.
func (g *Gateway) HandleEsignCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		ackFailure(w, "unreadable body")
		return
	}

	cb, err := parseEsignCallback(body)
	if err != nil {
		log.Printf("webhook: dropping malformed esign callback: %v", err)
		ackFailure(w, "invalid payload")
		return
	}

	key := cb.dedupKey(body)
	if done, err := g.dedup.WasProcessed(r.Context(), contract.SourceEsign, key); err == nil && done {
		ackSuccess(w)
		return
	}

	status, err := contract.EsignStatusFromCode(cb.Status)
	ev := reconcile.CanonicalEvent{
		SourceSystem: contract.SourceEsign,
		DedupKey:     key,
		EntityType:   reconcile.EntityContract,
		EntityKey:    cb.ContractNo,
		Kind:         contract.EventEsignStatus,
		EsignStatus:  status,
		RawPayload:   body,
		ObservedAt:   observedAt(cb.Timestamp),
	}
	if err != nil {
		// Unknown code: keep the event so the reconciler flags the contract
		// for manual review rather than discarding the report silently.
		ev.EsignStatus = contract.EsignStatus(fmt.Sprintf("code-%d", cb.Status))
	}

	g.dispatch(w, r.Context(), ev)
}

// HandleInsuranceCallback processes the insurance provider's XML payment
// callback. Each policy entry becomes its own canonical event.
func (g *Gateway) HandleInsuranceCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		ackFailure(w, "unreadable body")
		return
	}

	cb, err := parseInsuranceCallback(body)
	if err != nil {
		log.Printf("webhook: dropping malformed insurance callback: %v", err)
		ackFailure(w, "invalid payload")
		return
	}

	baseKey := cb.dedupKey(body)
	for i, p := range cb.Policies {
		key := baseKey
		if len(cb.Policies) > 1 {
			key = fmt.Sprintf("%s:%d", baseKey, i)
		}
		if done, err := g.dedup.WasProcessed(r.Context(), contract.SourceInsurance, key); err == nil && done {
			continue
		}

		ev := reconcile.CanonicalEvent{
			SourceSystem: contract.SourceInsurance,
			DedupKey:     key,
			EntityType:   reconcile.EntityPolicy,
			EntityKey:    cb.AgencyPolicyRef,
			RawPayload:   body,
			ObservedAt:   time.Now().UTC(),
		}
		if p.Success {
			ev.Kind = contract.EventInsuranceSuccess
			ev.Policy = &reconcile.PolicyDetails{
				PolicyNo:      p.PolicyNo,
				EffectiveDate: p.EffectiveDate,
				ExpireDate:    p.ExpireDate,
				PdfURL:        p.PdfURL,
			}
		} else {
			ev.Kind = contract.EventInsuranceFailure
			ev.ErrorMessage = p.ErrorMessage
			if ev.ErrorMessage == "" {
				ev.ErrorMessage = "provider reported failure without a message"
			}
		}

		if err := g.proc.Process(r.Context(), ev); err != nil && !absorbed(err) {
			// Transient: do not ack, the provider's retry redelivers.
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
	}
	ackSuccess(w)
}

// dispatch hands one canonical event to the reconciler and translates the
// outcome into the provider-facing acknowledgment.
func (g *Gateway) dispatch(w http.ResponseWriter, ctx context.Context, ev reconcile.CanonicalEvent) {
	err := g.proc.Process(ctx, ev)
	switch {
	case err == nil, errors.Is(err, reconcile.ErrDuplicateEvent):
		ackSuccess(w)
	case absorbed(err):
		log.Printf("webhook: absorbed %s event for %q: %v", ev.SourceSystem, ev.EntityKey, err)
		ackSuccess(w)
	default:
		http.Error(w, "temporary failure", http.StatusInternalServerError)
	}
}

// absorbed reports whether the reconciler outcome is terminal/logical: the
// event was dealt with (discarded, flagged, or duplicate) and the provider
// must stop retrying.
func absorbed(err error) bool {
	return err == nil ||
		errors.Is(err, reconcile.ErrDuplicateEvent) ||
		errors.Is(err, reconcile.ErrManualReview) ||
		errors.Is(err, reconcile.ErrUnknownEntity) ||
		errors.Is(err, contract.ErrStaleEvent)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBodyBytes)
	return io.ReadAll(r.Body)
}

func observedAt(millis int64) time.Time {
	if millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return time.Now().UTC()
}

func ackSuccess(w http.ResponseWriter) {
	writeJSON(w, map[string]any{"success": true})
}

// ackFailure still answers HTTP 200: the payload is permanently malformed
// and redelivery cannot fix it.
func ackFailure(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]any{"success": false, "message": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
