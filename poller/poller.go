// Package poller is the reconciliation safety net: it periodically queries
// the providers for contracts whose state reports may have been lost and
// feeds the answers through the same reconciler path webhooks use.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"careflow/contract"
	"careflow/esign"
	"careflow/insurance"
	"careflow/reconcile"
)

// EsignQuerier is the outbound e-signature status query. *esign.Client
// satisfies it.
type EsignQuerier interface {
	QueryStatus(ctx context.Context, contractNo string) (esign.StatusResult, error)
}

// InsuranceQuerier is the outbound insurance policy query. *insurance.Client
// satisfies it.
type InsuranceQuerier interface {
	QueryPolicy(ctx context.Context, agencyPolicyRef string) (insurance.QueryResult, error)
}

// Processor is the reconciler entry point poll results are handed to.
type Processor interface {
	Process(ctx context.Context, ev reconcile.CanonicalEvent) error
}

// Queries selects poll candidates and records esign poll failures.
// *PGQueries satisfies it.
type Queries interface {
	StuckSigning(ctx context.Context, olderThan time.Duration, limit int) ([]StuckContract, error)
	StuckInsurance(ctx context.Context, olderThan time.Duration, limit int) ([]StuckPolicy, error)
	MarkEsignPollFailed(ctx context.Context, contractID, message string) error
	ResyncLookup(ctx context.Context, contractNumber string) (ResyncTarget, error)
}

// Config tunes the sweep. Zero values fall back to defaults.
type Config struct {
	Interval         time.Duration
	SigningStaleFor  time.Duration
	PendingStaleFor  time.Duration
	BatchSize        int
	MaxConcurrent    int
	MaxRetries       int
	RetryBackoffBase time.Duration
	CallTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.SigningStaleFor <= 0 {
		c.SigningStaleFor = 10 * time.Minute
	}
	if c.PendingStaleFor <= 0 {
		c.PendingStaleFor = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 500 * time.Millisecond
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// Poller sweeps stuck contracts on an interval. Each candidate's version is
// captured at selection time and carried on the event, so a webhook that
// lands mid-poll wins and the poll result is dropped as stale.
type Poller struct {
	cfg     Config
	queries Queries
	esign   EsignQuerier
	ins     InsuranceQuerier
	proc    Processor
}

func New(cfg Config, queries Queries, es EsignQuerier, ins InsuranceQuerier, proc Processor) *Poller {
	return &Poller{
		cfg:     cfg.withDefaults(),
		queries: queries,
		esign:   es,
		ins:     ins,
		proc:    proc,
	}
}

// Run sweeps until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("poller: sweep: %v", err)
			}
		}
	}
}

// Sweep runs one pass over both provider backlogs with a bounded worker
// pool. Per-contract failures are surfaced on the contract row, not
// returned, so one bad candidate never stalls the rest of the batch.
func (p *Poller) Sweep(ctx context.Context) error {
	signing, err := p.queries.StuckSigning(ctx, p.cfg.SigningStaleFor, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	pending, err := p.queries.StuckInsurance(ctx, p.cfg.PendingStaleFor, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(signing) == 0 && len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrent)

	for _, c := range signing {
		c := c
		g.Go(func() error {
			p.pollEsign(gctx, c)
			return nil
		})
	}
	for _, sp := range pending {
		sp := sp
		g.Go(func() error {
			p.pollInsurance(gctx, sp)
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) pollEsign(ctx context.Context, c StuckContract) {
	contractNo := c.EsignContractNo
	if contractNo == "" {
		contractNo = c.ContractNumber
	}

	var result esign.StatusResult
	err := p.withRetries(ctx, func(callCtx context.Context) error {
		var qerr error
		result, qerr = p.esign.QueryStatus(callCtx, contractNo)
		return qerr
	})
	if err != nil {
		msg := fmt.Sprintf("esign poll failed after %d attempts: %v", p.cfg.MaxRetries, err)
		if merr := p.queries.MarkEsignPollFailed(ctx, c.ID, msg); merr != nil {
			log.Printf("poller: %v", merr)
		}
		return
	}

	ev := reconcile.CanonicalEvent{
		SourceSystem:    contract.SourceEsign,
		DedupKey:        fmt.Sprintf("poll:%s:%d", c.ContractNumber, time.Now().UnixNano()),
		EntityType:      reconcile.EntityContract,
		EntityKey:       c.ContractNumber,
		Kind:            contract.EventEsignStatus,
		ObservedAt:      time.Now().UTC(),
		ExpectedVersion: c.Version,
	}
	status, err := contract.EsignStatusFromCode(result.Status)
	if err != nil {
		// Unknown code goes through anyway so the reconciler flags the
		// contract instead of the backlog re-selecting it forever.
		ev.EsignStatus = contract.EsignStatus(fmt.Sprintf("code-%d", result.Status))
	} else {
		ev.EsignStatus = status
	}

	p.deliver(ctx, ev)
}

func (p *Poller) pollInsurance(ctx context.Context, sp StuckPolicy) {
	var result insurance.QueryResult
	err := p.withRetries(ctx, func(callCtx context.Context) error {
		var qerr error
		result, qerr = p.ins.QueryPolicy(callCtx, sp.AgencyPolicyRef)
		return qerr
	})
	if err != nil {
		// Surface the exhaustion through the reconciler so the sync status
		// flips to error in the same code path a failure callback would use.
		p.deliver(ctx, reconcile.CanonicalEvent{
			SourceSystem:    contract.SourceInsurance,
			DedupKey:        fmt.Sprintf("poll-fail:%s:%d", sp.AgencyPolicyRef, time.Now().UnixNano()),
			EntityType:      reconcile.EntityPolicy,
			EntityKey:       sp.AgencyPolicyRef,
			Kind:            contract.EventInsuranceFailure,
			ErrorMessage:    fmt.Sprintf("insurance poll failed after %d attempts: %v", p.cfg.MaxRetries, err),
			ObservedAt:      time.Now().UTC(),
			ExpectedVersion: sp.Version,
		})
		return
	}

	ev, ok := insuranceEvent(sp, result)
	if !ok {
		// Provider still has nothing conclusive; leave the row pending for
		// the next sweep.
		return
	}
	p.deliver(ctx, ev)
}

// insuranceEvent maps a provider answer to a canonical event. No answer at
// all (not issued, no error) yields ok=false.
func insuranceEvent(sp StuckPolicy, result insurance.QueryResult) (reconcile.CanonicalEvent, bool) {
	ev := reconcile.CanonicalEvent{
		SourceSystem:    contract.SourceInsurance,
		DedupKey:        fmt.Sprintf("poll:%s:%d", sp.AgencyPolicyRef, time.Now().UnixNano()),
		EntityType:      reconcile.EntityPolicy,
		EntityKey:       sp.AgencyPolicyRef,
		ObservedAt:      time.Now().UTC(),
		ExpectedVersion: sp.Version,
	}
	switch {
	case result.Issued:
		ev.Kind = contract.EventInsuranceSuccess
		ev.Policy = &reconcile.PolicyDetails{
			PolicyNo:      result.PolicyNo,
			EffectiveDate: parseProviderDate(result.EffectiveDate),
			ExpireDate:    parseProviderDate(result.ExpireDate),
		}
		if result.PdfURL != "" {
			url := result.PdfURL
			ev.Policy.PdfURL = &url
		}
	case result.ErrorMessage != "":
		ev.Kind = contract.EventInsuranceFailure
		ev.ErrorMessage = result.ErrorMessage
	default:
		return reconcile.CanonicalEvent{}, false
	}
	return ev, true
}

// deliver hands an event to the reconciler and logs absorbed outcomes.
// Stale drops are the version guard doing its job, not failures.
func (p *Poller) deliver(ctx context.Context, ev reconcile.CanonicalEvent) {
	err := p.proc.Process(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, contract.ErrStaleEvent),
		errors.Is(err, reconcile.ErrDuplicateEvent):
		log.Printf("poller: dropped %s poll result for %q: %v", ev.SourceSystem, ev.EntityKey, err)
	case errors.Is(err, reconcile.ErrManualReview),
		errors.Is(err, reconcile.ErrUnknownEntity):
		log.Printf("poller: %s poll result for %q absorbed: %v", ev.SourceSystem, ev.EntityKey, err)
	default:
		log.Printf("poller: processing %s poll result for %q: %v", ev.SourceSystem, ev.EntityKey, err)
	}
}

// withRetries runs fn up to MaxRetries times with doubling backoff and a
// per-call timeout.
func (p *Poller) withRetries(ctx context.Context, fn func(context.Context) error) error {
	var err error
	backoff := p.cfg.RetryBackoffBase
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
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
