package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"careflow/contract"
)

func activeContract() contract.Contract {
	return contract.Contract{
		ID:                  "c-1",
		ContractNumber:      "HC-2024-001",
		ContractStatus:      contract.StatusActive,
		EsignStatus:         contract.EsignSigned,
		InsuranceSyncStatus: contract.SyncPending,
		Version:             4,
	}
}

func signingContract() contract.Contract {
	return contract.Contract{
		ID:                  "c-1",
		ContractNumber:      "HC-2024-001",
		ContractStatus:      contract.StatusSigning,
		EsignStatus:         contract.EsignSigning,
		InsuranceSyncStatus: contract.SyncNone,
		Version:             2,
	}
}

func esignEvent(key string, status contract.EsignStatus) CanonicalEvent {
	return CanonicalEvent{
		SourceSystem: contract.SourceEsign,
		DedupKey:     key,
		EntityType:   EntityContract,
		EntityKey:    "HC-2024-001",
		Kind:         contract.EventEsignStatus,
		EsignStatus:  status,
		ObservedAt:   time.Now().UTC(),
	}
}

func TestProcess_AppliesTransitionAndCommits(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: signingContract()}
	ledger := &fakeLedger{}
	rec := New(pool, store, ledger)

	err := rec.Process(context.Background(), esignEvent("evt-1", contract.EsignSigned))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if !pool.tx.committed {
		t.Error("expected commit")
	}
	if len(store.applied) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(store.applied))
	}
	if store.applied[0].mutation.ContractStatus != contract.StatusActive {
		t.Fatalf("unexpected mutation: %+v", store.applied[0].mutation)
	}
	if store.applied[0].expectedVersion != 2 {
		t.Fatalf("expected version guard 2, got %d", store.applied[0].expectedVersion)
	}
	if len(ledger.effects) != 1 || ledger.effects[0].topic != contract.TopicContractActivated {
		t.Fatalf("unexpected effects: %+v", ledger.effects)
	}
	if ledger.effects[0].payload["contract_number"] != "HC-2024-001" {
		t.Fatalf("effect payload missing contract context: %+v", ledger.effects[0].payload)
	}
}

func TestProcess_DuplicateEventShortCircuits(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: signingContract()}
	ledger := &fakeLedger{insertErr: ErrDuplicateEvent}
	rec := New(pool, store, ledger)

	err := rec.Process(context.Background(), esignEvent("evt-1", contract.EsignSigned))
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected commit to be skipped on duplicate")
	}
	if len(store.applied) != 0 {
		t.Error("expected no transition on duplicate")
	}
}

func TestProcess_UnknownContract(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{lockErr: contract.ErrNotFound}
	rec := New(pool, store, &fakeLedger{})

	err := rec.Process(context.Background(), esignEvent("evt-1", contract.EsignSigned))
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if pool.tx.committed {
		t.Error("expected rollback for unknown contract")
	}
}

func TestProcess_StaleEventCommitsDedupOnly(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: activeContract()}
	ledger := &fakeLedger{}
	rec := New(pool, store, ledger)

	// "Still signing" after activation: discard, but keep the dedup row.
	err := rec.Process(context.Background(), esignEvent("evt-2", contract.EsignSigning))
	if !errors.Is(err, contract.ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
	if !pool.tx.committed {
		t.Error("expected commit so the dedup row persists")
	}
	if len(store.applied) != 0 {
		t.Error("expected no state change for a stale event")
	}
}

func TestProcess_IllegalTransitionFlagsManualReview(t *testing.T) {
	pool := &fakePool{}
	draft := signingContract()
	draft.ContractStatus = contract.StatusDraft
	draft.EsignStatus = contract.EsignPending
	store := &fakeStore{contract: draft}
	ledger := &fakeLedger{}
	rec := New(pool, store, ledger)

	err := rec.Process(context.Background(), esignEvent("evt-3", contract.EsignSigned))
	if !errors.Is(err, ErrManualReview) {
		t.Fatalf("expected ErrManualReview, got %v", err)
	}
	if !store.flagged {
		t.Error("expected manual review flag")
	}
	if !pool.tx.committed {
		t.Error("expected the flag to commit")
	}
	if len(ledger.effects) != 1 || ledger.effects[0].topic != "contract.manual_review" {
		t.Fatalf("expected manual review effect, got %+v", ledger.effects)
	}
}

func TestProcess_UnknownEsignCodeFlagsManualReview(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: signingContract()}
	rec := New(pool, store, &fakeLedger{})

	err := rec.Process(context.Background(), esignEvent("evt-4", contract.EsignStatus("code-5")))
	if !errors.Is(err, ErrManualReview) {
		t.Fatalf("expected ErrManualReview, got %v", err)
	}
	if !store.flagged {
		t.Error("expected manual review flag for unknown code")
	}
}

func TestProcess_ExpectedVersionGuardDropsStalePoll(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: signingContract()} // version 2
	rec := New(pool, store, &fakeLedger{})

	ev := esignEvent("evt-5", contract.EsignSigned)
	ev.ExpectedVersion = 1 // captured before a webhook bumped the row
	err := rec.Process(context.Background(), ev)
	if !errors.Is(err, contract.ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Error("expected stale poll result to be dropped")
	}
	if !pool.tx.committed {
		t.Error("expected dedup row to commit")
	}
}

func TestProcess_VersionConflictRetriesOnce(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{
		contract:     signingContract(),
		conflictOnce: true,
		// After the conflict the row is re-read still in signing, so the
		// retry recomputes the same transition against the fresh version.
		freshContract: func() contract.Contract {
			c := signingContract()
			c.Version = 3
			return c
		}(),
	}
	rec := New(pool, store, &fakeLedger{})

	err := rec.Process(context.Background(), esignEvent("evt-6", contract.EsignSigned))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(store.applied) != 2 {
		t.Fatalf("expected 2 apply attempts, got %d", len(store.applied))
	}
	if store.applied[1].expectedVersion != 3 {
		t.Fatalf("expected retry against version 3, got %d", store.applied[1].expectedVersion)
	}
}

func TestProcess_ManualResyncClearsFlagAndAudits(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: signingContract()}
	ledger := &fakeLedger{}
	rec := New(pool, store, ledger)

	ev := esignEvent("evt-7", contract.EsignSigned)
	ev.OperatorID = "op-9"
	if err := rec.Process(context.Background(), ev); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !store.cleared {
		t.Error("expected manual review flag cleared")
	}
	if len(ledger.audits) != 1 || ledger.audits[0].operatorID != "op-9" || ledger.audits[0].action != "manual_resync" {
		t.Fatalf("unexpected audit rows: %+v", ledger.audits)
	}
}

func TestProcess_InsuranceSuccessMarksPolicy(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: activeContract()}
	rec := New(pool, store, &fakeLedger{})

	pdf := "https://example.com/policy.pdf"
	ev := CanonicalEvent{
		SourceSystem: contract.SourceInsurance,
		DedupKey:     "evt-8",
		EntityType:   EntityPolicy,
		EntityKey:    "AP123",
		Kind:         contract.EventInsuranceSuccess,
		Policy:       &PolicyDetails{PolicyNo: "PN-1", PdfURL: &pdf},
		ObservedAt:   time.Now().UTC(),
	}
	if err := rec.Process(context.Background(), ev); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if store.markedActiveRef != "AP123" || store.markedIssue.PolicyNo != "PN-1" {
		t.Fatalf("expected policy marked active, got %q %+v", store.markedActiveRef, store.markedIssue)
	}
}

func TestRequestInsuranceSync_CreatesPolicyAndEffect(t *testing.T) {
	pool := &fakePool{}
	c := activeContract()
	c.InsuranceSyncStatus = contract.SyncNone
	store := &fakeStore{contract: c}
	ledger := &fakeLedger{}
	rec := New(pool, store, ledger)

	ref, err := rec.RequestInsuranceSync(context.Background(), "HC-2024-001", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if ref == "" {
		t.Fatal("expected an agency policy ref")
	}
	if store.createdPolicyRef != ref {
		t.Fatalf("expected policy row for %q, got %q", ref, store.createdPolicyRef)
	}
	if len(ledger.effects) != 1 || ledger.effects[0].topic != contract.TopicInsuranceRequested {
		t.Fatalf("unexpected effects: %+v", ledger.effects)
	}
	if !pool.tx.committed {
		t.Error("expected commit")
	}
}

func TestRequestInsuranceSync_IdempotentWhilePending(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{contract: activeContract(), pendingRef: "AP-OPEN"}
	rec := New(pool, store, &fakeLedger{})

	ref, err := rec.RequestInsuranceSync(context.Background(), "HC-2024-001", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if ref != "AP-OPEN" {
		t.Fatalf("expected open ref returned, got %q", ref)
	}
	if store.createdPolicyRef != "" {
		t.Error("expected no second policy row")
	}
}

func TestRequestInsuranceSync_RepeatAfterSuccess(t *testing.T) {
	pool := &fakePool{}
	c := activeContract()
	c.InsuranceSyncStatus = contract.SyncSuccess
	store := &fakeStore{contract: c, latestRef: "AP-ISSUED"}
	rec := New(pool, store, &fakeLedger{})

	ref, err := rec.RequestInsuranceSync(context.Background(), "HC-2024-001", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if ref != "AP-ISSUED" {
		t.Fatalf("expected issued ref returned, got %q", ref)
	}
	if store.createdPolicyRef != "" {
		t.Error("expected no new policy row")
	}
	if len(store.applied) != 0 {
		t.Errorf("expected no state writes, got %d", len(store.applied))
	}
}

type appliedMutation struct {
	mutation        contract.Mutation
	expectedVersion int64
}

type fakeStore struct {
	contract      contract.Contract
	freshContract contract.Contract
	lockErr       error
	conflictOnce  bool

	applied          []appliedMutation
	flagged          bool
	cleared          bool
	pendingRef       string
	latestRef        string
	createdPolicyRef string
	markedActiveRef  string
	markedIssue      contract.PolicyIssue
	markedErrorRef   string
}

func (f *fakeStore) LockByNumber(_ context.Context, _ pgx.Tx, _ string) (contract.Contract, error) {
	if f.lockErr != nil {
		return contract.Contract{}, f.lockErr
	}
	if len(f.applied) > 0 && f.freshContract.ID != "" {
		return f.freshContract, nil
	}
	return f.contract, nil
}

func (f *fakeStore) LockByPolicyRef(_ context.Context, _ pgx.Tx, _ string) (contract.Contract, error) {
	if f.lockErr != nil {
		return contract.Contract{}, f.lockErr
	}
	return f.contract, nil
}

func (f *fakeStore) ApplyTransition(_ context.Context, _ pgx.Tx, _ string, m contract.Mutation, expectedVersion int64) error {
	f.applied = append(f.applied, appliedMutation{mutation: m, expectedVersion: expectedVersion})
	if f.conflictOnce {
		f.conflictOnce = false
		return contract.ErrVersionConflict
	}
	return nil
}

func (f *fakeStore) FlagManualReview(_ context.Context, _ pgx.Tx, _, _ string) error {
	f.flagged = true
	return nil
}

func (f *fakeStore) ClearManualReview(_ context.Context, _ pgx.Tx, _ string) error {
	f.cleared = true
	return nil
}

func (f *fakeStore) CreatePolicy(_ context.Context, _ pgx.Tx, _, agencyPolicyRef string, _ *float64) (contract.InsurancePolicy, error) {
	f.createdPolicyRef = agencyPolicyRef
	return contract.InsurancePolicy{AgencyPolicyRef: agencyPolicyRef}, nil
}

func (f *fakeStore) PendingPolicyRef(_ context.Context, _ string) (string, error) {
	if f.pendingRef == "" {
		return "", contract.ErrPolicyNotFound
	}
	return f.pendingRef, nil
}

func (f *fakeStore) LatestPolicyRef(_ context.Context, _ string) (string, error) {
	if f.latestRef == "" {
		return "", contract.ErrPolicyNotFound
	}
	return f.latestRef, nil
}

func (f *fakeStore) MarkPolicyActive(_ context.Context, _ pgx.Tx, agencyPolicyRef string, issue contract.PolicyIssue) error {
	f.markedActiveRef = agencyPolicyRef
	f.markedIssue = issue
	return nil
}

func (f *fakeStore) MarkPolicyError(_ context.Context, _ pgx.Tx, agencyPolicyRef, _ string) error {
	f.markedErrorRef = agencyPolicyRef
	return nil
}

type effectRow struct {
	topic   string
	payload map[string]any
}

type auditRow struct {
	contractID string
	operatorID string
	action     string
}

type fakeLedger struct {
	insertErr error
	effects   []effectRow
	audits    []auditRow
}

func (f *fakeLedger) InsertProcessedEvent(_ context.Context, _ pgx.Tx, _, _ string) error {
	return f.insertErr
}

func (f *fakeLedger) WasProcessed(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}

func (f *fakeLedger) EnqueueEffect(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	f.effects = append(f.effects, effectRow{topic: topic, payload: payload})
	return nil
}

func (f *fakeLedger) InsertAudit(_ context.Context, _ pgx.Tx, contractID, operatorID, action string, _ map[string]any) error {
	f.audits = append(f.audits, auditRow{contractID: contractID, operatorID: operatorID, action: action})
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
