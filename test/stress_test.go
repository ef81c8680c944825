package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"careflow/test/actors"
	"careflow/test/chaos"
	"careflow/test/infra"
	"careflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestContractConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// duplicate signed callbacks racing over the same signing contract
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Signer(ctx2, pool, seedData.signingID, stop) })
	}
	// replacement chain built up and torn down concurrently
	g.Go(func() error { return actors.Replacer(ctx2, pool, seedData.chainRootID, stop) })
	g.Go(func() error { return actors.Replacer(ctx2, pool, seedData.chainRootID, stop) })
	g.Go(func() error { return actors.Deleter(ctx2, pool, seedData.chainRootID, stop) })
	// insurance sync request/settle pairs
	g.Go(func() error { return actors.InsuranceSyncer(ctx2, pool, seedData.insuredID, stop) })
	// outbox drain with random failures
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// operator flag/clear cycles
	g.Go(func() error { return actors.Resyncer(ctx2, pool, seedData.insuredID, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	signingID   string
	chainRootID string
	insuredID   string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	insert := func(number, status, esign string) string {
		var id string
		err := pool.QueryRow(ctx, `
            INSERT INTO contracts (contract_number, customer_id, customer_phone, worker_id,
                                   contract_type, start_date, end_date, contract_status, esign_status)
            VALUES ($1, 'cust-stress', '13800000000', 'wkr-stress', 'standard',
                    current_date, current_date + 365, $2::contract_status, $3::esign_status)
            RETURNING id::text`, number, status, esign).Scan(&id)
		if err != nil {
			t.Fatalf("seed contract %s: %v", number, err)
		}
		return id
	}
	suffix := rand.Int63()
	s.signingID = insert(fmt.Sprintf("HC-SIGN-%d", suffix), "signing", "signing")
	s.chainRootID = insert(fmt.Sprintf("HC-CHAIN-%d", suffix), "active", "signed")
	s.insuredID = insert(fmt.Sprintf("HC-INS-%d", suffix), "active", "signed")
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"contracts", `SELECT id, contract_number, contract_status, esign_status, insurance_sync_status,
                              replaces_contract_id, replaced_by_contract_id, version
                       FROM contracts ORDER BY created_at DESC LIMIT 50`},
		{"insurance_policies", `SELECT agency_policy_ref, contract_id, status, policy_no, updated_at
                                FROM insurance_policies ORDER BY updated_at DESC LIMIT 50`},
		{"processed_events", `SELECT id, source_system, external_event_key, processed_at
                              FROM processed_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY id DESC LIMIT 50`},
		{"audit_logs", `SELECT id, contract_id, operator_id, action, created_at FROM audit_logs ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
