package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"careflow/auth"
	"careflow/contract"
	"careflow/db"
	"careflow/esign"
	"careflow/insurance"
	"careflow/notify"
	"careflow/poller"
	"careflow/reconcile"
	"careflow/webhook"
	"careflow/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	store := contract.NewStore(pool)
	chains := contract.NewChainManager(store)
	ledger := reconcile.NewLedger(pool)
	reconciler := reconcile.New(pool, store, ledger)
	gateway := webhook.NewGateway(reconciler, ledger)

	authSvc := auth.NewService(auth.NewRepository(pool), mustEnv("JWT_SECRET"))

	esignClient := esign.NewClient(
		mustEnv("ESIGN_BASE_URL"),
		mustEnv("ESIGN_APP_ID"),
		envDuration("ESIGN_TIMEOUT", 10*time.Second),
	)
	insuranceClient := insurance.NewClient(
		mustEnv("INSURANCE_BASE_URL"),
		mustEnv("INSURANCE_AGENCY_CODE"),
		envDuration("INSURANCE_TIMEOUT", 10*time.Second),
	)

	sweep := poller.New(poller.Config{
		Interval:        envDuration("POLL_INTERVAL", time.Minute),
		SigningStaleFor: envDuration("POLL_SIGNING_STALE", 10*time.Minute),
		PendingStaleFor: envDuration("POLL_PENDING_STALE", 15*time.Minute),
		MaxConcurrent:   envInt("POLL_CONCURRENCY", 8),
	}, poller.NewQueries(pool), esignClient, insuranceClient, reconciler)

	drainer := notify.NewDrainer(notify.Config{
		Interval: envDuration("OUTBOX_INTERVAL", 5*time.Second),
	}, pool, notify.LogNotifier{})

	workers := worker.NewService(worker.NewRepository(pool))

	server := NewServer(authSvc, store, workers, chains, reconciler, sweep, gateway)
	httpServer := &http.Server{
		Addr:              ":" + envOr("PORT", "8080"),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweep.Run(gctx) })
	g.Go(func() error { return drainer.Run(gctx) })
	g.Go(func() error {
		log.Printf("api listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("shutdown: %v", err)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required environment variable %s", key)
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("ignoring invalid duration in %s: %q", key, v)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("ignoring invalid integer in %s: %q", key, v)
	}
	return fallback
}
