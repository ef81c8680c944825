package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config tunes the drain loop. Zero values fall back to defaults.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Drainer moves outbox rows from pending to processed. Rows are claimed
// with SKIP LOCKED so several replicas can drain concurrently without
// double delivery.
type Drainer struct {
	cfg      Config
	pool     *pgxpool.Pool
	notifier Notifier
}

func NewDrainer(cfg Config, pool *pgxpool.Pool, notifier Notifier) *Drainer {
	return &Drainer{cfg: cfg.withDefaults(), pool: pool, notifier: notifier}
}

// Run drains until ctx is canceled.
func (d *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("notify: drain: %v", err)
			}
		}
	}
}

// DrainOnce claims and delivers one batch, returning how many rows it
// settled (processed or dead).
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload
        FROM outbox
        WHERE status = 'pending'
        ORDER BY id
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: select pending: %w", err)
	}

	var batch []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate outbox rows: %w", err)
	}

	settled := 0
	for _, m := range batch {
		if nerr := d.notifier.Notify(ctx, m); nerr != nil {
			if _, err := tx.Exec(ctx, `
                UPDATE outbox
                SET attempts = attempts + 1,
                    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END,
                    last_error = $3
                WHERE id = $1
            `, m.ID, d.cfg.MaxAttempts, nerr.Error()); err != nil {
				return settled, fmt.Errorf("notify: record failure: %w", err)
			}
			log.Printf("notify: delivery of %s message %d failed: %v", m.Topic, m.ID, nerr)
			continue
		}
		if _, err := tx.Exec(ctx, `
            UPDATE outbox
            SET status = 'processed',
                attempts = attempts + 1,
                processed_at = get_tx_timestamp()
            WHERE id = $1
        `, m.ID); err != nil {
			return settled, fmt.Errorf("notify: mark processed: %w", err)
		}
		settled++
	}

	if err := tx.Commit(ctx); err != nil {
		return settled, fmt.Errorf("notify: commit drain: %w", err)
	}
	return settled, nil
}
