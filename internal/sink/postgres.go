package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DialPostgres creates a connection pool and verifies the connection.
func DialPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 4
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

const insertSnapshotQuery = `
	INSERT INTO metric_snapshots (
		id, name, instance, recorded_at, value, p50, p95, p99, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	ON CONFLICT (id) DO NOTHING
`

// Postgres stores snapshots in the metric_snapshots table.
type Postgres struct {
	pool     *pgxpool.Pool
	instance string
	delivery *asyncDelivery
}

// NewPostgres creates a sink writing through pool.
func NewPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.With("component", "sink.postgres")

	p := &Postgres{
		pool:     pool,
		instance: opts.Instance,
	}
	p.delivery = newAsyncDelivery(func(ctx context.Context, s Snapshot) error {
		return p.Insert(ctx, s)
	}, opts)
	return p
}

// Insert writes snapshots with idempotency via ON CONFLICT DO NOTHING.
func (p *Postgres) Insert(ctx context.Context, snapshots ...Snapshot) error {
	payloads := make([]Payload, len(snapshots))
	for i, s := range snapshots {
		payloads[i] = NewPayload(s, p.instance)
	}
	return p.InsertPayloads(ctx, payloads...)
}

// InsertPayloads writes payloads that may come from other instances.
func (p *Postgres) InsertPayloads(ctx context.Context, payloads ...Payload) error {
	if len(payloads) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, pl := range payloads {
		var p50, p95, p99 *int64
		if pct := pl.Percentiles; pct != nil {
			p50, p95, p99 = &pct.P50, &pct.P95, &pct.P99
		}
		batch.Queue(insertSnapshotQuery,
			pl.ID,
			pl.Name,
			pl.Instance,
			time.UnixMilli(pl.Timestamp).UTC(),
			pl.Value,
			p50,
			p95,
			p99,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range payloads {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert snapshot %d: %w", i, err)
		}
	}
	return nil
}

// Accept stores s without blocking the caller.
func (p *Postgres) Accept(s Snapshot) {
	p.delivery.send(s)
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close waits for in-flight inserts and closes the pool.
func (p *Postgres) Close(ctx context.Context) error {
	err := p.delivery.close(ctx)
	p.pool.Close()
	return err
}
