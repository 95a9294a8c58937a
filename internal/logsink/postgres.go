package logsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink writes job logs to PostgreSQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to the given DSN and ensures the schema.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &PostgresSink{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS job_logs (
		request_id TEXT NOT NULL,
		endpoint_id TEXT NOT NULL,
		target TEXT NOT NULL,
		execution_type TEXT NOT NULL,
		mode TEXT NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT,
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("ensure job_logs schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Save(ctx context.Context, log *JobLog) error {
	return s.SaveBatch(ctx, []*JobLog{log})
}

func (s *PostgresSink) SaveBatch(ctx context.Context, logs []*JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(
			`INSERT INTO job_logs
			 (request_id, endpoint_id, target, execution_type, mode, success, error, duration_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			l.RequestID, l.EndpointID, l.Target, l.ExecutionType, l.Mode,
			l.Success, l.Error, l.DurationMs, l.CreatedAt,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert job log: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
