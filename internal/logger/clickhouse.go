package logger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSink writes batches of RequestLog entries to a ClickHouse table
// for durable, queryable request-audit history. It is an optional addition
// to the default stdout sink — wire it in only when a DSN is configured.
type ClickHouseSink struct {
	db *sql.DB
}

// NewClickHouseSink opens a connection pool against dsn and verifies it with
// a ping. The target table is expected to already exist:
//
//	CREATE TABLE request_log (
//	    id         UUID,
//	    service    String,
//	    method     String,
//	    path       String,
//	    client_ip  String,
//	    status     UInt16,
//	    latency_ms UInt16,
//	    cached     UInt8,
//	    created_at DateTime64(3)
//	) ENGINE = MergeTree ORDER BY created_at
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}

	db := clickhouse.OpenDB(opts)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	return &ClickHouseSink{db: db}, nil
}

// Write inserts entries as a single batch insert.
func (s *ClickHouseSink) Write(ctx context.Context, entries []RequestLog) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("logger: clickhouse begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_log
			(id, service, method, path, client_ip, status, latency_ms, cached, created_at)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("logger: clickhouse prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		cached := uint8(0)
		if e.Cached {
			cached = 1
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Service, e.Method, e.Path, e.ClientIP,
			e.Status, e.LatencyMs, cached, normalizeTime(e.CreatedAt),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("logger: clickhouse exec: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("logger: clickhouse commit: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *ClickHouseSink) Close() error {
	return s.db.Close()
}
