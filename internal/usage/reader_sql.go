package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const summarySelect = `SELECT step, COUNT(*),
	COALESCE(SUM(CASE WHEN estimated THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
	FROM ` + tableName

// SQLiteReader implements UsageReader for SQLite databases.
type SQLiteReader struct {
	db *sql.DB
}

// NewSQLiteReader creates a new SQLite usage reader.
func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) SummaryByStep(ctx context.Context, since time.Time) ([]StepSummary, error) {
	query := summarySelect
	var args []any
	if !since.IsZero() {
		query += " WHERE timestamp >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += " GROUP BY step ORDER BY step"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	result := make([]StepSummary, 0)
	for rows.Next() {
		var s StepSummary
		if err := rows.Scan(&s.Step, &s.Calls, &s.Estimated, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary row: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary rows: %w", err)
	}
	return result, nil
}

// PostgreSQLReader implements UsageReader for PostgreSQL databases.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLReader creates a new PostgreSQL usage reader.
func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

func (r *PostgreSQLReader) SummaryByStep(ctx context.Context, since time.Time) ([]StepSummary, error) {
	query := summarySelect
	var args []any
	if !since.IsZero() {
		query += " WHERE timestamp >= $1"
		args = append(args, since.UTC())
	}
	query += " GROUP BY step ORDER BY step"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	result := make([]StepSummary, 0)
	for rows.Next() {
		var s StepSummary
		if err := rows.Scan(&s.Step, &s.Calls, &s.Estimated, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary row: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary rows: %w", err)
	}
	return result, nil
}
