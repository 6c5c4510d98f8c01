// Package query executes client SQL under the client's identity. The proxy
// never interprets the query; it only guarantees the security context bind
// and the query run in one transaction.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"worldsync/pkg/metrics"
)

// Result carries rows back to the client in column order.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Beginner opens transactions. pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Proxy binds agent identity into the session and runs the query inside the
// same transaction, so row level policy in the store sees the right agent.
type Proxy struct {
	DB      Beginner
	Metrics *metrics.Registry
	Timeout time.Duration
}

const bindAgentSQL = `SELECT set_config('app.current_agent', $1, true)`

// Execute runs one agent scoped query. If the identity bind fails the query
// never runs. The transaction is rolled back on any failure, committed only
// after all rows are read.
func (p *Proxy) Execute(ctx context.Context, agentID, sqlText string, params []any) (Result, error) {
	if agentID == "" {
		return Result{}, fmt.Errorf("agent id is required")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	started := time.Now()
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin query: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, bindAgentSQL, agentID); err != nil {
		return Result{}, fmt.Errorf("bind security context: %w", err)
	}

	rows, err := tx.Query(ctx, sqlText, params...)
	if err != nil {
		return Result{}, fmt.Errorf("execute query: %w", err)
	}
	result, err := collect(rows)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit query: %w", err)
	}
	if p.Metrics != nil {
		p.Metrics.ObserveLatency("query", time.Since(started))
	}
	return result, nil
}

func collect(rows pgx.Rows) (Result, error) {
	defer rows.Close()
	result := Result{Rows: [][]any{}}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Result{}, fmt.Errorf("read row: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}
