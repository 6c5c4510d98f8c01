package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeQueryRows struct {
	pgx.Rows

	columns []string
	rows    [][]any
	idx     int
	err     error
}

func (r *fakeQueryRows) Close()     {}
func (r *fakeQueryRows) Err() error { return r.err }

func (r *fakeQueryRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.columns))
	for i, name := range r.columns {
		out[i] = pgconn.FieldDescription{Name: name}
	}
	return out
}

func (r *fakeQueryRows) Next() bool { return r.idx < len(r.rows) }

func (r *fakeQueryRows) Values() ([]any, error) {
	if r.idx >= len(r.rows) {
		return nil, errors.New("no current row")
	}
	row := r.rows[r.idx]
	r.idx++
	return row, nil
}

type fakeQueryTx struct {
	pgx.Tx

	rows       *fakeQueryRows
	bindErr    error
	queryErr   error
	bindArg    any
	querySQL   string
	queryArgs  []any
	bound      bool
	committed  bool
	rolledBack bool
}

func (t *fakeQueryTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "set_config") {
		if t.bindErr != nil {
			return pgconn.CommandTag{}, t.bindErr
		}
		t.bound = true
		if len(args) > 0 {
			t.bindArg = args[0]
		}
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (t *fakeQueryTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if !t.bound {
		return nil, errors.New("query before security bind")
	}
	if t.queryErr != nil {
		return nil, t.queryErr
	}
	t.querySQL = sql
	t.queryArgs = args
	return t.rows, nil
}

func (t *fakeQueryTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeQueryTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

type fakeQueryDB struct {
	tx       *fakeQueryTx
	beginErr error
}

func (db *fakeQueryDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	return db.tx, nil
}

func TestExecuteBindsIdentityThenQueries(t *testing.T) {
	t.Parallel()
	tx := &fakeQueryTx{rows: &fakeQueryRows{
		columns: []string{"entity_id", "name"},
		rows:    [][]any{{"e1", "drone"}, {"e2", "beacon"}},
	}}
	p := &Proxy{DB: &fakeQueryDB{tx: tx}}
	result, err := p.Execute(context.Background(), "agent-1", "SELECT entity_id, name FROM entities WHERE sync_group = $1", []any{"g1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tx.bindArg != "agent-1" {
		t.Fatalf("bind arg = %v", tx.bindArg)
	}
	if len(result.Columns) != 2 || result.Columns[0] != "entity_id" {
		t.Fatalf("columns = %v", result.Columns)
	}
	if len(result.Rows) != 2 || result.Rows[1][1] != "beacon" {
		t.Fatalf("rows = %v", result.Rows)
	}
	if len(tx.queryArgs) != 1 || tx.queryArgs[0] != "g1" {
		t.Fatalf("query args = %v", tx.queryArgs)
	}
	if !tx.committed {
		t.Fatalf("not committed")
	}
}

func TestExecuteBindFailureSkipsQuery(t *testing.T) {
	t.Parallel()
	tx := &fakeQueryTx{bindErr: errors.New("no such parameter"), rows: &fakeQueryRows{}}
	p := &Proxy{DB: &fakeQueryDB{tx: tx}}
	_, err := p.Execute(context.Background(), "agent-1", "SELECT 1", nil)
	if err == nil || !strings.Contains(err.Error(), "bind security context") {
		t.Fatalf("err = %v", err)
	}
	if tx.querySQL != "" {
		t.Fatalf("query ran after failed bind")
	}
	if tx.committed {
		t.Fatalf("committed after failed bind")
	}
	if !tx.rolledBack {
		t.Fatalf("not rolled back")
	}
}

func TestExecuteQueryFailureRollsBack(t *testing.T) {
	t.Parallel()
	tx := &fakeQueryTx{queryErr: errors.New("permission denied"), rows: &fakeQueryRows{}}
	p := &Proxy{DB: &fakeQueryDB{tx: tx}}
	if _, err := p.Execute(context.Background(), "agent-1", "SELECT secret FROM vault", nil); err == nil {
		t.Fatalf("expected error")
	}
	if tx.committed {
		t.Fatalf("committed after failure")
	}
}

func TestExecuteRequiresAgent(t *testing.T) {
	t.Parallel()
	p := &Proxy{DB: &fakeQueryDB{tx: &fakeQueryTx{rows: &fakeQueryRows{}}}}
	if _, err := p.Execute(context.Background(), "", "SELECT 1", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecuteBeginError(t *testing.T) {
	t.Parallel()
	p := &Proxy{DB: &fakeQueryDB{beginErr: errors.New("pool closed")}}
	if _, err := p.Execute(context.Background(), "agent-1", "SELECT 1", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestExecuteEmptyResultSet(t *testing.T) {
	t.Parallel()
	tx := &fakeQueryTx{rows: &fakeQueryRows{columns: []string{"n"}}}
	p := &Proxy{DB: &fakeQueryDB{tx: tx}}
	result, err := p.Execute(context.Background(), "agent-1", "SELECT n FROM empty", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Rows) != 0 {
		t.Fatalf("rows = %v", result.Rows)
	}
	if len(result.Columns) != 1 {
		t.Fatalf("columns = %v", result.Columns)
	}
}

func TestExecuteRowErrorSurfaces(t *testing.T) {
	t.Parallel()
	tx := &fakeQueryTx{rows: &fakeQueryRows{err: errors.New("connection lost")}}
	p := &Proxy{DB: &fakeQueryDB{tx: tx}}
	if _, err := p.Execute(context.Background(), "agent-1", "SELECT 1", nil); err == nil {
		t.Fatalf("expected error")
	}
}
