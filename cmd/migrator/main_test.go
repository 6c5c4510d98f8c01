package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigrationRow struct {
	exists bool
	err    error
}

func (r fakeMigrationRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if b, ok := dest[0].(*bool); ok {
		*b = r.exists
	}
	return nil
}

type fakeMigrationTx struct {
	pgx.Tx

	db       *fakeMigrationDB
	stmts    []string
	commit   bool
	rollback bool
}

func (t *fakeMigrationTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if t.db.execErrOn != "" && strings.Contains(sql, t.db.execErrOn) {
		return pgconn.CommandTag{}, errors.New("exec failed")
	}
	t.stmts = append(t.stmts, sql)
	return pgconn.NewCommandTag("OK"), nil
}

func (t *fakeMigrationTx) Commit(context.Context) error   { t.commit = true; return nil }
func (t *fakeMigrationTx) Rollback(context.Context) error { t.rollback = true; return nil }

type fakeMigrationDB struct {
	applied   map[string]bool
	txs       []*fakeMigrationTx
	execErrOn string
	beginErr  error
}

func (db *fakeMigrationDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if db.execErrOn != "" && strings.Contains(sql, db.execErrOn) {
		return pgconn.CommandTag{}, errors.New("exec failed")
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (db *fakeMigrationDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	name, _ := args[0].(string)
	return fakeMigrationRow{exists: db.applied[name]}
}

func (db *fakeMigrationDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	tx := &fakeMigrationTx{db: db}
	db.txs = append(db.txs, tx)
	return tx, nil
}

func testFiles(dir string, names ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) {
		out := make([]string, 0, len(names))
		for _, n := range names {
			out = append(out, filepath.Join(dir, n))
		}
		return out, nil
	}
}

func TestApplyMigrationsRunsPendingInOrder(t *testing.T) {
	t.Parallel()
	db := &fakeMigrationDB{applied: map[string]bool{"001_core_tables.sql": true}}
	var logs []string
	err := applyMigrations(context.Background(), db, "migrations",
		func(name string) ([]byte, error) {
			return []byte("-- " + filepath.Base(name)), nil
		},
		testFiles("migrations", "002_ticks.sql", "001_core_tables.sql", "003_role_change_notify.sql"),
		func(format string, args ...any) {
			logs = append(logs, fmt.Sprintf(format, args...))
		},
	)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// 001 already applied, 002 and 003 each get a committed transaction.
	if len(db.txs) != 2 {
		t.Fatalf("txs = %d", len(db.txs))
	}
	if !strings.Contains(db.txs[0].stmts[0], "002_ticks.sql") {
		t.Fatalf("first applied = %q", db.txs[0].stmts[0])
	}
	if !strings.Contains(db.txs[1].stmts[0], "003_role_change_notify.sql") {
		t.Fatalf("second applied = %q", db.txs[1].stmts[0])
	}
	for _, tx := range db.txs {
		if !tx.commit {
			t.Fatalf("migration not committed")
		}
	}
	if len(logs) != 3 {
		t.Fatalf("logs = %v", logs)
	}
}

func TestApplyMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	db := &fakeMigrationDB{applied: map[string]bool{}, execErrOn: "broken"}
	err := applyMigrations(context.Background(), db, "migrations",
		func(string) ([]byte, error) { return []byte("broken statement"), nil },
		testFiles("migrations", "001_core_tables.sql"),
		nil,
	)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(db.txs) != 1 || !db.txs[0].rollback || db.txs[0].commit {
		t.Fatalf("tx state = %+v", db.txs)
	}
}

func TestApplyMigrationsRejectsEscapingPath(t *testing.T) {
	t.Parallel()
	db := &fakeMigrationDB{applied: map[string]bool{}}
	err := applyMigrations(context.Background(), db, "migrations",
		func(string) ([]byte, error) { return nil, nil },
		func(string) ([]string, error) {
			return []string{"../outside/evil.sql"}, nil
		},
		nil,
	)
	if err == nil || !strings.Contains(err.Error(), "invalid migration path") {
		t.Fatalf("err = %v", err)
	}
}

func TestApplyMigrationsNilDB(t *testing.T) {
	t.Parallel()
	if err := applyMigrations(context.Background(), nil, "migrations", nil, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()
	if _, err := validateMigrationPath("migrations", filepath.Join("migrations", "001.sql")); err != nil {
		t.Fatalf("valid path rejected: %v", err)
	}
	if _, err := validateMigrationPath("migrations", "/etc/passwd"); err == nil {
		t.Fatalf("escaping path accepted")
	}
}
