package tick

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store captures and finalizes ticks. Capture does everything that needs the
// group's exclusive section in one transaction; Finalize patches the tick
// row with timing data afterwards.
type Store interface {
	Capture(ctx context.Context, group GroupConfig, start time.Time) (Tick, error)
	Finalize(ctx context.Context, t Tick) error
}

// Beginner opens transactions. pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists ticks and entity state snapshots.
type PGStore struct {
	DB Beginner
}

const (
	lockGroupSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	prevTickSQL = `
SELECT tick_number, start_time FROM ticks
WHERE sync_group = $1
ORDER BY tick_number DESC
LIMIT 1`

	pruneSnapshotsSQL = `
DELETE FROM entity_state_snapshots
WHERE tick_id IN (SELECT tick_id FROM ticks WHERE sync_group = $1 AND start_time < $2)`

	pruneTicksSQL = `DELETE FROM ticks WHERE sync_group = $1 AND start_time < $2`

	insertTickSQL = `
INSERT INTO ticks (tick_id, sync_group, tick_number, start_time, time_since_last_ms)
VALUES ($1, $2, $3, $4, $5)`

	snapshotEntitiesSQL = `
INSERT INTO entity_state_snapshots (snapshot_id, tick_id, entity_id, sync_group, state, captured_at)
SELECT gen_random_uuid(), $1, entity_id, sync_group, state, now()
FROM entities
WHERE sync_group = $2`

	finalizeTickSQL = `
UPDATE ticks
SET end_time = $2, duration_ms = $3, states_processed = $4, is_delayed = $5, headroom_ms = $6
WHERE tick_id = $1`
)

// Capture takes the group's exclusive section, prunes expired ticks and their
// snapshots, allocates the next tick number, and snapshots every entity in
// the group. The advisory lock is transaction scoped, so concurrent captures
// for the same group serialize while other groups proceed.
func (s *PGStore) Capture(ctx context.Context, group GroupConfig, start time.Time) (Tick, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Tick{}, fmt.Errorf("begin capture: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockGroupSQL, group.Name); err != nil {
		return Tick{}, fmt.Errorf("lock group %s: %w", group.Name, err)
	}

	var prevNumber int64
	var prevStart time.Time
	err = tx.QueryRow(ctx, prevTickSQL, group.Name).Scan(&prevNumber, &prevStart)
	hasPrev := true
	if errors.Is(err, pgx.ErrNoRows) {
		hasPrev = false
	} else if err != nil {
		return Tick{}, fmt.Errorf("read previous tick: %w", err)
	}

	cutoff := start.Add(-group.RetentionWindow())
	if _, err := tx.Exec(ctx, pruneSnapshotsSQL, group.Name, cutoff); err != nil {
		return Tick{}, fmt.Errorf("prune snapshots: %w", err)
	}
	if _, err := tx.Exec(ctx, pruneTicksSQL, group.Name, cutoff); err != nil {
		return Tick{}, fmt.Errorf("prune ticks: %w", err)
	}

	t := Tick{
		ID:        uuid.NewString(),
		SyncGroup: group.Name,
		Number:    prevNumber + 1,
		StartTime: start,
	}
	if hasPrev {
		t.TimeSinceLastMs = start.Sub(prevStart).Milliseconds()
	}
	if _, err := tx.Exec(ctx, insertTickSQL, t.ID, t.SyncGroup, t.Number, t.StartTime, t.TimeSinceLastMs); err != nil {
		return Tick{}, fmt.Errorf("insert tick: %w", err)
	}

	tag, err := tx.Exec(ctx, snapshotEntitiesSQL, t.ID, group.Name)
	if err != nil {
		return Tick{}, fmt.Errorf("snapshot entities: %w", err)
	}
	t.StatesProcessed = int(tag.RowsAffected())

	if err := tx.Commit(ctx); err != nil {
		return Tick{}, fmt.Errorf("commit capture: %w", err)
	}
	return t, nil
}

// Finalize writes the timing fields computed after capture.
func (s *PGStore) Finalize(ctx context.Context, t Tick) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, finalizeTickSQL, t.ID, t.EndTime, t.DurationMs, t.StatesProcessed, t.IsDelayed, t.HeadroomMs); err != nil {
		return fmt.Errorf("finalize tick: %w", err)
	}
	return tx.Commit(ctx)
}
