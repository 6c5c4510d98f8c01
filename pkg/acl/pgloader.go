package acl

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DB is the slice of pgx the loader needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGLoader projects an agent's effective permissions by folding every role
// the agent holds over the role permission table.
type PGLoader struct {
	DB DB
}

const loadPermsSQL = `
SELECT rp.sync_group,
       bool_or(rp.can_read),
       bool_or(rp.can_write),
       bool_or(rp.can_update)
FROM agent_roles ar
JOIN role_permissions rp ON rp.role_name = ar.role_name
WHERE ar.agent_id = $1 AND ar.is_active
GROUP BY rp.sync_group`

func (l *PGLoader) Load(ctx context.Context, agentID string) (map[string]Perms, error) {
	rows, err := l.DB.Query(ctx, loadPermsSQL, agentID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	defer rows.Close()
	out := map[string]Perms{}
	for rows.Next() {
		var group string
		var p Perms
		if err := rows.Scan(&group, &p.Read, &p.Write, &p.Update); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		out[group] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission rows: %w", err)
	}
	return out, nil
}
