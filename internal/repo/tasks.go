package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"missioncontrol/internal/domain"
)

const taskColumns = `id,title,tier,status,owner,deadline,blocker,next_action,updated_at,agent_id`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var deadline, blocker, next, agentID sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Tier, &t.Status, &t.Owner, &deadline, &blocker, &next, &t.UpdatedAt, &agentID); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	t.Deadline = stringPtr(deadline)
	t.Blocker = stringPtr(blocker)
	t.NextAction = stringPtr(next)
	t.AgentID = stringPtr(agentID)
	return t, nil
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) UpsertTask(ctx context.Context, q Querier, t domain.Task) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  title=excluded.title,
  tier=excluded.tier,
  status=excluded.status,
  owner=excluded.owner,
  deadline=excluded.deadline,
  blocker=excluded.blocker,
  next_action=excluded.next_action,
  updated_at=excluded.updated_at,
  agent_id=excluded.agent_id`,
		t.ID, t.Title, t.Tier, t.Status, t.Owner, nullablePtr(t.Deadline), nullablePtr(t.Blocker),
		nullablePtr(t.NextAction), t.UpdatedAt, nullablePtr(t.AgentID))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTasksExcept removes every task whose id is not in keep.
func (r Repo) DeleteTasksExcept(ctx context.Context, q Querier, keep []string) (int64, error) {
	query := `DELETE FROM tasks`
	args := make([]any, 0, len(keep))
	if len(keep) > 0 {
		query += ` WHERE id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",") + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := r.q(q).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete tasks: %w", err)
	}
	return res.RowsAffected()
}
