package repo

import (
	"context"
	"database/sql"
	"fmt"

	"missioncontrol/internal/domain"
)

const approvalColumns = `id,item,reason,level,status,version,created_at,resolved_at,agent_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (domain.Approval, error) {
	var a domain.Approval
	var resolvedAt, agentID sql.NullString
	err := row.Scan(&a.ID, &a.Item, &a.Reason, &a.Level, &a.Status, &a.Version, &a.CreatedAt, &resolvedAt, &agentID)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ResolvedAt = stringPtr(resolvedAt)
	a.AgentID = stringPtr(agentID)
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, q Querier, id string) (domain.Approval, error) {
	return scanApproval(r.q(q).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// ListApprovals returns every approval, newest created first.
func (r Repo) ListApprovals(ctx context.Context) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertApproval(ctx context.Context, q Querier, a domain.Approval) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Item, a.Reason, a.Level, a.Status, a.Version, a.CreatedAt, nullablePtr(a.ResolvedAt), nullablePtr(a.AgentID))
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", a.ID, err)
	}
	return nil
}

func (r Repo) CountApprovals(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountApprovalsByStatus returns status -> count.
func (r Repo) CountApprovalsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM approvals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CompareAndSetApprovalStatus moves the approval to status only if its
// version still equals expectedVersion. It reports whether a row changed.
func (r Repo) CompareAndSetApprovalStatus(ctx context.Context, q Querier, id, status string, expectedVersion int, resolvedAt string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE approvals SET status=?, version=version+1, resolved_at=? WHERE id=? AND version=?`,
		status, nullable(resolvedAt), id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update approval %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
