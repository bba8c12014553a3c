package repo

import (
	"context"
	"fmt"

	"missioncontrol/internal/domain"
)

// UpsertUnit inserts u or refreshes its descriptive columns. The active flag
// of an existing row is left alone.
func (r Repo) UpsertUnit(ctx context.Context, q Querier, u domain.Unit) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO units(code,codename,icon,tier,reports_to,mission,active,updated_at)
VALUES (?,?,?,?,?,?,1,?)
ON CONFLICT(code) DO UPDATE SET
  codename=excluded.codename,
  icon=excluded.icon,
  tier=excluded.tier,
  reports_to=excluded.reports_to,
  mission=excluded.mission,
  updated_at=excluded.updated_at`,
		u.Code, u.Codename, u.Icon, u.Tier, u.ReportsTo, u.Mission, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert unit %s: %w", u.Code, err)
	}
	return nil
}

func (r Repo) SetUnitActive(ctx context.Context, q Querier, code string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := r.q(q).ExecContext(ctx, `UPDATE units SET active=? WHERE code=?`, flag, code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnits returns the roster ordered by tier then code. Inactive units are
// skipped unless all is set.
func (r Repo) ListUnits(ctx context.Context, all bool) ([]domain.Unit, error) {
	query := `SELECT code,codename,icon,tier,reports_to,mission,active,updated_at FROM units`
	if !all {
		query += ` WHERE active=1`
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY tier ASC, code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		var u domain.Unit
		var active int
		if err := rows.Scan(&u.Code, &u.Codename, &u.Icon, &u.Tier, &u.ReportsTo, &u.Mission, &active, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Active = active == 1
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountUnits(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM units`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
