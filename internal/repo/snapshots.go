package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missioncontrol/internal/domain"
)

// LatestSnapshot returns the newest cached snapshot row.
func (r Repo) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var s domain.Snapshot
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT id,generated_at,payload_json FROM live_snapshots ORDER BY generated_at DESC, rowid DESC LIMIT 1`).
		Scan(&s.ID, &s.GeneratedAt, &payload)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Payload = json.RawMessage(payload)
	return s, nil
}

func (r Repo) InsertSnapshot(ctx context.Context, q Querier, s domain.Snapshot) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO live_snapshots(id,generated_at,payload_json) VALUES (?,?,?)`,
		s.ID, s.GeneratedAt, string(s.Payload))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// PruneSnapshots keeps the newest keep rows.
func (r Repo) PruneSnapshots(ctx context.Context, q Querier, keep int) (int64, error) {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM live_snapshots WHERE rowid IN (
  SELECT rowid FROM live_snapshots ORDER BY generated_at DESC, rowid DESC LIMIT -1 OFFSET ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (r Repo) CountSnapshots(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM live_snapshots`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
