package repo

import (
	"context"
	"database/sql"
	"fmt"

	"missioncontrol/internal/domain"
)

const eventColumns = `id,agent,agent_id,pipeline,type,summary,timestamp,approval_id,previous_status,new_status,decided_by,decided_at,request_id,trace_id`

func scanEvent(row rowScanner, extra ...any) (domain.Event, error) {
	var e domain.Event
	var agentID sql.NullString
	var d [7]sql.NullString
	dest := []any{&e.ID, &e.Agent, &agentID, &e.Pipeline, &e.Type, &e.Summary, &e.Timestamp,
		&d[0], &d[1], &d[2], &d[3], &d[4], &d[5], &d[6]}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	e.AgentID = stringPtr(agentID)
	if d[0].Valid {
		e.Decision = &domain.Decision{
			ApprovalID:     d[0].String,
			PreviousStatus: d[1].String,
			NewStatus:      d[2].String,
			DecidedBy:      d[3].String,
			DecidedAt:      d[4].String,
			RequestID:      d[5].String,
			TraceID:        d[6].String,
		}
	}
	return e, nil
}

func (r Repo) InsertEvent(ctx context.Context, q Querier, e domain.Event) error {
	var d domain.Decision
	if e.Decision != nil {
		d = *e.Decision
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Agent, nullablePtr(e.AgentID), e.Pipeline, e.Type, e.Summary, e.Timestamp,
		nullable(d.ApprovalID), nullable(d.PreviousStatus), nullable(d.NewStatus), nullable(d.DecidedBy),
		nullable(d.DecidedAt), nullable(d.RequestID), nullable(d.TraceID))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// PruneEvents deletes every event beyond the newest keep rows and returns how
// many were removed.
func (r Repo) PruneEvents(ctx context.Context, q Querier, keep int) (int64, error) {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM events WHERE rowid IN (
  SELECT rowid FROM events ORDER BY timestamp DESC, rowid DESC LIMIT -1 OFFSET ?
)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// LatestEvents returns up to limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, q Querier, limit int) ([]domain.Event, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// SequencedEvent pairs an event with its storage sequence number.
type SequencedEvent struct {
	Seq   int64
	Event domain.Event
}

// EventsAfter returns events inserted after seq, oldest first.
func (r Repo) EventsAfter(ctx context.Context, seq int64, limit int) ([]SequencedEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+`,rowid FROM events WHERE rowid>? ORDER BY rowid ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SequencedEvent
	for rows.Next() {
		var s SequencedEvent
		e, err := scanEvent(rows, &s.Seq)
		if err != nil {
			return nil, err
		}
		s.Event = e
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestEventSeq returns the highest sequence number in the log.
func (r Repo) LatestEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid),0) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r Repo) CountEvents(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := r.q(q).QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DecisionEvents returns approval_decided events for one approval, newest first.
func (r Repo) DecisionEvents(ctx context.Context, approvalID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE type=? AND approval_id=? ORDER BY timestamp DESC, rowid DESC`,
		domain.EventApprovalDecided, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
