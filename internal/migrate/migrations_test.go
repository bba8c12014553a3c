package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/events"
)

func openEngine(t *testing.T) *db.Engine {
	t.Helper()
	e, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRunFreshStoreIsIdempotent(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()

	applied, err := Run(ctx, e, nil)
	require.NoError(t, err)
	assert.Contains(t, applied, "approvals_resolved_at")
	assert.Contains(t, applied, "indexes")
	assert.NotContains(t, applied, "events_correlation_rebuild")

	applied, err = Run(ctx, e, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)

	for _, table := range []string{"approvals", "events", "agents", "live_snapshots", "tasks", "units"} {
		ok, err := db.TableExists(ctx, e.DB, table)
		require.NoError(t, err)
		assert.True(t, ok, table)
	}
	ok, err := db.HasColumn(ctx, e.DB, "events", "agent_id")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRebuildsLegacyEvents(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	_, err := e.DB.ExecContext(ctx, `CREATE TABLE events (
  id TEXT PRIMARY KEY,
  agent TEXT NOT NULL,
  pipeline TEXT NOT NULL,
  type TEXT NOT NULL,
  summary TEXT NOT NULL,
  timestamp TEXT NOT NULL
)`)
	require.NoError(t, err)
	_, err = e.DB.ExecContext(ctx, `INSERT INTO events(id,agent,pipeline,type,summary,timestamp) VALUES
('evt-1','Operator','D','decision','first','2024-01-01T00:00:00.000000Z'),
('evt-2','Ops','B','delivery','second','2024-01-02T00:00:00.000000Z')`)
	require.NoError(t, err)

	applied, err := Run(ctx, e, nil)
	require.NoError(t, err)
	assert.Contains(t, applied, "events_correlation_rebuild")
	assert.NotContains(t, applied, "events_agent_id")

	for _, col := range append(correlationColumns, "agent_id") {
		ok, err := db.HasColumn(ctx, e.DB, "events", col)
		require.NoError(t, err)
		assert.True(t, ok, col)
	}
	var n int
	require.NoError(t, e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n))
	assert.Equal(t, 2, n)
	var summary string
	require.NoError(t, e.DB.QueryRowContext(ctx, `SELECT summary FROM events WHERE id='evt-2'`).Scan(&summary))
	assert.Equal(t, "second", summary)

	exists, err := db.TableExists(ctx, e.DB, "events_new")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunCompletesLegacyDecisionRows(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	_, err := e.DB.ExecContext(ctx, `CREATE TABLE events (
  id TEXT PRIMARY KEY,
  agent TEXT NOT NULL,
  pipeline TEXT NOT NULL,
  type TEXT NOT NULL,
  summary TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  approval_id TEXT,
  previous_status TEXT,
  new_status TEXT,
  decided_by TEXT,
  decided_at TEXT
)`)
	require.NoError(t, err)
	_, err = e.DB.ExecContext(ctx, `INSERT INTO events (id, agent, pipeline, type, summary, timestamp, approval_id, previous_status, new_status, decided_by, decided_at)
VALUES ('evt-1704067200000-appr-001', 'github:octocat', 'D', 'approval_decided', 'PENDING -> APPROVED: Deploy', '2024-01-01T00:00:00.000Z', 'appr-001', 'pending', 'approved', 'octocat', '2024-01-01T00:00:00.000Z')`)
	require.NoError(t, err)

	applied, err := Run(ctx, e, nil)
	require.NoError(t, err)
	assert.Contains(t, applied, "events_correlation_rebuild")
	assert.Contains(t, applied, "events_decision_backfill")

	list, err := events.New(e, 0).List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	require.NotNil(t, got.Decision)
	require.NoError(t, events.Validate(got))
	assert.Equal(t, "appr-001", got.Decision.ApprovalID)
	assert.Equal(t, "octocat", got.Decision.DecidedBy)
	assert.Equal(t, "legacy-evt-1704067200000-appr-001", got.Decision.RequestID)
	assert.Equal(t, got.Decision.RequestID, got.Decision.TraceID)

	applied, err = Run(ctx, e, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestRunFillsPartialDecisionsInCurrentShape(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	_, err := Run(ctx, e, nil)
	require.NoError(t, err)

	_, err = e.DB.ExecContext(ctx, `INSERT INTO events (id, agent, pipeline, type, summary, timestamp, approval_id, request_id)
VALUES ('evt-partial', 'github:ops', 'D', 'approval_decided', 'PENDING -> REJECTED: Spend', '2024-02-01T00:00:00.000Z', 'appr-009', 'req-kept')`)
	require.NoError(t, err)

	applied, err := Run(ctx, e, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"events_decision_backfill"}, applied)

	var d domain.Decision
	require.NoError(t, e.DB.QueryRowContext(ctx, `SELECT approval_id, previous_status, new_status, decided_by, decided_at, request_id, trace_id FROM events WHERE id='evt-partial'`).
		Scan(&d.ApprovalID, &d.PreviousStatus, &d.NewStatus, &d.DecidedBy, &d.DecidedAt, &d.RequestID, &d.TraceID))
	assert.Equal(t, "pending", d.PreviousStatus)
	assert.Equal(t, "unknown", d.NewStatus)
	assert.Equal(t, "github:ops", d.DecidedBy)
	assert.Equal(t, "2024-02-01T00:00:00.000Z", d.DecidedAt)
	assert.Equal(t, "req-kept", d.RequestID)
	assert.Equal(t, "req-kept", d.TraceID)
}

func TestFailedStepRollsBack(t *testing.T) {
	e := openEngine(t)
	ctx := context.Background()
	boom := errors.New("boom")
	steps := []Step{{
		Name:   "half",
		Needed: func(context.Context, db.Querier) (bool, error) { return true, nil },
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `CREATE TABLE half_done(id TEXT)`); err != nil {
				return err
			}
			return boom
		},
	}}
	applied, err := apply(ctx, e, steps, nil)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, applied)

	ok, err := db.TableExists(ctx, e.DB, "half_done")
	require.NoError(t, err)
	assert.False(t, ok)
}
