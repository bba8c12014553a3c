package migrate

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	"missioncontrol/internal/db"
)

//go:embed sql/base.sql
var baseSchema string

// Step is one idempotent schema change. Needed inspects the live shape of the
// store and reports whether Apply has work to do.
type Step struct {
	Name   string
	Needed func(ctx context.Context, q db.Querier) (bool, error)
	Apply  func(ctx context.Context, tx *sql.Tx) error
}

// Steps returns the ordered migration list.
func Steps() []Step {
	return []Step{
		addColumn("approvals", "resolved_at", "TEXT"),
		addColumn("approvals", "agent_id", "TEXT REFERENCES agents(id)"),
		eventsCorrelationRebuild(),
		eventsDecisionBackfill(),
		addColumn("events", "agent_id", "TEXT REFERENCES agents(id)"),
		addColumn("tasks", "agent_id", "TEXT REFERENCES agents(id)"),
		indexes(),
	}
}

// Run applies the base schema and then every step whose precondition holds.
// It returns the names of the steps that were applied.
func Run(ctx context.Context, engine *db.Engine, logger *slog.Logger) ([]string, error) {
	if err := engine.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, baseSchema)
		return err
	}); err != nil {
		return nil, fmt.Errorf("base schema: %w", err)
	}
	return apply(ctx, engine, Steps(), logger)
}

func apply(ctx context.Context, engine *db.Engine, steps []Step, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var applied []string
	for _, step := range steps {
		ran := false
		err := engine.WithTx(ctx, func(tx *sql.Tx) error {
			needed, err := step.Needed(ctx, tx)
			if err != nil || !needed {
				return err
			}
			if err := step.Apply(ctx, tx); err != nil {
				return err
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", step.Name, err)
		}
		if ran {
			logger.Info("migration applied", "step", step.Name)
			applied = append(applied, step.Name)
		}
	}
	return applied, nil
}

func addColumn(table, column, def string) Step {
	return Step{
		Name: fmt.Sprintf("%s_%s", table, column),
		Needed: func(ctx context.Context, q db.Querier) (bool, error) {
			ok, err := db.HasColumn(ctx, q, table, column)
			return !ok, err
		},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, def))
			return err
		},
	}
}

var correlationColumns = []string{
	"approval_id", "previous_status", "new_status", "decided_by", "decided_at", "request_id", "trace_id",
}

const eventsShape = `CREATE TABLE events_new (
  id TEXT PRIMARY KEY,
  agent TEXT NOT NULL,
  pipeline TEXT NOT NULL CHECK (pipeline IN ('A','B','C','D')),
  type TEXT NOT NULL,
  summary TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  approval_id TEXT,
  previous_status TEXT,
  new_status TEXT,
  decided_by TEXT,
  decided_at TEXT,
  request_id TEXT,
  trace_id TEXT,
  agent_id TEXT REFERENCES agents(id)
)`

// eventsCorrelationRebuild brings a legacy events table up to the audit shape
// by copying it through a shadow table. The whole rebuild shares one tx.
func eventsCorrelationRebuild() Step {
	return Step{
		Name: "events_correlation_rebuild",
		Needed: func(ctx context.Context, q db.Querier) (bool, error) {
			cols, err := db.Columns(ctx, q, "events")
			if err != nil {
				return false, err
			}
			have := make(map[string]bool, len(cols))
			for _, c := range cols {
				have[c] = true
			}
			for _, c := range correlationColumns {
				if !have[c] {
					return true, nil
				}
			}
			return false, nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			oldCols, err := db.Columns(ctx, tx, "events")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS events_new`); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, eventsShape); err != nil {
				return fmt.Errorf("create events_new: %w", err)
			}
			newCols, err := db.Columns(ctx, tx, "events_new")
			if err != nil {
				return err
			}
			shared := intersect(oldCols, newCols)
			if len(shared) > 0 {
				list := joinIdents(shared)
				copySQL := fmt.Sprintf(`INSERT INTO events_new (%s) SELECT %s FROM events`, list, list)
				if _, err := tx.ExecContext(ctx, copySQL); err != nil {
					return fmt.Errorf("copy events: %w", err)
				}
			}
			if _, err := tx.ExecContext(ctx, `DROP TABLE events`); err != nil {
				return fmt.Errorf("drop events: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `ALTER TABLE events_new RENAME TO events`); err != nil {
				return fmt.Errorf("rename events_new: %w", err)
			}
			return nil
		},
	}
}

const partialDecision = `type = 'approval_decided' AND COALESCE(approval_id,'') != '' AND (
  COALESCE(previous_status,'') = '' OR COALESCE(new_status,'') = '' OR
  COALESCE(decided_by,'') = '' OR COALESCE(decided_at,'') = '' OR
  COALESCE(request_id,'') = '' OR COALESCE(trace_id,'') = '')`

// eventsDecisionBackfill completes approval_decided rows written by older
// pollers that only recorded part of the correlation set. Missing ids are
// derived from the event id so reads always carry all seven fields.
func eventsDecisionBackfill() Step {
	return Step{
		Name: "events_decision_backfill",
		Needed: func(ctx context.Context, q db.Querier) (bool, error) {
			var n int
			if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE `+partialDecision).Scan(&n); err != nil {
				return false, err
			}
			return n > 0, nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `UPDATE events SET
  previous_status = COALESCE(NULLIF(previous_status,''), 'pending'),
  new_status = COALESCE(NULLIF(new_status,''),
    (SELECT a.status FROM approvals a WHERE a.id = events.approval_id AND a.status != 'pending'), 'unknown'),
  decided_by = COALESCE(NULLIF(decided_by,''), agent),
  decided_at = COALESCE(NULLIF(decided_at,''), timestamp),
  request_id = COALESCE(NULLIF(request_id,''), 'legacy-' || id),
  trace_id = COALESCE(NULLIF(trace_id,''), NULLIF(request_id,''), 'legacy-' || id)
WHERE `+partialDecision)
			if err != nil {
				return fmt.Errorf("backfill decisions: %w", err)
			}
			return nil
		},
	}
}

type indexDef struct {
	name string
	sql  string
}

var indexDefs = []indexDef{
	{"idx_events_timestamp", `CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`},
	{"idx_events_approval", `CREATE INDEX IF NOT EXISTS idx_events_approval ON events(approval_id)`},
	{"idx_approvals_created_at", `CREATE INDEX IF NOT EXISTS idx_approvals_created_at ON approvals(created_at)`},
	{"idx_live_snapshots_generated_at", `CREATE INDEX IF NOT EXISTS idx_live_snapshots_generated_at ON live_snapshots(generated_at)`},
}

func indexes() Step {
	return Step{
		Name: "indexes",
		Needed: func(ctx context.Context, q db.Querier) (bool, error) {
			for _, idx := range indexDefs {
				var n int
				if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?`, idx.name).Scan(&n); err != nil {
					return false, err
				}
				if n == 0 {
					return true, nil
				}
			}
			return false, nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			for _, idx := range indexDefs {
				if _, err := tx.ExecContext(ctx, idx.sql); err != nil {
					return fmt.Errorf("create %s: %w", idx.name, err)
				}
			}
			return nil
		},
	}
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, c := range b {
		inB[c] = true
	}
	var out []string
	for _, c := range a {
		if inB[c] {
			out = append(out, c)
		}
	}
	return out
}

func joinIdents(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ","
		}
		out += `"` + c + `"`
	}
	return out
}
