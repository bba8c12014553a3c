package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
)

const DefaultRetention = 200

// ErrInvalidEvent wraps every validation failure from Append.
var ErrInvalidEvent = errors.New("invalid event")

// Recorder observes committed appends. Metrics implement it.
type Recorder interface {
	EventAppended(evtType string)
}

// Log is the append-only audit trail. Appends and retention pruning share a
// transaction.
type Log struct {
	Engine    *db.Engine
	Repo      repo.Repo
	Retention int
	Now       func() time.Time
	Recorder  Recorder

	seeded atomic.Bool
}

func New(engine *db.Engine, retention int) *Log {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Log{Engine: engine, Repo: repo.Repo{DB: engine.DB}, Retention: retention}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Validate checks the shape rules every stored event must satisfy.
func Validate(e domain.Event) error {
	if strings.TrimSpace(e.Agent) == "" {
		return fmt.Errorf("%w: agent required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return fmt.Errorf("%w: summary required", ErrInvalidEvent)
	}
	if !slices.Contains(domain.Pipelines, e.Pipeline) {
		return fmt.Errorf("%w: unknown pipeline %q", ErrInvalidEvent, e.Pipeline)
	}
	if !slices.Contains(domain.EventTypes, e.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	decided := e.Type == domain.EventApprovalDecided
	if decided && e.Decision == nil {
		return fmt.Errorf("%w: %s requires decision fields", ErrInvalidEvent, e.Type)
	}
	if !decided && e.Decision != nil {
		return fmt.Errorf("%w: decision fields only allowed on %s", ErrInvalidEvent, domain.EventApprovalDecided)
	}
	if e.Decision != nil {
		d := e.Decision
		for name, v := range map[string]string{
			"approvalId":     d.ApprovalID,
			"previousStatus": d.PreviousStatus,
			"newStatus":      d.NewStatus,
			"decidedBy":      d.DecidedBy,
			"decidedAt":      d.DecidedAt,
			"requestId":      d.RequestID,
			"traceId":        d.TraceID,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%w: decision field %s missing", ErrInvalidEvent, name)
			}
		}
	}
	return nil
}

// Append stores e in its own transaction.
func (l *Log) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	var stored domain.Event
	err := l.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = l.AppendTx(ctx, tx, e)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	l.record(stored.Type)
	return stored, nil
}

// AppendTx validates and inserts e using q, then prunes the log down to the
// retention limit. Callers own the transaction; a prune failure must abort it.
func (l *Log) AppendTx(ctx context.Context, q repo.Querier, e domain.Event) (domain.Event, error) {
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = domain.FormatTime(l.now())
	}
	if err := Validate(e); err != nil {
		return domain.Event{}, err
	}
	if e.AgentID == nil {
		id, err := l.Repo.EnsureAgent(ctx, q, e.Agent, domain.AgentSystem)
		if err != nil {
			return domain.Event{}, err
		}
		e.AgentID = &id
	}
	if err := l.Repo.InsertEvent(ctx, q, e); err != nil {
		return domain.Event{}, err
	}
	if _, err := l.Repo.PruneEvents(ctx, q, l.retention()); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// Committed reports an event appended through AppendTx once the caller's
// transaction has committed.
func (l *Log) Committed(e domain.Event) {
	l.record(e.Type)
}

func (l *Log) record(evtType string) {
	if l.Recorder != nil {
		l.Recorder.EventAppended(evtType)
	}
}

func (l *Log) retention() int {
	if l.Retention <= 0 {
		return DefaultRetention
	}
	return l.Retention
}

// List returns up to limit events, newest first. A non-positive limit means
// the retention size.
func (l *Log) List(ctx context.Context, limit int) ([]domain.Event, error) {
	if err := l.EnsureSeeded(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > l.retention() {
		limit = l.retention()
	}
	return l.Repo.LatestEvents(ctx, nil, limit)
}

// EnsureSeeded writes the timeline marker into an empty log.
func (l *Log) EnsureSeeded(ctx context.Context) error {
	if l.seeded.Load() {
		return nil
	}
	err := l.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := l.Repo.CountEvents(ctx, tx)
		if err != nil || n > 0 {
			return err
		}
		_, err = l.AppendTx(ctx, tx, domain.Event{
			ID:       "evt-seed",
			Agent:    "Operator",
			Pipeline: "D",
			Type:     domain.EventDecision,
			Summary:  "Event timeline initialized",
		})
		return err
	})
	if err != nil {
		return err
	}
	l.seeded.Store(true)
	return nil
}
