package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/events"
	"missioncontrol/internal/repo"
)

// ErrAlreadyExists is returned by Create when the id is taken.
var ErrAlreadyExists = errors.New("approval already exists")

// Recorder observes resolve outcomes.
type Recorder interface {
	ResolutionObserved(outcome string)
}

// Store is the versioned approval queue. Every mutation goes through
// Engine.WithTx and writes its audit event in the same transaction.
type Store struct {
	Engine         *db.Engine
	Repo           repo.Repo
	Events         *events.Log
	SeedFile       string
	RequireVersion bool
	Logger         *slog.Logger
	Now            func() time.Time
	Recorder       Recorder

	seeded atomic.Bool
}

func New(engine *db.Engine, log *events.Log) *Store {
	return &Store{Engine: engine, Repo: repo.Repo{DB: engine.DB}, Events: log}
}

// Meta attributes a decision to an actor and a request.
type Meta struct {
	DecidedBy string
	RequestID string
	TraceID   string
}

type ResolveInput struct {
	ID              string
	Status          string
	ExpectedVersion *int
	Meta            Meta
}

type CreateInput struct {
	ID     string
	Item   string
	Reason string
	Level  string
	Agent  string
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// List returns all approvals, newest created first.
func (s *Store) List(ctx context.Context) ([]domain.Approval, error) {
	if err := s.EnsureSeeded(ctx); err != nil {
		return nil, err
	}
	return s.Repo.ListApprovals(ctx)
}

// Get returns repo.ErrNotFound when id is unknown.
func (s *Store) Get(ctx context.Context, id string) (domain.Approval, error) {
	if err := s.EnsureSeeded(ctx); err != nil {
		return domain.Approval{}, err
	}
	return s.Repo.GetApproval(ctx, nil, id)
}

// Decisions returns the audit trail of one approval, newest first.
func (s *Store) Decisions(ctx context.Context, id string) ([]domain.Event, error) {
	return s.Repo.DecisionEvents(ctx, id)
}

func validateResolve(in ResolveInput, requireVersion bool) error {
	if strings.TrimSpace(in.ID) == "" {
		return &ValidationError{Field: "id", Message: "Invalid id"}
	}
	if in.Status != domain.StatusApproved && in.Status != domain.StatusRejected {
		return &ValidationError{Field: "status", Message: "Invalid status"}
	}
	if in.ExpectedVersion == nil && requireVersion {
		return &ValidationError{Field: "version", Message: "Invalid version"}
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion < 1 {
		return &ValidationError{Field: "version", Message: "Invalid version"}
	}
	for field, v := range map[string]string{
		"decidedBy": in.Meta.DecidedBy,
		"requestId": in.Meta.RequestID,
		"traceId":   in.Meta.TraceID,
	} {
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Field: field, Message: field + " required"}
		}
	}
	return nil
}

// Resolve moves a pending approval to approved or rejected.
//
// It returns repo.ErrNotFound for an unknown id and *VersionConflictError when
// the expected version is stale, the approval is already decided, or another
// writer won the guarded update. Conflicts are not retried. On success exactly
// one approval_decided event is committed together with the new state.
func (s *Store) Resolve(ctx context.Context, in ResolveInput) (domain.Approval, error) {
	approval, err := s.resolve(ctx, in)
	if s.Recorder != nil {
		s.Recorder.ResolutionObserved(Outcome(err))
	}
	return approval, err
}

func (s *Store) resolve(ctx context.Context, in ResolveInput) (domain.Approval, error) {
	if err := validateResolve(in, s.RequireVersion); err != nil {
		return domain.Approval{}, err
	}
	if err := s.EnsureSeeded(ctx); err != nil {
		return domain.Approval{}, err
	}
	var (
		updated domain.Approval
		audit   domain.Event
	)
	err := s.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := s.Repo.GetApproval(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != current.Version {
			return &VersionConflictError{Approval: current, Expected: *in.ExpectedVersion}
		}
		if current.Terminal() {
			return &VersionConflictError{Approval: current, Expected: current.Version}
		}
		decidedAt := domain.FormatTime(s.now())
		ok, err := s.Repo.CompareAndSetApprovalStatus(ctx, tx, in.ID, in.Status, current.Version, decidedAt)
		if err != nil {
			return err
		}
		if !ok {
			latest, err := s.Repo.GetApproval(ctx, tx, in.ID)
			if err != nil {
				return err
			}
			return &VersionConflictError{Approval: latest, Expected: current.Version}
		}
		if updated, err = s.Repo.GetApproval(ctx, tx, in.ID); err != nil {
			return err
		}
		deciderID, err := s.Repo.EnsureAgent(ctx, tx, in.Meta.DecidedBy, domain.AgentHuman)
		if err != nil {
			return err
		}
		audit, err = s.Events.AppendTx(ctx, tx, domain.Event{
			Agent:     in.Meta.DecidedBy,
			AgentID:   &deciderID,
			Pipeline:  "D",
			Type:      domain.EventApprovalDecided,
			Summary:   fmt.Sprintf("%s %s %q", in.Meta.DecidedBy, in.Status, current.Item),
			Timestamp: decidedAt,
			Decision: &domain.Decision{
				ApprovalID:     current.ID,
				PreviousStatus: current.Status,
				NewStatus:      updated.Status,
				DecidedBy:      in.Meta.DecidedBy,
				DecidedAt:      decidedAt,
				RequestID:      in.Meta.RequestID,
				TraceID:        in.Meta.TraceID,
			},
		})
		if err != nil {
			return fmt.Errorf("audit approval %s: %w", in.ID, err)
		}
		return nil
	})
	if err != nil {
		return domain.Approval{}, err
	}
	s.Events.Committed(audit)
	return updated, nil
}

// Create adds a pending approval at version 1.
func (s *Store) Create(ctx context.Context, in CreateInput) (domain.Approval, error) {
	in.Item = strings.TrimSpace(in.Item)
	in.Reason = strings.TrimSpace(in.Reason)
	if in.Item == "" {
		return domain.Approval{}, &ValidationError{Field: "item", Message: "item required"}
	}
	if in.Reason == "" {
		return domain.Approval{}, &ValidationError{Field: "reason", Message: "reason required"}
	}
	if in.Level == "" {
		in.Level = domain.LevelHigh
	}
	if in.Level != domain.LevelHigh && in.Level != domain.LevelMedium {
		return domain.Approval{}, &ValidationError{Field: "level", Message: "Invalid level"}
	}
	if in.ID == "" {
		in.ID = "appr-" + uuid.NewString()
	}
	requester := strings.TrimSpace(in.Agent)
	if requester == "" {
		requester = "Operator"
	}
	if err := s.EnsureSeeded(ctx); err != nil {
		return domain.Approval{}, err
	}
	a := domain.Approval{
		ID:        in.ID,
		Item:      in.Item,
		Reason:    in.Reason,
		Level:     in.Level,
		Status:    domain.StatusPending,
		Version:   1,
		CreatedAt: domain.FormatTime(s.now()),
	}
	var audit domain.Event
	err := s.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.Repo.GetApproval(ctx, tx, a.ID); err == nil {
			return ErrAlreadyExists
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		agentID, err := s.Repo.EnsureAgent(ctx, tx, requester, domain.AgentSystem)
		if err != nil {
			return err
		}
		a.AgentID = &agentID
		if err := s.Repo.InsertApproval(ctx, tx, a); err != nil {
			return err
		}
		audit, err = s.Events.AppendTx(ctx, tx, domain.Event{
			Agent:     requester,
			AgentID:   &agentID,
			Pipeline:  "D",
			Type:      domain.EventApprovalCreated,
			Summary:   fmt.Sprintf("Approval requested: %s", a.Item),
			Timestamp: a.CreatedAt,
		})
		return err
	})
	if err != nil {
		return domain.Approval{}, err
	}
	s.Events.Committed(audit)
	return a, nil
}

// EnsureSeeded fills an empty approvals table from the seed file. The
// emptiness check and the inserts share one write transaction, so concurrent
// first callers seed at most once.
func (s *Store) EnsureSeeded(ctx context.Context) error {
	if s.seeded.Load() {
		return nil
	}
	items, loadErr := LoadSeed(s.SeedFile, s.now())
	inserted := false
	err := s.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := s.Repo.CountApprovals(ctx, tx)
		if err != nil || n > 0 {
			return err
		}
		for _, item := range items {
			if err := s.Repo.InsertApproval(ctx, tx, domain.Approval{
				ID:        item.ID,
				Item:      item.Item,
				Reason:    item.Reason,
				Level:     item.Level,
				Status:    item.Status,
				Version:   1,
				CreatedAt: item.CreatedAt,
			}); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed approvals: %w", err)
	}
	if inserted {
		if loadErr != nil {
			s.logger().Warn("approval seed unusable, using built-in seed", "path", s.SeedFile, "err", loadErr)
		}
		s.logger().Info("approvals seeded", "count", len(items))
	}
	s.seeded.Store(true)
	return nil
}
