package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"missioncontrol/internal/domain"
)

// ErrInvalidTask wraps every task validation failure.
var ErrInvalidTask = errors.New("invalid task")

// TaskInput is one row of an imported task board.
type TaskInput struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Tier       string  `json:"tier,omitempty"`
	Status     string  `json:"status,omitempty"`
	Owner      string  `json:"owner,omitempty"`
	Deadline   *string `json:"deadline,omitempty"`
	Blocker    *string `json:"blocker,omitempty"`
	NextAction *string `json:"nextAction,omitempty"`
}

// ReplaceTasks makes the stored board equal to tasks: listed rows are upserted,
// everything else is deleted, and each owner is registered as a unit agent.
func (a *App) ReplaceTasks(ctx context.Context, tasks []TaskInput) ([]domain.Task, error) {
	now := domain.FormatTime(a.now())
	rows := make([]domain.Task, 0, len(tasks))
	seen := map[string]bool{}
	for i, in := range tasks {
		t, err := normalizeTask(in, now)
		if err != nil {
			return nil, fmt.Errorf("%w: task %d: %v", ErrInvalidTask, i, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("%w: task %d: duplicate id %s", ErrInvalidTask, i, t.ID)
		}
		seen[t.ID] = true
		rows = append(rows, t)
	}
	err := a.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		keep := make([]string, 0, len(rows))
		for i := range rows {
			agentID, err := a.Repo.EnsureAgent(ctx, tx, rows[i].Owner, domain.AgentUnit)
			if err != nil {
				return err
			}
			rows[i].AgentID = &agentID
			if err := a.Repo.UpsertTask(ctx, tx, rows[i]); err != nil {
				return err
			}
			keep = append(keep, rows[i].ID)
		}
		_, err := a.Repo.DeleteTasksExcept(ctx, tx, keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.Logger.Info("tasks replaced", "count", len(rows))
	return rows, nil
}

func normalizeTask(in TaskInput, now string) (domain.Task, error) {
	t := domain.Task{
		ID:         strings.TrimSpace(in.ID),
		Title:      strings.TrimSpace(in.Title),
		Tier:       strings.TrimSpace(in.Tier),
		Status:     strings.ToLower(strings.TrimSpace(in.Status)),
		Owner:      strings.TrimSpace(in.Owner),
		Deadline:   in.Deadline,
		Blocker:    in.Blocker,
		NextAction: in.NextAction,
		UpdatedAt:  now,
	}
	if t.ID == "" {
		return t, errors.New("id required")
	}
	if t.Title == "" {
		return t, errors.New("title required")
	}
	if t.Tier == "" {
		t.Tier = "Tier 2"
	}
	if t.Status == "" {
		t.Status = "inbox"
	}
	if !slices.Contains(domain.TaskStatuses, t.Status) {
		return t, fmt.Errorf("invalid status %q", in.Status)
	}
	if t.Owner == "" {
		t.Owner = "Operator"
	}
	return t, nil
}
