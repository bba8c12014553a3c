// Package units keeps the operating roster. The built-in roster is upserted
// on first use so descriptive changes ship with the binary, while the active
// flag stays under operator control.
package units

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
)

// Roster is the built-in unit set.
var Roster = []domain.Unit{
	{Code: "ENG-1", Codename: "Builder", Icon: "hammer", Tier: 1, ReportsTo: "ARCH-1 + OPS-1", Mission: "Build, fix, refactor, and ship safely."},
	{Code: "ARCH-1", Codename: "Spine", Icon: "dna", Tier: 1, ReportsTo: "PROD-1 + OPS-1", Mission: "Own system design integrity and scalability."},
	{Code: "OPS-1", Codename: "Flow", Icon: "wave", Tier: 1, ReportsTo: "PROD-1", Mission: "Translate Tier priorities into sprint plans."},
	{Code: "PROD-1", Codename: "Compass", Icon: "compass", Tier: 1, ReportsTo: "Operator", Mission: "Defend focus and protect priority ladder."},
	{Code: "REV-1", Codename: "Monetizer", Icon: "coin", Tier: 2, ReportsTo: "PROD-1", Mission: "Ensure monetization alignment."},
	{Code: "GTM-1", Codename: "Amplifier", Icon: "megaphone", Tier: 2, ReportsTo: "REV-1", Mission: "Amplify shipped value."},
	{Code: "GOV-1", Codename: "Gatekeeper", Icon: "shield", Tier: 1, ReportsTo: "Operator", Mission: "Protect system integrity and enforce approval gates."},
	{Code: "CONTRA-1", Codename: "Wrench", Icon: "wrench", Tier: 1, ReportsTo: "PROD-1", Mission: "Prevent groupthink and Tier drift by stress-testing plans before execution."},
}

type Registry struct {
	Engine *db.Engine
	Repo   repo.Repo
	Roster []domain.Unit
	Now    func() time.Time

	seeded atomic.Bool
}

func New(engine *db.Engine) *Registry {
	return &Registry{Engine: engine, Repo: repo.Repo{DB: engine.DB}, Roster: Roster}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// EnsureSeeded upserts the roster and registers every unit as an agent, all
// in one transaction.
func (r *Registry) EnsureSeeded(ctx context.Context) error {
	if r.seeded.Load() {
		return nil
	}
	stamp := domain.FormatTime(r.now())
	err := r.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		for _, u := range r.Roster {
			u.UpdatedAt = stamp
			if err := r.Repo.UpsertUnit(ctx, tx, u); err != nil {
				return err
			}
			if _, err := r.Repo.EnsureAgent(ctx, tx, u.Code, domain.AgentUnit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed units: %w", err)
	}
	r.seeded.Store(true)
	return nil
}

// List returns active units, or every unit when all is set.
func (r *Registry) List(ctx context.Context, all bool) ([]domain.Unit, error) {
	if err := r.EnsureSeeded(ctx); err != nil {
		return nil, err
	}
	return r.Repo.ListUnits(ctx, all)
}

// SetActive toggles a unit. Unknown codes return repo.ErrNotFound.
func (r *Registry) SetActive(ctx context.Context, code string, active bool) error {
	if err := r.EnsureSeeded(ctx); err != nil {
		return err
	}
	return r.Repo.SetUnitActive(ctx, nil, strings.ToUpper(strings.TrimSpace(code)), active)
}
