package repo

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"missioncontrol/internal/domain"
)

// AgentID derives the stable id for an agent name. Names that differ only in
// case or surrounding space map to the same id.
func AgentID(name string) string {
	sum := sha1.Sum([]byte(strings.ToLower(strings.TrimSpace(name))))
	return "agt-" + hex.EncodeToString(sum[:])[:12]
}

func normalizeKind(kind string) (string, error) {
	switch kind {
	case "":
		return domain.AgentSystem, nil
	case domain.AgentSystem, domain.AgentUnit, domain.AgentHuman:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid agent kind %q", kind)
	}
}

// EnsureAgent inserts the agent if it is not known yet and returns its id.
func (r Repo) EnsureAgent(ctx context.Context, q Querier, name, kind string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("agent name required")
	}
	kind, err := normalizeKind(kind)
	if err != nil {
		return "", err
	}
	id := AgentID(name)
	_, err = r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO agents(id,name,kind,active,created_at) VALUES (?,?,?,1,?)`,
		id, name, kind, domain.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("ensure agent: %w", err)
	}
	return id, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	var a domain.Agent
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,kind,active,created_at FROM agents WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Kind, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Active = active == 1
	return a, nil
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,kind,active,created_at FROM agents ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var active int
		if err := rows.Scan(&a.ID, &a.Name, &a.Kind, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Active = active == 1
		res = append(res, a)
	}
	return res, rows.Err()
}
