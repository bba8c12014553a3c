package repo

import (
	"database/sql"
	"errors"

	"missioncontrol/internal/db"
)

// Repo holds the SQL for every table. Methods that take a Querier run inside
// whatever transaction the caller passes; the rest use the pool.
type Repo struct {
	DB *sql.DB
}

type Querier = db.Querier

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func (r Repo) q(q Querier) Querier {
	if q != nil {
		return q
	}
	return r.DB
}
