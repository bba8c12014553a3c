package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
)

const (
	DefaultTTL  = 30 * time.Second
	DefaultKeep = 50
)

// Recorder observes cache lookups.
type Recorder interface {
	SnapshotLookup(hit bool)
}

// Cache materializes Compute into live_snapshots and serves the newest row
// while it is younger than TTL.
//
// Concurrent misses are not coalesced. Each may compute and insert its own
// row; readers never see a row older than TTL.
type Cache struct {
	Engine   *db.Engine
	Repo     repo.Repo
	TTL      time.Duration
	Keep     int
	Compute  func(ctx context.Context) (any, error)
	Now      func() time.Time
	Recorder Recorder
}

func NewCache(engine *db.Engine, ttl time.Duration, keep int, compute func(ctx context.Context) (any, error)) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Cache{Engine: engine, Repo: repo.Repo{DB: engine.DB}, TTL: ttl, Keep: keep, Compute: compute}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Get returns the cached snapshot, recomputing it when the newest row is
// missing or expired.
func (c *Cache) Get(ctx context.Context) (domain.Snapshot, error) {
	now := c.now()
	latest, err := c.Repo.LatestSnapshot(ctx)
	switch {
	case err == nil:
		if fresh(latest, now, c.TTL) {
			c.observe(true)
			return latest, nil
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.Snapshot{}, err
	}
	c.observe(false)
	if c.Compute == nil {
		return domain.Snapshot{}, errors.New("snapshot compute not configured")
	}
	value, err := c.Compute(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("compute snapshot: %w", err)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	snap := domain.Snapshot{
		ID:          "snap-" + uuid.NewString(),
		GeneratedAt: domain.FormatTime(c.now()),
		Payload:     payload,
	}
	err = c.Engine.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.Repo.InsertSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		_, err := c.Repo.PruneSnapshots(ctx, tx, c.Keep)
		return err
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}

func fresh(s domain.Snapshot, now time.Time, ttl time.Duration) bool {
	generated, err := domain.ParseTime(s.GeneratedAt)
	if err != nil {
		return false
	}
	return now.Sub(generated) <= ttl
}

func (c *Cache) observe(hit bool) {
	if c.Recorder != nil {
		c.Recorder.SnapshotLookup(hit)
	}
}
