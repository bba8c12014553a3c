package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/approvals"
	"missioncontrol/internal/config"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
	"missioncontrol/internal/snapshot"
)

func newApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), config.Default(), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewWiresComponents(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	list, err := a.Approvals.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	v := 1
	_, err = a.Approvals.Resolve(ctx, approvals.ResolveInput{
		ID: "appr-001", Status: domain.StatusApproved, ExpectedVersion: &v,
		Meta: approvals.Meta{DecidedBy: "op", RequestID: "r1", TraceID: "t1"},
	})
	require.NoError(t, err)
	assert.True(t, a.Policy.Can("approvals.write", "operator"))

	snap, err := a.Snapshots.Get(ctx)
	require.NoError(t, err)
	var out snapshot.LiveOps
	require.NoError(t, json.Unmarshal(snap.Payload, &out))
	assert.Equal(t, 1, out.Approvals.Counts[domain.StatusApproved])
}

func TestStoragePathRelativeToWorkspace(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Path = "state/mc.sqlite"
	a, err := New(context.Background(), cfg, ws, nil)
	require.NoError(t, err)
	defer a.Close()
	_, err = os.Stat(filepath.Join(ws, "state", "mc.sqlite"))
	assert.NoError(t, err)
}

func TestReplaceTasks(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	_, err := a.ReplaceTasks(ctx, []TaskInput{
		{ID: "t1", Title: "Ship gate", Tier: "Tier 1", Status: "doing", Owner: "Flow"},
		{ID: "t2", Title: "Write docs"},
	})
	require.NoError(t, err)

	rows, err := a.ReplaceTasks(ctx, []TaskInput{{ID: "t2", Title: "Write better docs", Status: "review"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	tasks, err := a.Repo.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Write better docs", tasks[0].Title)
	assert.Equal(t, "Operator", tasks[0].Owner)
	require.NotNil(t, tasks[0].AgentID)
	assert.Equal(t, repo.AgentID("Operator"), *tasks[0].AgentID)

	_, err = a.Repo.GetAgent(ctx, repo.AgentID("Flow"))
	assert.NoError(t, err)
}

func TestReplaceTasksRejectsBadInput(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	_, err := a.ReplaceTasks(ctx, []TaskInput{{ID: "t1", Title: "x", Status: "someday"}})
	assert.True(t, errors.Is(err, ErrInvalidTask))
	_, err = a.ReplaceTasks(ctx, []TaskInput{{ID: "t1", Title: "x"}, {ID: "t1", Title: "y"}})
	assert.True(t, errors.Is(err, ErrInvalidTask))
	_, err = a.ReplaceTasks(ctx, []TaskInput{{Title: "x"}})
	assert.True(t, errors.Is(err, ErrInvalidTask))
}
