package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/migrate"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	e, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	_, err = migrate.Run(context.Background(), e, nil)
	require.NoError(t, err)
	return New(e, DefaultRetention)
}

func decision() *domain.Decision {
	return &domain.Decision{
		ApprovalID: "appr-001", PreviousStatus: "pending", NewStatus: "approved",
		DecidedBy: "jb", DecidedAt: "2024-01-01T00:00:00.000000Z", RequestID: "req-1", TraceID: "trace-1",
	}
}

func TestValidate(t *testing.T) {
	partial := decision()
	partial.TraceID = ""
	cases := []struct {
		name string
		evt  domain.Event
		ok   bool
	}{
		{"plain", domain.Event{Agent: "Ops", Pipeline: "A", Type: domain.EventDelivery, Summary: "s"}, true},
		{"decided", domain.Event{Agent: "jb", Pipeline: "D", Type: domain.EventApprovalDecided, Summary: "s", Decision: decision()}, true},
		{"decided without fields", domain.Event{Agent: "jb", Pipeline: "D", Type: domain.EventApprovalDecided, Summary: "s"}, false},
		{"decided partial", domain.Event{Agent: "jb", Pipeline: "D", Type: domain.EventApprovalDecided, Summary: "s", Decision: partial}, false},
		{"fields on other type", domain.Event{Agent: "jb", Pipeline: "D", Type: domain.EventDecision, Summary: "s", Decision: decision()}, false},
		{"bad pipeline", domain.Event{Agent: "Ops", Pipeline: "E", Type: domain.EventDelivery, Summary: "s"}, false},
		{"bad type", domain.Event{Agent: "Ops", Pipeline: "A", Type: "gossip", Summary: "s"}, false},
		{"no agent", domain.Event{Pipeline: "A", Type: domain.EventDelivery, Summary: "s"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.evt)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			}
		})
	}
}

func TestAppendSurfacesDecisionFields(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	stored, err := l.Append(ctx, domain.Event{Agent: "jb", Pipeline: "D", Type: domain.EventApprovalDecided, Summary: "approved", Decision: decision()})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	require.NotNil(t, stored.AgentID)

	list, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Decision)
	assert.Equal(t, *decision(), *list[0].Decision)
}

func TestRetentionKeepsNewest(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var clock time.Time
	l.Now = func() time.Time { return clock }
	total := DefaultRetention + 5
	for i := 0; i < total; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		_, err := l.Append(ctx, domain.Event{ID: fmt.Sprintf("evt-%03d", i), Agent: "Ops", Pipeline: "B", Type: domain.EventDelivery, Summary: "tick"})
		require.NoError(t, err)
		n, err := l.Repo.CountEvents(ctx, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, DefaultRetention)
	}
	list, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, DefaultRetention)
	assert.Equal(t, fmt.Sprintf("evt-%03d", total-1), list[0].ID)
	assert.Equal(t, "evt-005", list[len(list)-1].ID)

	limited, err := l.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, limited, 10)
}

func TestListSeedsEmptyLog(t *testing.T) {
	l := newTestLog(t)
	list, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evt-seed", list[0].ID)
	assert.Equal(t, "Event timeline initialized", list[0].Summary)
}

func TestPruneFailureRollsBackInsert(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	l := New(db.New(conn), DefaultRetention)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO agents").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM events").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = l.Append(context.Background(), domain.Event{Agent: "Ops", Pipeline: "A", Type: domain.EventDelivery, Summary: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune events")
	require.NoError(t, mock.ExpectationsWereMet())
}
