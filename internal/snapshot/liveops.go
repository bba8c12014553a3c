package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
)

// UnitLister supplies the active roster.
type UnitLister interface {
	List(ctx context.Context, all bool) ([]domain.Unit, error)
}

// LiveOps is the payload served from the snapshot cache.
type LiveOps struct {
	LastPublishedAt string        `json:"last_published_at"`
	Office          Office        `json:"office"`
	Tasks           TaskSummary   `json:"tasks"`
	Approvals       ApprovalBrief `json:"approvals"`
	Events          struct {
		Recent []RecentEvent `json:"recent"`
	} `json:"events"`
}

type Office struct {
	Units        []Unit       `json:"units"`
	HealthStates HealthStates `json:"health_states"`
}

type Unit struct {
	Code      string `json:"code"`
	Codename  string `json:"codename"`
	Status    string `json:"status"`
	Tier      int    `json:"tier"`
	Objective string `json:"objective"`
	Health    string `json:"health"`
}

type HealthStates struct {
	Overall          string `json:"overall"`
	Tier1Open        int    `json:"tier1_open"`
	BlockedTasks     int    `json:"blocked_tasks"`
	PendingApprovals int    `json:"pending_approvals"`
}

type TaskSummary struct {
	Counts       map[string]int `json:"counts"`
	ByTier       map[string]int `json:"by_tier"`
	SampleTitles []string       `json:"sample_titles"`
}

type ApprovalBrief struct {
	Counts  map[string]int    `json:"counts"`
	Pending []PendingApproval `json:"pending"`
}

type PendingApproval struct {
	ID        string `json:"id"`
	Item      string `json:"item"`
	Level     string `json:"level"`
	CreatedAt string `json:"created_at"`
}

type RecentEvent struct {
	Type      string `json:"type"`
	Summary   string `json:"summary"`
	Timestamp string `json:"timestamp"`
}

const (
	maxPending  = 20
	maxSamples  = 8
	maxRecent   = 20
	healthRed   = "red"
	healthAmber = "yellow"
	healthGreen = "green"
)

// Builder assembles LiveOps from the store.
type Builder struct {
	Repo   repo.Repo
	Units  UnitLister
	Logger *slog.Logger
	Now    func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build reads approvals, tasks, events and units concurrently.
func (b Builder) Build(ctx context.Context) (any, error) {
	var (
		approvals []domain.Approval
		tasks     []domain.Task
		events    []domain.Event
		roster    []domain.Unit
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		approvals, err = b.Repo.ListApprovals(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		tasks, err = b.Repo.ListTasks(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = b.Repo.LatestEvents(gctx, nil, maxRecent)
		return err
	})
	g.Go(func() error {
		var err error
		if b.Units != nil {
			roster, err = b.Units.List(gctx, false)
		} else {
			roster, err = b.Repo.ListUnits(gctx, false)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := Summarize(b.now(), roster, approvals, tasks, events)
	b.logger().Debug("live-ops built", "units", len(out.Office.Units), "overall", out.Office.HealthStates.Overall)
	if err := CheckPublishable(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Summarize derives the live-ops view. It is pure so callers can test the
// health rules without a store.
func Summarize(now time.Time, roster []domain.Unit, approvals []domain.Approval, tasks []domain.Task, events []domain.Event) LiveOps {
	sorted := append([]domain.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	taskCounts := map[string]int{"total": 0}
	for _, s := range domain.TaskStatuses {
		taskCounts[s] = 0
	}
	byTier := map[string]int{"Tier 1": 0, "Tier 2": 0, "Tier 3": 0}
	tier1Open := 0
	load := map[string]*ownerLoad{}
	for _, t := range sorted {
		if t.Status != "done" {
			key := strings.ToLower(strings.TrimSpace(t.Owner))
			if load[key] == nil {
				load[key] = &ownerLoad{}
			}
			load[key].open++
			if t.Status == "blocked" {
				load[key].blocked++
			}
		}
		taskCounts[t.Status]++
		taskCounts["total"]++
		byTier[t.Tier]++
		if t.Tier == "Tier 1" && t.Status != "done" {
			tier1Open++
		}
	}
	samples := []string{}
	for i := 0; i < len(sorted) && i < maxSamples; i++ {
		samples = append(samples, sorted[i].Title)
	}

	approvalCounts := map[string]int{
		domain.StatusPending:  0,
		domain.StatusApproved: 0,
		domain.StatusRejected: 0,
		"total":               len(approvals),
	}
	pending := []PendingApproval{}
	for _, a := range approvals {
		approvalCounts[a.Status]++
		if a.Status == domain.StatusPending && len(pending) < maxPending {
			pending = append(pending, PendingApproval{ID: a.ID, Item: a.Item, Level: a.Level, CreatedAt: a.CreatedAt})
		}
	}

	blocked := taskCounts["blocked"]
	pendingCount := approvalCounts[domain.StatusPending]
	overall := healthGreen
	switch {
	case blocked > 0 || pendingCount > 3:
		overall = healthRed
	case tier1Open > 5:
		overall = healthAmber
	}

	out := LiveOps{LastPublishedAt: domain.FormatTime(now)}
	out.Office.Units = []Unit{}
	for _, u := range roster {
		view := Unit{Code: u.Code, Codename: u.Codename, Tier: u.Tier, Objective: u.Mission, Status: "Idle", Health: healthGreen}
		switch u.Code {
		case "PROD-1":
			view.Status, view.Health = pick(tier1Open > 0, "Working", "Idle"), overall
		case "OPS-1":
			view.Status, view.Health = pick(blocked > 0, "Blocked", "Working"), pick(blocked > 0, healthRed, healthGreen)
		case "GOV-1":
			view.Status, view.Health = pick(pendingCount > 0, "Waiting approval", "Idle"), pick(pendingCount > 0, healthAmber, healthGreen)
		default:
			l := load[strings.ToLower(u.Code)]
			if l == nil {
				l = load[strings.ToLower(u.Codename)]
			}
			switch {
			case l == nil:
			case l.blocked > 0:
				view.Status, view.Health = "Blocked", healthRed
			case l.open > 0:
				view.Status = "Working"
			}
		}
		out.Office.Units = append(out.Office.Units, view)
	}
	out.Office.HealthStates = HealthStates{Overall: overall, Tier1Open: tier1Open, BlockedTasks: blocked, PendingApprovals: pendingCount}
	out.Tasks = TaskSummary{Counts: taskCounts, ByTier: byTier, SampleTitles: samples}
	out.Approvals = ApprovalBrief{Counts: approvalCounts, Pending: pending}
	out.Events.Recent = []RecentEvent{}
	for i := 0; i < len(events) && i < maxRecent; i++ {
		out.Events.Recent = append(out.Events.Recent, RecentEvent{Type: events[i].Type, Summary: events[i].Summary, Timestamp: events[i].Timestamp})
	}
	return out
}

type ownerLoad struct {
	open, blocked int
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

var (
	forbiddenKeys = []*regexp.Regexp{
		regexp.MustCompile(`(?i)token`), regexp.MustCompile(`(?i)api[_-]?key`), regexp.MustCompile(`(?i)secret`),
		regexp.MustCompile(`(?i)password`), regexp.MustCompile(`(?i)file[_-]?path`), regexp.MustCompile(`(?i)stack`),
		regexp.MustCompile(`(?i)trace`), regexp.MustCompile(`(?i)private[_-]?note`), regexp.MustCompile(`(?i)error[_-]?blob`),
	}
	forbiddenValues = []*regexp.Regexp{
		regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`), regexp.MustCompile(`/Users/`),
		regexp.MustCompile(`Traceback \(most recent call last\)`), regexp.MustCompile(`Error:\s+.*\n\s+at\s+`),
	}
)

// CheckPublishable rejects payloads that would leak credentials, local paths
// or stack traces to dashboard viewers.
func CheckPublishable(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}
	return scan(tree, "")
}

func scan(v any, cursor string) error {
	switch node := v.(type) {
	case []any:
		for i, item := range node {
			if err := scan(item, fmt.Sprintf("%s[%d]", cursor, i)); err != nil {
				return err
			}
		}
	case map[string]any:
		for k, item := range node {
			path := k
			if cursor != "" {
				path = cursor + "." + k
			}
			for _, re := range forbiddenKeys {
				if re.MatchString(k) {
					return fmt.Errorf("forbidden key in snapshot: %s", path)
				}
			}
			if err := scan(item, path); err != nil {
				return err
			}
		}
	case string:
		for _, re := range forbiddenValues {
			if re.MatchString(node) {
				return fmt.Errorf("forbidden value in snapshot at %s", cursor)
			}
		}
	}
	return nil
}
