package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"missioncontrol/internal/app"
	"missioncontrol/internal/server"
	mcsdk "missioncontrol/sdk/go"
)

func raceCmd() *cobra.Command {
	var baseURL string
	var racers int
	cmd := &cobra.Command{
		Use:   "race",
		Short: "Fire concurrent approvals at one item and check exactly one wins",
		Long: `race picks a pending approval (creating one when none is left), sends the same
versioned decision from several actors at once and checks that:
- exactly one request succeeds and the others get 409 with the latest approval
- a targeted GET returns the winner's version
- exactly one approval_decided event carries the full metadata.
Without --url it runs against an in-process server on the workspace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if baseURL != "" {
				c := mcsdk.New(baseURL)
				c.Role = "operator"
				c.BearerToken = viper.GetString("token")
				report, err := runRace(ctx, c, racers)
				printRaceReport(os.Stdout, report)
				return err
			}
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: a.Config.Server.BasePath,
					Auth:     server.AuthConfig{AllowHeaderIdentity: true},
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				ts := httptest.NewServer(handler)
				defer ts.Close()
				c := mcsdk.New(ts.URL)
				c.BasePath = a.Config.Server.BasePath
				c.Role = "operator"
				report, err := runRace(ctx, c, racers)
				printRaceReport(os.Stdout, report)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "server URL (empty runs in-process)")
	cmd.Flags().IntVar(&racers, "racers", 2, "concurrent deciders")
	cmd.Flags().String("token", "", "bearer token for --url")
	_ = viper.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

type raceAttempt struct {
	Actor     string
	Status    int
	Version   int
	RequestID string
}

type raceReport struct {
	ApprovalID string
	Baseline   int
	Attempts   []raceAttempt
	Decisions  int
}

func runRace(ctx context.Context, c *mcsdk.Client, racers int) (raceReport, error) {
	if racers < 2 {
		racers = 2
	}
	var report raceReport
	target, err := pickPending(ctx, c)
	if err != nil {
		return report, err
	}
	report.ApprovalID = target.ID
	report.Baseline = target.Version

	attempts := make([]raceAttempt, racers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range attempts {
		i := i
		g.Go(func() error {
			actor := fmt.Sprintf("race-harness-%c", 'A'+i)
			meta := &mcsdk.RequestMeta{
				RequestID: "race-" + uuid.NewString(),
				TraceID:   fmt.Sprintf("trace-%s-%d", actor, time.Now().UnixNano()),
			}
			rc := *c
			rc.Actor = actor
			version := target.Version
			got, err := rc.ResolveApproval(gctx, target.ID, "approved", &version, meta)
			attempt := raceAttempt{Actor: actor, RequestID: meta.RequestID}
			switch {
			case err == nil:
				attempt.Status = http.StatusOK
				attempt.Version = got.Version
			case mcsdk.IsConflict(err):
				attempt.Status = http.StatusConflict
				var apiErr *mcsdk.APIError
				if errors.As(err, &apiErr) && apiErr.Approval != nil {
					attempt.Version = apiErr.Approval.Version
				}
			default:
				return err
			}
			attempts[i] = attempt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	report.Attempts = attempts

	statuses := make([]int, 0, len(attempts))
	winnerVersion := 0
	for _, a := range attempts {
		statuses = append(statuses, a.Status)
		if a.Status == http.StatusOK {
			winnerVersion = a.Version
		}
	}
	sort.Ints(statuses)
	if statuses[0] != http.StatusOK || (len(statuses) > 1 && statuses[1] != http.StatusConflict) || statuses[len(statuses)-1] != http.StatusConflict {
		return report, fmt.Errorf("expected one 200 and %d conflicts, got %v", racers-1, statuses)
	}
	if winnerVersion != target.Version+1 {
		return report, fmt.Errorf("expected winner version %d, got %d", target.Version+1, winnerVersion)
	}
	for _, a := range attempts {
		if a.Status == http.StatusConflict && a.Version != winnerVersion {
			return report, fmt.Errorf("conflict for %s reported version %d, want %d", a.Actor, a.Version, winnerVersion)
		}
	}

	recovered, err := c.GetApproval(ctx, target.ID)
	if err != nil {
		return report, fmt.Errorf("recovery read: %w", err)
	}
	if recovered.Version != winnerVersion {
		return report, fmt.Errorf("recovery read returned version %d, want %d", recovered.Version, winnerVersion)
	}

	events, err := c.Events(ctx, 200)
	if err != nil {
		return report, err
	}
	for _, e := range events {
		if e.Type != "approval_decided" || e.ApprovalID != target.ID {
			continue
		}
		report.Decisions++
		if e.PreviousStatus == "" || e.DecidedAt == "" || e.RequestID == "" || e.TraceID == "" {
			return report, fmt.Errorf("decision event %s is missing metadata", e.ID)
		}
	}
	if report.Decisions != 1 {
		return report, fmt.Errorf("expected 1 approval_decided event for %s, got %d", target.ID, report.Decisions)
	}
	return report, nil
}

func pickPending(ctx context.Context, c *mcsdk.Client) (mcsdk.Approval, error) {
	items, err := c.ListApprovals(ctx)
	if err != nil {
		return mcsdk.Approval{}, err
	}
	for _, a := range items {
		if a.Status == "pending" {
			return a, nil
		}
	}
	return c.CreateApproval(ctx, "Race harness target", "Concurrent decision check", "Medium")
}

func printRaceReport(w io.Writer, r raceReport) {
	if r.ApprovalID == "" {
		return
	}
	if viper.GetBool("json") {
		_ = printJSON(r)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(fmt.Sprintf("%s (baseline version %d)", r.ApprovalID, r.Baseline))
	tw.AppendHeader(table.Row{"Actor", "HTTP", "Version", "Request"})
	for _, a := range r.Attempts {
		tw.AppendRow(table.Row{a.Actor, a.Status, a.Version, a.RequestID})
	}
	tw.AppendFooter(table.Row{"decisions", r.Decisions, "", ""})
	tw.Render()
}
