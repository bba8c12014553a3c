package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missioncontrol/internal/app"
	"missioncontrol/internal/approvals"
	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/migrate"
	"missioncontrol/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mc",
	Short: "Mission control CLI",
	Long: `mc runs the approval queue behind the mission control dashboard.
- Approvals: pending requests that an operator approves or rejects. Each decision bumps the version; a stale version is a conflict, not an overwrite.
- Events: the audit timeline. Every decision writes one approval_decided event with who, when, request id and trace id.
- Snapshot: the live-ops summary, cached for a short TTL.
- Workspace: the directory holding mc.yml and .mc/mission-control.sqlite.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "actor recorded on decisions")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens (overrides server.jwt_secret)")
	for _, name := range []string{"workspace", "json", "actor", "log-format", "log-level", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(unitsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(raceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			engine, err := db.Open(db.Config{
				Workspace:     workspace,
				Path:          app.StoragePath(cfg, workspace),
				BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
				MaxOpenConns:  cfg.Storage.MaxOpenConns,
			})
			if err != nil {
				return err
			}
			defer engine.Close()
			applied, err := migrate.Run(cmd.Context(), engine, newLogger())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": applied})
			}
			if len(applied) == 0 {
				fmt.Println("schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Println("applied", name)
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				handler, err := server.New(server.Config{
					App:      a,
					BasePath: cfg.Server.BasePath,
					Auth: server.AuthConfig{
						JWTSecret:           cfg.Server.JWTSecret,
						AllowHeaderIdentity: cfg.Server.AllowHeaderIdentity,
					},
					Logger: a.Logger,
				})
				if err != nil {
					return err
				}
				dispatcher := server.NewWebhookDispatcher(a.Repo, cfg.Webhooks, a.Logger.With("component", "webhooks"))
				dispatcher.Recorder = a.Metrics
				go dispatcher.Run(ctx)

				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving mission control API",
					"url", "http://"+cfg.Server.Addr+cfg.Server.BasePath,
					"docs", cfg.Server.BasePath+"/docs",
					"webhooks", len(cfg.Webhooks))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				a.Logger.Info("server stopped")
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func approvalsCmd() *cobra.Command {
	c := &cobra.Command{Use: "approvals", Short: "Inspect and decide approvals"}
	c.AddCommand(approvalsListCmd())
	c.AddCommand(approvalsGetCmd())
	c.AddCommand(approvalsCreateCmd())
	c.AddCommand(approvalsResolveCmd())
	c.AddCommand(approvalsDecisionsCmd())
	return c
}

func approvalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List approvals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Approvals.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Item", "Level", "Status", "Version", "Created")
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Item, it.Level, it.Status, it.Version, it.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func approvalsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Approvals.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
}

func approvalsCreateCmd() *cobra.Command {
	var in approvals.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a new approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if in.Agent == "" {
					in.Agent = viper.GetString("actor")
				}
				created, err := a.Approvals.Create(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "approval id (generated when empty)")
	cmd.Flags().StringVar(&in.Item, "item", "", "what needs approval")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "why it needs approval")
	cmd.Flags().StringVar(&in.Level, "level", domain.LevelHigh, "High or Medium")
	cmd.Flags().StringVar(&in.Agent, "agent", "", "requesting agent (defaults to --actor)")
	return cmd
}

func approvalsResolveCmd() *cobra.Command {
	var status, requestID, traceID string
	var version int
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if requestID == "" {
					requestID = "cli-" + uuid.NewString()
				}
				if traceID == "" {
					traceID = requestID
				}
				in := approvals.ResolveInput{
					ID:     args[0],
					Status: status,
					Meta: approvals.Meta{
						DecidedBy: viper.GetString("actor"),
						RequestID: requestID,
						TraceID:   traceID,
					},
				}
				if cmd.Flags().Changed("version") {
					in.ExpectedVersion = &version
				}
				updated, err := a.Approvals.Resolve(ctx, in)
				var conflict *approvals.VersionConflictError
				if errors.As(err, &conflict) {
					fmt.Fprintln(os.Stderr, "version conflict; latest state:")
					_ = printJSON(conflict.Approval)
					return err
				}
				if err != nil {
					return err
				}
				return printJSON(updated)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "approved or rejected")
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id recorded on the decision")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id recorded on the decision")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func approvalsDecisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <id>",
		Short: "Show the audit trail of one approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Approvals.Decisions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Decided", "By", "From", "To", "Request", "Trace")
				for _, e := range items {
					if d := e.Decision; d != nil {
						tw.AppendRow(table.Row{d.DecidedAt, d.DecidedBy, d.PreviousStatus, d.NewStatus, d.RequestID, d.TraceID})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	c := &cobra.Command{Use: "events", Short: "Read the audit timeline"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Events.List(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Timestamp", "Type", "Agent", "Pipeline", "Summary")
				for _, e := range items {
					tw.AppendRow(table.Row{e.Timestamp, e.Type, e.Agent, e.Pipeline, e.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	c.AddCommand(tail)
	return c
}

func agentsCmd() *cobra.Command {
	c := &cobra.Command{Use: "agents", Short: "Registered agents"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Kind", "Active", "Created")
				for _, ag := range items {
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Kind, ag.Active, ag.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func tasksCmd() *cobra.Command {
	c := &cobra.Command{Use: "tasks", Short: "Task board"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Tier", "Status", "Owner")
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Tier, t.Status, t.Owner})
				}
				tw.Render()
				return nil
			})
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the board from a JSON file",
		Long:  "The file holds either a JSON array of tasks or {\"tasks\": [...]}. Tasks missing from the file are deleted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := readTasksFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rows, err := a.ReplaceTasks(ctx, tasks)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d tasks\n", len(rows))
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "tasks JSON file")
	_ = importCmd.MarkFlagRequired("file")
	c.AddCommand(importCmd)
	return c
}

func readTasksFile(path string) ([]app.TaskInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []app.TaskInput
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Tasks []app.TaskInput `json:"tasks"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return wrapped.Tasks, nil
}

func snapshotCmd() *cobra.Command {
	c := &cobra.Command{Use: "snapshot", Short: "Live-ops snapshot"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the cached snapshot, recomputing when stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Snapshots.Get(ctx)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	})
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Workspace config (mc.yml)",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mc.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate mc.yml and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			tw := newTable("Setting", "Value")
			tw.AppendRow(table.Row{"server.addr", cfg.Server.Addr})
			tw.AppendRow(table.Row{"server.base_path", cfg.Server.BasePath})
			tw.AppendRow(table.Row{"server.jwt", cfg.Server.JWTSecret != ""})
			tw.AppendRow(table.Row{"server.allow_header_identity", cfg.Server.AllowHeaderIdentity})
			tw.AppendRow(table.Row{"events.retention", cfg.Events.Retention})
			tw.AppendRow(table.Row{"snapshots.ttl", cfg.Snapshots.TTL.String()})
			tw.AppendRow(table.Row{"snapshots.keep", cfg.Snapshots.Keep})
			tw.AppendRow(table.Row{"approvals.require_version", cfg.Approvals.RequireVersion})
			tw.AppendRow(table.Row{"rbac.roles", len(cfg.RBAC.Roles)})
			tw.AppendRow(table.Row{"webhooks", len(cfg.Webhooks)})
			tw.Render()
			return nil
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token <actor>",
		Short: "Issue a bearer token signed with server.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, args[0], roles)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{"operator"}, "roles claim")
	return cmd
}

// --- helpers ---

// loadConfig reads mc.yml and layers flags and MC_* env on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("base-path"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if viper.IsSet("require-version") {
		cfg.Approvals.RequireVersion = viper.GetBool("require-version")
	}
	if v := viper.GetString("db"); v != "" {
		cfg.Storage.Path = v
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(viper.GetString("log-format"), "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
