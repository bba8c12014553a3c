package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missioncontrol/internal/app"
	"missioncontrol/internal/policy"
)

func unitsCmd() *cobra.Command {
	c := &cobra.Command{Use: "units", Short: "Unit roster"}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List units by tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Units.List(ctx, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Code", "Codename", "Tier", "Reports to", "Active", "Mission")
				for _, u := range items {
					tw.AppendRow(table.Row{u.Icon + " " + u.Code, u.Codename, u.Tier, u.ReportsTo, u.Active, u.Mission})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include disabled units")
	c.AddCommand(list)
	c.AddCommand(unitToggleCmd("enable", true))
	c.AddCommand(unitToggleCmd("disable", false))
	return c
}

func unitToggleCmd(verb string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <code>",
		Short: verb + " a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Units.SetActive(ctx, args[0], active); err != nil {
					return fmt.Errorf("%s %s: %w", verb, args[0], err)
				}
				fmt.Printf("%s %sd\n", args[0], verb)
				return nil
			})
		},
	}
}

func policyCmd() *cobra.Command {
	c := &cobra.Command{Use: "policy", Short: "Action approval policy"}
	var approvalID string
	var approved bool
	check := &cobra.Command{
		Use:   "check <action>",
		Short: "Check whether an action may run",
		Long: `check reports whether the action may run now. Sensitive actions (deployment,
outbound-message, purchase, config-change) need a human approval; with
--approval the recorded status of that approval decides.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.Check(ctx, policy.Request{Action: args[0], ApprovedByHuman: approved, ApprovalID: approvalID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				verdict := "allowed"
				switch {
				case d.RequiresApproval:
					verdict = "needs approval"
				case !d.Allowed:
					verdict = "denied"
				}
				fmt.Printf("%s: %s (%s)\n", args[0], verdict, d.Reason)
				return nil
			})
		},
	}
	check.Flags().StringVar(&approvalID, "approval", "", "approval id backing the action")
	check.Flags().BoolVar(&approved, "approved", false, "caller already holds a human approval")
	c.AddCommand(check)
	return c
}
