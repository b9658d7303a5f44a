package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okText("migrated"), opts.cfg.DBPath)
			return nil
		},
	}
}

// parseAsOf parses a YYYY-MM-DD flag; empty means today in UTC.
func parseAsOf(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return schema.TruncateDay(now), nil
	}
	t, err := time.Parse(schema.DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("as-of must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}

func newSimulateCommand(opts *rootOptions) *cobra.Command {
	var studentID, ruleSetID, asOf string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Preview whether a student is eligible under a rule set",
		Long: `Evaluate one rule set against one student without writing anything.
Inactive rule sets can be simulated.

Examples:
  attendflow simulate --student stu-1 --rule-set rs-elementary
  attendflow simulate --student stu-1 --rule-set rs-elementary --as-of 2025-03-04 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			day, err := parseAsOf(asOf, a.locker.Now())
			if err != nil {
				return err
			}
			rs, err := a.store.GetRuleSet(ctx, ruleSetID)
			if err != nil {
				return err
			}
			d, err := a.engine.Simulate(ctx, studentID, rs, day)
			if err != nil {
				return err
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			verdict := dimText("not eligible")
			if d.Eligible {
				verdict = okText("eligible")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s under %s as of %s: %s\n", d.StudentID, d.RuleSetID, day.Format(schema.DateLayout), verdict)
			if len(d.TriggeredConditions) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "  triggered: %s\n", strings.Join(d.TriggeredConditions, ", "))
			}
			if d.SummaryDate != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  summary:   %s\n", d.SummaryDate)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&studentID, "student", "", "student id (required)")
	cmd.Flags().StringVar(&ruleSetID, "rule-set", "", "rule set id (required)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation date YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("rule-set")
	return cmd
}

func newIntakeCommand(opts *rootOptions) *cobra.Command {
	var schoolID, asOf string
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Evaluate a school now and feed eligible students into their ladders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			day, err := parseAsOf(asOf, a.locker.Now())
			if err != nil {
				return err
			}
			report, err := a.intake.RunIntake(ctx, schoolID, day)
			if err != nil {
				return err
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return table(cmd.OutOrStdout(),
				[]any{"SCHOOL", "AS OF", "ELIGIBLE", "CREATED", "ADVANCED", "COMPLETED", "STOPPED", "ESCALATED", "FAILED"},
				[][]any{{report.SchoolID, report.AsOf, report.Eligible, report.Created, report.Advanced,
					report.Completed, report.Stopped, report.Escalated, report.Failed}})
		},
	}
	cmd.Flags().StringVar(&schoolID, "school", "", "school id (required)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation date YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("school")
	return cmd
}

func newRunOnceCommand(opts *rootOptions) *cobra.Command {
	var dispatch bool
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run one playbook runner tick, optionally followed by one dispatch pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tick, err := a.runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{"tick": tick}
			if dispatch {
				d, err := a.dispatcher.RunOnce(ctx)
				if err != nil {
					return err
				}
				out["dispatch"] = d
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			if !tick.Acquired {
				fmt.Fprintln(cmd.OutOrStdout(), warnText("lock held by another process, nothing done"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s fence=%d runs_created=%d due=%d scheduled=%d skipped=%d stopped=%d escalated=%d completed=%d failed=%d (%s)\n",
				okText("tick"), tick.Fence, tick.RunsCreated, tick.DueRuns, tick.Scheduled, tick.Skipped,
				tick.Stopped, tick.Escalated, tick.Completed, tick.Failed, tick.Duration)
			if d, ok := out["dispatch"]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %+v\n", okText("dispatch"), d)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dispatch, "dispatch", false, "also run one outbox dispatch pass")
	return cmd
}

func newDeadLettersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and replay dead-lettered outbox entries",
	}

	var pendingOnly bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := store.DeadLetterFilter{Limit: limit}
			if pendingOnly {
				f := false
				filter.Replayed = &f
			}
			dls, err := a.outbox.ListDeadLetters(ctx, filter)
			if err != nil {
				return err
			}
			if dls == nil {
				dls = []*store.DeadLetter{}
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), dls)
			}
			rows := make([][]any, 0, len(dls))
			for _, dl := range dls {
				replayed := dimText("-")
				if dl.ReplayedAt != nil {
					replayed = okText(dl.ReplayedAt.Format(time.RFC3339))
				}
				rows = append(rows, []any{dl.ID, dl.Type, dl.IdempotencyKey, dl.Attempts, dl.FailedAt.Format(time.RFC3339), replayed, dl.Reason})
			}
			return table(cmd.OutOrStdout(), []any{"ID", "TYPE", "KEY", "ATTEMPTS", "FAILED AT", "REPLAYED", "REASON"}, rows)
		},
	}
	list.Flags().BoolVar(&pendingOnly, "pending", false, "only dead letters not yet replayed")
	list.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	replay := &cobra.Command{
		Use:   "replay ID",
		Short: "Mark a dead letter as replayed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dl, err := a.outbox.Replay(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), dl)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okText("replayed"), dl.ID)
			return nil
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func newInstancesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List, stop or escalate intervention instances",
	}

	var schoolID, studentID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List intervention instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := store.InstanceFilter{SchoolID: schoolID, StudentID: studentID, Limit: limit}
			if status != "" {
				s := schema.Status(strings.ToUpper(status))
				filter.Status = &s
			}
			instances, err := a.store.ListInstances(ctx, filter)
			if err != nil {
				return err
			}
			if instances == nil {
				instances = []*store.Instance{}
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), instances)
			}
			rows := make([][]any, 0, len(instances))
			for _, in := range instances {
				rows = append(rows, []any{in.ID, in.StudentID, in.RuleSetID, in.CurrentStageID,
					statusText(in.Status), in.LastTransitionAt.Format(time.RFC3339), in.ClosedReason})
			}
			return table(cmd.OutOrStdout(), []any{"ID", "STUDENT", "RULE SET", "STAGE", "STATUS", "LAST TRANSITION", "REASON"}, rows)
		},
	}
	list.Flags().StringVar(&schoolID, "school", "", "filter by school")
	list.Flags().StringVar(&studentID, "student", "", "filter by student")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	cmd.AddCommand(list,
		newInterventionCommand(opts, "stop", "Stop an active instance"),
		newInterventionCommand(opts, "escalate", "Escalate an active instance"),
	)
	return cmd
}

func newInterventionCommand(opts *rootOptions, action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var inst *store.Instance
			if action == "stop" {
				inst, err = a.ladder.Stop(ctx, args[0], reason)
			} else {
				inst, err = a.ladder.Escalate(ctx, args[0], reason)
			}
			if err != nil {
				return err
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), inst)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", inst.ID, statusText(inst.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the instance (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
