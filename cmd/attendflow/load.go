package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/attendflow/internal/store"
	"github.com/rendis/attendflow/pkg/schema"
)

// bundle is the JSON document accepted by the load command. Every section is optional.
type bundle struct {
	RuleSets       []*schema.RuleSet            `json:"rule_sets"`
	Playbooks      []*schema.PlaybookDefinition `json:"playbooks"`
	Guardians      []bundleGuardian             `json:"guardians"`
	Summaries      []*schema.AttendanceSummary  `json:"summaries"`
	EvaluationJobs []*store.EvaluationJob       `json:"evaluation_jobs"`
}

type bundleGuardian struct {
	schema.Guardian
	Primary bool `json:"primary"`
}

// loadReport counts what a load wrote.
type loadReport struct {
	RuleSets    int `json:"rule_sets"`
	Playbooks   int `json:"playbooks"`
	Guardians   int `json:"guardians"`
	Summaries   int `json:"summaries"`
	Jobs        int `json:"evaluation_jobs"`
	JobsSkipped int `json:"evaluation_jobs_skipped"`
}

func newLoadCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "load FILE...",
		Short: "Validate and load rule sets, playbooks, guardians, summaries and evaluation jobs",
		Long: `Load one or more JSON bundles. Each bundle may hold rule_sets, playbooks,
guardians, summaries and evaluation_jobs. All definitions are validated before
anything is written; a single invalid definition aborts the whole load.

Examples:
  attendflow load policy.json
  attendflow load --dry-run policy.json roster.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var merged bundle
			for _, path := range args {
				b, err := readBundle(path)
				if err != nil {
					return err
				}
				merged.merge(b)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.checkBundle(cmd.ErrOrStderr(), &merged); err != nil {
				return err
			}
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), okText("valid"))
				return nil
			}
			report, err := a.loadBundle(ctx, &merged)
			if err != nil {
				return err
			}
			if opts.Output == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s rule_sets=%d playbooks=%d guardians=%d summaries=%d jobs=%d (skipped %d)\n",
				okText("loaded"), report.RuleSets, report.Playbooks, report.Guardians, report.Summaries, report.Jobs, report.JobsSkipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	return cmd
}

func readBundle(path string) (*bundle, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var b bundle
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &b, nil
}

func (b *bundle) merge(o *bundle) {
	b.RuleSets = append(b.RuleSets, o.RuleSets...)
	b.Playbooks = append(b.Playbooks, o.Playbooks...)
	b.Guardians = append(b.Guardians, o.Guardians...)
	b.Summaries = append(b.Summaries, o.Summaries...)
	b.EvaluationJobs = append(b.EvaluationJobs, o.EvaluationJobs...)
}

// checkBundle validates every definition and cron expression, printing all issues.
func (a *app) checkBundle(w io.Writer, b *bundle) error {
	invalid := 0
	for _, rs := range b.RuleSets {
		r := a.validator.CheckRuleSet(rs)
		printIssues(w, r)
		if !r.Valid() {
			invalid++
		}
	}
	for _, pb := range b.Playbooks {
		r := a.validator.CheckPlaybook(pb)
		printIssues(w, r)
		if !r.Valid() {
			invalid++
		}
	}
	for _, job := range b.EvaluationJobs {
		if job.ID == "" || job.SchoolID == "" {
			fmt.Fprintf(w, "%s evaluation job %q: id and school_id are required\n", errorText("error"), job.ID)
			invalid++
			continue
		}
		if _, err := a.scheduler.CalculateNextRun(job.CronExpression, a.locker.Now()); err != nil {
			fmt.Fprintf(w, "%s evaluation job %s: %v\n", errorText("error"), job.ID, err)
			invalid++
		}
	}
	if invalid > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%d invalid definitions, nothing loaded", invalid)
	}
	return nil
}

// loadBundle writes a checked bundle. Existing evaluation jobs are left alone.
func (a *app) loadBundle(ctx context.Context, b *bundle) (*loadReport, error) {
	var report loadReport
	for _, rs := range b.RuleSets {
		if err := a.store.UpsertRuleSet(ctx, rs); err != nil {
			return &report, fmt.Errorf("rule set %s: %w", rs.ID, err)
		}
		report.RuleSets++
	}
	for _, pb := range b.Playbooks {
		if err := a.store.UpsertPlaybook(ctx, pb); err != nil {
			return &report, fmt.Errorf("playbook %s: %w", pb.ID, err)
		}
		report.Playbooks++
	}
	for i := range b.Guardians {
		g := &b.Guardians[i]
		if err := a.store.UpsertGuardian(ctx, &g.Guardian, g.Primary); err != nil {
			return &report, fmt.Errorf("guardian %s: %w", g.ID, err)
		}
		report.Guardians++
	}
	for _, sum := range b.Summaries {
		if err := a.store.UpsertDailySummary(ctx, sum); err != nil {
			return &report, fmt.Errorf("summary %s/%s: %w", sum.StudentID, sum.Date.Format(schema.DateLayout), err)
		}
		report.Summaries++
	}
	now := a.locker.Now()
	for _, job := range b.EvaluationJobs {
		next, err := a.scheduler.CalculateNextRun(job.CronExpression, now)
		if err != nil {
			return &report, err
		}
		job.NextRunAt = &next
		if err := a.store.CreateEvaluationJob(ctx, job); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				report.JobsSkipped++
				continue
			}
			return &report, fmt.Errorf("evaluation job %s: %w", job.ID, err)
		}
		report.Jobs++
	}
	a.logger.InfoContext(ctx, "bundle loaded",
		"rule_sets", report.RuleSets, "playbooks", report.Playbooks,
		"guardians", report.Guardians, "summaries", report.Summaries, "jobs", report.Jobs)
	return &report, nil
}
