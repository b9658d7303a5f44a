package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/rendis/attendflow/pkg/schema"
)

var (
	okText    = color.New(color.FgGreen).SprintFunc()
	warnText  = color.New(color.FgYellow).SprintFunc()
	errorText = color.New(color.FgRed, color.Bold).SprintFunc()
	dimText   = color.New(color.Faint).SprintFunc()
	headText  = color.New(color.Bold).SprintFunc()
)

// statusText colours an instance or run status by outcome.
func statusText(s schema.Status) string {
	switch s {
	case schema.StatusActive:
		return okText(string(s))
	case schema.StatusEscalated:
		return errorText(string(s))
	case schema.StatusStopped:
		return warnText(string(s))
	default:
		return dimText(string(s))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab-aligned rows under a bold header.
func table(w io.Writer, header []any, rows [][]any) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for i, h := range header {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, headText(h))
	}
	fmt.Fprintln(tw)
	for _, row := range rows {
		for i, c := range row {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, c)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// printIssues lists validation errors and warnings for one definition.
func printIssues(w io.Writer, r *schema.ValidationResult) {
	for _, e := range r.Errors {
		fmt.Fprintf(w, "%s %s %s: %s\n", errorText("error"), r.Subject(), e.Path, e.Message)
	}
	for _, e := range r.Warnings {
		fmt.Fprintf(w, "%s %s %s: %s\n", warnText("warn"), r.Subject(), e.Path, e.Message)
	}
	if skipped := r.SkippedConditions(); len(skipped) > 0 {
		fmt.Fprintf(w, "%s %s: %d condition(s) will be skipped at evaluation\n", dimText("note"), r.Subject(), len(skipped))
	}
}
