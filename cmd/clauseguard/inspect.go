package main

import (
	"context"
	"flag"
	"fmt"
	"io"
)

// runStatus prints the job record.
func runStatus(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jobID := cmd.String("job", "", "Job id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *jobID == "" {
		_, _ = fmt.Fprintln(stderr, "status: -job is required")
		return 2
	}

	app, err := newApp("")
	if err != nil {
		return fail(stderr, err)
	}
	defer app.close()

	job, err := app.orch.Status(context.Background(), *jobID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, job)
	return 0
}

// runFindings prints the findings array for an analysis.
func runFindings(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("findings", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	analysisID := cmd.String("analysis", "", "Analysis id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *analysisID == "" {
		_, _ = fmt.Fprintln(stderr, "findings: -analysis is required")
		return 2
	}

	app, err := newApp("")
	if err != nil {
		return fail(stderr, err)
	}
	defer app.close()

	findings, err := app.orch.Findings(*analysisID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, findings)
	return 0
}

// runCoverage prints the obligation coverage for an analysis.
func runCoverage(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("coverage", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	analysisID := cmd.String("analysis", "", "Analysis id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *analysisID == "" {
		_, _ = fmt.Fprintln(stderr, "coverage: -analysis is required")
		return 2
	}

	app, err := newApp("")
	if err != nil {
		return fail(stderr, err)
	}
	defer app.close()

	cov, err := app.orch.Coverage(*analysisID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, cov)
	return 0
}

// runTokens prints token usage for one analysis or the fleet aggregate.
func runTokens(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tokens", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	analysisID := cmd.String("analysis", "", "Analysis id")
	aggregate := cmd.Bool("aggregate", false, "Print fleet-wide aggregate stats")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	app, err := newApp("")
	if err != nil {
		return fail(stderr, err)
	}
	defer app.close()

	if *aggregate {
		stats, err := app.ledger.Aggregate()
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, stats)
		return 0
	}
	if *analysisID == "" {
		_, _ = fmt.Fprintln(stderr, "tokens: -analysis or -aggregate is required")
		return 2
	}
	usage, err := app.ledger.Get(*analysisID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, usage)
	return 0
}
