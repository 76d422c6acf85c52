package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/clauseguard/clauseguard/pkg/analysis"
)

// runAnalyze submits a document and runs the pipeline inline, printing
// the job record and findings summary.
func runAnalyze(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("analyze", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file        string
		mime        string
		packVersion string
		packsPath   string
	)
	cmd.StringVar(&file, "file", "", "Document to analyze (REQUIRED)")
	cmd.StringVar(&mime, "mime", "", "MIME type (default: from file extension)")
	cmd.StringVar(&packVersion, "rulepack-version", "", "Rulepack version to pin (default: latest)")
	cmd.StringVar(&packsPath, "packs", "", "Rulepack file or directory (default: embedded bundle)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "analyze: -file is required")
		return 2
	}

	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if mime == "" {
		mime = mimeFromExt(file)
	}

	app, err := newApp(packsPath)
	if err != nil {
		return fail(stderr, err)
	}
	defer app.close()

	ctx := context.Background()
	jobID, err := app.orch.Submit(ctx, filepath.Base(file), data, mime, packVersion)
	if err != nil {
		return fail(stderr, err)
	}
	job, err := app.orch.Status(ctx, jobID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, job)

	if job.State == "error" {
		code := analysis.Code(strings.SplitN(job.ErrorReason, ":", 2)[0])
		return code.ExitCode()
	}
	findings, err := app.orch.Findings(job.AnalysisID)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, findings)
	return 0
}

func mimeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	default:
		return "text/plain"
	}
}

