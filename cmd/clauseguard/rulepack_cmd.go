package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/clauseguard/clauseguard/pkg/rulepack"
)

// runRulepack validates or lists rulepacks.
func runRulepack(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: clauseguard rulepack <validate|list> [flags]")
		return 2
	}
	switch args[0] {
	case "validate":
		return runRulepackValidate(args[1:], stdout, stderr)
	case "list":
		return runRulepackList(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown rulepack command %q\n", args[0])
		return 2
	}
}

func runRulepackValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rulepack validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	path := cmd.String("path", "", "Rulepack file or directory (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		_, _ = fmt.Fprintln(stderr, "rulepack validate: -path is required")
		return 2
	}

	packs, err := rulepack.Load(*path)
	if err != nil {
		return fail(stderr, err)
	}
	for _, rp := range packs {
		_, _ = fmt.Fprintf(stdout, "%s@%s: %d detectors, %d lexicons, hash %s\n",
			rp.Meta.ID, rp.Meta.Version, len(rp.Detectors), len(rp.Lexicons), rp.Hash)
	}
	return 0
}

func runRulepackList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rulepack list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	packsPath := cmd.String("packs", "", "Rulepack file or directory (default: embedded bundle)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	reg := rulepack.NewRegistry()
	if *packsPath != "" {
		if err := reg.LoadPath(*packsPath); err != nil {
			return fail(stderr, err)
		}
	} else if err := rulepack.LoadEmbedded(reg); err != nil {
		return fail(stderr, err)
	}

	for _, id := range reg.IDs() {
		for _, v := range reg.ListVersions(id) {
			_, _ = fmt.Fprintf(stdout, "%s@%s\n", id, v)
		}
	}
	return 0
}
