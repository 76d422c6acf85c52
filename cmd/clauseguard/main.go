// clauseguard scans a contract for GDPR Article 28(3) processor
// obligations and emits structured findings.
//
// Exit codes:
//
//	0 = ok
//	2 = bad input
//	3 = rulepack error
//	4 = extraction failed
//	5 = detection failed
//	6 = token cap exceeded
//	7 = internal error
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "analyze":
		return runAnalyze(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "findings":
		return runFindings(args[2:], stdout, stderr)
	case "coverage":
		return runCoverage(args[2:], stdout, stderr)
	case "tokens":
		return runTokens(args[2:], stdout, stderr)
	case "rulepack":
		return runRulepack(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: clauseguard <command> [flags]

Commands:
  analyze    submit a document and run the detector pipeline
  status     show job state
  findings   print findings for an analysis
  coverage   print obligation coverage for an analysis
  tokens     print token usage (per analysis or --aggregate)
  rulepack   validate or list rulepacks
`)
}
