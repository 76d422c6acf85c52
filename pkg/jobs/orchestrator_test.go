package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clauseguard/clauseguard/pkg/analysis"
	"github.com/clauseguard/clauseguard/pkg/auditlog"
	"github.com/clauseguard/clauseguard/pkg/config"
	"github.com/clauseguard/clauseguard/pkg/coverage"
	"github.com/clauseguard/clauseguard/pkg/detect"
	"github.com/clauseguard/clauseguard/pkg/extract"
	"github.com/clauseguard/clauseguard/pkg/rulepack"
	"github.com/clauseguard/clauseguard/pkg/store"
	"github.com/clauseguard/clauseguard/pkg/tokens"
)

const orchPack = `
meta:
  id: orch_pack
  version: 1.0.0
weak_language:
  hedging:
    - "commercially reasonable"
    - "where possible"
lexicons:
  strengtheners:
    - "shall"
evidence_window_sentences: 0
expected_detectors: [d_instructions, d_subprocessor]
detectors:
  - id: d_instructions
    type: anchor
    anchors_any: ["documented instructions"]
    weak_nearby:
      any: ["@hedging"]
    redflags_any: ["no obligation to"]
  - id: d_subprocessor
    type: regex
    pattern: "sub-?processor"
`

const orchDoc = "The processor shall act only on documented instructions. " +
	"Where possible, the processor follows documented instructions."

type fixture struct {
	cfg   *config.Config
	store *store.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataRoot:                dir,
		TokenCapPerDoc:          1_000_000,
		TokenCostPerUnit:        0.0001,
		TokenCappingEnabled:     true,
		WeakLexiconEnabled:      true,
		EvidenceWindowSentences: 0,
		JobSync:                 true,
		JobWorkers:              2,
		ExtractTimeout:          5 * time.Second,
		DetectTimeout:           5 * time.Second,
		RetryBackoff:            time.Millisecond,
		MaxUploadBytes:          1 << 20,
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.New(dir)
	require.NoError(t, err)

	packs := rulepack.NewRegistry()
	rp, err := rulepack.Parse([]byte(orchPack))
	require.NoError(t, err)
	packs.Add(rp)

	db, err := OpenDB(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	registry, err := NewRegistry(db)
	require.NoError(t, err)

	ledger := tokens.NewLedger(st, cfg.TokenCapPerDoc, cfg.TokenCostPerUnit, cfg.TokenCappingEnabled)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(cfg, st, ledger, packs, extract.NewRegistry(), registry, logger)
	return &fixture{cfg: cfg, store: st, orch: orch}
}

func TestSubmitRunsPipelineInline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)

	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobDone, job.State)
	require.Empty(t, job.ErrorReason)

	a, err := f.store.LoadAnalysis(job.AnalysisID)
	require.NoError(t, err)
	require.Equal(t, analysis.StateReported, a.State)
	require.Equal(t, "1.0.0", a.RulepackVersion)
	require.NotEmpty(t, a.RulepackHash)

	findings, err := f.orch.Findings(job.AnalysisID)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	require.Equal(t, analysis.VerdictPass, findings[0].Verdict)
	require.Equal(t, analysis.VerdictWeak, findings[1].Verdict)

	usage, err := f.orch.Tokens(job.AnalysisID)
	require.NoError(t, err)
	require.Positive(t, usage.TotalTokens)
}

func TestCoverageAgainstPinnedPack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)

	cov, err := f.orch.Coverage(job.AnalysisID)
	require.NoError(t, err)
	require.Equal(t, 1, cov.Present)
	require.Equal(t, 2, cov.Total)
	require.Equal(t, []string{"d_subprocessor"}, cov.MissingDetectors)
	require.Equal(t, coverage.StatusIncomplete, cov.Status)
}

func TestAuditChainRecordsStages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)

	log := auditlog.New(job.AnalysisID)
	require.NoError(t, f.store.ReadArtifactJSON(job.AnalysisID, store.FileAudit, log))

	var stages []string
	for _, e := range log.Entries {
		stages = append(stages, e.Stage)
	}
	require.Equal(t, []string{"RECEIVED", "EXTRACTED", "SEGMENTED", "DETECTED", "REPORTED"}, stages)

	ok, msg := log.Verify()
	require.True(t, ok, msg)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "a.txt", nil, "text/plain", "")
	require.Equal(t, analysis.CodeBadInput, analysis.ErrorCode(err))

	big := make([]byte, f.cfg.MaxUploadBytes+1)
	_, err = f.orch.Submit(ctx, "a.txt", big, "text/plain", "")
	require.Equal(t, analysis.CodeBadInput, analysis.ErrorCode(err))

	_, err = f.orch.Submit(ctx, "a.bin", []byte("x"), "application/octet-stream", "")
	require.Equal(t, analysis.CodeBadInput, analysis.ErrorCode(err))
}

func TestSubmitRejectsUnknownRulepackVersion(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Submit(context.Background(), "a.txt", []byte("text"), "text/plain", "9.9.9")
	require.Equal(t, analysis.CodeRulepackMissing, analysis.ErrorCode(err))
}

func TestExtractionFailureMarksJobError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Tag-only HTML survives intake but yields no text at extraction.
	jobID, err := f.orch.Submit(ctx, "empty.html", []byte("<div><span></span></div>"), "text/html", "")
	require.NoError(t, err)

	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobError, job.State)
	require.Contains(t, job.ErrorReason, "extraction_failed")

	a, err := f.store.LoadAnalysis(job.AnalysisID)
	require.NoError(t, err)
	require.Equal(t, analysis.StateFailed, a.State)
}

func TestTokenCapSurfacesAsFinding(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.TokenCapPerDoc = 10 })
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobDone, job.State)

	findings, err := f.orch.Findings(job.AnalysisID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, detect.TokenCapDetectorID, findings[0].DetectorID)

	usage, err := f.orch.Tokens(job.AnalysisID)
	require.NoError(t, err)
	require.True(t, usage.CapExceeded)
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobDone, job.State)

	// Simulate a crash after detection: the upload is gone but the
	// artifact and findings survive. A fresh job must complete without
	// touching the extract or detect stages.
	require.NoError(t, os.Remove(filepath.Join(f.store.Dir(job.AnalysisID), "dpa.txt")))

	resume := &Job{ID: analysis.NewID(), AnalysisID: job.AnalysisID, State: JobQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.orch.registry.Create(ctx, resume))
	f.orch.process(ctx, resume.ID)

	got, err := f.orch.Status(ctx, resume.ID)
	require.NoError(t, err)
	require.Equal(t, JobDone, got.State)
}

func TestResumeRerunsDetectOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)

	// Findings lost, artifact intact, upload gone: only detect reruns.
	require.NoError(t, os.Remove(filepath.Join(f.store.Dir(job.AnalysisID), store.FileFindings)))
	require.NoError(t, os.Remove(filepath.Join(f.store.Dir(job.AnalysisID), "dpa.txt")))

	resume := &Job{ID: analysis.NewID(), AnalysisID: job.AnalysisID, State: JobQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, f.orch.registry.Create(ctx, resume))
	f.orch.process(ctx, resume.ID)

	got, err := f.orch.Status(ctx, resume.ID)
	require.NoError(t, err)
	require.Equal(t, JobDone, got.State)

	findings, err := f.orch.Findings(job.AnalysisID)
	require.NoError(t, err)
	require.Len(t, findings, 2)
}

func TestProcessCompletedJobIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)

	log := auditlog.New("")
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, f.store.ReadArtifactJSON(job.AnalysisID, store.FileAudit, log))
	before := len(log.Entries)

	f.orch.process(ctx, jobID)

	log = auditlog.New("")
	require.NoError(t, f.store.ReadArtifactJSON(job.AnalysisID, store.FileAudit, log))
	require.Equal(t, before, len(log.Entries), "re-processing a done job must not append audit entries")
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.JobSync = false })
	ctx := context.Background()

	// No workers are running; the job stays queued.
	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(ctx, jobID))
	job, err := f.orch.Status(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobError, job.State)
	require.Equal(t, "cancelled", job.ErrorReason)
}

func TestStageRetriesTransientOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	attempts := 0
	err := f.orch.stage(ctx, "extract", time.Second, analysis.CodeExtractionFailed, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return analysis.TransientErrorf(analysis.CodeDiskIO, "flaky write")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	attempts = 0
	fatal := analysis.Errorf(analysis.CodeExtractionFailed, "empty document")
	err = f.orch.stage(ctx, "extract", time.Second, analysis.CodeExtractionFailed, func(context.Context) error {
		attempts++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	require.Equal(t, 1, attempts, "fatal errors must not retry")
}

func TestStageGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	attempts := 0
	err := f.orch.stage(context.Background(), "detect", time.Second, analysis.CodeDetectionFailed, func(context.Context) error {
		attempts++
		return analysis.TransientErrorf(analysis.CodeDetectionFailed, "still flaky")
	})
	require.Error(t, err)
	require.Equal(t, maxStageAttempts, attempts)
	require.Equal(t, analysis.CodeDetectionFailed, analysis.ErrorCode(err))
}

func TestStageTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, nil)
	attempts := 0
	err := f.orch.stage(context.Background(), "extract", 10*time.Millisecond, analysis.CodeExtractionFailed, func(sctx context.Context) error {
		attempts++
		<-sctx.Done()
		return sctx.Err()
	})
	require.Error(t, err)
	require.Equal(t, maxStageAttempts, attempts, "timeouts retry as transient")
	require.Equal(t, analysis.CodeExtractionFailed, analysis.ErrorCode(err))
}

func TestStageCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.orch.stage(ctx, "extract", time.Second, analysis.CodeExtractionFailed, func(context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, analysis.ErrCancelled)
}

func TestWorkerPoolProcessesQueue(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.JobSync = false })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.orch.Start(ctx) }()

	jobID, err := f.orch.Submit(ctx, "dpa.txt", []byte(orchDoc), "text/plain", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := f.orch.Status(context.Background(), jobID)
		return err == nil && job.State == JobDone
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}
