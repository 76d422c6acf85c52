package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

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

const maxStageAttempts = 3

// Orchestrator owns the pipeline state machine. Multiple analyses progress
// concurrently; within one analysis processing is strictly sequential and
// a per-job lock guarantees at most one attempt at a time.
type Orchestrator struct {
	cfg        *config.Config
	store      *store.Store
	ledger     *tokens.Ledger
	packs      *rulepack.Registry
	extractors *extract.Registry
	runner     *detect.Runner
	registry   *Registry
	logger     *slog.Logger
	tracer     trace.Tracer

	queue   chan string
	jobMu   sync.Map // job_id -> *sync.Mutex
	cancels sync.Map // job_id -> context.CancelFunc
	limiter *rate.Limiter
}

// New wires an orchestrator from its collaborators.
func New(cfg *config.Config, st *store.Store, ledger *tokens.Ledger, packs *rulepack.Registry, extractors *extract.Registry, registry *Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      st,
		ledger:     ledger,
		packs:      packs,
		extractors: extractors,
		registry:   registry,
		logger:     logger,
		tracer:     otel.Tracer("clauseguard/jobs"),
		runner: &detect.Runner{
			Store:              st,
			Ledger:             ledger,
			WeakLexiconEnabled: cfg.WeakLexiconEnabled,
			DefaultWindow:      cfg.EvidenceWindowSentences,
			Logger:             logger,
		},
		queue: make(chan string, 256),
		// Job starts are throttled so a submission burst cannot starve
		// running analyses of I/O.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// Start runs the worker pool until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.JobWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case jobID := <-o.queue:
					if err := o.limiter.Wait(ctx); err != nil {
						return err
					}
					o.process(ctx, jobID)
				}
			}
		})
	}
	return g.Wait()
}

// Submit validates an upload, pins the rulepack version, creates the
// analysis directory and the queued job, and returns the job id. With
// JOB_SYNC the job is processed inline before returning.
func (o *Orchestrator) Submit(ctx context.Context, filename string, data []byte, mime, rulepackVersion string) (string, error) {
	if len(data) == 0 {
		return "", analysis.Errorf(analysis.CodeBadInput, "empty upload")
	}
	if int64(len(data)) > o.cfg.MaxUploadBytes {
		return "", analysis.Errorf(analysis.CodeBadInput, "upload exceeds %d bytes", o.cfg.MaxUploadBytes)
	}
	if !o.extractors.Supports(mime) {
		return "", analysis.Errorf(analysis.CodeBadInput, "unsupported mime type %q", mime)
	}

	ids := o.packs.IDs()
	if len(ids) == 0 {
		return "", analysis.Errorf(analysis.CodeRulepackMissing, "no rulepacks registered")
	}
	rp, err := o.packs.Resolve(ids[0], rulepackVersion)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	a := &analysis.Analysis{
		ID:              analysis.NewID(),
		Filename:        store.SanitizeFilename(filename),
		SizeBytes:       int64(len(data)),
		MIMEType:        mime,
		RulepackVersion: rp.Meta.Version,
		RulepackHash:    rp.Hash,
		State:           analysis.StateReceived,
		CreatedAt:       now,
	}
	if err := o.store.EnsureDir(a.ID); err != nil {
		return "", err
	}
	if _, err := o.store.SaveUpload(a.ID, a.Filename, data); err != nil {
		return "", err
	}
	if err := o.store.SaveAnalysis(a); err != nil {
		return "", err
	}
	if err := o.audit(a.ID, string(analysis.StateReceived), a.Filename); err != nil {
		return "", err
	}

	job := &Job{ID: analysis.NewID(), AnalysisID: a.ID, State: JobQueued, CreatedAt: now}
	if err := o.registry.Create(ctx, job); err != nil {
		return "", analysis.Wrap(analysis.CodeInternal, err)
	}
	o.logger.Info("job submitted", "job_id", job.ID, "analysis_id", a.ID,
		"rulepack", rp.Meta.ID, "rulepack_version", rp.Meta.Version)

	if o.cfg.JobSync {
		o.process(ctx, job.ID)
		return job.ID, nil
	}
	select {
	case o.queue <- job.ID:
	case <-ctx.Done():
		return "", analysis.ErrCancelled
	}
	return job.ID, nil
}

// Status reports the job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*Job, error) {
	return o.registry.Get(ctx, jobID)
}

// Cancel cancels a job. Queued jobs cancel immediately; running jobs stop
// at the next suspension point, leaving .tmp files unrenamed.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.registry.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.State {
	case JobQueued:
		return o.registry.MarkError(ctx, jobID, string(analysis.CodeCancelled), time.Now())
	case JobRunning:
		if c, ok := o.cancels.Load(jobID); ok {
			c.(context.CancelFunc)()
		}
		return nil
	default:
		return nil
	}
}

// Findings returns the persisted findings for an analysis.
func (o *Orchestrator) Findings(analysisID string) ([]analysis.Finding, error) {
	return o.store.LoadFindings(analysisID)
}

// Coverage computes coverage for an analysis against its pinned rulepack.
func (o *Orchestrator) Coverage(analysisID string) (*coverage.Coverage, error) {
	a, err := o.store.LoadAnalysis(analysisID)
	if err != nil {
		return nil, err
	}
	ids := o.packs.IDs()
	if len(ids) == 0 {
		return nil, analysis.Errorf(analysis.CodeRulepackMissing, "no rulepacks registered")
	}
	rp, err := o.packs.Resolve(ids[0], a.RulepackVersion)
	if err != nil {
		return nil, err
	}
	findings, err := o.store.LoadFindings(analysisID)
	if err != nil {
		return nil, err
	}
	return coverage.Compute(findings, rp.ExpectedDetectors()), nil
}

// Tokens returns the token usage snapshot for an analysis.
func (o *Orchestrator) Tokens(analysisID string) (*store.TokenUsage, error) {
	return o.ledger.Get(analysisID)
}

// process runs the pipeline for one job. Completed stages are skipped on
// resume by probing the analysis directory for well-formed outputs.
func (o *Orchestrator) process(ctx context.Context, jobID string) {
	mu := o.lockFor(jobID)
	if !mu.TryLock() {
		o.logger.Warn("job already processing", "job_id", jobID)
		return
	}
	defer mu.Unlock()

	job, err := o.registry.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		return
	}
	if job.State == JobDone || job.State == JobError {
		// Re-running a completed job is a no-op.
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancels.Store(jobID, cancel)
	defer func() {
		cancel()
		o.cancels.Delete(jobID)
	}()

	if err := o.registry.MarkRunning(ctx, jobID, time.Now()); err != nil {
		o.logger.Error("job start failed", "job_id", jobID, "error", err)
		return
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("job_id", jobID), attribute.String("analysis_id", job.AnalysisID)))
	defer span.End()

	if err := o.runStages(ctx, job); err != nil {
		reason := errorReason(err)
		o.logger.Error("job failed", "job_id", jobID, "analysis_id", job.AnalysisID, "reason", reason)
		_ = o.setState(job.AnalysisID, analysis.StateFailed)
		_ = o.audit(job.AnalysisID, string(analysis.StateFailed), reason)
		if merr := o.registry.MarkError(context.WithoutCancel(ctx), jobID, reason, time.Now()); merr != nil {
			o.logger.Error("job error mark failed", "job_id", jobID, "error", merr)
		}
		return
	}
	if err := o.registry.MarkDone(context.WithoutCancel(ctx), jobID, time.Now()); err != nil {
		o.logger.Error("job done mark failed", "job_id", jobID, "error", err)
		return
	}
	o.logger.Info("job done", "job_id", jobID, "analysis_id", job.AnalysisID)
}

// runStages advances extraction -> segmentation -> detection -> report.
func (o *Orchestrator) runStages(ctx context.Context, job *Job) error {
	aID := job.AnalysisID

	if !o.store.HasArtifact(aID) {
		err := o.stage(ctx, "extract", o.cfg.ExtractTimeout, analysis.CodeExtractionFailed, func(sctx context.Context) error {
			return o.extractStage(sctx, aID)
		})
		if err != nil {
			return err
		}
	}
	if err := o.setState(aID, analysis.StateExtracted); err != nil {
		return err
	}
	if err := o.audit(aID, string(analysis.StateExtracted), ""); err != nil {
		return err
	}
	// The sentence index is produced with the artifact; SEGMENTED is an
	// observable label, not a separate computation.
	if err := o.setState(aID, analysis.StateSegmented); err != nil {
		return err
	}
	if err := o.audit(aID, string(analysis.StateSegmented), ""); err != nil {
		return err
	}

	if !o.store.HasFindings(aID) {
		err := o.stage(ctx, "detect", o.cfg.DetectTimeout, analysis.CodeDetectionFailed, func(sctx context.Context) error {
			return o.detectStage(sctx, aID)
		})
		if err != nil {
			return err
		}
	}
	if err := o.setState(aID, analysis.StateDetected); err != nil {
		return err
	}
	if err := o.audit(aID, string(analysis.StateDetected), ""); err != nil {
		return err
	}

	if err := o.setState(aID, analysis.StateReported); err != nil {
		return err
	}
	return o.audit(aID, string(analysis.StateReported), "")
}

// stage runs fn with a wall-clock bound and the retry policy: up to three
// attempts with linear backoff, transient failures only. Timeouts count as
// transient.
func (o *Orchestrator) stage(ctx context.Context, name string, timeout time.Duration, code analysis.Code, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxStageAttempts; attempt++ {
		if ctx.Err() != nil {
			return analysis.ErrCancelled
		}
		sctx, span := o.tracer.Start(ctx, "pipeline."+name,
			trace.WithAttributes(attribute.Int("attempt", attempt)))
		sctx, cancel := context.WithTimeout(sctx, timeout)
		err := fn(sctx)
		cancel()
		span.End()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = analysis.TransientErrorf(code, "%s timed out after %s", name, timeout)
		}
		if ctx.Err() != nil {
			return analysis.ErrCancelled
		}
		lastErr = err
		if !analysis.IsTransient(err) {
			return err
		}
		o.logger.Warn("stage failed, retrying", "stage", name, "attempt", attempt, "error", err)
		if attempt < maxStageAttempts {
			select {
			case <-time.After(time.Duration(attempt) * o.cfg.RetryBackoff):
			case <-ctx.Done():
				return analysis.ErrCancelled
			}
		}
	}
	return lastErr
}

func (o *Orchestrator) extractStage(ctx context.Context, analysisID string) error {
	a, err := o.store.LoadAnalysis(analysisID)
	if err != nil {
		return analysis.WrapTransient(analysis.CodeExtractionFailed, err)
	}
	data, err := o.store.LoadUpload(analysisID, a.Filename)
	if err != nil {
		return analysis.WrapTransient(analysis.CodeExtractionFailed, err)
	}
	art, err := o.extractors.Extract(ctx, data, a.MIMEType)
	if err != nil {
		return err
	}
	return o.store.SaveArtifact(analysisID, art)
}

func (o *Orchestrator) detectStage(ctx context.Context, analysisID string) error {
	a, err := o.store.LoadAnalysis(analysisID)
	if err != nil {
		return analysis.WrapTransient(analysis.CodeDetectionFailed, err)
	}
	art, err := o.store.LoadArtifact(analysisID)
	if err != nil {
		return analysis.WrapTransient(analysis.CodeDetectionFailed, err)
	}
	ids := o.packs.IDs()
	if len(ids) == 0 {
		return analysis.Errorf(analysis.CodeRulepackMissing, "no rulepacks registered")
	}
	rp, err := o.packs.Resolve(ids[0], a.RulepackVersion)
	if err != nil {
		return err
	}
	_, err = o.runner.Run(ctx, analysisID, art, rp)
	return err
}

// setState updates the observable analysis state label.
func (o *Orchestrator) setState(analysisID string, st analysis.State) error {
	a, err := o.store.LoadAnalysis(analysisID)
	if err != nil {
		return analysis.WrapTransient(analysis.CodeDiskIO, err)
	}
	a.State = st
	return o.store.SaveAnalysis(a)
}

// audit appends a stage transition to the analysis audit chain.
func (o *Orchestrator) audit(analysisID, stage, note string) error {
	log := auditlog.New(analysisID)
	err := o.store.ReadArtifactJSON(analysisID, store.FileAudit, log)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := log.Append(stage, note); err != nil {
		return analysis.Wrap(analysis.CodeInternal, err)
	}
	return o.store.WriteArtifactJSON(analysisID, store.FileAudit, log)
}

func (o *Orchestrator) lockFor(jobID string) *sync.Mutex {
	mu, _ := o.jobMu.LoadOrStore(jobID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// errorReason renders the machine-parseable failure surface: the code,
// plus a short human message when available.
func errorReason(err error) string {
	code := analysis.ErrorCode(err)
	var ce *analysis.Error
	if errors.As(err, &ce) && ce.Detail != "" {
		return fmt.Sprintf("%s: %s", code, ce.Detail)
	}
	return string(code)
}
