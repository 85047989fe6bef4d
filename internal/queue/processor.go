package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/document"
	"github.com/ahrdadan/wkit/internal/navigation"
)

// Navigator issues one navigation and blocks until it settles.
type Navigator interface {
	Request(ctx context.Context, url string, opts navigation.Options) (*navigation.Result, error)
}

// NavigateProcessor processes navigate jobs
type NavigateProcessor struct {
	nav    Navigator
	logger *zap.Logger
}

// NewNavigateProcessor creates a new navigate processor
func NewNavigateProcessor(nav Navigator, logger *zap.Logger) *NavigateProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NavigateProcessor{nav: nav, logger: logger}
}

// ProgressReporter provides methods for reporting detailed progress
type ProgressReporter struct {
	job        *Job
	updateFunc func(int, string)
}

// NewProgressReporter creates a new progress reporter
func NewProgressReporter(job *Job, updateFunc func(int, string)) *ProgressReporter {
	return &ProgressReporter{
		job:        job,
		updateFunc: updateFunc,
	}
}

// SetStage sets the current processing stage
func (r *ProgressReporter) SetStage(stage Stage) {
	r.job.SetStage(stage)
}

// Report reports simple percentage progress. A nil update func is allowed.
func (r *ProgressReporter) Report(pct int, message string) {
	if r.updateFunc == nil {
		return
	}
	r.updateFunc(pct, message)
}

// Process navigates to the job URL and extracts the requested elements.
func (p *NavigateProcessor) Process(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error) {
	req := job.Request
	if req.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	reporter := NewProgressReporter(job, progress)
	reporter.SetStage(StageNavigating)
	reporter.Report(10, "Navigating to "+req.URL)

	res, err := p.nav.Request(ctx, req.URL, req.Options(job.GetTimeoutDuration()))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, navigation.ErrTimeout) {
			return nil, fmt.Errorf("job timed out after %v: %w", job.GetTimeoutDuration(), ctx.Err())
		}
		return nil, fmt.Errorf("navigation failed: %w", err)
	}
	p.logger.Debug("navigation resolved",
		zap.String("job_id", job.ID),
		zap.String("url", res.URL),
		zap.Int("status", res.Status))

	if req.AssertOK && res.Status != http.StatusOK {
		return nil, &navigation.HTTPStatusError{URL: res.URL, Status: res.Status}
	}

	result := &JobResult{Response: res.View()}

	if req.Extract != nil {
		reporter.SetStage(StageExtracting)
		reporter.Report(70, "Extracting "+req.Extract.String())

		matches, err := Extract(ctx, res, *req.Extract)
		if err != nil {
			return nil, err
		}
		result.Matches = matches
	}

	reporter.SetStage(StageCompleted)
	reporter.Report(100, "Job completed successfully")

	return result, nil
}

// Extract runs an extraction against the response body or the rendered page.
func Extract(ctx context.Context, res *navigation.Result, cfg ExtractConfig) ([]document.ElementView, error) {
	var (
		doc *document.Document
		err error
	)
	if cfg.Rendered {
		doc, err = res.Rendered(ctx)
	} else {
		doc, err = res.Document()
	}
	if err != nil {
		return nil, err
	}

	elements, err := doc.Select(cfg.Query)
	if err != nil {
		return nil, err
	}
	return document.Views(elements), nil
}
