package queue

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahrdadan/wkit/internal/document"
	"github.com/ahrdadan/wkit/internal/navigation"
)

// Job defaults.
const (
	DefaultJobTimeout = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultPriority   = 5
	DefaultResultTTL  = 7 * 24 * time.Hour
	DefaultRetryDelay = 5 * time.Second
	MaxRetryDelay     = 5 * time.Minute
)

// JobStatus is the lifecycle position of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Finished reports whether the job has a result or an error to read.
func (s JobStatus) Finished() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Stage is the step a running navigate job is in.
type Stage string

const (
	StageNavigating Stage = "navigating"
	StageExtracting Stage = "extracting"
	StageCompleted  Stage = "completed"
)

// JobType represents the type of job
type JobType string

const (
	JobTypeNavigate JobType = "navigate"
)

// NotifyConfig holds notification settings for a job
type NotifyConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"` // signs the payload with HMAC-SHA256
	WebSocket     bool   `json:"websocket,omitempty"`
}

// RetryConfig holds retry settings for a job
type RetryConfig struct {
	MaxRetries    int     `json:"max_retries"`
	RetryDelay    int     `json:"retry_delay"`    // seconds before the first retry
	BackoffFactor float64 `json:"backoff_factor"` // default 2
}

// ExtractConfig selects elements from the resolved document.
type ExtractConfig struct {
	document.Query
	Rendered bool `json:"rendered,omitempty"` // query the rendered DOM instead of the body
}

// ProgressInfo is the stage and percentage of a running job.
type ProgressInfo struct {
	Stage   string `json:"stage,omitempty"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// JobRequest is one navigation to run in the background.
type JobRequest struct {
	Type           JobType           `json:"type"`
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Body           string            `json:"body,omitempty"`
	Timeout        int               `json:"timeout"` // seconds
	UserAgent      string            `json:"user_agent,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Cookies        map[string]string `json:"cookies,omitempty"`
	Referer        string            `json:"referer,omitempty"`
	Proxy          string            `json:"proxy,omitempty"`
	AssertOK       bool              `json:"assert_ok,omitempty"`
	Extract        *ExtractConfig    `json:"extract,omitempty"`
	Notify         *NotifyConfig     `json:"notify,omitempty"`
	Retry          *RetryConfig      `json:"retry,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Priority       int               `json:"priority,omitempty"`   // 1..10, higher first
	ResultTTL      int               `json:"result_ttl,omitempty"` // seconds
}

// Validate rejects requests no worker could run.
func (r JobRequest) Validate() error {
	if r.Type != "" && r.Type != JobTypeNavigate {
		return fmt.Errorf("unknown job type: %s", r.Type)
	}
	if r.URL == "" {
		return fmt.Errorf("url is required")
	}
	if err := navigation.ValidateURL(r.URL); err != nil {
		return err
	}
	switch strings.ToUpper(r.Method) {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead, http.MethodOptions:
	default:
		return fmt.Errorf("unsupported method: %s", r.Method)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if r.Extract != nil && r.Extract.Selector != "" && r.Extract.XPath != "" {
		return fmt.Errorf("extract takes a selector or an xpath, not both")
	}
	return nil
}

// Options converts the request into navigation options.
func (r JobRequest) Options(timeout time.Duration) navigation.Options {
	opts := navigation.DefaultOptions()
	if r.Method != "" {
		opts.Method = strings.ToUpper(r.Method)
	}
	if r.Body != "" {
		opts.Body = []byte(r.Body)
	}
	opts.UserAgent = r.UserAgent
	opts.Headers = r.Headers
	opts.Cookies = r.Cookies
	opts.Referer = r.Referer
	opts.Proxy = r.Proxy
	opts.Timeout = timeout
	return opts
}

// JobResult is stored on a succeeded job.
type JobResult struct {
	Response navigation.View        `json:"response"`
	Matches  []document.ElementView `json:"matches,omitempty"`
}

// Job is a queued navigation and everything known about its progress.
type Job struct {
	ID             string        `json:"job_id"`
	Type           JobType       `json:"type"`
	Status         JobStatus     `json:"status"`
	Progress       int           `json:"progress"`
	ProgressInfo   *ProgressInfo `json:"progress_info,omitempty"`
	Message        string        `json:"message,omitempty"`
	Request        JobRequest    `json:"request"`
	Result         *JobResult    `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      int64         `json:"created_at"`
	UpdatedAt      int64         `json:"updated_at"`
	StartedAt      int64         `json:"started_at,omitempty"`
	CompletedAt    int64         `json:"completed_at,omitempty"`
	ExpiresAt      int64         `json:"expires_at,omitempty"`
	Notify         *NotifyConfig `json:"notify,omitempty"`
	RetryCount     int           `json:"retry_count"`
	MaxRetries     int           `json:"max_retries"`
	NextRetryAt    int64         `json:"next_retry_at,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Priority       int           `json:"priority"`
	Timeout        int           `json:"timeout"` // seconds
}

// NewJob creates a queued job for req with defaults filled in.
func NewJob(req JobRequest) *Job {
	now := time.Now()

	if req.Type == "" {
		req.Type = JobTypeNavigate
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = int(DefaultJobTimeout.Seconds())
	}

	maxRetries := DefaultMaxRetries
	if req.Retry != nil && req.Retry.MaxRetries > 0 {
		maxRetries = req.Retry.MaxRetries
	}

	priority := req.Priority
	if priority < 1 || priority > 10 {
		priority = DefaultPriority
	}

	ttl := DefaultResultTTL
	if req.ResultTTL > 0 {
		ttl = time.Duration(req.ResultTTL) * time.Second
	}

	return &Job{
		ID:             generateJobID(),
		Type:           req.Type,
		Status:         JobStatusQueued,
		Request:        req,
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
		ExpiresAt:      now.Add(ttl).Unix(),
		Notify:         req.Notify,
		MaxRetries:     maxRetries,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       priority,
		Timeout:        timeout,
	}
}

func (j *Job) touch() int64 {
	j.UpdatedAt = time.Now().Unix()
	return j.UpdatedAt
}

// SetStatus moves the job to status and stamps start and completion times.
func (j *Job) SetStatus(status JobStatus) {
	j.Status = status
	now := j.touch()

	if status == JobStatusRunning && j.StartedAt == 0 {
		j.StartedAt = now
	}
	if status.Terminal() {
		j.CompletedAt = now
	}
}

// SetProgress records a percentage and message within the current stage.
func (j *Job) SetProgress(progress int, message string) {
	j.Progress = progress
	j.Message = message
	if j.ProgressInfo != nil {
		j.ProgressInfo.Percent = progress
		j.ProgressInfo.Message = message
	}
	j.touch()
}

// SetStage enters stage. Progress is kept.
func (j *Job) SetStage(stage Stage) {
	j.ProgressInfo = &ProgressInfo{
		Stage:   string(stage),
		Percent: j.Progress,
		Message: j.Message,
	}
	j.touch()
}

// Stage returns the current stage, or "" before the job ran.
func (j *Job) Stage() Stage {
	if j.ProgressInfo == nil {
		return ""
	}
	return Stage(j.ProgressInfo.Stage)
}

// SetResult marks the job succeeded with result.
func (j *Job) SetResult(result *JobResult) {
	j.Result = result
	j.Progress = 100
	j.SetStatus(JobStatusSucceeded)
}

// SetError marks the job failed.
func (j *Job) SetError(err string) {
	j.Error = err
	j.LastError = err
	j.SetStatus(JobStatusFailed)
}

// CanRetry returns true if the job can be retried
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// RetryDelay is the wait before attempt n (1-based): base * factor^(n-1),
// capped at MaxRetryDelay.
func (j *Job) RetryDelay(n int) time.Duration {
	factor := 2.0
	base := DefaultRetryDelay
	if r := j.Request.Retry; r != nil {
		if r.BackoffFactor > 0 {
			factor = r.BackoffFactor
		}
		if r.RetryDelay > 0 {
			base = time.Duration(r.RetryDelay) * time.Second
		}
	}
	if n < 1 {
		n = 1
	}

	delay := float64(base) * math.Pow(factor, float64(n-1))
	if delay > float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}

// PrepareRetry counts an attempt and schedules the next one.
func (j *Job) PrepareRetry() {
	j.RetryCount++
	j.Status = JobStatusRetrying
	j.NextRetryAt = time.Now().Add(j.RetryDelay(j.RetryCount)).Unix()
	j.touch()
}

// IsExpired checks if the job result has expired
func (j *Job) IsExpired() bool {
	if j.ExpiresAt == 0 {
		return false
	}
	return time.Now().Unix() > j.ExpiresAt
}

// GetTimeoutDuration returns the job timeout as a time.Duration
func (j *Job) GetTimeoutDuration() time.Duration {
	if j.Timeout <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(j.Timeout) * time.Second
}

// RetryInfo summarizes past attempts of a retried job.
type RetryInfo struct {
	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
	LastError   string `json:"last_error,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

// JobStatusResponse is the public view of a job without its result.
type JobStatusResponse struct {
	JobID     string     `json:"job_id"`
	URL       string     `json:"url"`
	Status    JobStatus  `json:"status"`
	Stage     Stage      `json:"stage,omitempty"`
	Progress  int        `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Priority  int        `json:"priority"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
	ExpiresAt string     `json:"expires_at,omitempty"`
	Retry     *RetryInfo `json:"retry_info,omitempty"`
}

// StatusResponse builds the status view of the job.
func (j *Job) StatusResponse() JobStatusResponse {
	resp := JobStatusResponse{
		JobID:     j.ID,
		URL:       j.Request.URL,
		Status:    j.Status,
		Stage:     j.Stage(),
		Progress:  j.Progress,
		Message:   j.Message,
		Priority:  j.Priority,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.ExpiresAt > 0 {
		resp.ExpiresAt = time.Unix(j.ExpiresAt, 0).UTC().Format(time.RFC3339)
	}
	if j.Status == JobStatusRetrying || j.RetryCount > 0 {
		resp.Retry = &RetryInfo{
			RetryCount: j.RetryCount,
			MaxRetries: j.MaxRetries,
			LastError:  j.LastError,
		}
		if j.NextRetryAt > 0 {
			resp.Retry.NextRetryAt = time.Unix(j.NextRetryAt, 0).UTC().Format(time.RFC3339)
		}
	}
	return resp
}

// JobResultResponse is the public view of a finished job.
type JobResultResponse struct {
	JobID  string     `json:"job_id"`
	Status JobStatus  `json:"status"`
	Result *JobResult `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// JobCreatedResponse tells the client where to follow a new job.
type JobCreatedResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
	ResultURL string    `json:"result_url"`
	Events    struct {
		SSEURL string `json:"sse_url"`
		WSURL  string `json:"ws_url"`
	} `json:"events"`
}

// NewJobCreatedResponse builds the links for job under baseURL.
func NewJobCreatedResponse(job *Job, baseURL string) JobCreatedResponse {
	prefix := baseURL + "/wkit/jobs/" + job.ID
	resp := JobCreatedResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: prefix,
		ResultURL: prefix + "/result",
	}
	resp.Events.SSEURL = prefix + "/events"
	resp.Events.WSURL = baseURL + "/wkit/ws?job_id=" + job.ID
	return resp
}

func generateJobID() string {
	return "job_" + uuid.New().String()[:8]
}
