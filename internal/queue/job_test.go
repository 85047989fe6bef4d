package queue

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrdadan/wkit/internal/document"
)

func TestNewJobDefaults(t *testing.T) {
	job := NewJob(JobRequest{URL: "http://example.com/"})

	assert.Equal(t, JobTypeNavigate, job.Type)
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, int(DefaultJobTimeout.Seconds()), job.Timeout)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)
	assert.Regexp(t, `^job_[0-9a-f]{8}$`, job.ID)
	assert.False(t, job.IsExpired())
}

func TestJobRequestOptions(t *testing.T) {
	req := JobRequest{
		URL:       "http://example.com/form",
		Method:    http.MethodPost,
		Body:      "a=1",
		UserAgent: "bot",
		Headers:   map[string]string{"X-A": "1"},
		Cookies:   map[string]string{"sid": "2"},
		Referer:   "http://example.com/",
	}

	opts := req.Options(3 * time.Second)
	assert.Equal(t, http.MethodPost, opts.Method)
	assert.Equal(t, []byte("a=1"), opts.Body)
	assert.Equal(t, "bot", opts.UserAgent)
	assert.Equal(t, "2", opts.Cookies["sid"])
	assert.Equal(t, 3*time.Second, opts.Timeout)
	assert.True(t, opts.Wait)

	assert.Equal(t, http.MethodGet, JobRequest{}.Options(time.Second).Method)
}

func TestPrepareRetryBackoff(t *testing.T) {
	job := NewJob(JobRequest{
		URL:   "http://example.com/",
		Retry: &RetryConfig{MaxRetries: 4, RetryDelay: 10, BackoffFactor: 3},
	})

	delays := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		before := time.Now().Unix()
		job.PrepareRetry()
		delays = append(delays, job.NextRetryAt-before)
	}

	assert.Equal(t, JobStatusRetrying, job.Status)
	assert.Equal(t, 3, job.RetryCount)
	assert.InDelta(t, 10, delays[0], 1)
	assert.InDelta(t, 30, delays[1], 1)
	assert.InDelta(t, 90, delays[2], 1)
	assert.True(t, job.CanRetry())

	job.PrepareRetry()
	assert.False(t, job.CanRetry())
}

func TestPrepareRetryCapsDelay(t *testing.T) {
	job := NewJob(JobRequest{Retry: &RetryConfig{MaxRetries: 10, RetryDelay: 200, BackoffFactor: 10}})
	job.PrepareRetry()
	job.PrepareRetry()

	assert.LessOrEqual(t, job.NextRetryAt-time.Now().Unix(), int64(MaxRetryDelay.Seconds()))
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(JobRequest{URL: "http://example.com/"})

	job.SetStatus(JobStatusRunning)
	assert.NotZero(t, job.StartedAt)
	assert.Zero(t, job.CompletedAt)

	job.SetStage(StageExtracting)
	job.SetProgress(70, "extracting h1")
	assert.Equal(t, StageExtracting, job.Stage())
	assert.Equal(t, 70, job.ProgressInfo.Percent)
	assert.Equal(t, "extracting h1", job.ProgressInfo.Message)

	job.SetError("boom")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.LastError)
	assert.NotZero(t, job.CompletedAt)
	assert.True(t, job.Status.Terminal())
	assert.True(t, job.Status.Finished())
	assert.False(t, JobStatusCanceled.Finished())
	assert.False(t, JobStatusRetrying.Terminal())
}

func TestRetryDelay(t *testing.T) {
	job := NewJob(JobRequest{Retry: &RetryConfig{RetryDelay: 2, BackoffFactor: 3}})

	assert.Equal(t, 2*time.Second, job.RetryDelay(0))
	assert.Equal(t, 2*time.Second, job.RetryDelay(1))
	assert.Equal(t, 6*time.Second, job.RetryDelay(2))
	assert.Equal(t, MaxRetryDelay, job.RetryDelay(20))

	assert.Equal(t, DefaultRetryDelay*2, NewJob(JobRequest{}).RetryDelay(2))
}

func TestJobRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  JobRequest
		ok   bool
	}{
		{"plain", JobRequest{URL: "https://example.com/"}, true},
		{"post", JobRequest{URL: "https://example.com/", Method: "post"}, true},
		{"missing url", JobRequest{}, false},
		{"bad scheme", JobRequest{URL: "ftp://example.com/"}, false},
		{"bad type", JobRequest{Type: "screenshot", URL: "https://example.com/"}, false},
		{"bad method", JobRequest{URL: "https://example.com/", Method: "BREW"}, false},
		{"negative timeout", JobRequest{URL: "https://example.com/", Timeout: -1}, false},
		{"two queries", JobRequest{
			URL:     "https://example.com/",
			Extract: &ExtractConfig{Query: document.Query{Selector: "a", XPath: "//a"}},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStatusResponse(t *testing.T) {
	job := NewJob(JobRequest{URL: "http://example.com/", Priority: 42})
	assert.Equal(t, DefaultPriority, job.Priority)

	resp := job.StatusResponse()
	assert.Equal(t, "http://example.com/", resp.URL)
	assert.Nil(t, resp.Retry)
	assert.NotEmpty(t, resp.ExpiresAt)

	job.LastError = "boom"
	job.PrepareRetry()
	resp = job.StatusResponse()
	if assert.NotNil(t, resp.Retry) {
		assert.Equal(t, 1, resp.Retry.RetryCount)
		assert.Equal(t, "boom", resp.Retry.LastError)
		assert.NotEmpty(t, resp.Retry.NextRetryAt)
	}

	created := NewJobCreatedResponse(job, "http://host")
	assert.Equal(t, "http://host/wkit/jobs/"+job.ID+"/result", created.ResultURL)
	assert.Equal(t, "http://host/wkit/ws?job_id="+job.ID, created.Events.WSURL)
}
