package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFunc func(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error)

func (f processorFunc) Process(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error) {
	return f(ctx, job, progress)
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveJob(status string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.statuses...)
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m := newManager(nil, cfg)
	t.Cleanup(m.Stop)
	return m
}

func saved(t *testing.T, m *Manager, req JobRequest) *Job {
	t.Helper()
	job := NewJob(req)
	require.NoError(t, m.store.Save(job))
	return job
}

func TestExecuteSucceeds(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, ManagerConfig{Observer: obs})
	job := saved(t, m, JobRequest{URL: "http://example.com/"})
	events := m.Subscribe(job.ID)

	retry := m.execute(job, processorFunc(func(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error) {
		progress(50, "halfway")
		return &JobResult{}, nil
	}))
	assert.False(t, retry)

	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.Result)
	assert.Equal(t, []string{"succeeded"}, obs.seen())

	assert.Equal(t, JobStatusRunning, (<-events).Status)
	assert.Equal(t, 50, (<-events).Progress)
	assert.Equal(t, JobStatusSucceeded, (<-events).Status)
}

func TestExecuteRetriesThenFails(t *testing.T) {
	obs := &recordingObserver{}
	m := newTestManager(t, ManagerConfig{Observer: obs})
	job := saved(t, m, JobRequest{URL: "http://example.com/", Retry: &RetryConfig{MaxRetries: 1}})

	failing := processorFunc(func(context.Context, *Job, func(int, string)) (*JobResult, error) {
		return nil, errors.New("navigation failed")
	})

	assert.True(t, m.execute(job, failing))
	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "navigation failed", got.LastError)
	assert.Empty(t, obs.seen())

	assert.False(t, m.execute(got, failing))
	got, err = m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "navigation failed", got.Error)
	assert.Equal(t, []string{"failed"}, obs.seen())
}

func TestCancelRunningJob(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	job := saved(t, m, JobRequest{URL: "http://example.com/"})

	started := make(chan struct{})
	done := make(chan bool)
	go func() {
		done <- m.execute(job, processorFunc(func(ctx context.Context, _ *Job, _ func(int, string)) (*JobResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	}()

	<-started
	canceled, err := m.CancelJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, canceled.Status)

	assert.False(t, <-done)
	got, err := m.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCanceled, got.Status)

	_, err = m.CancelJob(job.ID)
	assert.ErrorContains(t, err, "cannot cancel")
}

func TestExecuteSendsWebhook(t *testing.T) {
	hits := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.Header.Get(HeaderEvent)
	}))
	defer srv.Close()

	m := newTestManager(t, ManagerConfig{Notifier: NewNotifier("", nil)})
	job := saved(t, m, JobRequest{URL: "http://example.com/", Notify: &NotifyConfig{WebhookURL: srv.URL}})

	m.execute(job, processorFunc(func(context.Context, *Job, func(int, string)) (*JobResult, error) {
		return &JobResult{}, nil
	}))

	select {
	case event := <-hits:
		assert.Equal(t, "job.succeeded", event)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}
