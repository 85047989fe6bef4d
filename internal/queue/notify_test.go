package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierPostsSignedPayload(t *testing.T) {
	type delivery struct {
		event     string
		signature string
		body      []byte
	}
	got := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{r.Header.Get(HeaderEvent), r.Header.Get(HeaderSignature), body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	job := NewJob(JobRequest{URL: "http://example.com/", Notify: &NotifyConfig{WebhookURL: srv.URL, WebhookSecret: "s3cret"}})
	job.SetError("navigation failed")

	n := NewNotifier("http://wkit.local", nil)
	require.NoError(t, n.Notify(context.Background(), job))

	d := <-got
	assert.Equal(t, "job.failed", d.event)
	assert.Equal(t, Sign("s3cret", d.body), d.signature)

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(d.body, &payload))
	assert.Equal(t, job.ID, payload.JobID)
	assert.Equal(t, JobStatusFailed, payload.Status)
	assert.Equal(t, "http://wkit.local/wkit/jobs/"+job.ID+"/result", payload.ResultURL)
	assert.Equal(t, "navigation failed", payload.Error)
}

func TestNotifierReportsClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	job := NewJob(JobRequest{Notify: &NotifyConfig{WebhookURL: srv.URL}})
	err := NewNotifier("", nil).Notify(context.Background(), job)
	assert.ErrorContains(t, err, "403")
}

func TestNotifierSkipsJobsWithoutWebhook(t *testing.T) {
	assert.NoError(t, NewNotifier("", nil).Notify(context.Background(), NewJob(JobRequest{})))
}

func TestSign(t *testing.T) {
	assert.Equal(t, "sha256=515aae133b435d4000956731f68ae5cf5eb85d4f0dc6a546d2bfcd3595ec1ae1", Sign("key", []byte("body")))
	assert.NotEqual(t, Sign("key", []byte("body")), Sign("other", []byte("body")))
}
