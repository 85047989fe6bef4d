package api_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/wkit/internal/api"
	"github.com/ahrdadan/wkit/internal/engine"
	"github.com/ahrdadan/wkit/internal/engine/enginetest"
	"github.com/ahrdadan/wkit/internal/metrics"
	"github.com/ahrdadan/wkit/internal/navigation"
	"github.com/ahrdadan/wkit/internal/queue"
	"github.com/ahrdadan/wkit/internal/session"
)

const home = `<html><head><title>Home</title></head><body><a class="nav" href="/a">A</a><a class="nav" href="/b">B</a></body></html>`

func htmlExchange(url string, status int, body string) engine.Exchange {
	return engine.Exchange{
		URL:     url,
		Status:  status,
		Headers: map[string][]byte{"Content-Type": []byte("text/html; charset=utf-8")},
		Body:    []byte(body),
	}
}

func scriptedEngine() *enginetest.Engine {
	eng := enginetest.New()
	eng.Script("http://example.com/", enginetest.Script{
		Exchanges: []engine.Exchange{
			htmlExchange("http://example.com/", 200, home),
			{URL: "http://example.com/app.js", Status: 200, Headers: map[string][]byte{"Content-Type": []byte("application/javascript")}},
		},
		SetCookies: []engine.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}},
		HTML:       `<html><body><a class="nav">Rendered</a></body></html>`,
	})
	eng.Script("http://example.com/missing", enginetest.Script{
		Exchanges: []engine.Exchange{htmlExchange("http://example.com/missing", 404, "gone")},
	})
	eng.Script("http://example.com/slow", enginetest.Script{NoLoad: true})
	eng.Script("http://example.com/lost", enginetest.Script{
		Exchanges: []engine.Exchange{htmlExchange("http://example.com/elsewhere", 200, "")},
	})
	eng.Script("http://example.com/later", enginetest.Script{
		Exchanges: []engine.Exchange{htmlExchange("http://example.com/later", 200, "done")},
		Delay:     50 * time.Millisecond,
	})
	return eng
}

type testApp struct {
	app     *fiber.App
	jobs    *fakeQueue
	metrics *metrics.Metrics
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	rt := engine.NewRuntime(scriptedEngine(), engine.RuntimeOptions{PumpInterval: time.Millisecond})
	c := navigation.NewController(rt, navigation.Config{
		Session:      session.Defaults{UserAgent: session.DefaultUserAgent},
		PollInterval: time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })

	m := metrics.New()
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
	})
	app.Use(api.MetricsMiddleware(m))
	api.SetupMetricsRoute(app, m)

	router, err := api.NewRouter(app, api.DefaultRouteConfig())
	require.NoError(t, err)
	t.Cleanup(router.Close)

	jobs := newFakeQueue()
	router.SetupRoutes(api.NewHandler(c, api.EngineInfo{Name: "scripted", Headless: true}, nil))
	router.SetupJobRoutes(jobs)

	return &testApp{app: app, jobs: jobs, metrics: m}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, api.Response, http.Header) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out api.Response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out, resp.Header
}

func data(t *testing.T, r api.Response) map[string]interface{} {
	t.Helper()
	m, ok := r.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", r.Data)
	return m
}

func TestHealthCheck(t *testing.T) {
	a := setupTestApp(t)

	code, resp, _ := a.do(t, "GET", "/health", nil)
	assert.Equal(t, 200, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", data(t, resp)["status"])
}

func TestEngineStatus(t *testing.T) {
	a := setupTestApp(t)

	code, resp, headers := a.do(t, "GET", "/wkit/engine/status", nil)
	assert.Equal(t, 200, code)
	d := data(t, resp)
	assert.Equal(t, "idle", d["state"])
	assert.Equal(t, "scripted", d["engine"].(map[string]interface{})["name"])
	assert.Equal(t, "Mozilla", d["defaults"].(map[string]interface{})["user_agent"])
	assert.Equal(t, "DENY", headers.Get("X-Frame-Options"))
}

func TestNavigate(t *testing.T) {
	a := setupTestApp(t)

	code, resp, _ := a.do(t, "POST", "/wkit/request", map[string]interface{}{"url": "http://example.com/"})
	require.Equal(t, 200, code, resp.Error)

	d := data(t, resp)
	assert.Equal(t, "http://example.com/", d["url"])
	assert.Equal(t, float64(200), d["status"])
	assert.Equal(t, home, d["body"])
	assert.Equal(t, "text", d["body_encoding"])
	assert.Equal(t, "abc", d["cookies"].(map[string]interface{})["sid"])
	assert.Equal(t, float64(1), d["content_types"].(map[string]interface{})["application/javascript"])

	code, resp, _ = a.do(t, "GET", "/wkit/response", nil)
	assert.Equal(t, 200, code)
	assert.Equal(t, float64(200), data(t, resp)["status"])

	code, _, _ = a.do(t, "POST", "/wkit/response/assert", nil)
	assert.Equal(t, 200, code)
}

func TestNavigateErrors(t *testing.T) {
	a := setupTestApp(t)

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{"missing url", map[string]interface{}{}, 400},
		{"invalid url", map[string]interface{}{"url": "ftp://example.com/"}, 400},
		{"timeout", map[string]interface{}{"url": "http://example.com/slow", "timeout": 0.2}, 504},
		{"correlation", map[string]interface{}{"url": "http://example.com/lost"}, 502},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp, _ := a.do(t, "POST", "/wkit/request", tt.body)
			assert.Equal(t, tt.code, code)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestNavigateRejectsNonJSON(t *testing.T) {
	a := setupTestApp(t)

	req := httptest.NewRequest("POST", "/wkit/request", strings.NewReader("url=http://example.com/"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestResponseBeforeNavigation(t *testing.T) {
	a := setupTestApp(t)

	code, resp, _ := a.do(t, "GET", "/wkit/response", nil)
	assert.Equal(t, 404, code)
	assert.Contains(t, resp.Error, "no navigation")
}

func TestAssertNotOK(t *testing.T) {
	a := setupTestApp(t)

	code, resp, _ := a.do(t, "POST", "/wkit/request", map[string]interface{}{"url": "http://example.com/missing"})
	require.Equal(t, 200, code)
	assert.Equal(t, float64(404), data(t, resp)["status"])

	code, resp, _ = a.do(t, "POST", "/wkit/response/assert", nil)
	assert.Equal(t, 409, code)
	assert.Contains(t, resp.Error, "404")
}

func TestNavigateWithoutWait(t *testing.T) {
	a := setupTestApp(t)

	code, resp, _ := a.do(t, "POST", "/wkit/request", map[string]interface{}{"url": "http://example.com/later", "wait": false})
	require.Equal(t, 202, code)
	assert.Equal(t, "awaiting_load", data(t, resp)["state"])

	assert.Eventually(t, func() bool {
		code, _, _ := a.do(t, "GET", "/wkit/response", nil)
		return code == 200
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQuery(t *testing.T) {
	a := setupTestApp(t)

	code, _, _ := a.do(t, "POST", "/wkit/request", map[string]interface{}{"url": "http://example.com/"})
	require.Equal(t, 200, code)

	code, resp, _ := a.do(t, "POST", "/wkit/query", map[string]interface{}{"selector": "a.nav", "all": true})
	require.Equal(t, 200, code, resp.Error)
	d := data(t, resp)
	assert.Equal(t, "Home", d["title"])
	assert.Len(t, d["elements"], 2)

	code, resp, _ = a.do(t, "POST", "/wkit/query", map[string]interface{}{"xpath": "//a", "rendered": true})
	require.Equal(t, 200, code, resp.Error)
	elements := data(t, resp)["elements"].([]interface{})
	require.Len(t, elements, 1)
	assert.Equal(t, "Rendered", elements[0].(map[string]interface{})["text"])

	code, _, _ = a.do(t, "POST", "/wkit/query", map[string]interface{}{"selector": "table"})
	assert.Equal(t, 404, code)

	code, _, _ = a.do(t, "POST", "/wkit/query", map[string]interface{}{})
	assert.Equal(t, 400, code)
}

func TestStatsAndCookies(t *testing.T) {
	a := setupTestApp(t)

	code, _, _ := a.do(t, "POST", "/wkit/request", map[string]interface{}{"url": "http://example.com/"})
	require.Equal(t, 200, code)

	code, resp, _ := a.do(t, "GET", "/wkit/stats", nil)
	require.Equal(t, 200, code)
	d := data(t, resp)
	assert.Equal(t, "resolved", d["state"])
	assert.Len(t, d["exchanges"], 2)
	assert.Equal(t, float64(1), d["content_types"].(map[string]interface{})["text/html"])

	code, resp, _ = a.do(t, "GET", "/wkit/cookies", nil)
	require.Equal(t, 200, code)
	assert.Equal(t, "abc", data(t, resp)["sid"])
}

func TestMetricsEndpoint(t *testing.T) {
	a := setupTestApp(t)

	a.do(t, "GET", "/health", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := a.app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), `wkit_http_requests_total{code="200",route="/health"} 1`)
}

func TestCreateJob(t *testing.T) {
	a := setupTestApp(t)

	code, resp, _ := a.do(t, "POST", "/wkit/jobs", map[string]interface{}{
		"url":         "http://example.com/",
		"timeout":     9999,
		"max_retries": 50,
		"extract":     map[string]interface{}{"selector": "a"},
	})
	require.Equal(t, 202, code, resp.Error)

	d := data(t, resp)
	jobID := d["job_id"].(string)
	assert.Equal(t, "http://localhost:8000/wkit/jobs/"+jobID, d["status_url"])
	assert.Equal(t, fmt.Sprintf("http://localhost:8000/wkit/ws?job_id=%s", jobID), d["events"].(map[string]interface{})["ws_url"])

	job, err := a.jobs.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, 300, job.Timeout)
	assert.Equal(t, 5, job.MaxRetries)
	assert.Equal(t, "a", job.Request.Extract.Selector)

	code, resp, _ = a.do(t, "GET", "/wkit/jobs/"+jobID, nil)
	assert.Equal(t, 200, code)
	assert.Equal(t, "queued", data(t, resp)["status"])

	code, _, _ = a.do(t, "GET", "/wkit/jobs/"+jobID+"/result", nil)
	assert.Equal(t, 409, code)

	code, resp, _ = a.do(t, "POST", "/wkit/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, 200, code)
	assert.Equal(t, "canceled", data(t, resp)["status"])
}

func TestCreateJobValidation(t *testing.T) {
	a := setupTestApp(t)

	code, _, _ := a.do(t, "POST", "/wkit/jobs", map[string]interface{}{})
	assert.Equal(t, 400, code)

	code, _, _ = a.do(t, "POST", "/wkit/jobs", map[string]interface{}{"url": "http://example.com/", "type": "screenshot"})
	assert.Equal(t, 400, code)

	code, _, _ = a.do(t, "GET", "/wkit/jobs/job_missing", nil)
	assert.Equal(t, 404, code)
}

func TestCreateJobIdempotency(t *testing.T) {
	a := setupTestApp(t)
	body := map[string]interface{}{"url": "http://example.com/"}

	code, first, headers := a.do(t, "POST", "/wkit/jobs", body, "X-Idempotency-Key", "same")
	require.Equal(t, 202, code)
	assert.Empty(t, headers.Get("X-Idempotency-Hit"))

	code, second, headers := a.do(t, "POST", "/wkit/jobs", body, "X-Idempotency-Key", "same")
	require.Equal(t, 202, code)
	assert.Equal(t, "true", headers.Get("X-Idempotency-Hit"))
	assert.Equal(t, data(t, first)["job_id"], data(t, second)["job_id"])
	assert.Equal(t, 1, a.jobs.count())
}

func TestJobEventsForFinishedJob(t *testing.T) {
	a := setupTestApp(t)

	job := queue.NewJob(queue.JobRequest{URL: "http://example.com/"})
	job.SetResult(&queue.JobResult{})
	_, _, err := a.jobs.EnqueueWithIdempotency(job)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/wkit/jobs/"+job.ID+"/events", nil)
	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `"status":"succeeded"`)

	code, resp2, _ := a.do(t, "GET", "/wkit/jobs/"+job.ID+"/result", nil)
	assert.Equal(t, 200, code)
	assert.Equal(t, "succeeded", data(t, resp2)["status"])
}

func TestJobEventsForJobFinishingBeforeSubscribe(t *testing.T) {
	a := setupTestApp(t)

	job := queue.NewJob(queue.JobRequest{URL: "http://example.com/"})
	_, _, err := a.jobs.EnqueueWithIdempotency(job)
	require.NoError(t, err)

	// The job ends after the handler read it as running, and its last
	// event reaches no subscriber.
	a.jobs.beforeSubscribe = a.jobs.finish

	req := httptest.NewRequest("GET", "/wkit/jobs/"+job.ID+"/events", nil)
	resp, err := a.app.Test(req, 2000)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "event: succeeded")
	assert.Contains(t, string(body), `"status":"succeeded"`)
	assert.NotContains(t, string(body), "event: queued")
	assert.Zero(t, a.jobs.hub.Subscribers(job.ID))
}

// fakeQueue keeps jobs in memory without JetStream.
type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job
	keys map[string]string
	hub  *queue.EventHub

	// beforeSubscribe runs at the start of every Subscribe.
	beforeSubscribe func(jobID string)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs: make(map[string]*queue.Job),
		keys: make(map[string]string),
		hub:  queue.NewEventHub(),
	}
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *fakeQueue) EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.keys[job.IdempotencyKey]; ok && job.IdempotencyKey != "" {
		return q.jobs[id], true, nil
	}
	q.jobs[job.ID] = job
	if job.IdempotencyKey != "" {
		q.keys[job.IdempotencyKey] = job.ID
	}
	return job, false, nil
}

func (q *fakeQueue) GetJob(jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (q *fakeQueue) CancelJob(jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	job.SetStatus(queue.JobStatusCanceled)
	cp := *job
	return &cp, nil
}

func (q *fakeQueue) Subscribe(jobID string) <-chan queue.Event {
	if q.beforeSubscribe != nil {
		q.beforeSubscribe(jobID)
	}
	return q.hub.Subscribe(jobID)
}

func (q *fakeQueue) finish(jobID string) {
	q.mu.Lock()
	job := q.jobs[jobID]
	job.SetResult(&queue.JobResult{})
	event := queue.NewEvent(job, "")
	q.mu.Unlock()
	q.hub.Emit(jobID, event)
}

func (q *fakeQueue) Unsubscribe(jobID string, ch <-chan queue.Event) {
	q.hub.Unsubscribe(jobID, ch)
}
