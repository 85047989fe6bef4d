package api

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/ahrdadan/wkit/internal/queue"
	"github.com/ahrdadan/wkit/internal/security"
)

// JobQueue is the queue surface the job handlers use. *queue.Manager
// implements it.
type JobQueue interface {
	EnqueueWithIdempotency(job *queue.Job) (*queue.Job, bool, error)
	GetJob(jobID string) (*queue.Job, error)
	CancelJob(jobID string) (*queue.Job, error)
	Subscribe(jobID string) <-chan queue.Event
	Unsubscribe(jobID string, ch <-chan queue.Event)
}

// HeaderIdempotencyKey and HeaderIdempotencyHit carry request replay state.
const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderIdempotencyHit = "X-Idempotency-Hit"
)

// JobHandler serves the asynchronous navigation routes.
type JobHandler struct {
	jobs        JobQueue
	idempotency *security.IdempotencyStore
	baseURL     string
	maxTimeout  time.Duration
	maxRetries  int
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobs JobQueue, idempotency *security.IdempotencyStore, config RouteConfig) *JobHandler {
	return &JobHandler{
		jobs:        jobs,
		idempotency: idempotency,
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		maxTimeout:  config.MaxJobTimeout,
		maxRetries:  config.MaxRetries,
	}
}

// CreateJobRequest is a JobRequest plus queue options.
type CreateJobRequest struct {
	queue.JobRequest
	MaxRetries int `json:"max_retries,omitempty"`
}

// newJob builds the job for req within the handler's limits.
func (h *JobHandler) newJob(req CreateJobRequest) *queue.Job {
	job := queue.NewJob(req.JobRequest)

	if maxSeconds := int(h.maxTimeout.Seconds()); maxSeconds > 0 && job.Timeout > maxSeconds {
		job.Timeout = maxSeconds
	}
	if req.MaxRetries > 0 {
		job.MaxRetries = req.MaxRetries
	}
	if h.maxRetries > 0 && job.MaxRetries > h.maxRetries {
		job.MaxRetries = h.maxRetries
	}
	return job
}

// CreateJob queues a navigation.
// POST /wkit/jobs
func (h *JobHandler) CreateJob(c *fiber.Ctx) error {
	var req CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := req.Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	key := c.Get(HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}
	req.IdempotencyKey = key

	fingerprint := security.Fingerprint(c.Body())
	if key != "" && h.idempotency != nil {
		entry, err := h.idempotency.Lookup(key, fingerprint)
		if err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		if entry != nil {
			c.Set(HeaderIdempotencyHit, "true")
			return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: entry.Response})
		}
	}

	job, duplicate, err := h.jobs.EnqueueWithIdempotency(h.newJob(req))
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, fmt.Sprintf("Failed to enqueue job: %v", err))
	}

	created := queue.NewJobCreatedResponse(job, h.baseURL)
	if key != "" && h.idempotency != nil {
		h.idempotency.Remember(key, fingerprint, job.ID, created)
	}
	if duplicate {
		c.Set(HeaderIdempotencyHit, "true")
	}

	return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: created})
}

func (h *JobHandler) lookup(jobID string) (*queue.Job, error) {
	if jobID == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Job ID is required")
	}

	job, err := h.jobs.GetJob(jobID)
	switch {
	case errors.Is(err, queue.ErrJobExpired):
		return nil, fiber.NewError(fiber.StatusGone, "Job expired")
	case err != nil:
		return nil, fiber.NewError(fiber.StatusNotFound, "Job not found")
	}
	return job, nil
}

// GetJobStatus returns the status of a job
// GET /wkit/jobs/:job_id
func (h *JobHandler) GetJobStatus(c *fiber.Ctx) error {
	job, err := h.lookup(c.Params("job_id"))
	if err != nil {
		return err
	}
	return c.JSON(Response{Success: true, Data: job.StatusResponse()})
}

// GetJobResult returns the response of a finished job. Unfinished and
// canceled jobs answer 409.
// GET /wkit/jobs/:job_id/result
func (h *JobHandler) GetJobResult(c *fiber.Ctx) error {
	job, err := h.lookup(c.Params("job_id"))
	if err != nil {
		return err
	}
	if !job.Status.Finished() {
		return fiber.NewError(fiber.StatusConflict, fmt.Sprintf("Job is %s", job.Status))
	}

	return c.JSON(Response{
		Success: true,
		Data: queue.JobResultResponse{
			JobID:  job.ID,
			Status: job.Status,
			Result: job.Result,
			Error:  job.Error,
		},
	})
}

// CancelJob cancels a queued or running job
// POST /wkit/jobs/:job_id/cancel
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Job ID is required")
	}

	job, err := h.jobs.CancelJob(jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "Job not found")
		}
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}

	return c.JSON(Response{Success: true, Data: job.StatusResponse()})
}

// follow looks jobID up and subscribes to it when it is still live. The job
// is read again after subscribing, so an end reached in between shows in the
// snapshot. Finished jobs get a nil channel: their snapshot is the last event.
func (h *JobHandler) follow(jobID string) (*queue.Job, <-chan queue.Event, error) {
	job, err := h.lookup(jobID)
	if err != nil || job.Status.Terminal() {
		return job, nil, err
	}

	events := h.jobs.Subscribe(job.ID)
	job, err = h.lookup(job.ID)
	if err != nil || job.Status.Terminal() {
		h.jobs.Unsubscribe(jobID, events)
		return job, nil, err
	}
	return job, events, nil
}

// StreamEvents streams job events as server-sent events until the job ends.
// GET /wkit/jobs/:job_id/events
func (h *JobHandler) StreamEvents(c *fiber.Ctx) error {
	// Subscribe before the body is written so no event is lost in between.
	job, events, err := h.follow(c.Params("job_id"))
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set(fiber.HeaderTransferEncoding, "chunked")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if events != nil {
			defer h.jobs.Unsubscribe(job.ID, events)
		}

		seq := 0
		if writeEvent(w, seq, queue.NewEvent(job, "")) != nil || events == nil {
			return
		}
		for event := range events {
			seq++
			if writeEvent(w, seq, event) != nil || event.Terminal() {
				return
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, seq int, event queue.Event) error {
	data, err := sonic.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event.Status, data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleWebSocket pushes job events as JSON messages until the job ends.
// GET /wkit/ws?job_id=
func (h *JobHandler) HandleWebSocket(c *websocket.Conn) {
	defer c.Close()

	job, events, err := h.follow(c.Query("job_id"))
	if err != nil {
		_ = c.WriteJSON(Response{Success: false, Error: err.Error()})
		return
	}
	if events != nil {
		defer h.jobs.Unsubscribe(job.ID, events)
	}

	if c.WriteJSON(queue.NewEvent(job, "")) != nil || events == nil {
		return
	}
	for event := range events {
		if c.WriteJSON(event) != nil {
			return
		}
		if event.Terminal() {
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Status)))
			return
		}
	}
}
