package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "WKIT_JOBS"
	// SubjectName is the subject for job messages
	SubjectName = "wkit.jobs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "wkit-worker"
)

// JobProcessor defines the interface for processing jobs
type JobProcessor interface {
	Process(ctx context.Context, job *Job, progress func(int, string)) (*JobResult, error)
}

// JobObserver is told about every job that reaches a terminal state.
type JobObserver interface {
	ObserveJob(status string, elapsed time.Duration)
}

// ManagerConfig holds the optional collaborators of a Manager.
type ManagerConfig struct {
	Logger   *zap.Logger
	Notifier *Notifier
	Observer JobObserver
	// CleanupInterval is how often the store sweeps expired results.
	CleanupInterval time.Duration
}

// Manager manages the job queue
type Manager struct {
	js       jetstream.JetStream
	store    *Store
	events   *EventHub
	stream   jetstream.Stream
	consumer jetstream.Consumer
	logger   *zap.Logger
	notifier *Notifier
	observer JobObserver

	mu        sync.Mutex
	isRunning bool
	running   map[string]context.CancelFunc
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewManager creates a new queue manager
func NewManager(js jetstream.JetStream, cfg ManagerConfig) (*Manager, error) {
	m := newManager(js, cfg)

	if err := m.setupStream(); err != nil {
		m.cancel()
		m.store.Stop()
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	return m, nil
}

func newManager(js jetstream.JetStream, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		js:       js,
		store:    NewStore(cfg.CleanupInterval, logger),
		events:   NewEventHub(),
		logger:   logger,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		running:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// setupStream creates or updates the JetStream stream
func (m *Manager) setupStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "wkit navigation job queue",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	m.stream = stream

	consumer, err := m.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    3,
		AckWait:       5 * time.Minute,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	m.consumer = consumer

	return nil
}

// Start starts processing jobs from the queue. Jobs run one at a time since
// they share one navigation controller.
func (m *Manager) Start(processor JobProcessor) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("starting job queue worker", zap.String("stream", StreamName))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			default:
			}

			msgs, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					m.logger.Debug("fetch failed", zap.Error(err))
				}
				continue
			}

			for msg := range msgs.Messages() {
				m.processMessage(msg, processor)
			}
		}
	}()

	return nil
}

// Stop stops the queue manager and waits for pending webhooks.
func (m *Manager) Stop() {
	m.mu.Lock()
	wasRunning := m.isRunning
	m.isRunning = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.store.Stop()
	m.events.Close()

	if wasRunning {
		m.logger.Info("job queue worker stopped")
	}
}

// Enqueue adds a job to the queue
func (m *Manager) Enqueue(job *Job) error {
	if err := m.store.Save(job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	if err := m.publish(job); err != nil {
		_ = m.store.Delete(job.ID)
		return err
	}

	m.events.Emit(job.ID, NewEvent(job, "Job queued"))

	return nil
}

func (m *Manager) publish(job *Job) error {
	data, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize job: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.js.Publish(ctx, SubjectName, data); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (m *Manager) GetJob(jobID string) (*Job, error) {
	return m.store.Get(jobID)
}

// UpdateJob updates a job and emits an event
func (m *Manager) UpdateJob(job *Job) error {
	if err := m.store.Update(job); err != nil {
		return err
	}

	m.events.Emit(job.ID, NewEvent(job, ""))

	return nil
}

// CancelJob cancels a queued or running job. A running job has its context
// canceled.
func (m *Manager) CancelJob(jobID string) (*Job, error) {
	job, err := m.store.Get(jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != JobStatusQueued && job.Status != JobStatusRunning && job.Status != JobStatusRetrying {
		return nil, fmt.Errorf("cannot cancel job with status: %s", job.Status)
	}

	job.SetStatus(JobStatusCanceled)
	if err := m.store.Update(job); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if stop, ok := m.running[jobID]; ok {
		stop()
	}
	m.mu.Unlock()

	m.events.Emit(job.ID, NewEvent(job, "Job canceled"))
	m.finish(job)

	return job, nil
}

// Subscribe subscribes to job events
func (m *Manager) Subscribe(jobID string) <-chan Event {
	return m.events.Subscribe(jobID)
}

// Unsubscribe unsubscribes from job events
func (m *Manager) Unsubscribe(jobID string, ch <-chan Event) {
	m.events.Unsubscribe(jobID, ch)
}

// GetEventHub returns the event hub
func (m *Manager) GetEventHub() *EventHub {
	return m.events
}

// GetStore returns the job store
func (m *Manager) GetStore() *Store {
	return m.store
}

// EnqueueWithIdempotency enqueues a job with idempotency check
func (m *Manager) EnqueueWithIdempotency(job *Job) (*Job, bool, error) {
	if job.IdempotencyKey != "" {
		existingJob, exists := m.store.GetByIdempotencyKey(job.IdempotencyKey)
		if exists {
			return existingJob, true, nil
		}
	}

	if err := m.Enqueue(job); err != nil {
		return nil, false, err
	}

	return job, false, nil
}

func (m *Manager) processMessage(msg jetstream.Msg, processor JobProcessor) {
	job, err := FromJSON(msg.Data())
	if err != nil {
		m.logger.Error("failed to unmarshal job", zap.Error(err))
		_ = msg.Term()
		return
	}

	storedJob, err := m.store.Get(job.ID)
	if err != nil {
		// The result expired or the process restarted without it.
		m.logger.Warn("dropping unknown job", zap.String("job_id", job.ID), zap.Error(err))
		_ = msg.Ack()
		return
	}

	if storedJob.Status == JobStatusCanceled {
		_ = msg.Ack()
		return
	}

	if storedJob.Status == JobStatusRetrying && storedJob.NextRetryAt > 0 {
		waitUntil := time.Unix(storedJob.NextRetryAt, 0)
		if time.Now().Before(waitUntil) {
			_ = msg.NakWithDelay(time.Until(waitUntil))
			return
		}
	}

	if m.execute(storedJob, processor) {
		if err := m.publish(storedJob); err != nil {
			m.logger.Error("failed to re-enqueue job for retry", zap.String("job_id", storedJob.ID), zap.Error(err))
		}
	}
	_ = msg.Ack()
}

// execute runs one attempt of job and records the outcome. It reports whether
// the job must be published again for a retry.
func (m *Manager) execute(job *Job, processor JobProcessor) bool {
	job.SetStatus(JobStatusRunning)
	job.SetProgress(0, "Processing started")
	if err := m.UpdateJob(job); err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(m.ctx, job.GetTimeoutDuration())
	defer cancel()

	m.mu.Lock()
	m.running[job.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, job.ID)
		m.mu.Unlock()
	}()

	log := m.logger.With(zap.String("job_id", job.ID), zap.String("url", job.Request.URL))

	result, err := processor.Process(ctx, job, func(progress int, message string) {
		job.SetProgress(progress, message)
		_ = m.UpdateJob(job)
	})

	if err != nil {
		if current, getErr := m.store.Get(job.ID); getErr == nil && current.Status == JobStatusCanceled {
			log.Info("job canceled while running")
			return false
		}

		if job.CanRetry() {
			job.LastError = err.Error()
			job.PrepareRetry()
			if m.UpdateJob(job) != nil {
				return false
			}

			m.events.Emit(job.ID, NewEvent(job,
				fmt.Sprintf("Retrying (%d/%d): %s", job.RetryCount, job.MaxRetries, err.Error())))
			log.Warn("job failed, retrying",
				zap.Int("retry", job.RetryCount),
				zap.Int("max_retries", job.MaxRetries),
				zap.Error(err))
			return true
		}

		job.SetError(err.Error())
		if m.UpdateJob(job) == nil {
			log.Error("job failed", zap.Error(err))
			m.finish(job)
		}
		return false
	}

	job.SetResult(result)
	if m.UpdateJob(job) == nil {
		log.Info("job succeeded", zap.Int("status", result.Response.Status))
		m.finish(job)
	}
	return false
}

// finish reports a terminal job to the observer and the webhook receiver.
func (m *Manager) finish(job *Job) {
	if m.observer != nil {
		elapsed := time.Duration(job.CompletedAt-job.CreatedAt) * time.Second
		m.observer.ObserveJob(string(job.Status), elapsed)
	}
	if m.notifier == nil || job.Notify == nil || job.Notify.WebhookURL == "" {
		return
	}

	m.wg.Add(1)
	go func(job Job) {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.notifier.Notify(ctx, &job); err != nil {
			m.logger.Warn("webhook delivery failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}(*job)
}
