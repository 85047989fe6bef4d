package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ahrdadan/wkit/internal/security"
)

// Webhook headers.
const (
	HeaderEvent     = "X-Wkit-Event"
	HeaderSignature = "X-Wkit-Signature"
)

// WebhookPayload is posted to NotifyConfig.WebhookURL when a job finishes.
type WebhookPayload struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	ResultURL  string    `json:"result_url"`
	Error      string    `json:"error,omitempty"`
	FinishedAt int64     `json:"finished_at"`
}

// Notifier delivers job webhooks.
type Notifier struct {
	client  *resty.Client
	baseURL string
	logger  *zap.Logger
}

// NewNotifier creates a notifier. baseURL prefixes the result URL sent to
// receivers.
func NewNotifier(baseURL string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Notifier{client: client, baseURL: baseURL, logger: logger}
}

// Notify posts the job outcome. Jobs without a webhook are ignored.
func (n *Notifier) Notify(ctx context.Context, job *Job) error {
	if job.Notify == nil || job.Notify.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(WebhookPayload{
		JobID:      job.ID,
		Status:     job.Status,
		ResultURL:  fmt.Sprintf("%s/wkit/jobs/%s/result", n.baseURL, job.ID),
		Error:      job.Error,
		FinishedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req := n.client.R().
		SetContext(ctx).
		SetHeader(HeaderEvent, "job."+string(job.Status)).
		SetBody(body)
	if job.Notify.WebhookSecret != "" {
		req.SetHeader(HeaderSignature, Sign(job.Notify.WebhookSecret, body))
	}

	resp, err := req.Post(job.Notify.WebhookURL)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode())
	}

	n.logger.Debug("webhook delivered",
		zap.String("job_id", job.ID),
		zap.String("url", job.Notify.WebhookURL),
		zap.Int("status", resp.StatusCode()))
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	return "sha256=" + security.GenerateWebhookSignature(body, secret)
}
