package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"localspot-loyalty/pkg/config"
)

// Dispatcher posts provisioning lifecycle events to the back-office Slack
// channel. Delivery is best-effort: asynq retries transient failures and the
// originating state transition never waits on it.
type Dispatcher struct {
	webhookURL string
	client     *http.Client
}

type DispatcherParams struct {
	fx.In
	Config *config.Config
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		webhookURL: p.Config.Notify.SlackWebhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *Dispatcher) HandleProgramSubmitted(ctx context.Context, t *asynq.Task) error {
	var payload ProgramEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := fmt.Sprintf("Loyalty program submitted for provisioning: business=%s request=%s (%s)",
		payload.BusinessID, payload.RequestCode, payload.RequestID)
	return d.post(ctx, t.Type(), text)
}

func (d *Dispatcher) HandleProgramActivated(ctx context.Context, t *asynq.Task) error {
	var payload ProgramEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	text := fmt.Sprintf("Loyalty program activated: business=%s program=%s reviewed_by=%s",
		payload.BusinessID, payload.ProgramID, payload.ReviewedBy)
	return d.post(ctx, t.Type(), text)
}

func (d *Dispatcher) post(ctx context.Context, taskType, text string) error {
	zapLog := zap.L().With(zap.String("task_type", taskType))

	if d.webhookURL == "" {
		zapLog.Info("notify webhook not configured, skipping", zap.String("text", text))
		return nil
	}

	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		zapLog.Error("failed to post notification", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zapLog.Error("notification webhook rejected", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	zapLog.Info("notification dispatched")
	return nil
}
