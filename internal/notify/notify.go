package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadline/sms-backend/internal/domain"
	"github.com/leadline/sms-backend/internal/policy"
	"github.com/leadline/sms-backend/internal/queue"
	"github.com/leadline/sms-backend/internal/worker"
)

// Channel is the pub/sub channel the admin surface listens on for a customer.
func Channel(customerID string) string {
	return "notifications:" + customerID
}

// Enqueuer turns notification requests into notification_send jobs.
type Enqueuer struct {
	queue queue.Producer
}

func NewEnqueuer(producer queue.Producer) *Enqueuer {
	return &Enqueuer{queue: producer}
}

func (e *Enqueuer) Notify(ctx context.Context, customerID string, notificationType domain.NotificationType, payload any) error {
	if strings.TrimSpace(customerID) == "" {
		return fmt.Errorf("notify: customer id is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	body, err := json.Marshal(domain.NotificationPayload{
		CustomerID:       customerID,
		NotificationType: notificationType,
		Payload:          encoded,
	})
	if err != nil {
		return fmt.Errorf("encode notification job: %w", err)
	}

	job := domain.Job{
		ID:         uuid.NewString(),
		Kind:       domain.JobKindNotificationSend,
		CustomerID: customerID,
		Payload:    body,
	}
	if err := e.queue.Enqueue(ctx, domain.QueueNotification, job); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// Message is what subscribers on Channel receive.
type Message struct {
	Type      domain.NotificationType `json:"type"`
	Payload   json.RawMessage         `json:"payload"`
	CreatedAt time.Time               `json:"createdAt"`
}

// Dispatcher is the notification_queue handler.
type Dispatcher struct {
	events queue.EventPublisher
	logger *log.Logger
}

func NewDispatcher(events queue.EventPublisher, logger *log.Logger) *Dispatcher {
	return &Dispatcher{events: events, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, job domain.Job) (worker.Result, error) {
	var payload domain.NotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return worker.Result{}, fmt.Errorf("decode notification payload: %w", err)
	}
	if payload.CustomerID == "" {
		payload.CustomerID = job.CustomerID
	}
	if payload.CustomerID == "" {
		return worker.Result{}, fmt.Errorf("notification without customer id")
	}
	switch payload.NotificationType {
	case domain.NotificationNewLead, domain.NotificationNewMessage:
	default:
		return worker.Result{}, fmt.Errorf("unknown notification type %q", payload.NotificationType)
	}

	message := Message{
		Type:      payload.NotificationType,
		Payload:   policy.MaskPIIJSON(payload.Payload),
		CreatedAt: job.CreatedAt,
	}
	if err := d.events.Publish(ctx, Channel(payload.CustomerID), message); err != nil {
		return worker.Result{}, fmt.Errorf("publish notification: %w", err)
	}

	if d.logger != nil {
		d.logger.Printf(
			"notification dispatched customer_id=%s type=%s job_id=%s",
			payload.CustomerID, payload.NotificationType, job.ID,
		)
	}
	return worker.Result{Success: true, Detail: string(payload.NotificationType)}, nil
}
