package domain

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobKindSMSSend          JobKind = "sms_send"
	JobKindAIReply          JobKind = "ai_reply"
	JobKindNotificationSend JobKind = "notification_send"
)

const (
	QueueSMS          = "sms_queue"
	QueueAI           = "ai_queue"
	QueueNotification = "notification_queue"
)

// Job is the unit of asynchronous work carried by queue backends.
// Payload schema is owned by the handler registered for Queue.
type Job struct {
	ID           string          `json:"id"`
	Kind         JobKind         `json:"kind"`
	Queue        string          `json:"queue"`
	CustomerID   string          `json:"customerId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
	Attempt      int             `json:"attempt"`
}

// DueIn reports how long until the job may run. Zero or negative means now.
func (j Job) DueIn(now time.Time) time.Duration {
	if j.ScheduledFor == nil {
		return 0
	}
	return j.ScheduledFor.Sub(now)
}

// SMSSendPayload is the payload of sms_send jobs.
type SMSSendPayload struct {
	CustomerID string     `json:"customerId"`
	To         string     `json:"to"`
	Body       string     `json:"body"`
	Options    SMSOptions `json:"options"`
}

type SMSOptions struct {
	From           string `json:"from,omitempty"`
	StatusCallback string `json:"statusCallback,omitempty"`
}

type NotificationType string

const (
	NotificationNewLead    NotificationType = "new_lead"
	NotificationNewMessage NotificationType = "new_message"
)

// NotificationPayload is the payload of notification_send jobs.
type NotificationPayload struct {
	CustomerID       string           `json:"customerId"`
	NotificationType NotificationType `json:"notificationType"`
	Payload          json.RawMessage  `json:"payload"`
}

// AIReplyPayload is the payload of ai_reply jobs.
type AIReplyPayload struct {
	CustomerID     string `json:"customerId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	LeadPhone      string `json:"leadPhone"`
	CustomerPhone  string `json:"customerPhone"`
	Body           string `json:"body"`
}

// JobEvent is published on queue lifecycle channels.
type JobEvent struct {
	JobID      string  `json:"jobId"`
	Kind       JobKind `json:"kind"`
	Queue      string  `json:"queue"`
	CustomerID string  `json:"customerId,omitempty"`
	DurationMS int64   `json:"durationMs"`
	Success    bool    `json:"success"`
	Attempt    int     `json:"attempt"`
	Error      string  `json:"error,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

func CompletedChannel(queueName string) string {
	return "queue:" + queueName + ":completed"
}

func FailedChannel(queueName string) string {
	return "queue:" + queueName + ":failed"
}
