package domain

import "time"

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationInactive ConversationStatus = "inactive"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SenderRole string

const (
	SenderLead  SenderRole = "lead"
	SenderAI    SenderRole = "ai"
	SenderStaff SenderRole = "staff"
)

type MessageStatus string

const (
	MessageStatusReceived MessageStatus = "received"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusDraft    MessageStatus = "draft"
)

const LeadSourceSMS = "sms"

type Conversation struct {
	ID             string
	CustomerID     string
	LeadPhone      string
	Status         ConversationStatus
	MessageCount   int
	LastActivityAt time.Time
	CreatedAt      time.Time
}

type Lead struct {
	ID             string
	CustomerID     string
	ConversationID string
	Phone          string
	Source         string
	CreatedAt      time.Time
}

type Message struct {
	ID                string
	ConversationID    string
	Direction         Direction
	SenderRole        SenderRole
	Content           string
	ProviderMessageID string
	Status            MessageStatus
	CreatedAt         time.Time
}

// Customer holds the subset of customer settings this core reads.
type Customer struct {
	ID          string
	SMSProvider string
	PhoneNumber string
}

// AISettings controls whether and how an automated reply follows an inbound message.
type AISettings struct {
	CustomerID     string
	Enabled        bool
	AutoSend       bool
	ReplyDelay     time.Duration
	DebounceWindow time.Duration
	Model          string
	SystemPrompt   string
}

// InboundMessage is a provider webhook normalized by a carrier adapter.
type InboundMessage struct {
	CustomerID        string `json:"customerId"`
	From              string `json:"from"`
	To                string `json:"to"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"providerMessageId"`
}

type InboundResult struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	LeadID         string `json:"leadId,omitempty"`
	NewLead        bool   `json:"newLead"`
	// Duplicate marks a carrier redelivery of a message already stored.
	Duplicate      bool   `json:"duplicate,omitempty"`
}
