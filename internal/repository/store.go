package repository

import (
	"context"
	"errors"
	"time"

	"github.com/leadline/sms-backend/internal/domain"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrDuplicateMessage = errors.New("provider message already stored")
)

// ConversationTx is the set of writes the inbound pipeline performs inside
// one transaction.
type ConversationTx interface {
	// FindActiveConversation returns the most recently active conversation for
	// the pair, or ErrNotFound.
	FindActiveConversation(ctx context.Context, customerID, leadPhone string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, conversation *domain.Conversation) error
	CreateLead(ctx context.Context, lead *domain.Lead) error
	// FirstLead returns the earliest lead of a conversation, or ErrNotFound.
	FirstLead(ctx context.Context, conversationID string) (*domain.Lead, error)
	// FindMessageByProviderID returns the customer's message carrying the
	// carrier's message id, or ErrNotFound.
	FindMessageByProviderID(ctx context.Context, customerID, providerMessageID string) (*domain.Message, error)
	// InsertMessage fails with ErrDuplicateMessage when a non-empty provider
	// message id is already stored.
	InsertMessage(ctx context.Context, message *domain.Message) error
	// TouchConversation increments the message count and sets last activity.
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
}

type ConversationStore interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx ConversationTx) error) error
}

type CustomerStore interface {
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	FindCustomerByNumber(ctx context.Context, phoneNumber string) (*domain.Customer, error)
	GetAISettings(ctx context.Context, customerID string) (*domain.AISettings, error)
}

type MessageStore interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	// SaveMessage inserts a message outside the inbound flow and touches its conversation.
	SaveMessage(ctx context.Context, message *domain.Message) error
}

// Store is everything the services need from persistence.
type Store interface {
	ConversationStore
	CustomerStore
	MessageStore
}
