package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leadline/sms-backend/internal/domain"
)

// MemoryStore keeps all state in process memory for local development and
// tests. Transactions are serialized and roll back by restoring a snapshot.
type MemoryStore struct {
	// directoryMu guards customers and settings, which transactions never touch.
	directoryMu sync.RWMutex
	customers   map[string]domain.Customer
	settings    map[string]domain.AISettings

	mu            sync.Mutex
	conversations map[string]domain.Conversation
	leads         map[string]domain.Lead
	messages      map[string]domain.Message
	sequence      int64
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[string]domain.Customer),
		settings:      make(map[string]domain.AISettings),
		conversations: make(map[string]domain.Conversation),
		leads:         make(map[string]domain.Lead),
		messages:      make(map[string]domain.Message),
		now:           time.Now,
	}
}

func (s *MemoryStore) PutCustomer(customer domain.Customer) {
	s.directoryMu.Lock()
	defer s.directoryMu.Unlock()
	s.customers[customer.ID] = customer
}

func (s *MemoryStore) PutAISettings(settings domain.AISettings) {
	s.directoryMu.Lock()
	defer s.directoryMu.Unlock()
	s.settings[settings.CustomerID] = settings
}

func (s *MemoryStore) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.directoryMu.RLock()
	defer s.directoryMu.RUnlock()
	customer, ok := s.customers[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &customer, nil
}

func (s *MemoryStore) FindCustomerByNumber(_ context.Context, phoneNumber string) (*domain.Customer, error) {
	s.directoryMu.RLock()
	defer s.directoryMu.RUnlock()
	target := strings.TrimSpace(phoneNumber)
	for _, customer := range s.customers {
		if customer.PhoneNumber != "" && customer.PhoneNumber == target {
			found := customer
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetAISettings(_ context.Context, customerID string) (*domain.AISettings, error) {
	s.directoryMu.RLock()
	defer s.directoryMu.RUnlock()
	settings, ok := s.settings[customerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &settings, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &conversation, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.Message, 0)
	for _, message := range s.messages {
		if message.ConversationID == conversationID {
			items = append(items, message)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, message *domain.Message) error {
	return s.WithinTx(ctx, func(tx ConversationTx) error {
		if err := tx.InsertMessage(ctx, message); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, message.ConversationID, message.CreatedAt)
	})
}

// Messages returns every message of a conversation, oldest first.
func (s *MemoryStore) Messages(conversationID string) []domain.Message {
	items, _ := s.RecentMessages(context.Background(), conversationID, 0)
	return items
}

// Leads returns every lead of a customer.
func (s *MemoryStore) Leads(customerID string) []domain.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.Lead, 0)
	for _, lead := range s.leads {
		if lead.CustomerID == customerID {
			items = append(items, lead)
		}
	}
	return items
}

// Conversations returns every conversation of a customer.
func (s *MemoryStore) Conversations(customerID string) []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.Conversation, 0)
	for _, conversation := range s.conversations {
		if conversation.CustomerID == customerID {
			items = append(items, conversation)
		}
	}
	return items
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx ConversationTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	conversations map[string]domain.Conversation
	leads         map[string]domain.Lead
	messages      map[string]domain.Message
	sequence      int64
}

func (s *MemoryStore) snapshot() memorySnapshot {
	return memorySnapshot{
		conversations: cloneMap(s.conversations),
		leads:         cloneMap(s.leads),
		messages:      cloneMap(s.messages),
		sequence:      s.sequence,
	}
}

func (s *MemoryStore) restore(snapshot memorySnapshot) {
	s.conversations = snapshot.conversations
	s.leads = snapshot.leads
	s.messages = snapshot.messages
	s.sequence = snapshot.sequence
}

func cloneMap[V any](source map[string]V) map[string]V {
	cloned := make(map[string]V, len(source))
	for key, value := range source {
		cloned[key] = value
	}
	return cloned
}

// memoryTx operates on the store while its mutex is held by WithinTx.
type memoryTx struct {
	store *MemoryStore
}

// stamp returns a creation time that is strictly increasing within the store,
// so ordering by creation time is stable even when the clock does not move.
func (tx *memoryTx) stamp(at time.Time) time.Time {
	tx.store.sequence++
	if at.IsZero() {
		at = tx.store.now().UTC()
	}
	return at.Add(time.Duration(tx.store.sequence))
}

func (tx *memoryTx) FindActiveConversation(_ context.Context, customerID, leadPhone string) (*domain.Conversation, error) {
	var found *domain.Conversation
	for _, conversation := range tx.store.conversations {
		if conversation.CustomerID != customerID || conversation.LeadPhone != leadPhone {
			continue
		}
		if conversation.Status != domain.ConversationActive {
			continue
		}
		if found == nil || conversation.LastActivityAt.After(found.LastActivityAt) {
			candidate := conversation
			found = &candidate
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (tx *memoryTx) CreateConversation(_ context.Context, conversation *domain.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.NewString()
	}
	if conversation.Status == "" {
		conversation.Status = domain.ConversationActive
	}
	conversation.CreatedAt = tx.stamp(conversation.CreatedAt)
	if conversation.LastActivityAt.IsZero() {
		conversation.LastActivityAt = conversation.CreatedAt
	}
	tx.store.conversations[conversation.ID] = *conversation
	return nil
}

func (tx *memoryTx) CreateLead(_ context.Context, lead *domain.Lead) error {
	if _, ok := tx.store.conversations[lead.ConversationID]; !ok {
		return ErrNotFound
	}
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	lead.CreatedAt = tx.stamp(lead.CreatedAt)
	tx.store.leads[lead.ID] = *lead
	return nil
}

func (tx *memoryTx) FirstLead(_ context.Context, conversationID string) (*domain.Lead, error) {
	var first *domain.Lead
	for _, lead := range tx.store.leads {
		if lead.ConversationID != conversationID {
			continue
		}
		if first == nil || lead.CreatedAt.Before(first.CreatedAt) {
			candidate := lead
			first = &candidate
		}
	}
	if first == nil {
		return nil, ErrNotFound
	}
	return first, nil
}

func (tx *memoryTx) FindMessageByProviderID(_ context.Context, customerID, providerMessageID string) (*domain.Message, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	for _, message := range tx.store.messages {
		if message.ProviderMessageID != providerMessageID {
			continue
		}
		if tx.store.conversations[message.ConversationID].CustomerID != customerID {
			continue
		}
		found := message
		return &found, nil
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) InsertMessage(_ context.Context, message *domain.Message) error {
	if _, ok := tx.store.conversations[message.ConversationID]; !ok {
		return ErrNotFound
	}
	if message.ProviderMessageID != "" {
		for _, existing := range tx.store.messages {
			if existing.ProviderMessageID == message.ProviderMessageID {
				return fmt.Errorf("%w: %s", ErrDuplicateMessage, message.ProviderMessageID)
			}
		}
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = tx.stamp(message.CreatedAt)
	tx.store.messages[message.ID] = *message
	return nil
}

func (tx *memoryTx) TouchConversation(_ context.Context, conversationID string, at time.Time) error {
	conversation, ok := tx.store.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conversation.MessageCount++
	if at.After(conversation.LastActivityAt) {
		conversation.LastActivityAt = at
	}
	tx.store.conversations[conversationID] = conversation
	return nil
}
