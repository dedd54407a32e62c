package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leadline/sms-backend/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx ConversationTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(&PostgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// NewPostgresTx wraps a transaction owned by the caller.
func NewPostgresTx(tx pgx.Tx) *PostgresTx {
	return &PostgresTx{tx: tx}
}

func (s *PostgresStore) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, sms_provider, phone_number
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.SMSProvider, &customer.PhoneNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query customer: %w", err)
	}
	return &customer, nil
}

func (s *PostgresStore) FindCustomerByNumber(ctx context.Context, phoneNumber string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, sms_provider, phone_number
		FROM customers
		WHERE phone_number = $1
		LIMIT 1
	`, strings.TrimSpace(phoneNumber)).Scan(&customer.ID, &customer.SMSProvider, &customer.PhoneNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query customer by number: %w", err)
	}
	return &customer, nil
}

func (s *PostgresStore) GetAISettings(ctx context.Context, customerID string) (*domain.AISettings, error) {
	var (
		settings   domain.AISettings
		delayMS    int64
		debounceMS int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT customer_id, enabled, auto_send, reply_delay_ms, debounce_window_ms, model, system_prompt
		FROM ai_settings
		WHERE customer_id = $1
	`, customerID).Scan(
		&settings.CustomerID,
		&settings.Enabled,
		&settings.AutoSend,
		&delayMS,
		&debounceMS,
		&settings.Model,
		&settings.SystemPrompt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query ai settings: %w", err)
	}
	settings.ReplyDelay = time.Duration(delayMS) * time.Millisecond
	settings.DebounceWindow = time.Duration(debounceMS) * time.Millisecond
	return &settings, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, lead_phone, status, message_count, last_activity_at, created_at
		FROM conversations
		WHERE id = $1
	`, conversationID)
	conversation, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return conversation, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, direction, sender_role, content, provider_message_id, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Message, 0, limit)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, *message)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate messages: %w", rows.Err())
	}
	return items, nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, message *domain.Message) error {
	return s.WithinTx(ctx, func(tx ConversationTx) error {
		if err := tx.InsertMessage(ctx, message); err != nil {
			return err
		}
		return tx.TouchConversation(ctx, message.ConversationID, message.CreatedAt)
	})
}

// PostgresTx implements ConversationTx on a pgx transaction.
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) FindActiveConversation(ctx context.Context, customerID, leadPhone string) (*domain.Conversation, error) {
	// Serializes concurrent first messages from the same lead so only one
	// conversation gets created.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, customerID+"|"+leadPhone); err != nil {
		return nil, fmt.Errorf("lock conversation key: %w", err)
	}

	row := t.tx.QueryRow(ctx, `
		SELECT id, customer_id, lead_phone, status, message_count, last_activity_at, created_at
		FROM conversations
		WHERE customer_id = $1 AND lead_phone = $2 AND status = $3
		ORDER BY last_activity_at DESC
		LIMIT 1
	`, customerID, leadPhone, string(domain.ConversationActive))
	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("query active conversation: %w", err)
	}
	return conversation, nil
}

func (t *PostgresTx) CreateConversation(ctx context.Context, conversation *domain.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.NewString()
	}
	if conversation.Status == "" {
		conversation.Status = domain.ConversationActive
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now().UTC()
	}
	if conversation.LastActivityAt.IsZero() {
		conversation.LastActivityAt = conversation.CreatedAt
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO conversations (id, customer_id, lead_phone, status, message_count, last_activity_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		conversation.ID,
		conversation.CustomerID,
		conversation.LeadPhone,
		string(conversation.Status),
		conversation.MessageCount,
		conversation.LastActivityAt,
		conversation.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (t *PostgresTx) CreateLead(ctx context.Context, lead *domain.Lead) error {
	if lead.ID == "" {
		lead.ID = uuid.NewString()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO leads (id, customer_id, conversation_id, phone, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, lead.ID, lead.CustomerID, lead.ConversationID, lead.Phone, lead.Source, lead.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

func (t *PostgresTx) FirstLead(ctx context.Context, conversationID string) (*domain.Lead, error) {
	var lead domain.Lead
	err := t.tx.QueryRow(ctx, `
		SELECT id, customer_id, conversation_id, phone, source, created_at
		FROM leads
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, conversationID).Scan(
		&lead.ID,
		&lead.CustomerID,
		&lead.ConversationID,
		&lead.Phone,
		&lead.Source,
		&lead.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query first lead: %w", err)
	}
	return &lead, nil
}

func (t *PostgresTx) FindMessageByProviderID(ctx context.Context, customerID, providerMessageID string) (*domain.Message, error) {
	if providerMessageID == "" {
		return nil, ErrNotFound
	}
	row := t.tx.QueryRow(ctx, `
		SELECT m.id, m.conversation_id, m.direction, m.sender_role, m.content, m.provider_message_id, m.status, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.customer_id = $1 AND m.provider_message_id = $2
		LIMIT 1
	`, customerID, providerMessageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("query provider message: %w", err)
	}
	return message, nil
}

func (t *PostgresTx) InsertMessage(ctx context.Context, message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, direction, sender_role, content, provider_message_id, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		message.ID,
		message.ConversationID,
		string(message.Direction),
		string(message.SenderRole),
		message.Content,
		message.ProviderMessageID,
		string(message.Status),
		message.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, message.ProviderMessageID)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (t *PostgresTx) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	command, err := t.tx.Exec(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1,
			last_activity_at = GREATEST(last_activity_at, $2)
		WHERE id = $1
	`, conversationID, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var (
		conversation domain.Conversation
		status       string
	)
	err := row.Scan(
		&conversation.ID,
		&conversation.CustomerID,
		&conversation.LeadPhone,
		&status,
		&conversation.MessageCount,
		&conversation.LastActivityAt,
		&conversation.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conversation.Status = domain.ConversationStatus(status)
	return &conversation, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		message   domain.Message
		direction string
		role      string
		status    string
	)
	err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&direction,
		&role,
		&message.Content,
		&message.ProviderMessageID,
		&status,
		&message.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	message.Direction = domain.Direction(direction)
	message.SenderRole = domain.SenderRole(role)
	message.Status = domain.MessageStatus(status)
	return &message, nil
}
