package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chatbot-crm-bridge/internal/domain"
	repoInterface "chatbot-crm-bridge/internal/repository/interface"
)

// ConversationRepository - PostgreSQL реализация диалогов и каналов
type ConversationRepository struct {
	db *sqlx.DB
}

// NewConversationRepository создает новый репозиторий
func NewConversationRepository(db *sqlx.DB) repoInterface.ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create создает диалог
func (r *ConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if conv.Status == "" {
		conv.Status = domain.ConversationActive
	}
	query := `
        INSERT INTO conversations (id, org_id, bot_id, channel_id, external_id, user_name, user_email, user_phone, metadata, status, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
        RETURNING id, created_at, updated_at
    `
	return r.db.QueryRowContext(ctx, query,
		conv.OrgID,
		conv.BotID,
		conv.ChannelID,
		conv.ExternalID,
		conv.UserName,
		conv.UserEmail,
		conv.UserPhone,
		metadata,
		conv.Status,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
}

const conversationColumns = `id, org_id, bot_id, channel_id, external_id, user_name, user_email, user_phone, metadata, status, created_at, updated_at`

const appendMessageQuery = `
        INSERT INTO messages (conversation_id, role, content, external_msg_id, attachments, created_at)
        VALUES ($1, $2, $3, NULLIF($4, ''), $5, NOW())
        ON CONFLICT (conversation_id, external_msg_id) WHERE external_msg_id IS NOT NULL DO NOTHING
        RETURNING id, created_at
    `

func (r *ConversationRepository) scanConversation(row sqlx.ColScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var metadata []byte
	err := row.Scan(
		&conv.ID,
		&conv.OrgID,
		&conv.BotID,
		&conv.ChannelID,
		&conv.ExternalID,
		&conv.UserName,
		&conv.UserEmail,
		&conv.UserPhone,
		&metadata,
		&conv.Status,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

// FindByID находит диалог по ID
func (r *ConversationRepository) FindByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	return r.scanConversation(r.db.QueryRowxContext(ctx, query, id))
}

// FindByExternalID находит диалог по каналу и внешнему ключу,
// nil если такого диалога еще нет
func (r *ConversationRepository) FindByExternalID(ctx context.Context, channelID, externalID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE channel_id = $1 AND external_id = $2`
	conv, err := r.scanConversation(r.db.QueryRowxContext(ctx, query, channelID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// UpdateState сохраняет metadata, статус и контактные поля
func (r *ConversationRepository) UpdateState(ctx context.Context, conv *domain.Conversation) error {
	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	query := `
        UPDATE conversations
        SET user_name = $1, user_email = $2, user_phone = $3, metadata = $4, status = $5, updated_at = NOW()
        WHERE id = $6
    `
	_, err = r.db.ExecContext(ctx, query,
		conv.UserName,
		conv.UserEmail,
		conv.UserPhone,
		metadata,
		conv.Status,
		conv.ID,
	)
	return err
}

// AppendMessage дописывает сообщение. Повтор с тем же external_msg_id
// молча игнорируется: провайдеры повторяют вебхуки при таймаутах.
// Индекс messages_conversation_external_msg частичный (WHERE external_msg_id
// IS NOT NULL), поэтому цель ON CONFLICT обязана повторять его предикат -
// без него Postgres не подберет арбитра и вернет 42P10.
func (r *ConversationRepository) AppendMessage(ctx context.Context, msg *domain.Message) error {
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []byte("null")
	}
	query := appendMessageQuery
	err := r.db.QueryRowContext(ctx, query,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.ExternalMsgID,
		attachments,
	).Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// конфликт по external_msg_id - дубль вебхука
		return nil
	}
	return err
}

// MessagesAfter возвращает сообщения с id больше afterID в порядке создания
func (r *ConversationRepository) MessagesAfter(ctx context.Context, conversationID string, afterID int64) ([]domain.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, COALESCE(external_msg_id, '') AS external_msg_id, attachments, created_at
        FROM messages
        WHERE conversation_id = $1 AND id > $2
        ORDER BY id
    `
	var messages []domain.Message
	if err := r.db.SelectContext(ctx, &messages, query, conversationID, afterID); err != nil {
		return nil, err
	}
	return messages, nil
}

// FindPendingSync возвращает незакрытые диалоги организации, у которых
// есть сообщения с id больше курсора last_synced_message_id в metadata.
// Пустой или отсутствующий курсор трактуется как ноль.
func (r *ConversationRepository) FindPendingSync(ctx context.Context, orgID string, limit int) ([]*domain.Conversation, error) {
	query := `
        SELECT ` + conversationColumns + `
        FROM conversations c
        WHERE c.org_id = $1
          AND c.status != 'closed'
          AND EXISTS (
              SELECT 1 FROM messages m
              WHERE m.conversation_id = c.id
                AND m.id > COALESCE(NULLIF(c.metadata->>'last_synced_message_id', ''), '0')::bigint
          )
        ORDER BY c.updated_at
        LIMIT $2
    `
	rows, err := r.db.QueryxContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := r.scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// CountMessages возвращает число сообщений диалога
func (r *ConversationRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID)
	return count, err
}

// FindOrCreateChannel возвращает канал нужного типа, создавая при отсутствии
func (r *ConversationRepository) FindOrCreateChannel(ctx context.Context, orgID, botID, channelType string) (*domain.Channel, error) {
	var ch domain.Channel
	query := `SELECT id, org_id, bot_id, type, external_key, is_active, created_at FROM channels WHERE org_id = $1 AND bot_id = $2 AND type = $3`
	err := r.db.GetContext(ctx, &ch, query, orgID, botID, channelType)
	if err == nil {
		return &ch, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	insert := `
        INSERT INTO channels (id, org_id, bot_id, type, external_key, is_active, created_at)
        VALUES (gen_random_uuid(), $1, $2, $3, '', TRUE, NOW())
        ON CONFLICT (org_id, bot_id, type) DO UPDATE SET is_active = channels.is_active
        RETURNING id, org_id, bot_id, type, external_key, is_active, created_at
    `
	row := r.db.QueryRowxContext(ctx, insert, orgID, botID, channelType)
	if err := row.StructScan(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}
