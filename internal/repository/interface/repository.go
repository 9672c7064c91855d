package _interface

import (
	"context"

	"chatbot-crm-bridge/internal/domain"
)

// IntegrationRepository - интерфейс для работы с интеграциями.
// Credentials шифруются/расшифровываются внутри реализации: наружу
// секреты выходят только в расшифрованном доменном виде.
type IntegrationRepository interface {
	Create(ctx context.Context, integration *domain.Integration) error
	Update(ctx context.Context, integration *domain.Integration) error
	Delete(ctx context.Context, id string, orgID string) error
	FindByID(ctx context.Context, id string) (*domain.Integration, error)
	FindByOrg(ctx context.Context, orgID string) ([]*domain.Integration, error)
	FindAllActive(ctx context.Context) ([]*domain.Integration, error)

	// UpdateTokens атомарно сохраняет новую пару токенов
	UpdateTokens(ctx context.Context, id string, pair *domain.TokenPair) error
	SetActive(ctx context.Context, id string, active bool) error

	// Настройки синхронизации пары интеграция+бот
	FindBots(ctx context.Context, integrationID string) ([]*domain.IntegrationBot, error)

	// Пользователи (админ-API)
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindUserByID(ctx context.Context, id string) (*domain.User, error)
}

// SyncEntityRepository - леджер связок локальных агрегатов с сущностями CRM
type SyncEntityRepository interface {
	// Upsert создает связку либо обновляет remote_id/payload существующей:
	// повторный вызов для одного (integration, entity_type, local_id)
	// дубликата не создает
	Upsert(ctx context.Context, entity *domain.SyncEntity) error

	FindByLocal(ctx context.Context, integrationID string, entityType domain.EntityType, localID string) (*domain.SyncEntity, error)
	FindByRemote(ctx context.Context, integrationID string, entityType domain.EntityType, remoteID string) (*domain.SyncEntity, error)

	// Replace в одной транзакции гасит старую связку и пишет новую
	// (восстановление после удаления сущности на стороне CRM)
	Replace(ctx context.Context, stale *domain.SyncEntity, fresh *domain.SyncEntity) error
}

// SyncLogRepository - журнал синхронизации, только append и выборка
type SyncLogRepository interface {
	Create(ctx context.Context, entry *domain.SyncLog) error
	List(ctx context.Context, integrationID string, limit, offset int) ([]*domain.SyncLog, int, error)
}

// ConversationRepository - диалоги, сообщения и каналы
type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	FindByID(ctx context.Context, id string) (*domain.Conversation, error)
	FindByExternalID(ctx context.Context, channelID, externalID string) (*domain.Conversation, error)

	// UpdateState сохраняет metadata, статус и контактные поля диалога
	UpdateState(ctx context.Context, conv *domain.Conversation) error

	// AppendMessage идемпотентен по (conversation_id, external_msg_id)
	AppendMessage(ctx context.Context, msg *domain.Message) error
	MessagesAfter(ctx context.Context, conversationID string, afterID int64) ([]domain.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// FindPendingSync возвращает незакрытые диалоги организации,
	// накопившие сообщения после курсора синхронизации
	FindPendingSync(ctx context.Context, orgID string, limit int) ([]*domain.Conversation, error)

	FindOrCreateChannel(ctx context.Context, orgID, botID, channelType string) (*domain.Channel, error)
}
