package provider

import (
	"context"

	"chatbot-crm-bridge/internal/domain"
)

// ContactData - нормализованные данные контакта для синхронизации
type ContactData struct {
	Name   string
	Email  string
	Phone  string
	Fields map[string]string
}

// Действия, которые мог выполнить SyncContact
const (
	ContactCreated = "created"
	ContactUpdated = "updated"
	ContactFound   = "found"
)

// ContactResult - итог поиска/создания контакта
type ContactResult struct {
	ID     string
	Action string
}

// RemoteUser - пользователь CRM (для настройки ответственных)
type RemoteUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Pipeline - воронка CRM
type Pipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PipelineStage - этап воронки
type PipelineStage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
}

// RemoteField - поле сущности CRM (для конструктора маппингов)
type RemoteField struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// BulkResult - итог пакетной синхронизации; ошибка одного элемента
// не прерывает пакет
type BulkResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// TokenRefresher обновляет пару токенов интеграции. Провайдеры без
// истечения токена (вебхук Bitrix24, Salebot) возвращают nil из Refresher().
type TokenRefresher interface {
	Refresh(ctx context.Context) (*domain.TokenPair, error)
}

// Adapter - единый контракт поверх пяти несовместимых протоколов CRM.
// Вся провайдеро-специфика живет внутри адаптера: оркестрация никогда
// не ветвится по типу провайдера.
//
// У провайдеров без понятия сделки (AmoCRM) сделка синонимична лиду;
// у провайдеров без лида (Avito, Salebot) лидом служит их нативный
// примитив - чат или клиент воронки.
type Adapter interface {
	Type() domain.IntegrationType

	TestConnection(ctx context.Context) error

	// SyncContact: поиск по email, затем по телефону, иначе создание.
	// Обновляются только переданные поля.
	SyncContact(ctx context.Context, data ContactData) (*ContactResult, error)
	FindContact(ctx context.Context, email, phone string) (*ContactResult, error)

	CreateLead(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error)
	UpdateLead(ctx context.Context, remoteID string, fields map[string]string) error
	CreateDeal(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error)
	UpdateDeal(ctx context.Context, remoteID string, fields map[string]string) error

	// AddNote дописывает текст (обычно транскрипт диалога) к сущности
	AddNote(ctx context.Context, entityType domain.EntityType, remoteID, text string) error

	// SendMessage отправляет текст обратно во внешний чат провайдера
	SendMessage(ctx context.Context, externalChatKey, text string) error

	// Метаданные для конфигурационного UI, только чтение
	GetUsers(ctx context.Context) ([]RemoteUser, error)
	GetPipelines(ctx context.Context) ([]Pipeline, error)
	GetPipelineStages(ctx context.Context, pipelineID string) ([]PipelineStage, error)
	GetFields(ctx context.Context, entityType domain.EntityType) ([]RemoteField, error)
	GetEntity(ctx context.Context, entityType domain.EntityType, remoteID string) (map[string]interface{}, error)

	// ParseWebhook декодирует нативный payload провайдера в события.
	// Ошибки классификации payload не должны приводить к панике.
	ParseWebhook(body []byte) ([]domain.SyncEvent, error)

	// Refresher возвращает nil, если токены провайдера не истекают
	Refresher() TokenRefresher

	// LeadEntityType - тип сущности, которым провайдер представляет лид
	LeadEntityType() domain.EntityType

	// BatchSize - размер пакета для bulkSync (0 - без ограничения)
	BatchSize() int
}

// DeliveryConfirmer - опциональная способность адаптера: подтверждение
// провайдеру доставки входящего сообщения. Bitrix24 повторяет сообщения
// коннектора, пока не получит подтверждение; остальные провайдеры
// подтверждения не ждут и интерфейс не реализуют.
type DeliveryConfirmer interface {
	ConfirmDelivery(ctx context.Context, connectorID, lineID, chatID, messageID string) error
}

// ItemFetcher - опциональная способность адаптера: запрос объявления,
// к которому привязан чат. Реализует только Avito; вебхук отдает лишь
// идентификатор объявления, заголовок и цену приходится дозапрашивать.
type ItemFetcher interface {
	GetItem(ctx context.Context, itemID string) (*domain.AvitoItem, error)
}

// Factory создает адаптер для конкретной интеграции
// (с уже расшифрованными credentials)
type Factory func(integ *domain.Integration) Adapter
