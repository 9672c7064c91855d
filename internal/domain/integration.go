package domain

import (
	"encoding/json"
	"time"
)

// User - пользователь системы (оставляем только здесь)
type User struct {
	ID           string    `db:"id" json:"id"`
	OrgID        string    `db:"org_id" json:"org_id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	DisplayName  string    `db:"display_name" json:"display_name"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// IntegrationType - тип CRM-провайдера
type IntegrationType string

const (
	TypeBitrix24 IntegrationType = "bitrix24"
	TypeAmoCRM   IntegrationType = "amocrm"
	TypeAvito    IntegrationType = "avito"
	TypeSalebot  IntegrationType = "salebot"
)

// Integration - подключение организации к одной CRM.
// Уникальна в рамках (org_id, type).
type Integration struct {
	ID          string          `db:"id" json:"id"`
	OrgID       string          `db:"org_id" json:"org_id"`
	Type        IntegrationType `db:"type" json:"type"`
	Name        string          `db:"name" json:"name"`
	Credentials Credentials     `db:"-" json:"-"`
	Settings    Settings        `db:"-" json:"settings"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	WebhookURL  string          `db:"-" json:"webhook_url"`
}

// Credentials - секреты интеграции. Хранятся в БД одной зашифрованной
// строкой (AES-GCM), набор полей зависит от типа провайдера.
type Credentials struct {
	// Bitrix24: входящий вебхук либо OAuth-приложение
	WebhookURL string `json:"webhook_url,omitempty"`
	Domain     string `json:"domain,omitempty"`

	// OAuth (Bitrix24 / AmoCRM / Avito)
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`

	// AmoCRM
	Subdomain string `json:"subdomain,omitempty"`

	// Avito
	AvitoUserID string `json:"avito_user_id,omitempty"`

	// Salebot
	APIKey string `json:"api_key,omitempty"`
}

// UsesOAuth сообщает, живет ли интеграция на паре access/refresh токенов
func (c *Credentials) UsesOAuth() bool {
	return c.RefreshToken != ""
}

// Settings - провайдеро-специфичные значения по умолчанию
type Settings struct {
	DefaultPipelineID    string `json:"default_pipeline_id,omitempty"`
	DefaultStatusID      string `json:"default_status_id,omitempty"`
	DefaultResponsibleID string `json:"default_responsible_id,omitempty"`
	LeadSource           string `json:"lead_source,omitempty"`
	WelcomeMessage       string `json:"welcome_message,omitempty"`

	// Bitrix24 Open Lines
	ConnectorID string `json:"connector_id,omitempty"`
	LineID      string `json:"line_id,omitempty"`
}

// IntegrationBot - настройки синхронизации для пары интеграция+бот
type IntegrationBot struct {
	IntegrationID     string          `db:"integration_id" json:"integration_id"`
	BotID             string          `db:"bot_id" json:"bot_id"`
	SyncContacts      bool            `db:"sync_contacts" json:"sync_contacts"`
	SyncConversations bool            `db:"sync_conversations" json:"sync_conversations"`
	CreateLeads       bool            `db:"create_leads" json:"create_leads"`
	CreateDeals       bool            `db:"create_deals" json:"create_deals"`
	LeadSource        string          `db:"lead_source" json:"lead_source"`
	ResponsibleUserID string          `db:"responsible_user_id" json:"responsible_user_id"`
	PipelineSettings  json.RawMessage `db:"pipeline_settings" json:"pipeline_settings"`
	ConnectorSettings json.RawMessage `db:"connector_settings" json:"connector_settings"`
	IsActive          bool            `db:"is_active" json:"is_active"`
}

// TokenPair - новая пара токенов после refresh
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// EntityType - тип удаленной сущности CRM
type EntityType string

const (
	EntityLead    EntityType = "lead"
	EntityDeal    EntityType = "deal"
	EntityContact EntityType = "contact"
	EntityChat    EntityType = "chat"
)

// SyncEntity - связка локального агрегата с удаленным объектом CRM.
// Живая запись не более одной на (integration_id, entity_type, local_id);
// замененные при восстановлении связки записи остаются с deleted_at.
type SyncEntity struct {
	ID            string          `db:"id" json:"id"`
	IntegrationID string          `db:"integration_id" json:"integration_id"`
	EntityType    EntityType      `db:"entity_type" json:"entity_type"`
	LocalID       string          `db:"local_id" json:"local_id"`
	RemoteID      string          `db:"remote_id" json:"remote_id"`
	RemotePayload json.RawMessage `db:"remote_payload" json:"remote_payload"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
	DeletedAt     *time.Time      `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Направление обмена для журнала синхронизации
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Статусы записи журнала
const (
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// SyncLog - неизменяемая запись журнала синхронизации.
// Пишется на каждый вебхук и каждую исходящую операцию, логикой не читается.
type SyncLog struct {
	ID              int64           `db:"id" json:"id"`
	IntegrationID   string          `db:"integration_id" json:"integration_id"`
	Direction       string          `db:"direction" json:"direction"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	Operation       string          `db:"operation" json:"operation"`
	RequestPayload  json.RawMessage `db:"request_payload" json:"request_payload"`
	ResponsePayload json.RawMessage `db:"response_payload" json:"response_payload"`
	Status          string          `db:"status" json:"status"`
	ErrorMessage    string          `db:"error_message" json:"error_message"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}
