package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Статусы диалога
const (
	ConversationActive          = "active"
	ConversationWaitingOperator = "waiting_operator"
	ConversationClosed          = "closed"
)

// Роли сообщений
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleOperator  = "operator"
	RoleSystem    = "system"
)

// Ключи метаданных диалога. Metadata - вторичный кэш связок, источником
// истины остается SyncEntity; при расхождении кэш перезаписывается из леджера.
const (
	MetaAmoLeadID        = "amocrm_lead_id"
	MetaAvitoChatID      = "avito_chat_id"
	MetaBitrixChatID     = "bitrix24_chat_id"
	MetaSalebotClientID  = "salebot_client_id"
	MetaLastSyncedMsgID  = "last_synced_message_id"
	MetaAvitoItemID      = "avito_item_id"
	MetaAvitoItemTitle   = "avito_item_title"
	MetaAvitoItemPrice   = "avito_item_price"
	MetaBitrixLineID     = "bitrix24_line_id"
)

// Conversation - диалог, привязанный к внешнему каналу.
// Агрегатом владеет мессенджер-подсистема, движок синхронизации читает его
// и дописывает ключи связок в Metadata.
type Conversation struct {
	ID         string            `db:"id" json:"id"`
	OrgID      string            `db:"org_id" json:"org_id"`
	BotID      string            `db:"bot_id" json:"bot_id"`
	ChannelID  string            `db:"channel_id" json:"channel_id"`
	ExternalID string            `db:"external_id" json:"external_id"`
	UserName   string            `db:"user_name" json:"user_name"`
	UserEmail  string            `db:"user_email" json:"user_email"`
	UserPhone  string            `db:"user_phone" json:"user_phone"`
	Metadata   map[string]string `db:"-" json:"metadata"`
	Status     string            `db:"status" json:"status"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `db:"updated_at" json:"updated_at"`
}

// Meta возвращает значение ключа метаданных
func (c *Conversation) Meta(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// SetMeta записывает ключ метаданных
func (c *Conversation) SetMeta(key, value string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
}

// LastSyncedMessageID - монотонный курсор уже отправленных в CRM сообщений
func (c *Conversation) LastSyncedMessageID() int64 {
	id, _ := strconv.ParseInt(c.Meta(MetaLastSyncedMsgID), 10, 64)
	return id
}

// SetLastSyncedMessageID продвигает курсор, назад он не откатывается
func (c *Conversation) SetLastSyncedMessageID(id int64) {
	if id > c.LastSyncedMessageID() {
		c.SetMeta(MetaLastSyncedMsgID, strconv.FormatInt(id, 10))
	}
}

// Message - сообщение диалога. ID монотонно растет в порядке создания.
type Message struct {
	ID             int64           `db:"id" json:"id"`
	ConversationID string          `db:"conversation_id" json:"conversation_id"`
	Role           string          `db:"role" json:"role"`
	Content        string          `db:"content" json:"content"`
	ExternalMsgID  string          `db:"external_msg_id" json:"external_msg_id"`
	Attachments    json.RawMessage `db:"attachments" json:"attachments,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Channel - внешний канал поступления сообщений (avito, bitrix24_openline...)
type Channel struct {
	ID          string    `db:"id" json:"id"`
	OrgID       string    `db:"org_id" json:"org_id"`
	BotID       string    `db:"bot_id" json:"bot_id"`
	Type        string    `db:"type" json:"type"`
	ExternalKey string    `db:"external_key" json:"external_key"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
