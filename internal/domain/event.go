package domain

import "encoding/json"

// EventType - тип нормализованного события вебхука
type EventType string

const (
	EventMessageReceived     EventType = "message_received"
	EventLeadStatusChanged   EventType = "lead_status_changed"
	EventChatClosed          EventType = "chat_closed"
	EventAppUninstalled      EventType = "app_uninstalled"
	EventOperatorConnected   EventType = "operator_connected"
	EventConnectorConfigured EventType = "connector_configured"
)

// SyncEvent - единое внутреннее событие, в которое декодируются вебхуки
// всех провайдеров. Заполняются только поля, осмысленные для Type.
type SyncEvent struct {
	Type EventType

	// message_received / chat_closed / operator_connected
	ExternalChatKey string
	ExternalMsgID   string
	SenderRole      string
	Text            string
	Attachments     []Attachment

	// Идентичность собеседника, если провайдер ее сообщает
	UserName  string
	UserEmail string
	UserPhone string

	// lead_status_changed
	RemoteID   string
	EntityType EntityType
	NewStatus  string

	// Avito: структурные данные объявления для имени лида
	ItemID    string
	ItemTitle string
	ItemPrice string

	// connector_configured (Bitrix24 Open Lines)
	LineID      string
	ConnectorID string
	Active      bool

	// Исходный кусок полезной нагрузки для журнала
	Raw json.RawMessage
}

// Attachment - вложение входящего сообщения
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}
