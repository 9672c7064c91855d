package domain

import "encoding/json"

// AvitoWebhook - событие мессенджера Avito
type AvitoWebhook struct {
	Type   string      `json:"type"`
	ChatID string      `json:"chat_id"`
	UserID json.Number `json:"user_id"`

	Message *AvitoMessage `json:"message,omitempty"`

	// item_view / item_phone_call
	Item *AvitoItem `json:"item,omitempty"`

	// Имя собеседника, если Avito его передал
	UserName string `json:"user_name,omitempty"`
}

// Типы событий Avito
const (
	AvitoEventMessage       = "message"
	AvitoEventChatOpened    = "chat_opened"
	AvitoEventChatClosed    = "chat_closed"
	AvitoEventItemView      = "item_view"
	AvitoEventItemPhoneCall = "item_phone_call"
)

// AvitoMessage - входящее сообщение чата Avito
type AvitoMessage struct {
	ID        string      `json:"id"`
	AuthorID  json.Number `json:"author_id"`
	Type      string      `json:"type"`
	Direction string      `json:"direction"`
	Content   struct {
		Text string `json:"text"`
	} `json:"content"`
}

// AvitoItem - объявление, к которому привязан чат
type AvitoItem struct {
	ID    json.Number `json:"id"`
	Title string      `json:"title"`
	Price json.Number `json:"price"`
	URL   string      `json:"url"`
}
