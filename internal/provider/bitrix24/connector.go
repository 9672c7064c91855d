package bitrix24

import (
	"context"
	"fmt"
	"time"
)

// ConnectorID собирает идентификатор коннектора открытых линий
// в принятом формате chatbot_{orgId}_{botId}
func ConnectorID(orgID, botID string) string {
	return fmt.Sprintf("chatbot_%s_%s", orgID, botID)
}

// RegisterConnector регистрирует коннектор в открытых линиях портала
func (a *Adapter) RegisterConnector(ctx context.Context, connectorID, name string) error {
	return a.call(ctx, "imconnector.register", map[string]interface{}{
		"ID":   connectorID,
		"NAME": name,
		"ICON": map[string]string{
			"DATA_IMAGE": "",
		},
	}, nil)
}

// ActivateConnector включает коннектор на конкретной линии
func (a *Adapter) ActivateConnector(ctx context.Context, connectorID, lineID string, active bool) error {
	status := 0
	if active {
		status = 1
	}
	return a.call(ctx, "imconnector.activate", map[string]interface{}{
		"CONNECTOR": connectorID,
		"LINE":      lineID,
		"ACTIVE":    status,
	}, nil)
}

// SendMessage отправляет ответ бота в чат открытой линии.
// externalChatKey - идентификатор чата, под которым собеседник заведен
// в коннекторе.
func (a *Adapter) SendMessage(ctx context.Context, externalChatKey, text string) error {
	connector := a.integ.Settings.ConnectorID
	line := a.integ.Settings.LineID
	if connector == "" || line == "" {
		return fmt.Errorf("bitrix24 connector is not configured for integration %s", a.integ.ID)
	}

	return a.call(ctx, "imconnector.send.messages", map[string]interface{}{
		"CONNECTOR": connector,
		"LINE":      line,
		"MESSAGES": []map[string]interface{}{
			{
				"user": map[string]string{"id": externalChatKey},
				"chat": map[string]string{"id": externalChatKey},
				"message": map[string]interface{}{
					"id":   fmt.Sprintf("out_%d", time.Now().UnixNano()),
					"date": time.Now().Unix(),
					"text": text,
				},
			},
		},
	}, nil)
}

// ConfirmDelivery подтверждает порталу доставку входящего сообщения.
// Без подтверждения Bitrix24 продолжает слать его повторно.
func (a *Adapter) ConfirmDelivery(ctx context.Context, connectorID, lineID, chatID, messageID string) error {
	return a.call(ctx, "imconnector.send.status.delivery", map[string]interface{}{
		"CONNECTOR": connectorID,
		"LINE":      lineID,
		"MESSAGES": []map[string]interface{}{
			{
				"im":      map[string]string{"chat_id": chatID, "message_id": messageID},
				"message": map[string]string{"id": messageID},
				"chat":    map[string]string{"id": chatID},
			},
		},
	}, nil)
}
