package bitrix24

import (
	"encoding/json"
	"fmt"

	"chatbot-crm-bridge/internal/domain"
)

// ParseWebhook декодирует событие Bitrix24 в нормализованные события.
// CRM-события ONCRM*UPDATE становятся lead_status_changed, сообщения
// коннектора - message_received (по одному на сообщение).
func (a *Adapter) ParseWebhook(body []byte) ([]domain.SyncEvent, error) {
	var hook domain.Bitrix24Webhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode bitrix24 webhook: %w", err)
	}
	if hook.Event == "" {
		return nil, fmt.Errorf("bitrix24 webhook without event field")
	}

	switch hook.Event {
	case domain.Bitrix24EventLeadUpdate:
		return a.parseCRMUpdate(hook, domain.EntityLead)
	case domain.Bitrix24EventDealUpdate:
		return a.parseCRMUpdate(hook, domain.EntityDeal)
	case domain.Bitrix24EventContactUpdate:
		return a.parseCRMUpdate(hook, domain.EntityContact)
	case domain.Bitrix24EventConnectorAdd:
		return a.parseConnectorMessages(hook)
	case domain.Bitrix24EventOpenLinesJoin:
		return []domain.SyncEvent{{
			Type: domain.EventOperatorConnected,
			Raw:  hook.Data,
		}}, nil
	case domain.Bitrix24EventAppUninstall:
		return []domain.SyncEvent{{
			Type: domain.EventAppUninstalled,
			Raw:  hook.Data,
		}}, nil
	}

	// Неизвестные события не ошибка: портал шлет больше, чем мы слушаем
	return nil, nil
}

func (a *Adapter) parseCRMUpdate(hook domain.Bitrix24Webhook, entityType domain.EntityType) ([]domain.SyncEvent, error) {
	var data domain.Bitrix24CRMData
	if err := json.Unmarshal(hook.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode %s data: %w", hook.Event, err)
	}

	status := data.Fields.StatusID
	if status == "" {
		status = data.Fields.StageID
	}
	return []domain.SyncEvent{{
		Type:       domain.EventLeadStatusChanged,
		EntityType: entityType,
		RemoteID:   data.Fields.ID.String(),
		NewStatus:  status,
		Raw:        hook.Data,
	}}, nil
}

func (a *Adapter) parseConnectorMessages(hook domain.Bitrix24Webhook) ([]domain.SyncEvent, error) {
	var data domain.Bitrix24ConnectorData
	if err := json.Unmarshal(hook.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode connector data: %w", err)
	}

	events := make([]domain.SyncEvent, 0, len(data.Messages))
	for _, m := range data.Messages {
		ev := domain.SyncEvent{
			Type:            domain.EventMessageReceived,
			ExternalChatKey: m.Chat.ID.String(),
			ExternalMsgID:   m.Message.ID.String(),
			SenderRole:      domain.RoleUser,
			Text:            m.Message.Text,
			UserName:        m.User.Name,
			UserPhone:       m.User.Phone,
			UserEmail:       m.User.Email,
			LineID:          data.Line.String(),
			ConnectorID:     data.Connector,
			Raw:             hook.Data,
		}
		for _, f := range m.Message.Files {
			ev.Attachments = append(ev.Attachments, domain.Attachment{
				Type: "file",
				URL:  f.Link,
				Name: f.Name,
			})
		}
		events = append(events, ev)
	}
	return events, nil
}
