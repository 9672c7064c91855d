package bitrix24

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
)

func testAdapter() *Adapter {
	integ := &domain.Integration{
		ID:   "integ-1",
		Type: domain.TypeBitrix24,
		Credentials: domain.Credentials{
			Domain:      "example.bitrix24.ru",
			AccessToken: "token",
		},
	}
	return New(integ).(*Adapter)
}

func TestParseWebhookLeadUpdate(t *testing.T) {
	body := []byte(`{
		"event": "ONCRMLEADUPDATE",
		"data": {"FIELDS": {"ID": 4217, "STATUS_ID": "IN_PROCESS"}}
	}`)

	events, err := testAdapter().ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventLeadStatusChanged, events[0].Type)
	require.Equal(t, domain.EntityLead, events[0].EntityType)
	require.Equal(t, "4217", events[0].RemoteID)
	require.Equal(t, "IN_PROCESS", events[0].NewStatus)
}

func TestParseWebhookDealUsesStage(t *testing.T) {
	// У сделок вместо STATUS_ID приходит STAGE_ID
	body := []byte(`{
		"event": "ONCRMDEALUPDATE",
		"data": {"FIELDS": {"ID": "99", "STAGE_ID": "WON"}}
	}`)

	events, err := testAdapter().ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EntityDeal, events[0].EntityType)
	require.Equal(t, "WON", events[0].NewStatus)
}

func TestParseWebhookConnectorMessages(t *testing.T) {
	body := []byte(`{
		"event": "ONIMCONNECTORMESSAGEADD",
		"data": {
			"CONNECTOR": "chatbot_connector",
			"LINE": 3,
			"MESSAGES": [
				{
					"user": {"id": 15, "name": "Мария", "phone": "+79001234567"},
					"chat": {"id": 501},
					"message": {"id": 9001, "text": "Добрый день", "files": [{"name": "схема.pdf", "link": "https://cdn/f.pdf"}]}
				},
				{
					"user": {"id": 15, "name": "Мария"},
					"chat": {"id": 501},
					"message": {"id": 9002, "text": "Еще вопрос"}
				}
			]
		}
	}`)

	events, err := testAdapter().ParseWebhook(body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	require.Equal(t, domain.EventMessageReceived, first.Type)
	require.Equal(t, "501", first.ExternalChatKey)
	require.Equal(t, "9001", first.ExternalMsgID)
	require.Equal(t, domain.RoleUser, first.SenderRole)
	require.Equal(t, "Добрый день", first.Text)
	require.Equal(t, "Мария", first.UserName)
	require.Equal(t, "+79001234567", first.UserPhone)
	require.Equal(t, "3", first.LineID)
	require.Equal(t, "chatbot_connector", first.ConnectorID)
	require.Len(t, first.Attachments, 1)
	require.Equal(t, "схема.pdf", first.Attachments[0].Name)

	require.Equal(t, "9002", events[1].ExternalMsgID)
	require.Empty(t, events[1].Attachments)
}

func TestParseWebhookUninstall(t *testing.T) {
	events, err := testAdapter().ParseWebhook([]byte(`{"event": "ONAPPUNINSTALL", "data": {}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventAppUninstalled, events[0].Type)
}

func TestParseWebhookUnknownEventIgnored(t *testing.T) {
	events, err := testAdapter().ParseWebhook([]byte(`{"event": "ONTASKADD", "data": {}}`))
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestParseWebhookRejectsGarbage(t *testing.T) {
	_, err := testAdapter().ParseWebhook([]byte("not json"))
	require.Error(t, err)

	_, err = testAdapter().ParseWebhook([]byte(`{"data": {}}`))
	require.Error(t, err)
}
