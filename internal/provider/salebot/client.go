package salebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
)

const apiBase = "https://chatter.salebot.pro/api"

// Adapter - Salebot HTTP API. Лидом служит клиент Salebot, сделкой -
// запуск воронки; токен (api_key) зашит в URL и не истекает.
type Adapter struct {
	integ *domain.Integration
	http  *provider.HTTPClient
}

// New создает адаптер Salebot
func New(integ *domain.Integration) provider.Adapter {
	return &Adapter{
		integ: integ,
		http:  provider.NewHTTPClient("salebot"),
	}
}

func (a *Adapter) Type() domain.IntegrationType      { return domain.TypeSalebot }
func (a *Adapter) LeadEntityType() domain.EntityType { return domain.EntityChat }
func (a *Adapter) BatchSize() int                    { return 0 }

func (a *Adapter) url(method string) string {
	return apiBase + "/" + a.integ.Credentials.APIKey + "/" + method
}

// apiResponse - конверт ответа Salebot
type apiResponse struct {
	Status   string      `json:"status"`
	ClientID json.Number `json:"client_id"`
	Error    string      `json:"error"`
}

func (a *Adapter) call(ctx context.Context, method string, payload interface{}) (*apiResponse, error) {
	var resp apiResponse
	if err := a.http.PostJSON(ctx, a.url(method), nil, payload, &resp); err != nil {
		return nil, classify(err)
	}
	if resp.Error != "" {
		return nil, classifyMessage(resp.Error)
	}
	return &resp, nil
}

func classify(err error) error {
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	switch httpErr.StatusCode {
	case 401, 403:
		return fmt.Errorf("%w: HTTP %d", provider.ErrAuthExpired, httpErr.StatusCode)
	case 404:
		return classifyMessage(string(httpErr.Body))
	case 400:
		return classifyMessage(string(httpErr.Body))
	}
	return err
}

// classifyMessage распознает "client not found" в теле ответа
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "client not found") || strings.Contains(lower, "not found") {
		return fmt.Errorf("%w: %s", provider.ErrRemoteNotFound, msg)
	}
	return fmt.Errorf("%w: %s", provider.ErrValidation, msg)
}

// TestConnection проверяет api_key сохранением пустого запроса списка
func (a *Adapter) TestConnection(ctx context.Context) error {
	var out json.RawMessage
	err := a.http.GetJSON(ctx, a.url("get_variables")+"?client_id=0", nil, &out)
	if err != nil {
		classified := classify(err)
		// "клиент не найден" означает, что ключ действителен
		if errors.Is(classified, provider.ErrRemoteNotFound) {
			return nil
		}
		return classified
	}
	return nil
}

// CreateLead сохраняет клиента clients/save; remote_id - client_id Salebot
func (a *Adapter) CreateLead(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	payload := map[string]interface{}{
		"name":    conv.UserName,
		"phone":   conv.UserPhone,
		"email":   conv.UserEmail,
		"comment": "Диалог #" + conv.ExternalID,
	}
	if clientID := conv.Meta(domain.MetaSalebotClientID); clientID != "" {
		payload["client_id"] = clientID
	}
	if len(fields) > 0 {
		payload["variables"] = fields
	}

	resp, err := a.call(ctx, "clients/save", payload)
	if err != nil {
		return "", err
	}
	if resp.ClientID.String() == "" {
		return "", fmt.Errorf("salebot returned no client_id")
	}
	return resp.ClientID.String(), nil
}

// UpdateLead обновляет переменные клиента clients/update_variables
func (a *Adapter) UpdateLead(ctx context.Context, remoteID string, fields map[string]string) error {
	_, err := a.call(ctx, "clients/update_variables", map[string]interface{}{
		"client_id": remoteID,
		"variables": fields,
	})
	return err
}

// CreateDeal для Salebot - запуск воронки у клиента
func (a *Adapter) CreateDeal(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	clientID, err := a.CreateLead(ctx, conv, fields)
	if err != nil {
		return "", err
	}
	if funnel := a.integ.Settings.DefaultPipelineID; funnel != "" {
		if err := a.StartFunnel(ctx, clientID, funnel); err != nil {
			return "", err
		}
	}
	return clientID, nil
}

// UpdateDeal синонимична обновлению клиента
func (a *Adapter) UpdateDeal(ctx context.Context, remoteID string, fields map[string]string) error {
	return a.UpdateLead(ctx, remoteID, fields)
}

// StartFunnel запускает воронку funnel/start
func (a *Adapter) StartFunnel(ctx context.Context, clientID, funnelID string) error {
	_, err := a.call(ctx, "funnel/start", map[string]string{
		"client_id": clientID,
		"funnel_id": funnelID,
	})
	return err
}

// SyncContact сохраняет клиента как контакт
func (a *Adapter) SyncContact(ctx context.Context, data provider.ContactData) (*provider.ContactResult, error) {
	payload := map[string]interface{}{
		"name":  data.Name,
		"phone": data.Phone,
		"email": data.Email,
	}
	if len(data.Fields) > 0 {
		payload["variables"] = data.Fields
	}
	resp, err := a.call(ctx, "clients/save", payload)
	if err != nil {
		return nil, err
	}
	return &provider.ContactResult{ID: resp.ClientID.String(), Action: provider.ContactCreated}, nil
}

// FindContact: поиска по email/телефону у Salebot нет
func (a *Adapter) FindContact(ctx context.Context, email, phone string) (*provider.ContactResult, error) {
	return nil, nil
}

// AddNote кладет транскрипт в переменную клиента
func (a *Adapter) AddNote(ctx context.Context, entityType domain.EntityType, remoteID, text string) error {
	return a.UpdateLead(ctx, remoteID, map[string]string{"crm_transcript": text})
}

// SendMessage отправляет сообщение клиенту message/send
func (a *Adapter) SendMessage(ctx context.Context, externalChatKey, text string) error {
	_, err := a.call(ctx, "message/send", map[string]string{
		"client_id": externalChatKey,
		"message":   text,
	})
	return err
}

// GetUsers: пользователей CRM у Salebot нет
func (a *Adapter) GetUsers(ctx context.Context) ([]provider.RemoteUser, error) {
	return nil, nil
}

// GetPipelines: список воронок наружу Salebot не отдает, настраивается
// вручную через settings.default_pipeline_id
func (a *Adapter) GetPipelines(ctx context.Context) ([]provider.Pipeline, error) {
	return nil, nil
}

// GetPipelineStages: см. GetPipelines
func (a *Adapter) GetPipelineStages(ctx context.Context, pipelineID string) ([]provider.PipelineStage, error) {
	return nil, nil
}

// GetFields: схема переменных клиента свободная
func (a *Adapter) GetFields(ctx context.Context, entityType domain.EntityType) ([]provider.RemoteField, error) {
	return nil, nil
}

// GetEntity возвращает переменные клиента
func (a *Adapter) GetEntity(ctx context.Context, entityType domain.EntityType, remoteID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := a.http.GetJSON(ctx, a.url("get_variables")+"?client_id="+remoteID, nil, &out)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ParseWebhook декодирует событие Salebot
func (a *Adapter) ParseWebhook(body []byte) ([]domain.SyncEvent, error) {
	var hook domain.SalebotWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode salebot webhook: %w", err)
	}
	if hook.Kind() == "" {
		return nil, fmt.Errorf("salebot webhook without event type")
	}
	if hook.ClientID == "" {
		return nil, fmt.Errorf("salebot webhook without client_id")
	}

	switch hook.Kind() {
	case domain.SalebotEventMessage:
		return []domain.SyncEvent{{
			Type:            domain.EventMessageReceived,
			ExternalChatKey: hook.ClientID,
			SenderRole:      domain.RoleUser,
			Text:            hook.Message,
			UserName:        hook.Name,
			UserPhone:       hook.Phone,
			UserEmail:       hook.Email,
			Raw:             body,
		}}, nil

	case domain.SalebotEventOperatorConnected:
		return []domain.SyncEvent{{
			Type:            domain.EventOperatorConnected,
			ExternalChatKey: hook.ClientID,
			Raw:             body,
		}}, nil

	case domain.SalebotEventFunnelCompleted:
		return []domain.SyncEvent{{
			Type:            domain.EventChatClosed,
			ExternalChatKey: hook.ClientID,
			Raw:             body,
		}}, nil

	case domain.SalebotEventFunnelStarted, domain.SalebotEventVariableChanged:
		return []domain.SyncEvent{{
			Type:            domain.EventLeadStatusChanged,
			EntityType:      domain.EntityChat,
			RemoteID:        hook.ClientID,
			NewStatus:       hook.Kind() + ":" + hook.FunnelID + hook.Variable,
			ExternalChatKey: hook.ClientID,
			Raw:             body,
		}}, nil
	}
	return nil, nil
}

// Refresher: api_key Salebot не истекает
func (a *Adapter) Refresher() provider.TokenRefresher {
	return nil
}
