package avito

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
)

const apiBase = "https://api.avito.ru"

// Adapter - мессенджер Avito. Понятия лида у Avito нет: нативным
// примитивом служит чат, его идентификатор и становится remote_id.
type Adapter struct {
	integ *domain.Integration
	http  *provider.HTTPClient
}

// New создает адаптер Avito
func New(integ *domain.Integration) provider.Adapter {
	return &Adapter{
		integ: integ,
		http:  provider.NewHTTPClient("avito"),
	}
}

func (a *Adapter) Type() domain.IntegrationType      { return domain.TypeAvito }
func (a *Adapter) LeadEntityType() domain.EntityType { return domain.EntityChat }
func (a *Adapter) BatchSize() int                    { return 0 }

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.integ.Credentials.AccessToken}
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
		return fmt.Errorf("%w: HTTP 404", provider.ErrRemoteNotFound)
	case 400:
		return fmt.Errorf("%w: %s", provider.ErrValidation, httpErr.Error())
	}
	return err
}

// TestConnection проверяет токен запросом собственного аккаунта
func (a *Adapter) TestConnection(ctx context.Context) error {
	var self map[string]interface{}
	err := a.http.GetJSON(ctx, apiBase+"/core/v1/accounts/self", a.headers(), &self)
	return classify(err)
}

// CreateLead для Avito не создает удаленную сущность: чатом владеет
// Avito, связка строится на его идентификаторе из метаданных диалога
func (a *Adapter) CreateLead(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	chatID := conv.Meta(domain.MetaAvitoChatID)
	if chatID == "" {
		chatID = conv.ExternalID
	}
	if chatID == "" {
		return "", fmt.Errorf("%w: conversation has no avito chat id", provider.ErrValidation)
	}
	// Проверяем, что чат еще существует на стороне Avito
	if _, err := a.getChat(ctx, chatID); err != nil {
		return "", err
	}
	return chatID, nil
}

// UpdateLead для чата Avito обновлять нечего
func (a *Adapter) UpdateLead(ctx context.Context, remoteID string, fields map[string]string) error {
	_, err := a.getChat(ctx, remoteID)
	return err
}

// CreateDeal синонимична лиду-чату
func (a *Adapter) CreateDeal(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	return a.CreateLead(ctx, conv, fields)
}

// UpdateDeal синонимична лиду-чату
func (a *Adapter) UpdateDeal(ctx context.Context, remoteID string, fields map[string]string) error {
	return a.UpdateLead(ctx, remoteID, fields)
}

// SyncContact: у Avito нет справочника контактов
func (a *Adapter) SyncContact(ctx context.Context, data provider.ContactData) (*provider.ContactResult, error) {
	return nil, fmt.Errorf("%w: avito has no contact directory", provider.ErrValidation)
}

// FindContact: у Avito нет справочника контактов
func (a *Adapter) FindContact(ctx context.Context, email, phone string) (*provider.ContactResult, error) {
	return nil, nil
}

// AddNote: транскрипт и так живет в самом чате Avito, дублировать его
// сообщением собеседнику нельзя
func (a *Adapter) AddNote(ctx context.Context, entityType domain.EntityType, remoteID, text string) error {
	return nil
}

// SendMessage отправляет текст в чат Avito
func (a *Adapter) SendMessage(ctx context.Context, externalChatKey, text string) error {
	u := fmt.Sprintf("%s/messenger/v1/accounts/%s/chats/%s/messages",
		apiBase, url.PathEscape(a.integ.Credentials.AvitoUserID), url.PathEscape(externalChatKey))
	payload := map[string]interface{}{
		"type":    "text",
		"message": map[string]string{"text": text},
	}
	return classify(a.http.PostJSON(ctx, u, a.headers(), payload, nil))
}

// chatInfo - ответ messenger/v2 о чате
type chatInfo struct {
	ID      string `json:"id"`
	Context struct {
		Value struct {
			ID    json.Number `json:"id"`
			Title string      `json:"title"`
			Price json.Number `json:"price_string"`
		} `json:"value"`
	} `json:"context"`
	Users []struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	} `json:"users"`
}

func (a *Adapter) getChat(ctx context.Context, chatID string) (*chatInfo, error) {
	u := fmt.Sprintf("%s/messenger/v2/accounts/%s/chats/%s",
		apiBase, url.PathEscape(a.integ.Credentials.AvitoUserID), url.PathEscape(chatID))
	var info chatInfo
	if err := a.http.GetJSON(ctx, u, a.headers(), &info); err != nil {
		return nil, classify(err)
	}
	return &info, nil
}

// GetItem возвращает объявление: цена и заголовок идут в имя лида
func (a *Adapter) GetItem(ctx context.Context, itemID string) (*domain.AvitoItem, error) {
	var item domain.AvitoItem
	err := a.http.GetJSON(ctx, apiBase+"/core/v1/items/"+url.PathEscape(itemID), a.headers(), &item)
	if err != nil {
		return nil, classify(err)
	}
	return &item, nil
}

// GetUsers: у Avito нет пользователей CRM
func (a *Adapter) GetUsers(ctx context.Context) ([]provider.RemoteUser, error) {
	return nil, nil
}

// GetPipelines: воронок у Avito нет
func (a *Adapter) GetPipelines(ctx context.Context) ([]provider.Pipeline, error) {
	return nil, nil
}

// GetPipelineStages: воронок у Avito нет
func (a *Adapter) GetPipelineStages(ctx context.Context, pipelineID string) ([]provider.PipelineStage, error) {
	return nil, nil
}

// GetFields: настраиваемых полей у Avito нет
func (a *Adapter) GetFields(ctx context.Context, entityType domain.EntityType) ([]provider.RemoteField, error) {
	return nil, nil
}

// GetEntity возвращает сырое описание чата
func (a *Adapter) GetEntity(ctx context.Context, entityType domain.EntityType, remoteID string) (map[string]interface{}, error) {
	u := fmt.Sprintf("%s/messenger/v2/accounts/%s/chats/%s",
		apiBase, url.PathEscape(a.integ.Credentials.AvitoUserID), url.PathEscape(remoteID))
	var out map[string]interface{}
	if err := a.http.GetJSON(ctx, u, a.headers(), &out); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ParseWebhook декодирует событие мессенджера Avito
func (a *Adapter) ParseWebhook(body []byte) ([]domain.SyncEvent, error) {
	var hook domain.AvitoWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode avito webhook: %w", err)
	}
	if hook.Type == "" {
		return nil, fmt.Errorf("avito webhook without type")
	}

	switch hook.Type {
	case domain.AvitoEventMessage:
		if hook.Message == nil {
			return nil, fmt.Errorf("avito message event without message body")
		}
		role := domain.RoleUser
		if hook.Message.Direction == "out" {
			role = domain.RoleOperator
		}
		ev := domain.SyncEvent{
			Type:            domain.EventMessageReceived,
			ExternalChatKey: hook.ChatID,
			ExternalMsgID:   hook.Message.ID,
			SenderRole:      role,
			Text:            hook.Message.Content.Text,
			UserName:        hook.UserName,
			Raw:             body,
		}
		if hook.Item != nil {
			ev.ItemID = hook.Item.ID.String()
			ev.ItemTitle = hook.Item.Title
			ev.ItemPrice = hook.Item.Price.String()
		}
		return []domain.SyncEvent{ev}, nil

	case domain.AvitoEventChatOpened:
		ev := domain.SyncEvent{
			Type:            domain.EventMessageReceived,
			ExternalChatKey: hook.ChatID,
			SenderRole:      domain.RoleSystem,
			UserName:        hook.UserName,
			Raw:             body,
		}
		if hook.Item != nil {
			ev.ItemID = hook.Item.ID.String()
			ev.ItemTitle = hook.Item.Title
			ev.ItemPrice = hook.Item.Price.String()
		}
		return []domain.SyncEvent{ev}, nil

	case domain.AvitoEventChatClosed:
		return []domain.SyncEvent{{
			Type:            domain.EventChatClosed,
			ExternalChatKey: hook.ChatID,
			Raw:             body,
		}}, nil

	case domain.AvitoEventItemView, domain.AvitoEventItemPhoneCall:
		// статистика объявлений в диалоги не превращается
		return nil, nil
	}
	return nil, nil
}

// Refresher: Avito живет на client_credentials, refresh-токена нет -
// просто запрашивается новый access token
func (a *Adapter) Refresher() provider.TokenRefresher {
	return &refresher{integ: a.integ, http: a.http}
}

type refresher struct {
	integ *domain.Integration
	http  *provider.HTTPClient
}

func (r *refresher) Refresh(ctx context.Context) (*domain.TokenPair, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", r.integ.Credentials.ClientID)
	form.Set("client_secret", r.integ.Credentials.ClientSecret)

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := r.http.PostForm(ctx, apiBase+"/token", form, &resp); err != nil {
		return nil, fmt.Errorf("avito token refresh failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("avito token refresh returned empty token")
	}
	return &domain.TokenPair{
		AccessToken: resp.AccessToken,
		ExpiresAt:   resp.ExpiresIn,
	}, nil
}
