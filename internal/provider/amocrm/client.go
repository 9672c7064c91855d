package amocrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
)

// Размер пакета API v4: больше 50 сущностей за запрос AmoCRM не принимает
const batchSize = 50

// Adapter - AmoCRM REST v4. Сделки в AmoCRM отдельной сущностью не
// представлены, CreateDeal/UpdateDeal синонимичны лиду.
type Adapter struct {
	integ *domain.Integration
	http  *provider.HTTPClient
}

// New создает адаптер AmoCRM
func New(integ *domain.Integration) provider.Adapter {
	return &Adapter{
		integ: integ,
		http:  provider.NewHTTPClient("amocrm"),
	}
}

func (a *Adapter) Type() domain.IntegrationType      { return domain.TypeAmoCRM }
func (a *Adapter) LeadEntityType() domain.EntityType { return domain.EntityLead }
func (a *Adapter) BatchSize() int                    { return batchSize }

func (a *Adapter) baseURL() string {
	return "https://" + a.integ.Credentials.Subdomain + ".amocrm.ru"
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.integ.Credentials.AccessToken}
}

// classify переводит HTTP-ошибку AmoCRM в классифицированную.
// Код 226 в теле 400 ответа - "сущность удалена", это триггер
// восстановления связки, а не фатальная ошибка.
func classify(err error) error {
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) {
		return err
	}
	switch httpErr.StatusCode {
	case 401:
		return fmt.Errorf("%w: HTTP 401", provider.ErrAuthExpired)
	case 404:
		return fmt.Errorf("%w: HTTP 404", provider.ErrRemoteNotFound)
	case 400:
		body := string(httpErr.Body)
		if strings.Contains(body, `"code":226`) || strings.Contains(body, `"code": 226`) {
			return fmt.Errorf("%w: amocrm code 226", provider.ErrRemoteNotFound)
		}
		return fmt.Errorf("%w: %s", provider.ErrValidation, truncateBody(body))
	}
	return err
}

func truncateBody(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// TestConnection запрашивает сведения об аккаунте
func (a *Adapter) TestConnection(ctx context.Context) error {
	var account map[string]interface{}
	err := a.http.GetJSON(ctx, a.baseURL()+"/api/v4/account", a.headers(), &account)
	return classify(err)
}

// leadPayload - сущность лида в запросе создания/обновления
type leadPayload struct {
	Name              string      `json:"name,omitempty"`
	PipelineID        int64       `json:"pipeline_id,omitempty"`
	StatusID          int64       `json:"status_id,omitempty"`
	ResponsibleUserID int64       `json:"responsible_user_id,omitempty"`
	CustomFields      []amoField  `json:"custom_fields_values,omitempty"`
	Embedded          *amoEmbeds  `json:"_embedded,omitempty"`
}

type amoField struct {
	FieldID   int64            `json:"field_id,omitempty"`
	FieldCode string           `json:"field_code,omitempty"`
	Values    []amoFieldValue  `json:"values"`
}

type amoFieldValue struct {
	Value string `json:"value"`
}

type amoEmbeds struct {
	Contacts []amoRef `json:"contacts,omitempty"`
	Tags     []amoTag `json:"tags,omitempty"`
}

type amoRef struct {
	ID int64 `json:"id"`
}

type amoTag struct {
	Name string `json:"name"`
}

// createdResponse - конверт ответа POST /api/v4/{entity}
type createdResponse struct {
	Embedded struct {
		Leads []struct {
			ID int64 `json:"id"`
		} `json:"leads"`
		Contacts []struct {
			ID int64 `json:"id"`
		} `json:"contacts"`
	} `json:"_embedded"`
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func (a *Adapter) leadPayload(conv *domain.Conversation, fields map[string]string) leadPayload {
	p := leadPayload{Name: leadName(conv)}
	if a.integ.Settings.DefaultPipelineID != "" {
		p.PipelineID = parseInt(a.integ.Settings.DefaultPipelineID)
	}
	if a.integ.Settings.DefaultStatusID != "" {
		p.StatusID = parseInt(a.integ.Settings.DefaultStatusID)
	}
	if a.integ.Settings.DefaultResponsibleID != "" {
		p.ResponsibleUserID = parseInt(a.integ.Settings.DefaultResponsibleID)
	}
	p.CustomFields = customFields(fields)
	if a.integ.Settings.LeadSource != "" {
		p.Embedded = &amoEmbeds{Tags: []amoTag{{Name: a.integ.Settings.LeadSource}}}
	}
	return p
}

func leadName(conv *domain.Conversation) string {
	if title := conv.Meta(domain.MetaAvitoItemTitle); title != "" {
		return title
	}
	if conv.UserName != "" {
		return "Диалог с " + conv.UserName
	}
	return "Диалог #" + conv.ExternalID
}

// customFields переводит плоский маппинг в custom_fields_values.
// Числовые ключи трактуются как field_id, остальные как field_code.
func customFields(fields map[string]string) []amoField {
	if len(fields) == 0 {
		return nil
	}
	out := make([]amoField, 0, len(fields))
	for k, v := range fields {
		f := amoField{Values: []amoFieldValue{{Value: v}}}
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			f.FieldID = id
		} else {
			f.FieldCode = k
		}
		out = append(out, f)
	}
	return out
}

// CreateLead создает лид POST /api/v4/leads
func (a *Adapter) CreateLead(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	var resp createdResponse
	err := a.http.PostJSON(ctx, a.baseURL()+"/api/v4/leads", a.headers(),
		[]leadPayload{a.leadPayload(conv, fields)}, &resp)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Embedded.Leads) == 0 {
		return "", fmt.Errorf("amocrm returned no created lead")
	}
	return strconv.FormatInt(resp.Embedded.Leads[0].ID, 10), nil
}

// UpdateLead обновляет лид PATCH /api/v4/leads/{id}
func (a *Adapter) UpdateLead(ctx context.Context, remoteID string, fields map[string]string) error {
	payload := leadPayload{CustomFields: customFields(fields)}
	if name, ok := fields["name"]; ok {
		payload.Name = name
		payload.CustomFields = customFields(without(fields, "name"))
	}
	err := a.http.PatchJSON(ctx, a.baseURL()+"/api/v4/leads/"+remoteID, a.headers(), payload, nil)
	return classify(err)
}

func without(m map[string]string, key string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// CreateDeal в AmoCRM синонимична лиду
func (a *Adapter) CreateDeal(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	return a.CreateLead(ctx, conv, fields)
}

// UpdateDeal в AmoCRM синонимична лиду
func (a *Adapter) UpdateDeal(ctx context.Context, remoteID string, fields map[string]string) error {
	return a.UpdateLead(ctx, remoteID, fields)
}

// contactsResponse - конверт ответа GET /api/v4/contacts
type contactsResponse struct {
	Embedded struct {
		Contacts []struct {
			ID int64 `json:"id"`
		} `json:"contacts"`
	} `json:"_embedded"`
}

// FindContact ищет контакт сначала по email, затем по телефону
func (a *Adapter) FindContact(ctx context.Context, email, phone string) (*provider.ContactResult, error) {
	for _, query := range []string{email, phone} {
		if query == "" {
			continue
		}
		var resp contactsResponse
		u := a.baseURL() + "/api/v4/contacts?query=" + url.QueryEscape(query)
		err := a.http.GetJSON(ctx, u, a.headers(), &resp)
		if err != nil {
			// 204 приходит как пустое тело, HTTPError тут не появляется;
			// 404 означает "ничего не найдено", а не ошибку
			classified := classify(err)
			if errors.Is(classified, provider.ErrRemoteNotFound) {
				continue
			}
			return nil, classified
		}
		if len(resp.Embedded.Contacts) > 0 {
			return &provider.ContactResult{
				ID:     strconv.FormatInt(resp.Embedded.Contacts[0].ID, 10),
				Action: provider.ContactFound,
			}, nil
		}
	}
	return nil, nil
}

// contactPayload - контакт в запросе создания/обновления
type contactPayload struct {
	Name         string     `json:"name,omitempty"`
	CustomFields []amoField `json:"custom_fields_values,omitempty"`
}

func contactFields(data provider.ContactData) []amoField {
	var out []amoField
	if data.Phone != "" {
		out = append(out, amoField{FieldCode: "PHONE", Values: []amoFieldValue{{Value: data.Phone}}})
	}
	if data.Email != "" {
		out = append(out, amoField{FieldCode: "EMAIL", Values: []amoFieldValue{{Value: data.Email}}})
	}
	for k, v := range data.Fields {
		f := amoField{Values: []amoFieldValue{{Value: v}}}
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			f.FieldID = id
		} else {
			f.FieldCode = k
		}
		out = append(out, f)
	}
	return out
}

// SyncContact: найти по email/телефону, иначе создать
func (a *Adapter) SyncContact(ctx context.Context, data provider.ContactData) (*provider.ContactResult, error) {
	found, err := a.FindContact(ctx, data.Email, data.Phone)
	if err != nil {
		return nil, err
	}

	payload := contactPayload{Name: data.Name, CustomFields: contactFields(data)}

	if found != nil {
		err := a.http.PatchJSON(ctx, a.baseURL()+"/api/v4/contacts/"+found.ID, a.headers(), payload, nil)
		if err != nil {
			return nil, classify(err)
		}
		return &provider.ContactResult{ID: found.ID, Action: provider.ContactUpdated}, nil
	}

	var resp createdResponse
	err = a.http.PostJSON(ctx, a.baseURL()+"/api/v4/contacts", a.headers(), []contactPayload{payload}, &resp)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Embedded.Contacts) == 0 {
		return nil, fmt.Errorf("amocrm returned no created contact")
	}
	return &provider.ContactResult{
		ID:     strconv.FormatInt(resp.Embedded.Contacts[0].ID, 10),
		Action: provider.ContactCreated,
	}, nil
}

// AddNote добавляет текстовое примечание к сущности
func (a *Adapter) AddNote(ctx context.Context, entityType domain.EntityType, remoteID, text string) error {
	entity := "leads"
	if entityType == domain.EntityContact {
		entity = "contacts"
	}
	payload := []map[string]interface{}{
		{
			"entity_id": parseInt(remoteID),
			"note_type": "common",
			"params":    map[string]string{"text": text},
		},
	}
	err := a.http.PostJSON(ctx, a.baseURL()+"/api/v4/"+entity+"/notes", a.headers(), payload, nil)
	return classify(err)
}

// SendMessage: исходящие сообщения в чаты AmoCRM идут через отдельный
// amojo-канал, который эта интеграция не регистрирует
func (a *Adapter) SendMessage(ctx context.Context, externalChatKey, text string) error {
	return fmt.Errorf("%w: amocrm integration does not support outbound chat messages", provider.ErrValidation)
}

// GetUsers возвращает пользователей аккаунта
func (a *Adapter) GetUsers(ctx context.Context) ([]provider.RemoteUser, error) {
	var resp struct {
		Embedded struct {
			Users []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
			} `json:"users"`
		} `json:"_embedded"`
	}
	if err := a.http.GetJSON(ctx, a.baseURL()+"/api/v4/users", a.headers(), &resp); err != nil {
		return nil, classify(err)
	}
	users := make([]provider.RemoteUser, 0, len(resp.Embedded.Users))
	for _, u := range resp.Embedded.Users {
		users = append(users, provider.RemoteUser{ID: strconv.FormatInt(u.ID, 10), Name: u.Name})
	}
	return users, nil
}

// pipelinesResponse - конверт GET /api/v4/leads/pipelines
type pipelinesResponse struct {
	Embedded struct {
		Pipelines []struct {
			ID       int64  `json:"id"`
			Name     string `json:"name"`
			Embedded struct {
				Statuses []struct {
					ID   int64  `json:"id"`
					Name string `json:"name"`
				} `json:"statuses"`
			} `json:"_embedded"`
		} `json:"pipelines"`
	} `json:"_embedded"`
}

// GetPipelines возвращает воронки лидов
func (a *Adapter) GetPipelines(ctx context.Context) ([]provider.Pipeline, error) {
	var resp pipelinesResponse
	if err := a.http.GetJSON(ctx, a.baseURL()+"/api/v4/leads/pipelines", a.headers(), &resp); err != nil {
		return nil, classify(err)
	}
	pipelines := make([]provider.Pipeline, 0, len(resp.Embedded.Pipelines))
	for _, p := range resp.Embedded.Pipelines {
		pipelines = append(pipelines, provider.Pipeline{ID: strconv.FormatInt(p.ID, 10), Name: p.Name})
	}
	return pipelines, nil
}

// GetPipelineStages возвращает статусы воронки
func (a *Adapter) GetPipelineStages(ctx context.Context, pipelineID string) ([]provider.PipelineStage, error) {
	var resp pipelinesResponse
	if err := a.http.GetJSON(ctx, a.baseURL()+"/api/v4/leads/pipelines", a.headers(), &resp); err != nil {
		return nil, classify(err)
	}
	for _, p := range resp.Embedded.Pipelines {
		if strconv.FormatInt(p.ID, 10) != pipelineID {
			continue
		}
		stages := make([]provider.PipelineStage, 0, len(p.Embedded.Statuses))
		for _, s := range p.Embedded.Statuses {
			stages = append(stages, provider.PipelineStage{
				ID:         strconv.FormatInt(s.ID, 10),
				PipelineID: pipelineID,
				Name:       s.Name,
			})
		}
		return stages, nil
	}
	return nil, fmt.Errorf("%w: pipeline %s", provider.ErrRemoteNotFound, pipelineID)
}

// GetFields возвращает кастомные поля сущности
func (a *Adapter) GetFields(ctx context.Context, entityType domain.EntityType) ([]provider.RemoteField, error) {
	entity := "leads"
	if entityType == domain.EntityContact {
		entity = "contacts"
	}
	var resp struct {
		Embedded struct {
			CustomFields []struct {
				ID   int64  `json:"id"`
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"custom_fields"`
		} `json:"_embedded"`
	}
	if err := a.http.GetJSON(ctx, a.baseURL()+"/api/v4/"+entity+"/custom_fields", a.headers(), &resp); err != nil {
		return nil, classify(err)
	}
	fields := make([]provider.RemoteField, 0, len(resp.Embedded.CustomFields))
	for _, f := range resp.Embedded.CustomFields {
		fields = append(fields, provider.RemoteField{
			Code: strconv.FormatInt(f.ID, 10),
			Name: f.Name,
			Type: f.Type,
		})
	}
	return fields, nil
}

// GetEntity возвращает сырые поля сущности
func (a *Adapter) GetEntity(ctx context.Context, entityType domain.EntityType, remoteID string) (map[string]interface{}, error) {
	entity := "leads"
	if entityType == domain.EntityContact {
		entity = "contacts"
	}
	var out map[string]interface{}
	if err := a.http.GetJSON(ctx, a.baseURL()+"/api/v4/"+entity+"/"+remoteID, a.headers(), &out); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// ParseWebhook декодирует события AmoCRM
func (a *Adapter) ParseWebhook(body []byte) ([]domain.SyncEvent, error) {
	var hook domain.AmoCRMWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("failed to decode amocrm webhook: %w", err)
	}
	if len(hook.Events) == 0 {
		return nil, fmt.Errorf("amocrm webhook without events")
	}

	var events []domain.SyncEvent
	for _, e := range hook.Events {
		switch e.Type {
		case domain.AmoEventLeadStatusChanged:
			events = append(events, domain.SyncEvent{
				Type:       domain.EventLeadStatusChanged,
				EntityType: domain.EntityLead,
				RemoteID:   strconv.FormatInt(e.EntityID, 10),
				NewStatus:  strconv.FormatInt(e.StatusID, 10),
			})
		case domain.AmoEventMessage:
			role := domain.RoleUser
			if e.Message.Author.Type == "user" {
				// в терминах AmoCRM user - сотрудник аккаунта
				role = domain.RoleOperator
			}
			events = append(events, domain.SyncEvent{
				Type:            domain.EventMessageReceived,
				ExternalChatKey: e.Message.ChatID,
				ExternalMsgID:   e.Message.ID,
				SenderRole:      role,
				Text:            e.Message.Text,
				UserName:        e.Message.Author.Name,
			})
		case domain.AmoEventUninstall:
			events = append(events, domain.SyncEvent{Type: domain.EventAppUninstalled})
		}
	}
	return events, nil
}

// Refresher возвращает OAuth-refresher (JSON POST refresh_token grant)
func (a *Adapter) Refresher() provider.TokenRefresher {
	if !a.integ.Credentials.UsesOAuth() {
		return nil
	}
	return &refresher{integ: a.integ, http: a.http, baseURL: a.baseURL()}
}

type refresher struct {
	integ   *domain.Integration
	http    *provider.HTTPClient
	baseURL string
}

func (r *refresher) Refresh(ctx context.Context) (*domain.TokenPair, error) {
	payload := map[string]string{
		"client_id":     r.integ.Credentials.ClientID,
		"client_secret": r.integ.Credentials.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": r.integ.Credentials.RefreshToken,
		"redirect_uri":  r.integ.Credentials.RedirectURI,
	}
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := r.http.PostJSON(ctx, r.baseURL+"/oauth2/access_token", nil, payload, &resp); err != nil {
		return nil, fmt.Errorf("amocrm token refresh failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("amocrm token refresh returned empty token")
	}
	return &domain.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresIn,
	}, nil
}
