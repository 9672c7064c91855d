package bitrix24

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider"
)

const oauthTokenURL = "https://oauth.bitrix.info/oauth/token/"

// Adapter - Bitrix24 REST. Работает в двух режимах: входящий вебхук
// (секрет в URL) и OAuth-приложение (bearer-токен с refresh).
type Adapter struct {
	integ *domain.Integration
	http  *provider.HTTPClient
}

// New создает адаптер Bitrix24
func New(integ *domain.Integration) provider.Adapter {
	return &Adapter{
		integ: integ,
		http:  provider.NewHTTPClient("bitrix24"),
	}
}

func (a *Adapter) Type() domain.IntegrationType      { return domain.TypeBitrix24 }
func (a *Adapter) LeadEntityType() domain.EntityType { return domain.EntityLead }
func (a *Adapter) BatchSize() int                    { return 0 }

// response - конверт ответа Bitrix24 REST
type response struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// methodURL собирает URL метода в зависимости от режима авторизации
func (a *Adapter) methodURL(method string) string {
	if a.integ.Credentials.WebhookURL != "" {
		return strings.TrimRight(a.integ.Credentials.WebhookURL, "/") + "/" + method + ".json"
	}
	return "https://" + a.integ.Credentials.Domain + "/rest/" + method + ".json?auth=" + url.QueryEscape(a.integ.Credentials.AccessToken)
}

// call выполняет метод REST и классифицирует ошибку ответа
func (a *Adapter) call(ctx context.Context, method string, params, out interface{}) error {
	var resp response
	if err := a.http.PostJSON(ctx, a.methodURL(method), nil, params, &resp); err != nil {
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) {
			if classified := classifyBody(httpErr.StatusCode, httpErr.Body); classified != nil {
				return classified
			}
		}
		return err
	}

	if resp.Error != "" {
		return classifyError(resp.Error, resp.ErrorDescription)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// classifyError переводит код ошибки Bitrix24 в классифицированную ошибку
func classifyError(code, desc string) error {
	switch code {
	case "expired_token", "invalid_token", "invalid_grant":
		return fmt.Errorf("%w: %s", provider.ErrAuthExpired, code)
	case "NOT_FOUND", "ERROR_NOT_FOUND":
		return fmt.Errorf("%w: %s", provider.ErrRemoteNotFound, desc)
	}
	lower := strings.ToLower(desc)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "is deleted") {
		return fmt.Errorf("%w: %s", provider.ErrRemoteNotFound, desc)
	}
	if code == "INVALID_ARG_VALUE" || strings.Contains(lower, "required") {
		return fmt.Errorf("%w: %s: %s", provider.ErrValidation, code, desc)
	}
	return fmt.Errorf("bitrix24 error %s: %s", code, desc)
}

// classifyBody пытается разобрать конверт ошибки из не-2xx ответа
func classifyBody(status int, body []byte) error {
	var resp response
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return classifyError(resp.Error, resp.ErrorDescription)
	}
	if status == 401 {
		return fmt.Errorf("%w: HTTP 401", provider.ErrAuthExpired)
	}
	return nil
}

// TestConnection проверяет доступность портала текущими кредами
func (a *Adapter) TestConnection(ctx context.Context) error {
	var profile map[string]interface{}
	return a.call(ctx, "profile", map[string]interface{}{}, &profile)
}

// multiField - формат полей-мультизначений Bitrix24 (PHONE, EMAIL)
func multiField(value string) []map[string]string {
	return []map[string]string{{"VALUE": value, "VALUE_TYPE": "WORK"}}
}

// leadFields собирает поля лида из диалога, настроек интеграции и маппингов
func (a *Adapter) leadFields(conv *domain.Conversation, extra map[string]string) map[string]interface{} {
	fields := map[string]interface{}{
		"TITLE": leadTitle(conv),
	}
	if conv.UserName != "" {
		fields["NAME"] = conv.UserName
	}
	if conv.UserPhone != "" {
		fields["PHONE"] = multiField(conv.UserPhone)
	}
	if conv.UserEmail != "" {
		fields["EMAIL"] = multiField(conv.UserEmail)
	}
	if a.integ.Settings.LeadSource != "" {
		fields["SOURCE_ID"] = a.integ.Settings.LeadSource
	}
	if a.integ.Settings.DefaultResponsibleID != "" {
		fields["ASSIGNED_BY_ID"] = a.integ.Settings.DefaultResponsibleID
	}
	if a.integ.Settings.DefaultStatusID != "" {
		fields["STATUS_ID"] = a.integ.Settings.DefaultStatusID
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func leadTitle(conv *domain.Conversation) string {
	if conv.UserName != "" {
		return "Чат с " + conv.UserName
	}
	return "Чат #" + conv.ExternalID
}

// CreateLead создает лид crm.lead.add
func (a *Adapter) CreateLead(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	var id json.Number
	err := a.call(ctx, "crm.lead.add", map[string]interface{}{
		"fields": a.leadFields(conv, fields),
	}, &id)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UpdateLead обновляет лид crm.lead.update
func (a *Adapter) UpdateLead(ctx context.Context, remoteID string, fields map[string]string) error {
	return a.call(ctx, "crm.lead.update", map[string]interface{}{
		"id":     remoteID,
		"fields": fields,
	}, nil)
}

// CreateDeal создает сделку crm.deal.add
func (a *Adapter) CreateDeal(ctx context.Context, conv *domain.Conversation, fields map[string]string) (string, error) {
	dealFields := map[string]interface{}{
		"TITLE": leadTitle(conv),
	}
	if a.integ.Settings.DefaultPipelineID != "" {
		dealFields["CATEGORY_ID"] = a.integ.Settings.DefaultPipelineID
	}
	if a.integ.Settings.DefaultStatusID != "" {
		dealFields["STAGE_ID"] = a.integ.Settings.DefaultStatusID
	}
	if a.integ.Settings.DefaultResponsibleID != "" {
		dealFields["ASSIGNED_BY_ID"] = a.integ.Settings.DefaultResponsibleID
	}
	for k, v := range fields {
		dealFields[k] = v
	}

	var id json.Number
	err := a.call(ctx, "crm.deal.add", map[string]interface{}{"fields": dealFields}, &id)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// UpdateDeal обновляет сделку crm.deal.update
func (a *Adapter) UpdateDeal(ctx context.Context, remoteID string, fields map[string]string) error {
	return a.call(ctx, "crm.deal.update", map[string]interface{}{
		"id":     remoteID,
		"fields": fields,
	}, nil)
}

// contactRow - строка ответа crm.contact.list
type contactRow struct {
	ID json.Number `json:"ID"`
}

// FindContact ищет контакт сначала по email, затем по телефону
func (a *Adapter) FindContact(ctx context.Context, email, phone string) (*provider.ContactResult, error) {
	if email != "" {
		if id, err := a.findContactBy(ctx, "EMAIL", email); err != nil {
			return nil, err
		} else if id != "" {
			return &provider.ContactResult{ID: id, Action: provider.ContactFound}, nil
		}
	}
	if phone != "" {
		if id, err := a.findContactBy(ctx, "PHONE", phone); err != nil {
			return nil, err
		} else if id != "" {
			return &provider.ContactResult{ID: id, Action: provider.ContactFound}, nil
		}
	}
	return nil, nil
}

func (a *Adapter) findContactBy(ctx context.Context, field, value string) (string, error) {
	var rows []contactRow
	err := a.call(ctx, "crm.contact.list", map[string]interface{}{
		"filter": map[string]string{field: value},
		"select": []string{"ID"},
	}, &rows)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].ID.String(), nil
}

// SyncContact: найти по email/телефону, иначе создать.
// Обновляются только переданные поля.
func (a *Adapter) SyncContact(ctx context.Context, data provider.ContactData) (*provider.ContactResult, error) {
	found, err := a.FindContact(ctx, data.Email, data.Phone)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if data.Name != "" {
		fields["NAME"] = data.Name
	}
	if data.Phone != "" {
		fields["PHONE"] = multiField(data.Phone)
	}
	if data.Email != "" {
		fields["EMAIL"] = multiField(data.Email)
	}
	for k, v := range data.Fields {
		fields[k] = v
	}

	if found != nil {
		err := a.call(ctx, "crm.contact.update", map[string]interface{}{
			"id":     found.ID,
			"fields": fields,
		}, nil)
		if err != nil {
			return nil, err
		}
		return &provider.ContactResult{ID: found.ID, Action: provider.ContactUpdated}, nil
	}

	var id json.Number
	if err := a.call(ctx, "crm.contact.add", map[string]interface{}{"fields": fields}, &id); err != nil {
		return nil, err
	}
	return &provider.ContactResult{ID: id.String(), Action: provider.ContactCreated}, nil
}

// AddNote добавляет комментарий в таймлайн сущности
func (a *Adapter) AddNote(ctx context.Context, entityType domain.EntityType, remoteID, text string) error {
	return a.call(ctx, "crm.timeline.comment.add", map[string]interface{}{
		"fields": map[string]string{
			"ENTITY_ID":   remoteID,
			"ENTITY_TYPE": string(entityType),
			"COMMENT":     text,
		},
	}, nil)
}

// bitrixUser - строка ответа user.get
type bitrixUser struct {
	ID       json.Number `json:"ID"`
	Name     string      `json:"NAME"`
	LastName string      `json:"LAST_NAME"`
}

// GetUsers возвращает пользователей портала
func (a *Adapter) GetUsers(ctx context.Context) ([]provider.RemoteUser, error) {
	var rows []bitrixUser
	if err := a.call(ctx, "user.get", map[string]interface{}{}, &rows); err != nil {
		return nil, err
	}
	users := make([]provider.RemoteUser, 0, len(rows))
	for _, r := range rows {
		users = append(users, provider.RemoteUser{
			ID:   r.ID.String(),
			Name: strings.TrimSpace(r.Name + " " + r.LastName),
		})
	}
	return users, nil
}

// GetPipelines возвращает направления сделок
func (a *Adapter) GetPipelines(ctx context.Context) ([]provider.Pipeline, error) {
	var rows []struct {
		ID   json.Number `json:"ID"`
		Name string      `json:"NAME"`
	}
	if err := a.call(ctx, "crm.dealcategory.list", map[string]interface{}{}, &rows); err != nil {
		return nil, err
	}
	pipelines := make([]provider.Pipeline, 0, len(rows))
	for _, r := range rows {
		pipelines = append(pipelines, provider.Pipeline{ID: r.ID.String(), Name: r.Name})
	}
	return pipelines, nil
}

// GetPipelineStages возвращает стадии направления
func (a *Adapter) GetPipelineStages(ctx context.Context, pipelineID string) ([]provider.PipelineStage, error) {
	var rows []struct {
		StatusID string `json:"STATUS_ID"`
		Name     string `json:"NAME"`
	}
	if err := a.call(ctx, "crm.dealcategory.stage.list", map[string]interface{}{"id": pipelineID}, &rows); err != nil {
		return nil, err
	}
	stages := make([]provider.PipelineStage, 0, len(rows))
	for _, r := range rows {
		stages = append(stages, provider.PipelineStage{ID: r.StatusID, PipelineID: pipelineID, Name: r.Name})
	}
	return stages, nil
}

// GetFields возвращает описание полей сущности
func (a *Adapter) GetFields(ctx context.Context, entityType domain.EntityType) ([]provider.RemoteField, error) {
	method, ok := map[domain.EntityType]string{
		domain.EntityLead:    "crm.lead.fields",
		domain.EntityDeal:    "crm.deal.fields",
		domain.EntityContact: "crm.contact.fields",
	}[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported entity type %q", provider.ErrValidation, entityType)
	}

	var raw map[string]struct {
		Type  string `json:"type"`
		Title string `json:"title"`
	}
	if err := a.call(ctx, method, map[string]interface{}{}, &raw); err != nil {
		return nil, err
	}
	fields := make([]provider.RemoteField, 0, len(raw))
	for code, f := range raw {
		fields = append(fields, provider.RemoteField{Code: code, Name: f.Title, Type: f.Type})
	}
	return fields, nil
}

// GetEntity возвращает сырые поля сущности
func (a *Adapter) GetEntity(ctx context.Context, entityType domain.EntityType, remoteID string) (map[string]interface{}, error) {
	method, ok := map[domain.EntityType]string{
		domain.EntityLead:    "crm.lead.get",
		domain.EntityDeal:    "crm.deal.get",
		domain.EntityContact: "crm.contact.get",
	}[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported entity type %q", provider.ErrValidation, entityType)
	}

	var entity map[string]interface{}
	if err := a.call(ctx, method, map[string]interface{}{"id": remoteID}, &entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Refresher возвращает OAuth-refresher; в вебхук-режиме токены не истекают
func (a *Adapter) Refresher() provider.TokenRefresher {
	if a.integ.Credentials.WebhookURL != "" || !a.integ.Credentials.UsesOAuth() {
		return nil
	}
	return &refresher{integ: a.integ, http: a.http}
}

// refresher обновляет OAuth-токены через oauth.bitrix.info (GET query-string)
type refresher struct {
	integ *domain.Integration
	http  *provider.HTTPClient
}

func (r *refresher) Refresh(ctx context.Context) (*domain.TokenPair, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("client_id", r.integ.Credentials.ClientID)
	q.Set("client_secret", r.integ.Credentials.ClientSecret)
	q.Set("refresh_token", r.integ.Credentials.RefreshToken)

	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Expires      int64  `json:"expires"`
	}
	if err := r.http.GetJSON(ctx, oauthTokenURL+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("bitrix24 token refresh failed: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("bitrix24 token refresh returned empty token")
	}
	return &domain.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.Expires,
	}, nil
}
