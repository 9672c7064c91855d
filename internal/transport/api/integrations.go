package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"chatbot-crm-bridge/internal/domain"
	_interface "chatbot-crm-bridge/internal/repository/interface"
	"chatbot-crm-bridge/internal/service/sync"
	"chatbot-crm-bridge/internal/transport/middleware"
)

// IntegrationAPI - админ-API интеграций. Репозиторий шифрует credentials
// сам, наружу секреты не отдаются: Credentials исключены из JSON.
type IntegrationAPI struct {
	repo          _interface.IntegrationRepository
	logs          _interface.SyncLogRepository
	conversations _interface.ConversationRepository
	sync          *sync.Service
	baseURL       string
}

type CreateIntegrationRequest struct {
	Type        domain.IntegrationType `json:"type"`
	Name        string                 `json:"name"`
	Credentials domain.Credentials     `json:"credentials"`
	Settings    domain.Settings        `json:"settings"`
	IsActive    bool                   `json:"is_active"`
}

type UpdateIntegrationRequest struct {
	Name        string              `json:"name"`
	Credentials *domain.Credentials `json:"credentials"`
	Settings    *domain.Settings    `json:"settings"`
	IsActive    *bool               `json:"is_active"`
}

type SyncRequest struct {
	ConversationID  string   `json:"conversation_id"`
	ConversationIDs []string `json:"conversation_ids"`
}

func NewIntegrationAPI(
	repo _interface.IntegrationRepository,
	logs _interface.SyncLogRepository,
	conversations _interface.ConversationRepository,
	syncService *sync.Service,
	baseURL string,
) *IntegrationAPI {
	return &IntegrationAPI{
		repo:          repo,
		logs:          logs,
		conversations: conversations,
		sync:          syncService,
		baseURL:       baseURL,
	}
}

func (api *IntegrationAPI) List(c echo.Context) error {
	integrations, err := api.repo.FindByOrg(c.Request().Context(), middleware.OrgID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, integ := range integrations {
		integ.WebhookURL = api.webhookURL(integ)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  integrations,
		"total": len(integrations),
	})
}

func (api *IntegrationAPI) Create(c echo.Context) error {
	var req CreateIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	if req.Type == "" || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "type and name are required")
	}

	integration := &domain.Integration{
		OrgID:       middleware.OrgID(c),
		Type:        req.Type,
		Name:        req.Name,
		Credentials: req.Credentials,
		Settings:    req.Settings,
		IsActive:    req.IsActive,
	}
	if err := api.repo.Create(c.Request().Context(), integration); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	integration.WebhookURL = api.webhookURL(integration)
	return c.JSON(http.StatusCreated, integration)
}

func (api *IntegrationAPI) Get(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}
	integration.WebhookURL = api.webhookURL(integration)
	return c.JSON(http.StatusOK, integration)
}

func (api *IntegrationAPI) Update(c echo.Context) error {
	var req UpdateIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}

	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}

	if req.Name != "" {
		integration.Name = req.Name
	}
	if req.Credentials != nil {
		integration.Credentials = *req.Credentials
	}
	if req.Settings != nil {
		integration.Settings = *req.Settings
	}
	if req.IsActive != nil {
		integration.IsActive = *req.IsActive
	}

	if err := api.repo.Update(c.Request().Context(), integration); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Updated successfully"})
}

func (api *IntegrationAPI) Delete(c echo.Context) error {
	if err := api.repo.Delete(c.Request().Context(), c.Param("id"), middleware.OrgID(c)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Test проверяет подключение к CRM с сохраненными credentials
func (api *IntegrationAPI) Test(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}

	if err := api.sync.TestConnection(c.Request().Context(), integration); err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// Sync запускает синхронизацию: одного диалога или пакета
func (api *IntegrationAPI) Sync(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}

	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	ctx := c.Request().Context()

	if req.ConversationID != "" {
		conv, err := api.conversations.FindByID(ctx, req.ConversationID)
		if err != nil || conv == nil {
			return echo.NewHTTPError(http.StatusNotFound, "Conversation not found")
		}
		if err := api.sync.SyncConversation(ctx, integration, conv); err != nil {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
	}

	convs := make([]*domain.Conversation, 0, len(req.ConversationIDs))
	for _, id := range req.ConversationIDs {
		conv, err := api.conversations.FindByID(ctx, id)
		if err != nil || conv == nil {
			continue
		}
		convs = append(convs, conv)
	}
	if len(convs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id or conversation_ids required")
	}

	result, err := api.sync.BulkSync(ctx, integration, convs)
	if err != nil && result == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (api *IntegrationAPI) Logs(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	logs, total, err := api.logs.List(c.Request().Context(), integration.ID, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Прокси метаданных CRM для конструктора маппингов

func (api *IntegrationAPI) Users(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}
	users, err := api.sync.Users(c.Request().Context(), integration)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": users})
}

func (api *IntegrationAPI) Pipelines(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}
	pipelines, err := api.sync.Pipelines(c.Request().Context(), integration)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": pipelines})
}

func (api *IntegrationAPI) PipelineStages(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}
	stages, err := api.sync.PipelineStages(c.Request().Context(), integration, c.Param("pipelineId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": stages})
}

func (api *IntegrationAPI) Fields(c echo.Context) error {
	integration, err := api.findOwn(c)
	if err != nil {
		return err
	}
	entityType := domain.EntityType(c.QueryParam("entity_type"))
	if entityType == "" {
		entityType = domain.EntityLead
	}
	fields, err := api.sync.Fields(c.Request().Context(), integration, entityType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": fields})
}

// findOwn загружает интеграцию и проверяет принадлежность организации
func (api *IntegrationAPI) findOwn(c echo.Context) (*domain.Integration, error) {
	integration, err := api.repo.FindByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Integration not found")
	}
	if orgID := middleware.OrgID(c); orgID != "" && integration.OrgID != orgID {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Integration not found")
	}
	return integration, nil
}

// webhookURL собирает публичный адрес вебхука интеграции
func (api *IntegrationAPI) webhookURL(integ *domain.Integration) string {
	return api.baseURL + "/webhook/" + integ.ID + "/" + string(integ.Type)
}
