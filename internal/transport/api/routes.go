package api

import (
	"github.com/labstack/echo/v4"

	_interface "chatbot-crm-bridge/internal/repository/interface"
	"chatbot-crm-bridge/internal/service/sync"
	"chatbot-crm-bridge/internal/transport/middleware"
)

// SetupRoutes настраивает маршруты админ-API
func SetupRoutes(
	e *echo.Group,
	repo _interface.IntegrationRepository,
	logs _interface.SyncLogRepository,
	conversations _interface.ConversationRepository,
	syncService *sync.Service,
	authMiddleware *middleware.AuthMiddleware,
	baseURL string,
) {
	// Публичные маршруты
	authAPI := NewAuthAPI(repo, authMiddleware)
	e.POST("/auth/login", authAPI.Login)
	e.POST("/auth/register", authAPI.Register)

	// Все остальное под JWT либо сервисным ключом
	protected := e.Group("")
	protected.Use(authMiddleware.RequireAuth)

	protected.GET("/me", authAPI.Me)

	integrationAPI := NewIntegrationAPI(repo, logs, conversations, syncService, baseURL)
	protected.GET("/integrations", integrationAPI.List)
	protected.POST("/integrations", integrationAPI.Create)
	protected.GET("/integrations/:id", integrationAPI.Get)
	protected.PUT("/integrations/:id", integrationAPI.Update)
	protected.DELETE("/integrations/:id", integrationAPI.Delete)
	protected.POST("/integrations/:id/test", integrationAPI.Test)
	protected.POST("/integrations/:id/sync", integrationAPI.Sync)
	protected.GET("/integrations/:id/logs", integrationAPI.Logs)

	// Метаданные CRM для конструктора маппингов
	protected.GET("/integrations/:id/users", integrationAPI.Users)
	protected.GET("/integrations/:id/pipelines", integrationAPI.Pipelines)
	protected.GET("/integrations/:id/pipelines/:pipelineId/stages", integrationAPI.PipelineStages)
	protected.GET("/integrations/:id/fields", integrationAPI.Fields)
}
