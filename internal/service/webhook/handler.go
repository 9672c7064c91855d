package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/metrics"
	"chatbot-crm-bridge/internal/provider"
	_interface "chatbot-crm-bridge/internal/repository/interface"
	"chatbot-crm-bridge/internal/service/token"
	"chatbot-crm-bridge/internal/service/transcript"
)

// Вебхуки провайдеры шлют большими, но не безгранично
const maxBodySize = 1 << 20

// AIResponder - генератор ответа бота. Для движка синхронизации это
// черный ящик: текст входящего сообщения на входе, ответ бота на выходе.
// Пустой ответ означает "не отвечать".
type AIResponder interface {
	Respond(ctx context.Context, conv *domain.Conversation, text string) (string, error)
}

// ConversationSyncer выталкивает диалог в CRM. Используется при передаче
// диалога оператору, чтобы транскрипт был в CRM до начала разговора.
type ConversationSyncer interface {
	SyncConversation(ctx context.Context, integ *domain.Integration, conv *domain.Conversation) error
}

// Handler принимает вебхуки провайдеров, нормализует их в события
// и передает диспетчеру. Провайдеру всегда уходит успешный ответ:
// повторные не-2xx приводят к отключению вебхука на их стороне.
type Handler struct {
	integrations  _interface.IntegrationRepository
	entities      _interface.SyncEntityRepository
	logs          _interface.SyncLogRepository
	conversations _interface.ConversationRepository
	adapters      map[domain.IntegrationType]provider.Factory
	tokens        *token.Manager
	ai            AIResponder
	syncer        ConversationSyncer
	format        *transcript.Formatter
	metrics       *metrics.Metrics
	jwtSecret     []byte
}

// NewHandler создает обработчик вебхуков
func NewHandler(
	integrations _interface.IntegrationRepository,
	entities _interface.SyncEntityRepository,
	logs _interface.SyncLogRepository,
	conversations _interface.ConversationRepository,
	adapters map[domain.IntegrationType]provider.Factory,
	tokens *token.Manager,
	ai AIResponder,
	syncer ConversationSyncer,
	m *metrics.Metrics,
	jwtSecret string,
) *Handler {
	return &Handler{
		integrations:  integrations,
		entities:      entities,
		logs:          logs,
		conversations: conversations,
		adapters:      adapters,
		tokens:        tokens,
		ai:            ai,
		syncer:        syncer,
		format:        transcript.NewFormatter(),
		metrics:       m,
		jwtSecret:     []byte(jwtSecret),
	}
}

// HandleBitrix24 обрабатывает событийные вебхуки портала Bitrix24.
// Bitrix24 ждет в ответ буквально "ok" и простой 200.
func (h *Handler) HandleBitrix24(c echo.Context) error {
	h.process(c, domain.TypeBitrix24)
	return c.String(http.StatusOK, "ok")
}

// HandleBitrix24Connector обрабатывает сообщения коннектора открытых линий
func (h *Handler) HandleBitrix24Connector(c echo.Context) error {
	h.process(c, domain.TypeBitrix24)
	return c.String(http.StatusOK, "ok")
}

// HandleAmoCRM обрабатывает вебхуки AmoCRM
func (h *Handler) HandleAmoCRM(c echo.Context) error {
	h.process(c, domain.TypeAmoCRM)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleAvito обрабатывает вебхуки мессенджера Avito
func (h *Handler) HandleAvito(c echo.Context) error {
	h.process(c, domain.TypeAvito)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// HandleSalebot обрабатывает колбэки Salebot
func (h *Handler) HandleSalebot(c echo.Context) error {
	h.process(c, domain.TypeSalebot)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// process выполняет общий цикл: интеграция -> адаптер -> события -> диспетчер.
// Любая внутренняя ошибка логируется и попадает в журнал, но наружу
// не выходит: ответ провайдеру формирует вызывающий хэндлер.
func (h *Handler) process(c echo.Context, providerType domain.IntegrationType) {
	ctx := c.Request().Context()
	integrationID := c.Param("id")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Str("integration_id", integrationID).Msg("Failed to read webhook body")
		h.metrics.IncWebhook(string(providerType), domain.SyncStatusError)
		return
	}

	err = h.handleBody(ctx, integrationID, providerType, body)

	status := domain.SyncStatusSuccess
	errMsg := ""
	if err != nil {
		status = domain.SyncStatusError
		errMsg = err.Error()
		log.Error().Err(err).
			Str("integration_id", integrationID).
			Str("provider", string(providerType)).
			Msg("Webhook processing failed")
	}
	h.metrics.IncWebhook(string(providerType), status)

	// Ровно одна запись журнала на вызов, успешный или нет
	entry := &domain.SyncLog{
		IntegrationID:  integrationID,
		Direction:      domain.DirectionIncoming,
		Operation:      "webhook",
		RequestPayload: compactJSON(body),
		Status:         status,
		ErrorMessage:   errMsg,
	}
	if logErr := h.logs.Create(ctx, entry); logErr != nil {
		log.Error().Err(logErr).Str("integration_id", integrationID).Msg("Failed to write sync log")
	}
}

func (h *Handler) handleBody(ctx context.Context, integrationID string, providerType domain.IntegrationType, body []byte) error {
	integ, err := h.loadIntegration(ctx, integrationID, providerType)
	if err != nil {
		return err
	}

	factory, ok := h.adapters[integ.Type]
	if !ok {
		return fmt.Errorf("no adapter registered for provider %s", integ.Type)
	}
	adapter := factory(integ)

	events, err := adapter.ParseWebhook(body)
	if err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}

	for _, ev := range events {
		if err := h.dispatch(ctx, integ, adapter, ev); err != nil {
			return fmt.Errorf("dispatch %s: %w", ev.Type, err)
		}
	}
	return nil
}

// loadIntegration загружает интеграцию и проверяет тип и активность
func (h *Handler) loadIntegration(ctx context.Context, id string, providerType domain.IntegrationType) (*domain.Integration, error) {
	integ, err := h.integrations.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("integration not found: %w", err)
	}
	if integ.Type != providerType {
		return nil, fmt.Errorf("integration %s is %s, webhook came for %s", id, integ.Type, providerType)
	}
	if !integ.IsActive {
		return nil, fmt.Errorf("integration %s is inactive", id)
	}
	return integ, nil
}

// send отправляет текст во внешний чат через менеджер токенов
func (h *Handler) send(ctx context.Context, integ *domain.Integration, adapter provider.Adapter, externalChatKey, text string) error {
	return h.tokens.Do(ctx, integ, adapter.Refresher(), func(ctx context.Context) error {
		return adapter.SendMessage(ctx, externalChatKey, text)
	})
}

// compactJSON нормализует payload для журнала; не-JSON заворачивается в строку
func compactJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(body)})
	if err != nil {
		return nil
	}
	return wrapped
}

// now выделено для подмены в тестах
var now = time.Now
