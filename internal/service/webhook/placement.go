package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/provider/bitrix24"
)

// placementTokenTTL ограничивает жизнь state-токена установки коннектора
const placementTokenTTL = 15 * time.Minute

// placementClaims - подписанное состояние установки коннектора.
// Вместо сессии между шагом SETTING_CONNECTOR и подтверждением установки
// ходит компактный JWT: Bitrix24 открывает placement во фрейме, где
// амбиентного состояния у нас нет.
type placementClaims struct {
	IntegrationID string `json:"integration_id"`
	OrgID         string `json:"org_id"`
	BotID         string `json:"bot_id"`
	LineID        string `json:"line_id"`
	ConnectorID   string `json:"connector_id"`
	jwt.RegisteredClaims
}

// HandleBitrix24Placement принимает запрос установки коннектора открытых
// линий и выдает подписанный state-токен для шага подтверждения
func (h *Handler) HandleBitrix24Placement(c echo.Context) error {
	ctx := c.Request().Context()
	integrationID := c.Param("id")

	integ, err := h.loadIntegration(ctx, integrationID, domain.TypeBitrix24)
	if err != nil {
		log.Error().Err(err).Str("integration_id", integrationID).Msg("Placement for unknown integration")
		return c.JSON(http.StatusOK, map[string]string{"error": "integration not found"})
	}

	var req domain.Bitrix24Placement
	if err := c.Bind(&req); err != nil || req.Placement != "SETTING_CONNECTOR" {
		return c.JSON(http.StatusOK, map[string]string{"error": "unsupported placement"})
	}

	var opts domain.Bitrix24PlacementOptions
	if err := json.Unmarshal([]byte(req.Options), &opts); err != nil {
		return c.JSON(http.StatusOK, map[string]string{"error": "malformed placement options"})
	}

	botID := h.defaultBotID(ctx, integ)
	claims := placementClaims{
		IntegrationID: integ.ID,
		OrgID:         integ.OrgID,
		BotID:         botID,
		LineID:        opts.Line.String(),
		ConnectorID:   bitrix24.ConnectorID(integ.OrgID, botID),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now().Add(placementTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now()),
		},
	}
	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.jwtSecret)
	if err != nil {
		log.Error().Err(err).Msg("Failed to sign placement state")
		return c.JSON(http.StatusOK, map[string]string{"error": "internal"})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"state":     state,
		"connector": claims.ConnectorID,
		"line":      claims.LineID,
	})
}

// HandleBitrix24PlacementApply подтверждает установку: проверяет state-токен,
// регистрирует и активирует коннектор, сохраняет линию в настройках
func (h *Handler) HandleBitrix24PlacementApply(c echo.Context) error {
	ctx := c.Request().Context()

	var req struct {
		State string `json:"state" form:"state"`
	}
	if err := c.Bind(&req); err != nil || req.State == "" {
		return c.JSON(http.StatusOK, map[string]string{"error": "missing state"})
	}

	claims, err := h.parsePlacementState(req.State)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected placement state token")
		return c.JSON(http.StatusOK, map[string]string{"error": "invalid state"})
	}

	integ, err := h.loadIntegration(ctx, claims.IntegrationID, domain.TypeBitrix24)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]string{"error": "integration not found"})
	}

	factory, ok := h.adapters[integ.Type]
	if !ok {
		return c.JSON(http.StatusOK, map[string]string{"error": "connector not supported"})
	}
	adapter, ok := factory(integ).(*bitrix24.Adapter)
	if !ok {
		return c.JSON(http.StatusOK, map[string]string{"error": "connector not supported"})
	}

	err = h.tokens.Do(ctx, integ, adapter.Refresher(), func(ctx context.Context) error {
		if err := adapter.RegisterConnector(ctx, claims.ConnectorID, integ.Name); err != nil {
			return err
		}
		return adapter.ActivateConnector(ctx, claims.ConnectorID, claims.LineID, true)
	})
	if err != nil {
		log.Error().Err(err).Str("integration_id", integ.ID).Msg("Connector activation failed")
		return c.JSON(http.StatusOK, map[string]string{"error": "activation failed"})
	}

	integ.Settings.ConnectorID = claims.ConnectorID
	integ.Settings.LineID = claims.LineID
	if err := h.integrations.Update(ctx, integ); err != nil {
		return fmt.Errorf("persist connector settings: %w", err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "connected"})
}

func (h *Handler) parsePlacementState(state string) (*placementClaims, error) {
	var claims placementClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
