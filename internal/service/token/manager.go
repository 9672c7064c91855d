package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/metrics"
	"chatbot-crm-bridge/internal/provider"
	repoInterface "chatbot-crm-bridge/internal/repository/interface"
)

// ErrAuthFatal - refresh выполнен, но провайдер снова ответил "токен истек".
// Интеграция деактивируется, дальнейшие попытки без повторной авторизации
// бессмысленны.
var ErrAuthFatal = errors.New("token: authorization failed after refresh")

// Manager - жизненный цикл токенов. На "токен истек" делает refresh и
// ровно один повтор исходного вызова; параллельные refresh одной
// интеграции схлопываются в один (singleflight), чтобы два запроса не
// сожгли одноразовый refresh-токен друг друга.
type Manager struct {
	integrations repoInterface.IntegrationRepository
	metrics      *metrics.Metrics
	group        singleflight.Group
}

// NewManager создает менеджер токенов. metrics может быть nil
func NewManager(integrations repoInterface.IntegrationRepository, m *metrics.Metrics) *Manager {
	return &Manager{integrations: integrations, metrics: m}
}

// Do выполняет вызов провайдера с дисциплиной одного повтора.
// call получает актуальный access token; после refresh он вызывается
// повторно уже с новым токеном.
func (m *Manager) Do(ctx context.Context, integ *domain.Integration, refresher provider.TokenRefresher, call func(ctx context.Context) error) error {
	err := call(ctx)
	if !errors.Is(err, provider.ErrAuthExpired) {
		return err
	}

	if refresher == nil {
		// токены этого провайдера не истекают - значит, креды отозваны
		return m.fatal(ctx, integ, err)
	}

	if refreshErr := m.refresh(ctx, integ, refresher); refreshErr != nil {
		return m.fatal(ctx, integ, refreshErr)
	}

	// ровно один повтор; вторая ошибка авторизации фатальна
	if err := call(ctx); err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			return m.fatal(ctx, integ, err)
		}
		return err
	}
	return nil
}

// refresh обновляет и сохраняет пару токенов, схлопывая параллельные
// попытки по id интеграции
func (m *Manager) refresh(ctx context.Context, integ *domain.Integration, refresher provider.TokenRefresher) error {
	pair, err, _ := m.group.Do(integ.ID, func() (interface{}, error) {
		log.Info().
			Str("integration_id", integ.ID).
			Str("type", string(integ.Type)).
			Msg("refreshing provider tokens")

		pair, err := refresher.Refresh(ctx)
		if err != nil {
			m.incRefresh(integ, "error")
			return nil, err
		}
		m.incRefresh(integ, "ok")
		if err := m.integrations.UpdateTokens(ctx, integ.ID, pair); err != nil {
			return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
		}
		return pair, nil
	})
	if err != nil {
		return err
	}

	// обновляем креды в памяти, чтобы повтор ушел с новым токеном
	tp := pair.(*domain.TokenPair)
	integ.Credentials.AccessToken = tp.AccessToken
	if tp.RefreshToken != "" {
		integ.Credentials.RefreshToken = tp.RefreshToken
	}
	integ.Credentials.ExpiresAt = tp.ExpiresAt
	return nil
}

func (m *Manager) incRefresh(integ *domain.Integration, status string) {
	if m.metrics != nil {
		m.metrics.IncTokenRefresh(string(integ.Type), status)
	}
}

// fatal деактивирует интеграцию и возвращает классифицированную ошибку
func (m *Manager) fatal(ctx context.Context, integ *domain.Integration, cause error) error {
	log.Error().Err(cause).
		Str("integration_id", integ.ID).
		Str("type", string(integ.Type)).
		Msg("authorization is fatally broken, deactivating integration")

	if err := m.integrations.SetActive(ctx, integ.ID, false); err != nil {
		log.Error().Err(err).Str("integration_id", integ.ID).Msg("failed to deactivate integration")
	}
	integ.IsActive = false
	return fmt.Errorf("%w: %v", ErrAuthFatal, cause)
}
