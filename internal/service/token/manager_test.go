package token

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
	"chatbot-crm-bridge/internal/metrics"
	"chatbot-crm-bridge/internal/provider"
)

// stubIntegrations реализует только используемые менеджером методы
type stubIntegrations struct {
	updatedTokens *domain.TokenPair
	deactivated   bool
}

func (s *stubIntegrations) UpdateTokens(ctx context.Context, id string, pair *domain.TokenPair) error {
	s.updatedTokens = pair
	return nil
}

func (s *stubIntegrations) SetActive(ctx context.Context, id string, active bool) error {
	if !active {
		s.deactivated = true
	}
	return nil
}

func (s *stubIntegrations) Create(ctx context.Context, i *domain.Integration) error  { return nil }
func (s *stubIntegrations) Update(ctx context.Context, i *domain.Integration) error  { return nil }
func (s *stubIntegrations) Delete(ctx context.Context, id, orgID string) error       { return nil }
func (s *stubIntegrations) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	return nil, nil
}
func (s *stubIntegrations) FindByOrg(ctx context.Context, orgID string) ([]*domain.Integration, error) {
	return nil, nil
}
func (s *stubIntegrations) FindAllActive(ctx context.Context) ([]*domain.Integration, error) {
	return nil, nil
}
func (s *stubIntegrations) FindBots(ctx context.Context, id string) ([]*domain.IntegrationBot, error) {
	return nil, nil
}
func (s *stubIntegrations) CreateUser(ctx context.Context, u *domain.User) error { return nil }
func (s *stubIntegrations) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, nil
}
func (s *stubIntegrations) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	return nil, nil
}

type stubRefresher struct {
	pair  *domain.TokenPair
	err   error
	calls int
}

func (r *stubRefresher) Refresh(ctx context.Context) (*domain.TokenPair, error) {
	r.calls++
	return r.pair, r.err
}

func testIntegration() *domain.Integration {
	return &domain.Integration{
		ID:       "integ-1",
		Type:     domain.TypeAmoCRM,
		IsActive: true,
		Credentials: domain.Credentials{
			AccessToken:  "stale",
			RefreshToken: "refresh",
		},
	}
}

func TestDoPassesThroughSuccess(t *testing.T) {
	repo := &stubIntegrations{}
	m := NewManager(repo, nil)

	calls := 0
	err := m.Do(context.Background(), testIntegration(), &stubRefresher{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

// Не-авторизационные ошибки не приводят ни к refresh, ни к повтору
func TestDoDoesNotRetryOtherErrors(t *testing.T) {
	repo := &stubIntegrations{}
	m := NewManager(repo, nil)
	refresher := &stubRefresher{}

	calls := 0
	err := m.Do(context.Background(), testIntegration(), refresher, func(ctx context.Context) error {
		calls++
		return provider.ErrRemoteNotFound
	})
	require.ErrorIs(t, err, provider.ErrRemoteNotFound)
	require.Equal(t, 1, calls)
	require.Zero(t, refresher.calls)
}

// Истекший токен: refresh, сохранение пары и ровно один повтор
// уже с новым access token
func TestDoRefreshesAndRetriesOnce(t *testing.T) {
	repo := &stubIntegrations{}
	m := NewManager(repo, nil)
	integ := testIntegration()
	refresher := &stubRefresher{pair: &domain.TokenPair{
		AccessToken:  "fresh",
		RefreshToken: "fresh-refresh",
		ExpiresAt:    1900000000,
	}}

	var seenTokens []string
	err := m.Do(context.Background(), integ, refresher, func(ctx context.Context) error {
		seenTokens = append(seenTokens, integ.Credentials.AccessToken)
		if len(seenTokens) == 1 {
			return provider.ErrAuthExpired
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"stale", "fresh"}, seenTokens)
	require.Equal(t, 1, refresher.calls)
	require.NotNil(t, repo.updatedTokens)
	require.Equal(t, "fresh", repo.updatedTokens.AccessToken)
	require.Equal(t, "fresh-refresh", integ.Credentials.RefreshToken)
	require.False(t, repo.deactivated)
}

// Вторая ошибка авторизации после refresh фатальна: интеграция гаснет
func TestDoSecondAuthFailureIsFatal(t *testing.T) {
	repo := &stubIntegrations{}
	m := NewManager(repo, nil)
	integ := testIntegration()
	refresher := &stubRefresher{pair: &domain.TokenPair{AccessToken: "fresh"}}

	calls := 0
	err := m.Do(context.Background(), integ, refresher, func(ctx context.Context) error {
		calls++
		return provider.ErrAuthExpired
	})
	require.ErrorIs(t, err, ErrAuthFatal)
	require.Equal(t, 2, calls)
	require.True(t, repo.deactivated)
	require.False(t, integ.IsActive)
}

// Провайдер без refresh (nil refresher): истекший токен сразу фатален
func TestDoNilRefresherIsFatal(t *testing.T) {
	repo := &stubIntegrations{}
	m := NewManager(repo, nil)
	integ := testIntegration()

	calls := 0
	err := m.Do(context.Background(), integ, nil, func(ctx context.Context) error {
		calls++
		return provider.ErrAuthExpired
	})
	require.ErrorIs(t, err, ErrAuthFatal)
	require.Equal(t, 1, calls)
	require.True(t, repo.deactivated)
}

// Каждый refresh учитывается в счетчике crm_token_refreshes_total
// с типом провайдера и исходом
func TestDoRefreshIsCounted(t *testing.T) {
	repo := &stubIntegrations{}
	met := metrics.New()
	m := NewManager(repo, met)
	refresher := &stubRefresher{pair: &domain.TokenPair{AccessToken: "fresh"}}

	first := true
	err := m.Do(context.Background(), testIntegration(), refresher, func(ctx context.Context) error {
		if first {
			first = false
			return provider.ErrAuthExpired
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, met, "crm_token_refreshes_total", "ok"))

	refresher.err = errors.New("invalid_grant")
	first = true
	_ = m.Do(context.Background(), testIntegration(), refresher, func(ctx context.Context) error {
		return provider.ErrAuthExpired
	})
	require.Equal(t, 1.0, counterValue(t, met, "crm_token_refreshes_total", "error"))
}

// counterValue суммирует значения счетчика по метке status
func counterValue(t *testing.T, m *metrics.Metrics, name, status string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	require.NoError(t, err)
	var sum float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "status" && label.GetValue() == status {
					sum += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return sum
}

func TestDoRefreshFailureIsFatal(t *testing.T) {
	repo := &stubIntegrations{}
	m := NewManager(repo, nil)
	refresher := &stubRefresher{err: errors.New("invalid_grant")}

	err := m.Do(context.Background(), testIntegration(), refresher, func(ctx context.Context) error {
		return provider.ErrAuthExpired
	})
	require.ErrorIs(t, err, ErrAuthFatal)
	require.True(t, repo.deactivated)
}
