package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - счетчики движка синхронизации.
// Registry приватный, чтобы повторная инициализация в тестах не
// падала с duplicate collector.
type Metrics struct {
	Registry *prometheus.Registry

	webhooksTotal    *prometheus.CounterVec
	syncOpsTotal     *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// New создает реестр и регистрирует в нем все метрики движка
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		webhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_webhooks_total",
				Help: "Входящие вебхуки по провайдерам и исходу обработки.",
			},
			[]string{"provider", "status"},
		),
		syncOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_sync_operations_total",
				Help: "Исходящие операции синхронизации.",
			},
			[]string{"provider", "operation", "status"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crm_token_refreshes_total",
				Help: "Обновления OAuth-токенов.",
			},
			[]string{"provider", "status"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crm_provider_call_seconds",
				Help:    "Длительность вызовов API провайдеров.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
	}
}

// IncWebhook учитывает обработанный вебхук
func (m *Metrics) IncWebhook(provider, status string) {
	m.webhooksTotal.WithLabelValues(provider, status).Inc()
}

// IncSyncOp учитывает исходящую операцию
func (m *Metrics) IncSyncOp(provider, operation, status string) {
	m.syncOpsTotal.WithLabelValues(provider, operation, status).Inc()
}

// IncTokenRefresh учитывает попытку обновления токена
func (m *Metrics) IncTokenRefresh(provider, status string) {
	m.tokenRefreshes.WithLabelValues(provider, status).Inc()
}

// ObserveProviderCall записывает длительность вызова провайдера
func (m *Metrics) ObserveProviderCall(provider, operation string, d time.Duration) {
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}
