package domain

// SalebotWebhook - событие Salebot. Тип приходит то в event, то в type,
// поэтому оба поля разбираются, приоритет у event.
type SalebotWebhook struct {
	Event    string `json:"event"`
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	FunnelID string `json:"funnel_id"`
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// Kind возвращает фактический тип события
func (w *SalebotWebhook) Kind() string {
	if w.Event != "" {
		return w.Event
	}
	return w.Type
}

// Типы событий Salebot
const (
	SalebotEventMessage           = "message"
	SalebotEventFunnelStarted     = "funnel_started"
	SalebotEventFunnelCompleted   = "funnel_completed"
	SalebotEventVariableChanged   = "variable_changed"
	SalebotEventOperatorConnected = "operator_connected"
)
