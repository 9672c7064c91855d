package domain

// AmoCRMWebhook - конверт событий AmoCRM
type AmoCRMWebhook struct {
	Events []AmoCRMEvent `json:"events"`
}

// AmoCRMEvent - одно событие AmoCRM
type AmoCRMEvent struct {
	Type     string `json:"type"`
	Entity   string `json:"entity"`
	EntityID int64  `json:"entity_id"`
	StatusID int64  `json:"status_id,omitempty"`
	Message  struct {
		ID     string `json:"id"`
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
		Author struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"author"`
	} `json:"message,omitempty"`
}

// Типы событий AmoCRM
const (
	AmoEventLeadStatusChanged = "lead_status_changed"
	AmoEventLeadDeleted       = "lead_deleted"
	AmoEventMessage           = "message"
	AmoEventUninstall         = "uninstall"
)
