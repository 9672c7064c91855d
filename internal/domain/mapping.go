package domain

// Источники значения для маппинга полей
const (
	SourceParameter    = "parameter"
	SourceStatic       = "static"
	SourceDynamic      = "dynamic"
	SourceConversation = "conversation"
)

// Типы действий функций бота
const (
	ActionCreateLead    = "create_lead"
	ActionCreateDeal    = "create_deal"
	ActionCreateContact = "create_contact"
	ActionCreateTask    = "create_task"
	ActionPostWebhook   = "post_webhook"
	ActionGetWebhook    = "get_webhook"
	ActionSendEmail     = "send_email"
)

// FieldMapping - декларативное правило "поле CRM <- источник значения".
// Настраивается в UI, здесь читается как есть.
type FieldMapping struct {
	CRMField   string `db:"crm_field" json:"crm_field"`
	SourceType string `db:"source_type" json:"source_type"`
	Value      string `db:"value" json:"value"`
}

// Action - действие функции бота: провайдер, тип операции и список маппингов
type Action struct {
	ID            string         `db:"id" json:"id"`
	FunctionID    string         `db:"function_id" json:"function_id"`
	IntegrationID string         `db:"integration_id" json:"integration_id"`
	Type          string         `db:"type" json:"type"`
	Mappings      []FieldMapping `db:"-" json:"mappings"`

	// Для webhook-действий
	TargetURL string `db:"target_url" json:"target_url,omitempty"`
}
