package transcript

import (
	"strconv"
	"strings"

	"chatbot-crm-bridge/internal/domain"
)

// Подписи ролей в транскрипте, каким он уходит заметкой в CRM
var roleLabels = map[string]string{
	domain.RoleUser:      "Клиент",
	domain.RoleAssistant: "Бот",
	domain.RoleOperator:  "Оператор",
	domain.RoleSystem:    "Система",
}

// Formatter собирает текст переписки и служебные сообщения для CRM
type Formatter struct{}

// NewFormatter создает новый форматтер
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Note форматирует пачку сообщений в текст заметки.
// Сообщения приходят уже отсортированными по id.
func (f *Formatter) Note(messages []domain.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		label := roleLabels[m.Role]
		if label == "" {
			label = m.Role
		}
		b.WriteString("[" + m.CreatedAt.Format("02.01.2006 15:04") + "] ")
		b.WriteString(label + ": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// LeadTitle строит заголовок лида по данным диалога
func (f *Formatter) LeadTitle(conv *domain.Conversation, channelType string) string {
	name := conv.UserName
	if name == "" {
		name = "Без имени"
	}
	title := "Диалог с " + name
	if channelType != "" {
		title += " (" + channelType + ")"
	}
	return title
}

// Welcome подставляет данные диалога в настроенное приветствие.
// Пустой шаблон означает, что приветствие отключено.
func (f *Formatter) Welcome(template string, conv *domain.Conversation) string {
	if template == "" {
		return ""
	}
	return strings.NewReplacer(
		"{user_name}", conv.UserName,
		"{user_email}", conv.UserEmail,
		"{user_phone}", conv.UserPhone,
	).Replace(template)
}

// ItemContext описывает объявление Avito, из которого пришел диалог
func (f *Formatter) ItemContext(conv *domain.Conversation) string {
	title := conv.Meta(domain.MetaAvitoItemTitle)
	if title == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("Объявление: " + title)
	if price := conv.Meta(domain.MetaAvitoItemPrice); price != "" {
		if _, err := strconv.Atoi(price); err == nil {
			price += " ₽"
		}
		b.WriteString(", " + price)
	}
	return b.String()
}
