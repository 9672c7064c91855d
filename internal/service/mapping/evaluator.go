package mapping

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatbot-crm-bridge/internal/domain"
)

// Context - контекст выполнения маппинга: извлеченные параметры функции
// и атрибуты диалога, доступные правилам с source_type=conversation.
type Context struct {
	Params        map[string]string
	Conversation  *domain.Conversation
	MessagesCount int
	ChannelType   string
}

// Evaluate превращает список правил в плоский фрагмент payload для CRM.
// Чистая функция: одинаковый вход всегда дает одинаковый результат.
// Правила с пустым crm_field отбрасываются (UI допускает недозаполненные строки).
func Evaluate(mappings []domain.FieldMapping, ctx Context) (map[string]string, error) {
	result := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.CRMField == "" {
			continue
		}
		switch m.SourceType {
		case domain.SourceStatic:
			result[m.CRMField] = m.Value

		case domain.SourceParameter:
			// Значение - плейсхолдер вида {client_phone} либо голое имя параметра.
			// Не извлеченный параметр означает пропуск поля, а не пустую строку.
			name := strings.Trim(m.Value, "{}")
			val, ok := ctx.Params[name]
			if !ok || val == "" {
				continue
			}
			result[m.CRMField] = val

		case domain.SourceDynamic:
			result[m.CRMField] = substitute(m.Value, ctx.Params)

		case domain.SourceConversation:
			val, err := conversationAttr(m.Value, ctx)
			if err != nil {
				return nil, err
			}
			result[m.CRMField] = val

		default:
			return nil, fmt.Errorf("unknown mapping source type %q for field %q", m.SourceType, m.CRMField)
		}
	}
	return result, nil
}

// substitute подставляет плейсхолдеры {name} в шаблон.
// Неизвестные плейсхолдеры остаются как есть, выражения не вычисляются.
func substitute(template string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(template, "{") {
		return template
	}
	pairs := make([]string, 0, len(params)*2)
	for name, val := range params {
		pairs = append(pairs, "{"+name+"}", val)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// Белый список атрибутов диалога для source_type=conversation
func conversationAttr(key string, ctx Context) (string, error) {
	conv := ctx.Conversation
	if conv == nil {
		return "", fmt.Errorf("conversation attribute %q requested without conversation", key)
	}
	switch key {
	case "id":
		return conv.ID, nil
	case "user_name":
		return conv.UserName, nil
	case "user_email":
		return conv.UserEmail, nil
	case "user_phone":
		return conv.UserPhone, nil
	case "messages_count":
		return strconv.Itoa(ctx.MessagesCount), nil
	case "channel":
		return ctx.ChannelType, nil
	case "created_at":
		return conv.CreatedAt.Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unknown conversation attribute %q", key)
	}
}
