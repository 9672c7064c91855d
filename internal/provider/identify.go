package provider

import (
	"regexp"

	"chatbot-crm-bridge/internal/domain"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+7|8|7)[\s\-(]*\d{3}[\s\-)]*\d{3}[\s\-]*\d{2}[\s\-]*\d{2}`)
)

// Сколько последних сообщений пользователя просматривается при поиске контактов
const identityScanLimit = 10

// ExtractIdentity ищет email и телефон в последних сообщениях пользователя,
// когда провайдер не передал структурную идентичность. Просматриваются
// не более identityScanLimit сообщений с конца, поиск останавливается,
// как только найдены оба значения.
func ExtractIdentity(messages []domain.Message) (email, phone string) {
	scanned := 0
	for i := len(messages) - 1; i >= 0 && scanned < identityScanLimit; i-- {
		if messages[i].Role != domain.RoleUser {
			continue
		}
		scanned++

		if email == "" {
			email = emailRe.FindString(messages[i].Content)
		}
		if phone == "" {
			phone = phoneRe.FindString(messages[i].Content)
		}
		if email != "" && phone != "" {
			break
		}
	}
	return email, phone
}
