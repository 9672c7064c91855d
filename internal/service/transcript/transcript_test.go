package transcript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
)

func TestNoteFormatsRolesAndOrder(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "Здравствуйте", CreatedAt: at},
		{Role: domain.RoleAssistant, Content: "Добрый день!", CreatedAt: at.Add(time.Minute)},
		{Role: domain.RoleOperator, Content: "Подключаюсь", CreatedAt: at.Add(2 * time.Minute)},
	}

	note := NewFormatter().Note(msgs)
	require.Equal(t,
		"[14.03.2026 09:30] Клиент: Здравствуйте\n"+
			"[14.03.2026 09:31] Бот: Добрый день!\n"+
			"[14.03.2026 09:32] Оператор: Подключаюсь",
		note)
}

func TestNoteUnknownRoleFallsBack(t *testing.T) {
	note := NewFormatter().Note([]domain.Message{{Role: "webhook", Content: "x"}})
	require.Contains(t, note, "webhook: x")
}

func TestLeadTitle(t *testing.T) {
	f := NewFormatter()
	conv := &domain.Conversation{UserName: "Мария"}
	require.Equal(t, "Диалог с Мария (avito)", f.LeadTitle(conv, "avito"))
	require.Equal(t, "Диалог с Без имени", f.LeadTitle(&domain.Conversation{}, ""))
}

func TestWelcomeSubstitution(t *testing.T) {
	f := NewFormatter()
	conv := &domain.Conversation{UserName: "Иван", UserEmail: "ivan@example.com"}
	require.Equal(t, "Привет, Иван! Пишем на ivan@example.com",
		f.Welcome("Привет, {user_name}! Пишем на {user_email}", conv))
	require.Empty(t, f.Welcome("", conv))
}

func TestItemContext(t *testing.T) {
	f := NewFormatter()
	conv := &domain.Conversation{}
	require.Empty(t, f.ItemContext(conv))

	conv.SetMeta(domain.MetaAvitoItemTitle, "Велосипед")
	conv.SetMeta(domain.MetaAvitoItemPrice, "15000")
	require.Equal(t, "Объявление: Велосипед, 15000 ₽", f.ItemContext(conv))

	// Нечисловая цена уходит как есть
	conv.SetMeta(domain.MetaAvitoItemPrice, "договорная")
	require.Equal(t, "Объявление: Велосипед, договорная", f.ItemContext(conv))
}
