package provider

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
)

func userMsg(content string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: content}
}

func TestExtractIdentityFindsEmailAndPhone(t *testing.T) {
	msgs := []domain.Message{
		userMsg("Здравствуйте, хочу заказать"),
		userMsg("Моя почта ivan.petrov@example.com"),
		userMsg("Телефон +7 (912) 345-67-89, звоните после обеда"),
	}
	email, phone := ExtractIdentity(msgs)
	require.Equal(t, "ivan.petrov@example.com", email)
	require.Equal(t, "+7 (912) 345-67-89", phone)
}

func TestExtractIdentityPhoneFormats(t *testing.T) {
	cases := []string{
		"89123456789",
		"8 912 345 67 89",
		"+79123456789",
		"7-912-345-67-89",
	}
	for _, c := range cases {
		_, phone := ExtractIdentity([]domain.Message{userMsg("мой номер " + c)})
		require.NotEmpty(t, phone, "ожидали телефон в %q", c)
	}
}

func TestExtractIdentitySkipsNonUserMessages(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleAssistant, Content: "Напишите на support@company.ru"},
		{Role: domain.RoleOperator, Content: "Мой рабочий телефон 89990001122"},
		userMsg("Пока без контактов"),
	}
	email, phone := ExtractIdentity(msgs)
	require.Empty(t, email)
	require.Empty(t, phone)
}

func TestExtractIdentityScanLimit(t *testing.T) {
	// Контакт в сообщении за пределами окна просмотра не находится
	msgs := []domain.Message{userMsg("старая почта old@example.com")}
	for i := 0; i < identityScanLimit; i++ {
		msgs = append(msgs, userMsg(fmt.Sprintf("обычное сообщение %d", i)))
	}
	email, _ := ExtractIdentity(msgs)
	require.Empty(t, email)
}

func TestExtractIdentityTakesLatestValue(t *testing.T) {
	msgs := []domain.Message{
		userMsg("старая почта old@example.com"),
		userMsg("пишите лучше на new@example.com"),
	}
	email, _ := ExtractIdentity(msgs)
	require.Equal(t, "new@example.com", email)
}

func TestExtractIdentityEmptyInput(t *testing.T) {
	email, phone := ExtractIdentity(nil)
	require.Empty(t, email)
	require.Empty(t, phone)
}
