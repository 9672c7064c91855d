package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatbot-crm-bridge/internal/domain"
)

func testContext() Context {
	return Context{
		Params: map[string]string{
			"client_phone": "+79991234567",
			"client_name":  "Иван",
		},
		Conversation: &domain.Conversation{
			ID:        "conv-1",
			UserName:  "Иван Петров",
			UserEmail: "ivan@example.com",
			CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		},
		MessagesCount: 7,
		ChannelType:   "avito",
	}
}

func TestEvaluateStatic(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "SOURCE_ID", SourceType: domain.SourceStatic, Value: "chatbot"},
	}, testContext())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"SOURCE_ID": "chatbot"}, out)
}

func TestEvaluateParameter(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "PHONE", SourceType: domain.SourceParameter, Value: "{client_phone}"},
		{CRMField: "NAME", SourceType: domain.SourceParameter, Value: "client_name"},
	}, testContext())
	require.NoError(t, err)
	require.Equal(t, "+79991234567", out["PHONE"])
	require.Equal(t, "Иван", out["NAME"])
}

// Не извлеченный параметр означает отсутствие поля, а не пустую строку
func TestEvaluateParameterMissingOmitsField(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "BUDGET", SourceType: domain.SourceParameter, Value: "{budget}"},
		{CRMField: "PHONE", SourceType: domain.SourceParameter, Value: "{client_phone}"},
	}, testContext())
	require.NoError(t, err)
	require.NotContains(t, out, "BUDGET")
	require.Contains(t, out, "PHONE")
}

func TestEvaluateDynamicTemplate(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "TITLE", SourceType: domain.SourceDynamic, Value: "Заявка от {client_name}, тел. {client_phone}"},
	}, testContext())
	require.NoError(t, err)
	require.Equal(t, "Заявка от Иван, тел. +79991234567", out["TITLE"])
}

// Неизвестные плейсхолдеры в шаблоне остаются литералом
func TestEvaluateDynamicUnknownPlaceholderKept(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "NOTE", SourceType: domain.SourceDynamic, Value: "бюджет: {budget}"},
	}, testContext())
	require.NoError(t, err)
	require.Equal(t, "бюджет: {budget}", out["NOTE"])
}

func TestEvaluateConversationAttributes(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "CONV_ID", SourceType: domain.SourceConversation, Value: "id"},
		{CRMField: "NAME", SourceType: domain.SourceConversation, Value: "user_name"},
		{CRMField: "EMAIL", SourceType: domain.SourceConversation, Value: "user_email"},
		{CRMField: "COUNT", SourceType: domain.SourceConversation, Value: "messages_count"},
		{CRMField: "CHANNEL", SourceType: domain.SourceConversation, Value: "channel"},
		{CRMField: "STARTED", SourceType: domain.SourceConversation, Value: "created_at"},
	}, testContext())
	require.NoError(t, err)
	require.Equal(t, "conv-1", out["CONV_ID"])
	require.Equal(t, "Иван Петров", out["NAME"])
	require.Equal(t, "ivan@example.com", out["EMAIL"])
	require.Equal(t, "7", out["COUNT"])
	require.Equal(t, "avito", out["CHANNEL"])
	require.Equal(t, "2026-03-10T12:00:00Z", out["STARTED"])
}

// Неизвестный атрибут диалога - ошибка, а не молчаливый null
func TestEvaluateUnknownConversationAttribute(t *testing.T) {
	_, err := Evaluate([]domain.FieldMapping{
		{CRMField: "X", SourceType: domain.SourceConversation, Value: "user_nickname"},
	}, testContext())
	require.Error(t, err)
	require.Contains(t, err.Error(), "user_nickname")
}

func TestEvaluateUnknownSourceType(t *testing.T) {
	_, err := Evaluate([]domain.FieldMapping{
		{CRMField: "X", SourceType: "lua", Value: "return 1"},
	}, testContext())
	require.Error(t, err)
}

// Недозаполненные в UI строки отбрасываются до вычисления
func TestEvaluateDropsEmptyCRMField(t *testing.T) {
	out, err := Evaluate([]domain.FieldMapping{
		{CRMField: "", SourceType: domain.SourceConversation, Value: "user_nickname"},
		{CRMField: "PHONE", SourceType: domain.SourceParameter, Value: "{client_phone}"},
	}, testContext())
	require.NoError(t, err)
	require.Len(t, out, 1)
}

// Вычисление детерминировано: одинаковый вход дает одинаковый выход
func TestEvaluateDeterministic(t *testing.T) {
	mappings := []domain.FieldMapping{
		{CRMField: "TITLE", SourceType: domain.SourceDynamic, Value: "{client_name} / {client_phone}"},
		{CRMField: "SOURCE", SourceType: domain.SourceStatic, Value: "bot"},
		{CRMField: "NAME", SourceType: domain.SourceConversation, Value: "user_name"},
	}
	first, err := Evaluate(mappings, testContext())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate(mappings, testContext())
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
