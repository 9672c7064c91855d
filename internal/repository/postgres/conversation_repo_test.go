package postgres

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Индекс идемпотентности сообщений частичный, поэтому цель ON CONFLICT
// обязана повторять его предикат - иначе Postgres не подбирает арбитра
// и каждый insert падает с 42P10. Тест держит запрос и миграцию в связке.
func TestAppendMessageConflictTargetMatchesIndex(t *testing.T) {
	require.Contains(t, appendMessageQuery,
		"ON CONFLICT (conversation_id, external_msg_id) WHERE external_msg_id IS NOT NULL DO NOTHING")

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_initial_schema.sql"))
	require.NoError(t, err)

	// Сам индекс: уникальный, по тем же колонкам, с тем же предикатом
	indexRe := regexp.MustCompile(
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_external_msg\s+` +
			`ON messages \(conversation_id, external_msg_id\)\s+` +
			`WHERE external_msg_id IS NOT NULL`)
	require.Regexp(t, indexRe, string(schema))

	// Полного (не частичного) индекса по этой паре колонок быть не должно:
	// тогда цель конфликта с предикатом перестала бы выводиться
	withoutPartial := indexRe.ReplaceAllString(string(schema), "")
	require.NotContains(t, withoutPartial, "ON messages (conversation_id, external_msg_id)")
}

// Пустой external_msg_id превращается в NULL и под уникальный индекс
// не попадает: исходящие сообщения без внешнего id не конфликтуют
func TestAppendMessageNullifiesEmptyExternalID(t *testing.T) {
	require.Contains(t, appendMessageQuery, "NULLIF($4, '')")
	require.True(t, strings.Contains(appendMessageQuery, "RETURNING id, created_at"))
}
