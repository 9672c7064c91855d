package postgres

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

// Журнал обязан принимать запись для любого integration_id из URL вебхука,
// в том числе неизвестного и не-UUID: правило "одна запись на вызов"
// действует и для отвергнутых вызовов. Значит - текстовая колонка без FK.
func TestSyncLogsAcceptArbitraryIntegrationID(t *testing.T) {
	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_initial_schema.sql"))
	require.NoError(t, err)

	tableRe := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS sync_logs \(.*?\);`)
	table := tableRe.FindString(string(schema))
	require.NotEmpty(t, table)
	require.Contains(t, table, "integration_id TEXT NOT NULL")
	require.NotContains(t, table, "REFERENCES integrations")
}
