package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chatbot-crm-bridge/internal/domain"
	repoInterface "chatbot-crm-bridge/internal/repository/interface"
)

// SyncLogRepository - PostgreSQL реализация журнала синхронизации
type SyncLogRepository struct {
	db *sqlx.DB
}

// NewSyncLogRepository создает новый репозиторий
func NewSyncLogRepository(db *sqlx.DB) repoInterface.SyncLogRepository {
	return &SyncLogRepository{db: db}
}

// Create пишет запись журнала; записи никогда не изменяются
func (r *SyncLogRepository) Create(ctx context.Context, entry *domain.SyncLog) error {
	query := `
        INSERT INTO sync_logs (integration_id, direction, entity_type, operation, request_payload, response_payload, status, error_message, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
        RETURNING id, created_at
    `
	reqPayload := entry.RequestPayload
	if reqPayload == nil {
		reqPayload = []byte("null")
	}
	respPayload := entry.ResponsePayload
	if respPayload == nil {
		respPayload = []byte("null")
	}
	return r.db.QueryRowContext(ctx, query,
		entry.IntegrationID,
		entry.Direction,
		entry.EntityType,
		entry.Operation,
		reqPayload,
		respPayload,
		entry.Status,
		entry.ErrorMessage,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// List возвращает страницу журнала интеграции, свежие записи первыми
func (r *SyncLogRepository) List(ctx context.Context, integrationID string, limit, offset int) ([]*domain.SyncLog, int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sync_logs WHERE integration_id = $1`, integrationID)
	if err != nil {
		return nil, 0, err
	}

	query := `
        SELECT id, integration_id, direction, entity_type, operation, request_payload, response_payload, status, error_message, created_at
        FROM sync_logs
        WHERE integration_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3
    `
	var logs []*domain.SyncLog
	if err := r.db.SelectContext(ctx, &logs, query, integrationID, limit, offset); err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
