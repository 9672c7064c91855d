package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chatbot-crm-bridge/internal/domain"
	repoInterface "chatbot-crm-bridge/internal/repository/interface"
)

// SyncEntityRepository - PostgreSQL реализация леджера связок
type SyncEntityRepository struct {
	db *sqlx.DB
}

// NewSyncEntityRepository создает новый репозиторий
func NewSyncEntityRepository(db *sqlx.DB) repoInterface.SyncEntityRepository {
	return &SyncEntityRepository{db: db}
}

// Upsert создает связку либо обновляет существующую живую запись.
// Уникальность обеспечивает частичный индекс по живым строкам, поэтому
// дубликат не появится и при гонке двух синхронизаций.
func (r *SyncEntityRepository) Upsert(ctx context.Context, entity *domain.SyncEntity) error {
	query := `
        INSERT INTO sync_entities (id, integration_id, entity_type, local_id, remote_id, remote_payload, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, NOW(), NOW())
        ON CONFLICT (integration_id, entity_type, local_id) WHERE deleted_at IS NULL
        DO UPDATE SET remote_id = EXCLUDED.remote_id,
                      remote_payload = EXCLUDED.remote_payload,
                      updated_at = NOW()
        RETURNING id, created_at, updated_at
    `
	payload := entity.RemotePayload
	if payload == nil {
		payload = []byte("null")
	}
	return r.db.QueryRowContext(ctx, query,
		entity.IntegrationID,
		entity.EntityType,
		entity.LocalID,
		entity.RemoteID,
		payload,
	).Scan(&entity.ID, &entity.CreatedAt, &entity.UpdatedAt)
}

const syncEntityColumns = `id, integration_id, entity_type, local_id, remote_id, remote_payload, created_at, updated_at, deleted_at`

// FindByLocal возвращает живую связку по локальному ключу, nil если ее нет
func (r *SyncEntityRepository) FindByLocal(ctx context.Context, integrationID string, entityType domain.EntityType, localID string) (*domain.SyncEntity, error) {
	query := `
        SELECT ` + syncEntityColumns + `
        FROM sync_entities
        WHERE integration_id = $1 AND entity_type = $2 AND local_id = $3 AND deleted_at IS NULL
    `
	var entity domain.SyncEntity
	err := r.db.GetContext(ctx, &entity, query, integrationID, entityType, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// FindByRemote возвращает живую связку по удаленному идентификатору
func (r *SyncEntityRepository) FindByRemote(ctx context.Context, integrationID string, entityType domain.EntityType, remoteID string) (*domain.SyncEntity, error) {
	query := `
        SELECT ` + syncEntityColumns + `
        FROM sync_entities
        WHERE integration_id = $1 AND entity_type = $2 AND remote_id = $3 AND deleted_at IS NULL
    `
	var entity domain.SyncEntity
	err := r.db.GetContext(ctx, &entity, query, integrationID, entityType, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// Replace гасит устаревшую связку и пишет новую в одной транзакции.
// Используется при восстановлении после удаления сущности в CRM:
// две живые связки на один local_id появиться не должны.
func (r *SyncEntityRepository) Replace(ctx context.Context, stale *domain.SyncEntity, fresh *domain.SyncEntity) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE sync_entities SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, stale.ID)
	if err != nil {
		return err
	}

	payload := fresh.RemotePayload
	if payload == nil {
		payload = []byte("null")
	}
	err = tx.QueryRowContext(ctx, `
        INSERT INTO sync_entities (id, integration_id, entity_type, local_id, remote_id, remote_payload, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, NOW(), NOW())
        RETURNING id, created_at, updated_at
    `,
		fresh.IntegrationID,
		fresh.EntityType,
		fresh.LocalID,
		fresh.RemoteID,
		payload,
	).Scan(&fresh.ID, &fresh.CreatedAt, &fresh.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}
