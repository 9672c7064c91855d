package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"chatbot-crm-bridge/internal/domain"
	repoInterface "chatbot-crm-bridge/internal/repository/interface"
	"chatbot-crm-bridge/internal/service/encryption"
)

// IntegrationRepository - PostgreSQL реализация.
// Поле credentials хранится одной AES-GCM строкой; шифрование и
// расшифровка происходят здесь, вызывающие секретов в БД не видят.
type IntegrationRepository struct {
	db        *sqlx.DB
	encryptor *encryption.Encryptor
}

// NewIntegrationRepository создает новый репозиторий
func NewIntegrationRepository(db *sqlx.DB, encryptor *encryption.Encryptor) repoInterface.IntegrationRepository {
	return &IntegrationRepository{db: db, encryptor: encryptor}
}

func (r *IntegrationRepository) encodeCredentials(creds domain.Credentials) (string, error) {
	return r.encryptor.EncryptJSON(creds)
}

func (r *IntegrationRepository) decodeCredentials(encrypted string, into *domain.Credentials) error {
	if err := r.encryptor.DecryptJSON(encrypted, into); err != nil {
		return fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return nil
}

// Create создает новую интеграцию
func (r *IntegrationRepository) Create(ctx context.Context, integration *domain.Integration) error {
	query := `
        INSERT INTO integrations (id, org_id, type, name, credentials, settings, is_active, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, NOW(), NOW())
        RETURNING id, created_at, updated_at
    `

	credsEnc, err := r.encodeCredentials(integration.Credentials)
	if err != nil {
		return err
	}
	settingsJSON, err := json.Marshal(integration.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query,
		integration.OrgID,
		integration.Type,
		integration.Name,
		credsEnc,
		settingsJSON,
		integration.IsActive,
	)
	return row.Scan(&integration.ID, &integration.CreatedAt, &integration.UpdatedAt)
}

// Update обновляет интеграцию
func (r *IntegrationRepository) Update(ctx context.Context, integration *domain.Integration) error {
	query := `
        UPDATE integrations
        SET name = $1, credentials = $2, settings = $3, is_active = $4, updated_at = NOW()
        WHERE id = $5 AND org_id = $6
    `

	credsEnc, err := r.encodeCredentials(integration.Credentials)
	if err != nil {
		return err
	}
	settingsJSON, err := json.Marshal(integration.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		integration.Name,
		credsEnc,
		settingsJSON,
		integration.IsActive,
		integration.ID,
		integration.OrgID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete удаляет интеграцию; связки и журнал уходят каскадом
func (r *IntegrationRepository) Delete(ctx context.Context, id string, orgID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *IntegrationRepository) scanIntegration(row sqlx.ColScanner) (*domain.Integration, error) {
	var integration domain.Integration
	var credsEnc string
	var settingsJSON []byte

	err := row.Scan(
		&integration.ID,
		&integration.OrgID,
		&integration.Type,
		&integration.Name,
		&credsEnc,
		&settingsJSON,
		&integration.IsActive,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := r.decodeCredentials(credsEnc, &integration.Credentials); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settingsJSON, &integration.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &integration, nil
}

const integrationColumns = `id, org_id, type, name, credentials, settings, is_active, created_at, updated_at`

// FindByID находит интеграцию по ID
func (r *IntegrationRepository) FindByID(ctx context.Context, id string) (*domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`
	return r.scanIntegration(r.db.QueryRowxContext(ctx, query, id))
}

// FindByOrg находит все интеграции организации
func (r *IntegrationRepository) FindByOrg(ctx context.Context, orgID string) ([]*domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE org_id = $1 ORDER BY created_at DESC`
	return r.queryIntegrations(ctx, query, orgID)
}

// FindAllActive находит все активные интеграции (для фоновой синхронизации)
func (r *IntegrationRepository) FindAllActive(ctx context.Context) ([]*domain.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE is_active = TRUE ORDER BY created_at`
	return r.queryIntegrations(ctx, query)
}

func (r *IntegrationRepository) queryIntegrations(ctx context.Context, query string, args ...interface{}) ([]*domain.Integration, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var integrations []*domain.Integration
	for rows.Next() {
		integration, err := r.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	return integrations, rows.Err()
}

// UpdateTokens атомарно сохраняет новую пару токенов поверх текущих
// credentials. Читаем и пишем в одной транзакции с блокировкой строки,
// чтобы два параллельных refresh не затерли друг друга.
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id string, pair *domain.TokenPair) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var credsEnc string
	err = tx.QueryRowContext(ctx, `SELECT credentials FROM integrations WHERE id = $1 FOR UPDATE`, id).Scan(&credsEnc)
	if err != nil {
		return err
	}

	var creds domain.Credentials
	if err := r.decodeCredentials(credsEnc, &creds); err != nil {
		return err
	}

	creds.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		creds.RefreshToken = pair.RefreshToken
	}
	creds.ExpiresAt = pair.ExpiresAt

	updated, err := r.encodeCredentials(creds)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `UPDATE integrations SET credentials = $1, updated_at = NOW() WHERE id = $2`, updated, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SetActive включает/выключает интеграцию
func (r *IntegrationRepository) SetActive(ctx context.Context, id string, active bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE integrations SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	return err
}

// FindBots возвращает настройки синхронизации ботов интеграции
func (r *IntegrationRepository) FindBots(ctx context.Context, integrationID string) ([]*domain.IntegrationBot, error) {
	query := `
        SELECT integration_id, bot_id, sync_contacts, sync_conversations, create_leads, create_deals,
               lead_source, responsible_user_id, pipeline_settings, connector_settings, is_active
        FROM integration_bots
        WHERE integration_id = $1
    `
	var bots []*domain.IntegrationBot
	if err := r.db.SelectContext(ctx, &bots, query, integrationID); err != nil {
		return nil, err
	}
	return bots, nil
}

// CreateUser создает пользователя
func (r *IntegrationRepository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
        INSERT INTO users (id, org_id, email, password_hash, display_name, role, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, NOW(), NOW())
        RETURNING id, created_at, updated_at
    `
	return r.db.QueryRowContext(ctx, query,
		user.OrgID,
		user.Email,
		user.PasswordHash,
		user.DisplayName,
		user.Role,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
}

// FindUserByEmail находит пользователя по email
func (r *IntegrationRepository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, org_id, email, password_hash, display_name, role, created_at, updated_at FROM users WHERE email = $1`
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		return nil, err
	}
	return &user, nil
}

// FindUserByID находит пользователя по ID
func (r *IntegrationRepository) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, org_id, email, password_hash, display_name, role, created_at, updated_at FROM users WHERE id = $1`
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}
