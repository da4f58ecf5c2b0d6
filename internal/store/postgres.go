package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentbus/buskeeper/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Directories ---

func (s *PostgresStore) GetPartner(ctx context.Context, id uuid.UUID) (*models.Partner, error) {
	var p models.Partner
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_active, created_at, updated_at FROM partners WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get partner: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetDefaultPartner(ctx context.Context) (*models.Partner, error) {
	var p models.Partner
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, is_active, created_at, updated_at FROM partners WHERE name = 'default' LIMIT 1`,
	).Scan(&p.ID, &p.Name, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default partner: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	var p models.Principal
	err := s.pool.QueryRow(ctx,
		`SELECT id, partner_id, type, name, created_at FROM principals WHERE id = $1`, id,
	).Scan(&p.ID, &p.PartnerID, &p.Type, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetBusCoreSystem(ctx context.Context, id uuid.UUID) (*models.BusCoreSystem, error) {
	var b models.BusCoreSystem
	err := s.pool.QueryRow(ctx,
		`SELECT id, code, name, is_active, created_at FROM bus_core_systems WHERE id = $1`, id,
	).Scan(&b.ID, &b.Code, &b.Name, &b.IsActive, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bus core system: %w", err)
	}
	return &b, nil
}

// --- API Keys ---

const apiKeyColumns = `id, partner_id, key_value, secret_hash, key_name, description, environment,
	permissions, is_active, is_primary, expires_at, usage_count, last_used_at,
	created_at, updated_at, created_by, updated_by`

func scanAPIKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(&k.ID, &k.PartnerID, &k.KeyValue, &k.SecretHash, &k.KeyName, &k.Description,
		&k.Environment, &k.Permissions, &k.IsActive, &k.IsPrimary, &k.ExpiresAt,
		&k.UsageCount, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt, &k.CreatedBy, &k.UpdatedBy)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey, clearPrimary bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create api key: %w", err)
	}
	defer tx.Rollback(ctx)

	if clearPrimary {
		_, err = tx.Exec(ctx,
			`UPDATE api_keys SET is_primary = false, updated_at = NOW()
			 WHERE partner_id = $1 AND is_primary`, key.PartnerID)
		if err != nil {
			return fmt.Errorf("unset primary api key: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		key.ID, key.PartnerID, key.KeyValue, key.SecretHash, key.KeyName, key.Description,
		key.Environment, key.Permissions, key.IsActive, key.IsPrimary, key.ExpiresAt,
		key.UsageCount, key.LastUsedAt, key.CreatedAt, key.UpdatedAt, key.CreatedBy, key.UpdatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create api key: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) GetAPIKeyByValue(ctx context.Context, keyValue string) (*models.APIKey, error) {
	key, err := scanAPIKey(s.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_value = $1`, keyValue))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by value: %w", err)
	}
	return key, nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, partnerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE partner_id = $1 ORDER BY created_at DESC`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateAPIKey persists mutable key fields. The primary flag is managed only
// through CreateAPIKey/SetPrimaryAPIKey to keep the one-primary invariant in
// a single transaction.
func (s *PostgresStore) UpdateAPIKey(ctx context.Context, key *models.APIKey) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET
			key_value = $2, secret_hash = $3, key_name = $4, description = $5,
			environment = $6, permissions = $7, is_active = $8, expires_at = $9,
			updated_at = NOW(), updated_by = $10
		 WHERE id = $1`,
		key.ID, key.KeyValue, key.SecretHash, key.KeyName, key.Description,
		key.Environment, key.Permissions, key.IsActive, key.ExpiresAt, key.UpdatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetPrimaryAPIKey(ctx context.Context, partnerID, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set primary api key: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE api_keys SET is_primary = false, updated_at = NOW()
		 WHERE partner_id = $1 AND is_primary`, partnerID)
	if err != nil {
		return fmt.Errorf("unset primary api key: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE api_keys SET is_primary = true, updated_at = NOW()
		 WHERE id = $1 AND partner_id = $2`, id, partnerID)
	if err != nil {
		return fmt.Errorf("set primary api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// DeleteAPIKey hard-deletes a key. Revocation is irreversible.
func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordAPIKeyUsage(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record api key usage: %w", err)
	}
	return nil
}

// --- Agent Credentials ---

const credentialColumns = `id, principal_id, principal_type, bus_core_system_id, login_name,
	encrypted_password, password_key_version, encrypted_txn_password, txn_password_key_version,
	is_active, is_primary, last_auth_at, last_sync_at, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	var txnData []byte
	var txnVersion *int
	err := row.Scan(&c.ID, &c.PrincipalID, &c.PrincipalType, &c.BusCoreSystemID, &c.LoginName,
		&c.Password.Data, &c.Password.KeyVersion, &txnData, &txnVersion,
		&c.IsActive, &c.IsPrimary, &c.LastAuthAt, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if txnVersion != nil {
		c.TxnPassword = &models.Ciphertext{KeyVersion: *txnVersion, Data: txnData}
	}
	return &c, nil
}

func txnFields(ct *models.Ciphertext) ([]byte, *int) {
	if ct == nil {
		return nil, nil
	}
	return ct.Data, &ct.KeyVersion
}

func (s *PostgresStore) CreateCredential(ctx context.Context, cred *models.Credential, clearPrimary bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create credential: %w", err)
	}
	defer tx.Rollback(ctx)

	if clearPrimary {
		_, err = tx.Exec(ctx,
			`UPDATE agent_credentials SET is_primary = false, updated_at = NOW()
			 WHERE principal_id = $1 AND is_primary`, cred.PrincipalID)
		if err != nil {
			return fmt.Errorf("unset primary credential: %w", err)
		}
	}

	txnData, txnVersion := txnFields(cred.TxnPassword)
	_, err = tx.Exec(ctx,
		`INSERT INTO agent_credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		cred.ID, cred.PrincipalID, cred.PrincipalType, cred.BusCoreSystemID, cred.LoginName,
		cred.Password.Data, cred.Password.KeyVersion, txnData, txnVersion,
		cred.IsActive, cred.IsPrimary, cred.LastAuthAt, cred.LastSyncAt, cred.CreatedAt, cred.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create credential: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetCredential(ctx context.Context, principalID, systemID uuid.UUID) (*models.Credential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM agent_credentials
		 WHERE principal_id = $1 AND bus_core_system_id = $2`, principalID, systemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, cred *models.Credential) error {
	txnData, txnVersion := txnFields(cred.TxnPassword)
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_credentials SET
			login_name = $2, encrypted_password = $3, password_key_version = $4,
			encrypted_txn_password = $5, txn_password_key_version = $6,
			is_active = $7, last_auth_at = $8, last_sync_at = $9, updated_at = NOW()
		 WHERE id = $1`,
		cred.ID, cred.LoginName, cred.Password.Data, cred.Password.KeyVersion,
		txnData, txnVersion, cred.IsActive, cred.LastAuthAt, cred.LastSyncAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, principalID, systemID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_credentials WHERE principal_id = $1 AND bus_core_system_id = $2`,
		principalID, systemID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetPrimaryCredential(ctx context.Context, principalID, systemID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set primary credential: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE agent_credentials SET is_primary = false, updated_at = NOW()
		 WHERE principal_id = $1 AND is_primary`, principalID)
	if err != nil {
		return fmt.Errorf("unset primary credential: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE agent_credentials SET is_primary = true, updated_at = NOW()
		 WHERE principal_id = $1 AND bus_core_system_id = $2`, principalID, systemID)
	if err != nil {
		return fmt.Errorf("set primary credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// ListCredentialsAfter returns up to limit credentials with id > afterID in
// id order. UUIDv7 ids make this a stable keyset scan for rotation batches.
func (s *PostgresStore) ListCredentialsAfter(ctx context.Context, afterID uuid.UUID, limit int) ([]*models.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM agent_credentials
		 WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credentials after: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpdateCredentialCiphertext swaps a record's ciphertext fields, but only if
// the stored password is still tagged with expectVersion. Returns false when
// another writer (or an earlier rotation pass) got there first, which makes
// re-encryption idempotent.
func (s *PostgresStore) UpdateCredentialCiphertext(ctx context.Context, id uuid.UUID, password models.Ciphertext, txnPassword *models.Ciphertext, expectVersion int) (bool, error) {
	txnData, txnVersion := txnFields(txnPassword)
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_credentials SET
			encrypted_password = $2, password_key_version = $3,
			encrypted_txn_password = $4, txn_password_key_version = $5,
			updated_at = NOW()
		 WHERE id = $1 AND password_key_version = $6`,
		id, password.Data, password.KeyVersion, txnData, txnVersion, expectVersion)
	if err != nil {
		return false, fmt.Errorf("update credential ciphertext: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// isUniqueViolation checks if a pgx error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
