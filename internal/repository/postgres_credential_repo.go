package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/relaydash/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したWebAuthnクレデンシャルリポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

const credentialColumns = `credential_id, user_id, credential_json, created_at, updated_at, last_used_at`

// Create はクレデンシャルを登録する。
func (r *PostgresCredentialRepo) Create(ctx context.Context, credential *model.WebAuthnCredential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webauthn_credentials (credential_id, user_id, credential_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		credential.CredentialID, credential.UserID, credential.CredentialJSON,
		credential.CreatedAt, credential.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webauthn credential: %w", err)
	}
	return nil
}

// FindByID は指定IDのクレデンシャルを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, credentialID string) (*model.WebAuthnCredential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE credential_id = $1`,
		credentialID,
	)
	credential, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find webauthn credential: %w", err)
	}
	return credential, nil
}

// ListByUserID はユーザーの全クレデンシャルを登録順に返す。
func (r *PostgresCredentialRepo) ListByUserID(ctx context.Context, userID string) ([]*model.WebAuthnCredential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM webauthn_credentials WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list webauthn credentials: %w", err)
	}
	defer rows.Close()

	var credentials []*model.WebAuthnCredential
	for rows.Next() {
		credential, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webauthn credential: %w", err)
		}
		credentials = append(credentials, credential)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webauthn credentials: %w", err)
	}
	return credentials, nil
}

// UpdateAfterLogin は署名カウンタを含むクレデンシャルJSONと最終利用日時を更新する。
func (r *PostgresCredentialRepo) UpdateAfterLogin(ctx context.Context, credentialID string, credentialJSON []byte, usedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE webauthn_credentials
		 SET credential_json = $2, updated_at = $3, last_used_at = $3
		 WHERE credential_id = $1`,
		credentialID, credentialJSON, usedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update webauthn credential: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("webauthn credential not found: %s", credentialID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*model.WebAuthnCredential, error) {
	credential := &model.WebAuthnCredential{}
	var lastUsedAt sql.NullTime
	if err := row.Scan(
		&credential.CredentialID, &credential.UserID, &credential.CredentialJSON,
		&credential.CreatedAt, &credential.UpdatedAt, &lastUsedAt,
	); err != nil {
		return nil, err
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		credential.LastUsedAt = &t
	}
	return credential, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
