package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/relaydash/internal/model"
)

// PostgresChallengeRepo はPostgreSQLを使用したWebAuthnチャレンジリポジトリ。
type PostgresChallengeRepo struct {
	db *sql.DB
}

// NewPostgresChallengeRepo はPostgresChallengeRepoを生成する。
func NewPostgresChallengeRepo(db *sql.DB) *PostgresChallengeRepo {
	return &PostgresChallengeRepo{db: db}
}

// Create はチャレンジを保存する。
func (r *PostgresChallengeRepo) Create(ctx context.Context, challenge *model.WebAuthnChallenge) error {
	var userID sql.NullString
	if challenge.UserID != "" {
		userID = sql.NullString{String: challenge.UserID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webauthn_challenges (id, kind, user_id, session_json, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		challenge.ID, string(challenge.Kind), userID, challenge.SessionJSON, challenge.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webauthn challenge: %w", err)
	}
	return nil
}

// Consume は指定IDのチャレンジを削除して返す。
// DELETE ... RETURNINGで取得と削除を1文で行うため、同時に完了しても成功するのは1件のみ。
// 期限切れの判定は呼び出し側で行う。
func (r *PostgresChallengeRepo) Consume(ctx context.Context, id string) (*model.WebAuthnChallenge, error) {
	challenge := &model.WebAuthnChallenge{}
	var kind string
	var userID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM webauthn_challenges WHERE id = $1
		 RETURNING id, kind, user_id, session_json, expires_at`,
		id,
	).Scan(&challenge.ID, &kind, &userID, &challenge.SessionJSON, &challenge.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume webauthn challenge: %w", err)
	}

	challenge.Kind = model.ChallengeKind(kind)
	challenge.UserID = userID.String
	return challenge, nil
}

// compile-time interface check
var _ ChallengeRepository = (*PostgresChallengeRepo)(nil)
