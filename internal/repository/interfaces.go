// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/relaydash/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は指定メールアドレスのユーザーを取得する。
	// 同じメールアドレスが複数ある場合は最も古いユーザーを返す。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// UpdateProfile は名前・メール・画像・ロールをIdPの最新値で上書きする。
	UpdateProfile(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessions、webauthn_credentialsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)

	// LinkToUser は既存ユーザーに新しいidentityを紐付ける。
	LinkToUser(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateExpiry はセッションの有効期限を延長する。
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// CredentialRepository はWebAuthnクレデンシャルの永続化インターフェース。
type CredentialRepository interface {
	// Create はクレデンシャルを登録する。
	Create(ctx context.Context, credential *model.WebAuthnCredential) error
	// FindByID は指定IDのクレデンシャルを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, credentialID string) (*model.WebAuthnCredential, error)
	// ListByUserID はユーザーの全クレデンシャルを登録順に返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.WebAuthnCredential, error)
	// UpdateAfterLogin はログイン成功後の署名カウンタ等を保存し、最終利用日時を更新する。
	UpdateAfterLogin(ctx context.Context, credentialID string, credentialJSON []byte, usedAt time.Time) error
}

// ChallengeRepository はWebAuthnチャレンジの永続化インターフェース。
type ChallengeRepository interface {
	// Create はチャレンジを保存する。
	Create(ctx context.Context, challenge *model.WebAuthnChallenge) error
	// Consume は指定IDのチャレンジを削除して返す。見つからない場合はnilを返す。
	// 同じチャレンジを2回取得することはできない。
	Consume(ctx context.Context, id string) (*model.WebAuthnChallenge, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
