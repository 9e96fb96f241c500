// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"time"
)

// 定義済みロール
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// 認証プロバイダー名
const (
	ProviderAzureAD  = "azure-ad"
	ProviderWebAuthn = "webauthn"
)

// User はサービス利用ユーザーを表す。
// Rolesは最後にEntra IDでサインインした時点のロールを保持する。
type User struct {
	ID        string
	Email     string
	Name      string
	Image     string
	Roles     []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
// ロールとトークンはサインイン時点のスナップショット。
type Session struct {
	ID          string
	UserID      string
	Provider    string
	Roles       []string
	AccessToken string
	IDToken     string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// SessionUser はセッションとユーザー情報を結合した、リクエスト処理で参照する認証済みユーザー。
type SessionUser struct {
	SessionID   string
	UserID      string
	Name        string
	Email       string
	Image       string
	Roles       []string
	AccessToken string
	IDToken     string
	Provider    string
	ExpiresAt   time.Time
	// Refreshed は今回の認証で有効期限を延長したかを表す。Cookieの再発行に使用する。
	Refreshed bool
}

// HasRole は指定ロールを保持しているかを返す。
func (u *SessionUser) HasRole(role string) bool {
	if u == nil {
		return false
	}
	return slices.Contains(u.Roles, role)
}

// HasAnyRole は指定ロールのいずれかを保持しているかを返す。
func (u *SessionUser) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// WebAuthnCredential は登録済みのWebAuthnクレデンシャルを表す。
// CredentialJSONにはgo-webauthnのCredentialをJSONで保持する（署名カウンタを含む）。
type WebAuthnCredential struct {
	CredentialID   string
	UserID         string
	CredentialJSON []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastUsedAt     *time.Time
}

// ChallengeKind はWebAuthnチャレンジの種別。
type ChallengeKind string

const (
	ChallengeKindRegistration ChallengeKind = "registration"
	ChallengeKindLogin        ChallengeKind = "login"
)

// WebAuthnChallenge は登録・ログインの途中状態を表す。
// 1回限り有効で、完了時または期限切れ時に削除される。
type WebAuthnChallenge struct {
	ID          string
	Kind        ChallengeKind
	UserID      string
	SessionJSON []byte
	ExpiresAt   time.Time
}
