// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeCredentialNotFound  = "CREDENTIAL_NOT_FOUND"
	ErrCodeChallengeNotFound   = "CHALLENGE_NOT_FOUND"
	ErrCodeChallengeExpired    = "CHALLENGE_EXPIRED"
	ErrCodeVerificationFailed  = "VERIFICATION_FAILED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeWebAuthnUnavailable = "WEBAUTHN_UNAVAILABLE"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "サインインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作には %s ロールが必要です。", role),
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewInvalidRequestError はリクエストボディ解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewCredentialNotFoundError はWebAuthnクレデンシャル未登録エラーを生成する。
func NewCredentialNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialNotFound,
		Message:  "登録済みのセキュリティキーが見つかりません。",
		Category: "auth",
		Action:   "Azure ADでサインインしてからセキュリティキーを登録してください。",
	}
}

// NewChallengeNotFoundError はWebAuthnチャレンジ未検出エラーを生成する。
func NewChallengeNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeChallengeNotFound,
		Message:  "認証セッションが見つかりません。",
		Category: "auth",
		Action:   "最初からやり直してください。",
	}
}

// NewChallengeExpiredError はWebAuthnチャレンジ期限切れエラーを生成する。
func NewChallengeExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeChallengeExpired,
		Message:  "認証セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "最初からやり直してください。",
	}
}

// NewVerificationFailedError はWebAuthn検証失敗エラーを生成する。
func NewVerificationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationFailed,
		Message:  "セキュリティキーの検証に失敗しました。",
		Category: "auth",
		Action:   "登録済みのセキュリティキーで再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "サインインし直してください。",
	}
}

// NewWebAuthnUnavailableError はWebAuthn設定が利用できない場合のエラーを生成する。
func NewWebAuthnUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeWebAuthnUnavailable,
		Message:  "セキュリティキー認証は現在利用できません。",
		Category: "system",
		Action:   "Azure ADでサインインしてください。",
	}
}

// NewInternalError は原因を伏せた内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
