package model

import (
	"errors"
	"fmt"
)

// TransientError は外部API（アカウントディレクトリ、利用状況ディレクトリ）の
// 一時的な失敗を表す。ネットワーク、認証、タイムアウトなどが該当し、
// 呼び出し側は固定遅延で最大3回までリトライしてよい。
type TransientError struct {
	Op  string // 失敗した操作名（"plex.list_users" など）
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap はラップされた元エラーを返す。
func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError は一時的エラーを生成する。
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient はエラーが一時的（リトライ可能）かどうかを判定する。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
