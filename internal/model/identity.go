// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Identity はアカウントディレクトリ（Plex）側のユーザーを表す。
// IDはディレクトリが発行する安定した不透明な識別子で、台帳の主キーとなる。
type Identity struct {
	ID          string
	DisplayName string // Plexのtitleフィールド（表示名）
	Username    string
	Email       string
	CreatedAt   time.Time // ゼロ値の場合は作成日時不明
}

// Display はユーザー向け表示名を返す。
// 表示名 → ユーザー名 → "there" の順にフォールバックする。
func (i *Identity) Display() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	if i.Username != "" {
		return i.Username
	}
	return "there"
}

// Viewer は利用状況ディレクトリ（Tautulli）側の視聴者レコードを表す。
// LocalIDは利用状況ディレクトリのローカルIDであり、
// アカウントディレクトリのIDとは一致しない。
type Viewer struct {
	LocalID  string
	Username string
	Email    string
}

// IsLocalPlayback はローカル再生を表す疑似ユーザーかどうかを返す。
// TautulliのID 0（username "local"）は実在するアカウントではないため、
// ライフサイクル処理の対象から除外する。
func (v *Viewer) IsLocalPlayback() bool {
	return v.LocalID == "0" || strings.EqualFold(v.Username, "local")
}
