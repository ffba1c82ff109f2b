// Package config はアプリケーション設定の読み込みと検証を提供する。
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Plex（アカウントディレクトリ）
	PlexToken string

	// Tautulli（利用状況ディレクトリ）
	TautulliURL    string
	TautulliAPIKey string

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string // "Name <email>" 形式も許容
	AdminEmail   string

	// ライフサイクルしきい値
	WarnDays int
	KickDays int

	// ループ周期
	CheckNewUsersInterval   time.Duration
	CheckInactivityInterval time.Duration

	// 動作モード
	DryRun bool

	// VIP保護（管理者メールに加えて名前/ユーザー名の許可リスト）
	VIPNames []string

	// Discord Webhook（空の場合は無効）
	DiscordWebhook string

	// ヘルスチェック
	HealthPort int

	// 台帳の保存先ディレクトリ
	StateDir string

	// ログレベル（DEBUG/INFO/WARN/ERROR）
	LogLevel string
}

// emailPattern はメールアドレスの形式検証用パターン。
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// angleAddrPattern は "Name <email>" 形式からアドレス部を取り出すパターン。
var angleAddrPattern = regexp.MustCompile(`<([^>]+)>`)

// ExtractEmail は "Display Name <email@example.com>" 形式からアドレス部を抽出する。
// 山括弧がない場合は前後の空白を除去してそのまま返す。
func ExtractEmail(value string) string {
	if m := angleAddrPattern.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return strings.TrimSpace(value)
}

// ValidateEmail はメールアドレスの形式を検証する。
// "Name <email>" 形式も受け付ける。
func ValidateEmail(value string) bool {
	if value == "" {
		return false
	}
	return emailPattern.MatchString(ExtractEmail(value))
}

// validateURL はhttp/httpsのURL形式を検証する。
func validateURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、およびしきい値の整合性が取れない場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key  string
		dest *string
	}{
		{"PLEX_TOKEN", &cfg.PlexToken},
		{"TAUTULLI_URL", &cfg.TautulliURL},
		{"TAUTULLI_API_KEY", &cfg.TautulliAPIKey},
		{"SMTP_HOST", &cfg.SMTPHost},
		{"SMTP_USERNAME", &cfg.SMTPUsername},
		{"SMTP_PASSWORD", &cfg.SMTPPassword},
		{"SMTP_FROM", &cfg.SMTPFrom},
		{"ADMIN_EMAIL", &cfg.AdminEmail},
	}
	for _, r := range required {
		v := os.Getenv(r.key)
		if v == "" {
			missing = append(missing, r.key)
			continue
		}
		*r.dest = v
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.TautulliURL = strings.TrimRight(cfg.TautulliURL, "/")
	if !validateURL(cfg.TautulliURL) {
		return nil, fmt.Errorf("invalid TAUTULLI_URL: %s", cfg.TautulliURL)
	}
	if !ValidateEmail(cfg.SMTPFrom) {
		return nil, fmt.Errorf("invalid SMTP_FROM email: %s", cfg.SMTPFrom)
	}
	if !ValidateEmail(cfg.AdminEmail) {
		return nil, fmt.Errorf("invalid ADMIN_EMAIL: %s", cfg.AdminEmail)
	}

	// Optional fields with defaults
	cfg.SMTPPort = getEnvIntBounded("SMTP_PORT", 587, 1, 65535)
	cfg.WarnDays = getEnvIntBounded("WARN_DAYS", 27, 1, 90)
	cfg.KickDays = getEnvIntBounded("KICK_DAYS", 30, 1, 365)
	cfg.CheckNewUsersInterval = time.Duration(getEnvIntBounded("CHECK_NEW_USERS_SECS", 120, 60, 3600)) * time.Second
	cfg.CheckInactivityInterval = time.Duration(getEnvIntBounded("CHECK_INACTIVITY_SECS", 1800, 300, 86400)) * time.Second
	cfg.DryRun = getEnvBool("DRY_RUN", false)
	cfg.DiscordWebhook = getEnvString("DISCORD_WEBHOOK", "")
	cfg.HealthPort = getEnvIntBounded("HEALTH_CHECK_PORT", 8080, 1024, 65535)
	cfg.StateDir = getEnvString("STATE_DIR", "/app/state")
	cfg.LogLevel = strings.ToUpper(getEnvString("LOG_LEVEL", "INFO"))

	for _, name := range strings.Split(getEnvString("VIP_NAMES", ""), ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			cfg.VIPNames = append(cfg.VIPNames, strings.ToLower(name))
		}
	}

	if cfg.WarnDays >= cfg.KickDays {
		return nil, fmt.Errorf("configuration error: WARN_DAYS (%d) must be less than KICK_DAYS (%d)", cfg.WarnDays, cfg.KickDays)
	}

	return cfg, nil
}

// AdminEmailAddr は管理者メールのアドレス部のみを返す。
func (c *Config) AdminEmailAddr() string {
	return ExtractEmail(c.AdminEmail)
}

// SMTPFromAddr は送信元メールのアドレス部のみを返す。
func (c *Config) SMTPFromAddr() string {
	return ExtractEmail(c.SMTPFrom)
}

// VIPEmails はVIP保護対象のメールアドレスリスト（小文字）を返す。
// 管理者メールは常に含まれる。
func (c *Config) VIPEmails() []string {
	return []string{strings.ToLower(c.AdminEmailAddr())}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvIntBounded は整数値の環境変数を範囲チェック付きで読み込む。
// 未設定、パース不能、範囲外の場合はデフォルト値を返す。
func getEnvIntBounded(key string, defaultVal, minVal, maxVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	if i < minVal || i > maxVal {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1" || v == "yes"
}
