// Package notify は通知シンク（メール・Webhook）を提供する。
// SMTP送信のレート制限、上限付きリトライキュー、イベント通知を含む。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"
)

const (
	// smtpAttempts はSMTP接続エラー時の最大試行回数。
	smtpAttempts = 3
	// smtpRetryStep は試行間の待機時間の増分（5秒、10秒、15秒）。
	smtpRetryStep = 5 * time.Second
	// smtpTimeout は1回の送信全体のタイムアウト。
	smtpTimeout = 30 * time.Second
)

// Sender はメール送信のインターフェース。
// テスト時にモックに差し替え可能。
type Sender interface {
	// Send は1通のHTMLメールを送信する。
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string // "Name <email>" 形式も許容
	FromAddr string // エンベロープ送信元に使うアドレス部
}

// smtpSender はnet/smtpによるSenderの実装。
// サーバーがSTARTTLSを広告していれば自動的に暗号化される。
type smtpSender struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender はSMTPによるSenderを生成する。
func NewSMTPSender(config SMTPConfig, logger *slog.Logger) Sender {
	return &smtpSender{config: config, logger: logger}
}

// Send はHTMLメールを送信する。
// 接続エラーは増加する待機時間（5秒、10秒、15秒）で最大3回まで試行する。
func (s *smtpSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := buildMessage(s.config.From, to, subject, htmlBody)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)

	var lastErr error
	for attempt := 1; attempt <= smtpAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.sendMail(addr, auth, to, msg)
		if err == nil {
			s.logger.Debug("メールを送信しました",
				slog.String("to", to),
				slog.String("subject", subject),
			)
			return nil
		}
		lastErr = err

		if attempt < smtpAttempts {
			wait := time.Duration(attempt) * smtpRetryStep
			s.logger.Warn("SMTP接続エラー、リトライします",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", smtpAttempts),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("failed to send email to %s after %d attempts: %w", to, smtpAttempts, lastErr)
}

// sendMail は1回の送信試行を行う。送信全体にタイムアウトを適用する。
func (s *smtpSender) sendMail(addr string, auth smtp.Auth, to string, msg []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, s.config.FromAddr, []string{to}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(smtpTimeout):
		return fmt.Errorf("smtp send to %s timed out after %s", to, smtpTimeout)
	}
}

// buildMessage はRFC 5322形式のHTMLメールを組み立てる。
func buildMessage(from, to, subject, htmlBody string) []byte {
	headers := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n",
		from, to, subject,
	)
	return []byte(headers + htmlBody)
}
