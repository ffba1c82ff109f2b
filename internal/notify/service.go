package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"github.com/InfamousMorningstar/guardian/internal/config"
	"github.com/InfamousMorningstar/guardian/internal/model"
)

const (
	// mailMinInterval はメール送信間の最小間隔。
	mailMinInterval = 2 * time.Second
	// mailPerMinute は1分あたりのメール送信数の上限。
	mailPerMinute = 10
)

// EmailRecorder はメール送信結果のカウンタを更新するインターフェース。
type EmailRecorder interface {
	RecordEmailSent()
	RecordEmailFailed()
}

// Service はライフサイクルイベントの通知を担当する。
// メール送信はレート制限され、失敗したメールはリトライキューに積まれる。
type Service struct {
	sender   Sender
	webhook  *WebhookSender // 未設定の場合はnil
	logger   *slog.Logger
	recorder EmailRecorder
	queue    *RetryQueue

	// spacing は送信間隔の下限、perMinute は分間送信数の上限を強制する。
	spacing   *rate.Limiter
	perMinute *rate.Limiter

	policy *bluemonday.Policy

	adminEmail string
	kickDays   int
	dryRun     bool
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(sender Sender, webhook *WebhookSender, logger *slog.Logger, recorder EmailRecorder, adminEmail string, kickDays int, dryRun bool) *Service {
	return &Service{
		sender:     sender,
		webhook:    webhook,
		logger:     logger,
		recorder:   recorder,
		queue:      NewRetryQueue(logger),
		spacing:    rate.NewLimiter(rate.Every(mailMinInterval), 1),
		perMinute:  rate.NewLimiter(rate.Limit(float64(mailPerMinute)/60.0), mailPerMinute),
		policy:     bluemonday.StrictPolicy(),
		adminEmail: adminEmail,
		kickDays:   kickDays,
		dryRun:     dryRun,
	}
}

// sendEmail はレート制限に従ってメールを1通送信する。
// 失敗した場合はリトライキューに積み、falseを返す。
func (s *Service) sendEmail(ctx context.Context, to, subject, body string) bool {
	if !config.ValidateEmail(to) {
		s.logger.Warn("宛先メールアドレスが不正なため送信をスキップします",
			slog.String("to", to),
		)
		return false
	}

	if err := s.waitLimiters(ctx); err != nil {
		return false
	}

	if err := s.sender.Send(ctx, to, subject, body); err != nil {
		s.logger.Error("メール送信に失敗しました",
			slog.String("to", to),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		s.recorder.RecordEmailFailed()
		s.queue.Enqueue(to, subject, body)
		return false
	}

	s.recorder.RecordEmailSent()
	return true
}

// waitLimiters は両方のレートリミッタの許可を待つ。
func (s *Service) waitLimiters(ctx context.Context) error {
	if err := s.perMinute.Wait(ctx); err != nil {
		return err
	}
	return s.spacing.Wait(ctx)
}

// DrainQueue はリトライキューの全メッセージの再送を試みる。
// 再送に失敗したメッセージは試行回数を増やして積み直される。
// 各スキャンtickの末尾で呼び出される。
func (s *Service) DrainQueue(ctx context.Context) {
	items := s.queue.takeAll()
	if len(items) == 0 {
		return
	}

	s.logger.Info("リトライキューの再送を開始します",
		slog.Int("count", len(items)),
	)

	for _, msg := range items {
		if ctx.Err() != nil {
			s.queue.requeue(msg)
			continue
		}
		if err := s.waitLimiters(ctx); err != nil {
			s.queue.requeue(msg)
			continue
		}
		if err := s.sender.Send(ctx, msg.To, msg.Subject, msg.Body); err != nil {
			s.recorder.RecordEmailFailed()
			s.queue.requeue(msg)
			continue
		}
		s.recorder.RecordEmailSent()
		s.logger.Info("キューからのメール再送に成功しました",
			slog.String("message_id", msg.ID),
			slog.String("to", msg.To),
		)
	}
}

// QueueLen は現在のリトライキュー長を返す。
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

// sendWebhook はWebhook通知を送信する。未設定または失敗はログのみ。
func (s *Service) sendWebhook(ctx context.Context, content string) {
	if s.webhook == nil {
		return
	}
	if err := s.webhook.Send(ctx, content); err != nil {
		s.logger.Warn("Webhook通知の送信に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// NotifyJoin は新規メンバーへの歓迎メール、管理者通知、Webhook通知を送信する。
func (s *Service) NotifyJoin(ctx context.Context, identity *model.Identity) {
	name := s.policy.Sanitize(identity.Display())
	data := templateData{
		DisplayName: name,
		Email:       identity.Email,
		UserID:      identity.ID,
		KickDays:    s.kickDays,
	}

	if identity.Email != "" {
		if body, err := renderTemplate(welcomeTemplate, data); err == nil {
			s.sendEmail(ctx, identity.Email, "Welcome to Centauri", body)
		}
	} else {
		s.logger.Warn("メールアドレスが未設定のため歓迎メールをスキップします",
			slog.String("user_id", identity.ID),
			slog.String("user", identity.Display()),
		)
	}

	if body, err := renderTemplate(adminJoinTemplate, data); err == nil {
		s.sendEmail(ctx, s.adminEmail, "Centauri: New member onboarded", body)
	}

	s.sendWebhook(ctx, fmt.Sprintf("✅ **%s** joined the server. Welcome email sent.", name))
}

// NotifyWarn は非アクティブ警告メール、管理者通知、Webhook通知を送信する。
// メールアドレスが未設定のユーザーには管理者通知とWebhook通知のみ行う。
func (s *Service) NotifyWarn(ctx context.Context, identity *model.Identity, inactiveDays, daysLeft int) {
	name := s.policy.Sanitize(identity.Display())
	data := templateData{
		DisplayName:  name,
		Email:        identity.Email,
		UserID:       identity.ID,
		InactiveDays: inactiveDays,
		DaysLeft:     daysLeft,
		KickDays:     s.kickDays,
	}

	if identity.Email != "" {
		if body, err := renderTemplate(warnTemplate, data); err == nil {
			s.sendEmail(ctx, identity.Email, "Centauri: Inactivity notice", body)
		}
	} else {
		s.logger.Warn("メールアドレスが未設定のため警告メールをスキップします",
			slog.String("user_id", identity.ID),
			slog.String("user", identity.Display()),
		)
	}

	if body, err := renderTemplate(adminWarnTemplate, data); err == nil {
		s.sendEmail(ctx, s.adminEmail, "Centauri: Inactivity warning sent to "+name, body)
	}

	s.sendWebhook(ctx, fmt.Sprintf("⚠️ **%s** inactive for %d days, %d day(s) left before removal.", name, inactiveDays, daysLeft))
}

// NotifyRemoval はアクセス剥奪の結果をユーザー、管理者、Webhookに通知する。
// ドライランモードではメールを送信せず、Webhook通知にその旨を明示する。
func (s *Service) NotifyRemoval(ctx context.Context, identity *model.Identity, inactiveDays int, ok bool, reason string) {
	name := s.policy.Sanitize(identity.Display())
	status := "SUCCESS"
	if !ok {
		status = "FAILED"
	}
	data := templateData{
		DisplayName:  name,
		Email:        identity.Email,
		UserID:       identity.ID,
		InactiveDays: inactiveDays,
		Reason:       reason,
		Status:       status,
	}

	if s.dryRun {
		s.logger.Info("ドライランモードのため削除通知メールをスキップします",
			slog.String("user", identity.Display()),
		)
		s.sendWebhook(ctx, fmt.Sprintf("🧪 [DRY RUN] Would remove **%s** after %d days of inactivity.", name, inactiveDays))
		return
	}

	if ok && identity.Email != "" {
		if body, err := renderTemplate(removalTemplate, data); err == nil {
			s.sendEmail(ctx, identity.Email, "Centauri: Access revoked", body)
		}
	}

	if body, err := renderTemplate(adminRemovalTemplate, data); err == nil {
		s.sendEmail(ctx, s.adminEmail, fmt.Sprintf("Centauri: Member removal %s - %s", status, name), body)
	}

	if ok {
		s.sendWebhook(ctx, fmt.Sprintf("🚫 **%s** removed after %d days of inactivity.", name, inactiveDays))
	} else {
		s.sendWebhook(ctx, fmt.Sprintf("❌ Removal of **%s** FAILED: %s", name, reason))
	}
}

// SendTestWebhook はWebhook設定の疎通確認メッセージを送信する。
func (s *Service) SendTestWebhook(ctx context.Context) error {
	if s.webhook == nil {
		return fmt.Errorf("webhook URL is not configured")
	}
	return s.webhook.Send(ctx, "🛰️ Centauri Guardian webhook test: connection OK.")
}
