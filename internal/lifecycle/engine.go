// Package lifecycle はメンバーシップのライフサイクル遷移を判定・実行する。
// オンボーディング、非アクティブ警告、アクセス剥奪、離脱確認、再招待検出を含む。
// 台帳の更新は行うが永続化は行わない。保存の責務は呼び出し側にある。
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

const (
	// gracePeriod は新規メンバーが非アクティブ判定の対象外となる期間。
	// 視聴履歴が存在する場合は適用されない。
	gracePeriod = 24 * time.Hour
	// defaultProvenance は加入時期が一切特定できないメンバーに与える
	// 合成上の加入日時（現在から遡る期間）。
	defaultProvenance = 180 * 24 * time.Hour
)

// AccountDirectory はアカウントディレクトリへの操作のインターフェース。
type AccountDirectory interface {
	// RevokeAccess は指定ユーザーの共有アクセスを剥奪する。
	RevokeAccess(ctx context.Context, userID string) error
}

// UsageDirectory は利用状況ディレクトリへの操作のインターフェース。
type UsageDirectory interface {
	// DeleteViewerHistory は指定視聴者の視聴履歴を削除する。
	DeleteViewerHistory(ctx context.Context, localID string) error
}

// Notifier はライフサイクルイベントの通知のインターフェース。
type Notifier interface {
	NotifyJoin(ctx context.Context, identity *model.Identity)
	NotifyWarn(ctx context.Context, identity *model.Identity, inactiveDays, daysLeft int)
	NotifyRemoval(ctx context.Context, identity *model.Identity, inactiveDays int, ok bool, reason string)
}

// Recorder はライフサイクル遷移のカウンタを更新するインターフェース。
type Recorder interface {
	RecordUserWelcomed()
	RecordUserWarned()
	RecordUserRemoved()
}

// Engine はライフサイクル遷移の判定と実行を担当する。
type Engine struct {
	accounts AccountDirectory
	usage    UsageDirectory
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger

	warnDays int
	kickDays int
	dryRun   bool

	// vipEmails と vipNames は保護対象メンバーの小文字の検索セット。
	vipEmails map[string]struct{}
	vipNames  map[string]struct{}
}

// NewEngine はEngineの新しいインスタンスを生成する。
// vipEmailsとvipNamesは保護対象メンバーの識別子（大文字小文字は区別しない）。
func NewEngine(accounts AccountDirectory, usage UsageDirectory, notifier Notifier, recorder Recorder, logger *slog.Logger, warnDays, kickDays int, dryRun bool, vipEmails, vipNames []string) *Engine {
	e := &Engine{
		accounts:  accounts,
		usage:     usage,
		notifier:  notifier,
		recorder:  recorder,
		logger:    logger,
		warnDays:  warnDays,
		kickDays:  kickDays,
		dryRun:    dryRun,
		vipEmails: make(map[string]struct{}, len(vipEmails)),
		vipNames:  make(map[string]struct{}, len(vipNames)),
	}
	for _, email := range vipEmails {
		if email != "" {
			e.vipEmails[strings.ToLower(email)] = struct{}{}
		}
	}
	for _, name := range vipNames {
		if name != "" {
			e.vipNames[strings.ToLower(name)] = struct{}{}
		}
	}
	return e
}

// IsVIP は指定ユーザーが保護対象かどうかを判定する。
// メールアドレス、ユーザー名、表示名のいずれかが保護リストに
// 一致すれば保護対象となる。保護対象は警告も削除もされない。
func (e *Engine) IsVIP(identity *model.Identity) bool {
	if identity.Email != "" {
		if _, ok := e.vipEmails[strings.ToLower(identity.Email)]; ok {
			return true
		}
	}
	if identity.Username != "" {
		if _, ok := e.vipNames[strings.ToLower(identity.Username)]; ok {
			return true
		}
	}
	if identity.DisplayName != "" {
		if _, ok := e.vipNames[strings.ToLower(identity.DisplayName)]; ok {
			return true
		}
	}
	return false
}

// Onboard はアカウントディレクトリの全ユーザーを走査し、未追跡の
// ユーザーを台帳に登録する。台帳が変更された場合はtrueを返す。
//
// firstScanがtrueの場合、全ユーザーを既存メンバーとして通知なしで
// 登録する。加入日時はアカウント作成日時（取得できない場合は現在時刻）。
// 初回スキャン以降に検出されたユーザーは真の新規メンバーとして扱い、
// 検出時刻を加入日時として歓迎通知を送信する。保護対象メンバーは
// 通知なしで登録する。
//
// 1ユーザーの処理失敗が他のユーザーの処理を妨げることはない。
func (e *Engine) Onboard(ctx context.Context, ledger *model.Ledger, identities []model.Identity, firstScan bool, now time.Time) bool {
	changed := false
	newCount := 0

	for i := range identities {
		identity := &identities[i]
		if _, tracked := ledger.Welcomed[identity.ID]; tracked {
			continue
		}

		if firstScan {
			joinDate := now
			if !identity.CreatedAt.IsZero() {
				joinDate = identity.CreatedAt
			}
			e.logger.Info("既存メンバーを通知なしで登録します（初回スキャン）",
				slog.String("user", identity.Display()),
				slog.String("user_id", identity.ID),
				slog.Time("join_date", joinDate),
			)
			ledger.Welcomed[identity.ID] = joinDate
			changed = true
			newCount++
			continue
		}

		ledger.Welcomed[identity.ID] = now
		changed = true
		newCount++

		if e.IsVIP(identity) {
			e.logger.Info("保護対象の新規メンバーを通知なしで登録します",
				slog.String("user", identity.Display()),
				slog.String("user_id", identity.ID),
			)
			continue
		}

		e.logger.Info("新規メンバーを検出しました",
			slog.String("user", identity.Display()),
			slog.String("user_id", identity.ID),
			slog.String("email", identity.Email),
		)
		e.notifier.NotifyJoin(ctx, identity)
		e.recorder.RecordUserWelcomed()
	}

	if newCount == 0 {
		e.logger.Debug("新規メンバーはいません")
	}
	return changed
}

// DepartureCandidates は台帳で追跡中だがアカウントディレクトリに
// 存在しないユーザーのIDを返す。候補は確認なしに削除してはならない。
func (e *Engine) DepartureCandidates(ledger *model.Ledger, identities []model.Identity) []string {
	present := make(map[string]struct{}, len(identities))
	for i := range identities {
		present[identities[i].ID] = struct{}{}
	}

	var candidates []string
	for id := range ledger.TrackedIDs() {
		if _, ok := present[id]; !ok {
			candidates = append(candidates, id)
		}
	}
	return candidates
}

// ConfirmDepartures は2回目の取得でも不在が確認されたユーザーを
// 台帳の全ステージから削除する。台帳が変更された場合はtrueを返す。
func (e *Engine) ConfirmDepartures(ledger *model.Ledger, confirmed []string) bool {
	changed := false
	for _, id := range confirmed {
		stages := ledger.Delete(id)
		if len(stages) == 0 {
			continue
		}
		names := make([]string, len(stages))
		for i, s := range stages {
			names[i] = string(s)
		}
		e.logger.Info("離脱したメンバーを台帳から削除しました",
			slog.String("user_id", id),
			slog.String("stages", strings.Join(names, ",")),
		)
		changed = true
	}
	return changed
}

// UnmarkRegranted は削除済みとして記録されているがアカウント
// ディレクトリに存在するユーザーを検出し、再追跡する。削除記録を
// 破棄し、現在時刻を加入日時として歓迎済みステージに戻す。
// 再追跡されたユーザーのIDを返す。
//
// 剥奪の失敗と管理者による再招待のどちらもこの経路で補正される。
func (e *Engine) UnmarkRegranted(ledger *model.Ledger, identities []model.Identity, now time.Time) []string {
	var unmarked []string
	for i := range identities {
		identity := &identities[i]
		removal, ok := ledger.Removed[identity.ID]
		if !ok {
			continue
		}

		e.logger.Warn("削除済みのメンバーがアカウントディレクトリに存在します。再追跡します",
			slog.String("user", identity.Display()),
			slog.String("user_id", identity.ID),
			slog.Time("removed_at", removal.When),
			slog.Bool("removal_ok", removal.OK),
		)
		delete(ledger.Removed, identity.ID)
		delete(ledger.Warned, identity.ID)
		ledger.Welcomed[identity.ID] = now
		unmarked = append(unmarked, identity.ID)
	}
	return unmarked
}

// EvaluateViewer は1メンバーの非アクティブ状態を評価し、必要な
// ライフサイクル遷移を実行する。台帳が変更された場合はtrueを返す。
//
// lastWatchは利用状況ディレクトリが返した最終視聴日時。非nilの場合は
// 猶予期間や加入日時の推定をすべて飛ばして直接使用する。nilの場合は
// 加入日時から基準時刻を推定する。
func (e *Engine) EvaluateViewer(ctx context.Context, ledger *model.Ledger, identity *model.Identity, localID string, lastWatch *time.Time, now time.Time) bool {
	if e.IsVIP(identity) {
		e.logger.Debug("保護対象メンバーをスキップします",
			slog.String("user", identity.Display()),
		)
		return false
	}

	changed := false
	var baseline time.Time

	if lastWatch != nil {
		// 視聴履歴は加入日時の推定より常に優先される。
		baseline = *lastWatch
		e.logger.Debug("最終視聴日時を基準にします",
			slog.String("user", identity.Display()),
			slog.Time("last_watch", baseline),
		)
	} else {
		var skip bool
		baseline, changed, skip = e.inferBaseline(ledger, identity, now)
		if skip {
			return changed
		}
	}

	days := int(now.Sub(baseline).Hours() / 24)
	e.logger.Debug("非アクティブ日数を算出しました",
		slog.String("user", identity.Display()),
		slog.Time("baseline", baseline),
		slog.Int("days", days),
	)

	if days >= e.warnDays && days < e.kickDays {
		if _, warned := ledger.Warned[identity.ID]; !warned {
			daysLeft := e.kickDays - days
			e.logger.Info("非アクティブ警告を送信します",
				slog.String("user", identity.Display()),
				slog.Int("inactive_days", days),
				slog.Int("days_left", daysLeft),
			)
			e.notifier.NotifyWarn(ctx, identity, days, daysLeft)
			ledger.Warned[identity.ID] = now
			e.recorder.RecordUserWarned()
			changed = true
		}
	}

	if days >= e.kickDays {
		if _, removed := ledger.Removed[identity.ID]; !removed {
			e.remove(ctx, ledger, identity, localID, days, now)
			changed = true
		}
	}

	return changed
}

// inferBaseline は視聴履歴のないメンバーの非アクティブ基準時刻を推定する。
// skipがtrueの場合は猶予期間中であり、評価を打ち切る。
//
// 推定の優先順位:
//  1. 台帳の加入日時 + 猶予期間。ただし加入から24時間未満の場合、
//     アカウント作成日時の方が古ければ加入日時を補正した上で再判定し、
//     それでも24時間未満なら猶予期間中としてスキップする。
//  2. 台帳に未登録の場合はアカウント作成日時 + 猶予期間。以後の
//     追跡のため台帳にも登録する。
//  3. どちらも不明な場合は合成上の加入日時（180日前）+ 猶予期間。
//     新規メンバー扱いで猶予期間を与え直さないための措置。
func (e *Engine) inferBaseline(ledger *model.Ledger, identity *model.Identity, now time.Time) (baseline time.Time, changed, skip bool) {
	if joinDate, tracked := ledger.Welcomed[identity.ID]; tracked {
		if now.Sub(joinDate) < gracePeriod {
			if !identity.CreatedAt.IsZero() && identity.CreatedAt.Before(joinDate) {
				e.logger.Info("加入日時をアカウント作成日時に補正します",
					slog.String("user", identity.Display()),
					slog.Time("recorded", joinDate),
					slog.Time("created_at", identity.CreatedAt),
				)
				ledger.Welcomed[identity.ID] = identity.CreatedAt
				joinDate = identity.CreatedAt
				changed = true
			}
			if now.Sub(joinDate) < gracePeriod {
				e.logger.Info("新規メンバーのため猶予期間中です",
					slog.String("user", identity.Display()),
					slog.Duration("since_join", now.Sub(joinDate)),
				)
				return time.Time{}, changed, true
			}
		}
		return joinDate.Add(gracePeriod), changed, false
	}

	if !identity.CreatedAt.IsZero() {
		e.logger.Info("未追跡のメンバーをアカウント作成日時で登録します",
			slog.String("user", identity.Display()),
			slog.Time("created_at", identity.CreatedAt),
		)
		ledger.Welcomed[identity.ID] = identity.CreatedAt
		return identity.CreatedAt.Add(gracePeriod), true, false
	}

	defaultJoin := now.Add(-defaultProvenance)
	e.logger.Info("加入時期が不明のため合成上の加入日時を使用します",
		slog.String("user", identity.Display()),
		slog.Time("join_date", defaultJoin),
	)
	ledger.Welcomed[identity.ID] = defaultJoin
	return defaultJoin.Add(gracePeriod), true, false
}

// remove はアクセス剥奪を実行し、結果を台帳に記録する。
// アカウントディレクトリからの剥奪に成功した場合のみ視聴履歴の削除を
// 試みる。剥奪の結果にかかわらず削除記録は必ず書き込まれ、同一メンバー
// への剥奪が繰り返されることを防ぐ。
func (e *Engine) remove(ctx context.Context, ledger *model.Ledger, identity *model.Identity, localID string, days int, now time.Time) {
	reason := fmt.Sprintf("Inactivity for %d days (threshold %d)", days, e.kickDays)

	var ok, historyDeleted bool
	if e.dryRun {
		e.logger.Info("ドライランモードのためアクセス剥奪をシミュレートします",
			slog.String("user", identity.Display()),
			slog.String("reason", reason),
		)
		ok = true
		historyDeleted = true
	} else {
		if err := e.accounts.RevokeAccess(ctx, identity.ID); err != nil {
			e.logger.Error("アクセス剥奪に失敗しました",
				slog.String("user", identity.Display()),
				slog.String("user_id", identity.ID),
				slog.String("error", err.Error()),
			)
		} else {
			ok = true
			if localID == "" {
				e.logger.Warn("利用状況ディレクトリのIDが不明のため視聴履歴を削除できません",
					slog.String("user", identity.Display()),
				)
			} else if err := e.usage.DeleteViewerHistory(ctx, localID); err != nil {
				e.logger.Warn("アクセスは剥奪されましたが視聴履歴の削除に失敗しました",
					slog.String("user", identity.Display()),
					slog.String("error", err.Error()),
				)
			} else {
				historyDeleted = true
			}
		}
	}

	e.notifier.NotifyRemoval(ctx, identity, days, ok, reason)

	ledger.Removed[identity.ID] = model.Removal{
		When:                now,
		OK:                  ok,
		Reason:              reason,
		UsageHistoryDeleted: historyDeleted,
	}
	if ok {
		e.recorder.RecordUserRemoved()
	}
}
