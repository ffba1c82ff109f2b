// Package inactivity は非アクティブ判定のポーリングループを提供する。
package inactivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/lifecycle"
	"github.com/InfamousMorningstar/guardian/internal/match"
	"github.com/InfamousMorningstar/guardian/internal/model"
	"github.com/InfamousMorningstar/guardian/internal/state"
	"github.com/InfamousMorningstar/guardian/internal/worker"
)

// loopName は生存監視とメトリクスで使用するループ名。
const loopName = "inactivity"

// AccountDirectory はアカウントディレクトリの参照インターフェース。
type AccountDirectory interface {
	ListIdentities(ctx context.Context) ([]model.Identity, error)
	Owner(ctx context.Context) (*model.Identity, error)
}

// UsageDirectory は利用状況ディレクトリの参照インターフェース。
type UsageDirectory interface {
	ListViewers(ctx context.Context) ([]model.Viewer, error)
	LastActivity(ctx context.Context, localID string) (*time.Time, error)
}

// Beater はループの生存を報告するインターフェース。
type Beater interface {
	Beat(name string)
	RecordAPIError()
}

// Mailer はリトライキューの再送を行うインターフェース。
type Mailer interface {
	DrainQueue(ctx context.Context)
}

// Watcher は非アクティブ判定ループ。
// 長い間隔で両ディレクトリをポーリングし、視聴者ごとに警告と
// アクセス剥奪の要否を評価する。
type Watcher struct {
	store     *state.Store
	accounts  AccountDirectory
	usage     UsageDirectory
	engine    *lifecycle.Engine
	mailer    Mailer
	beater    Beater
	durations worker.DurationRecorder
	logger    *slog.Logger
	interval  time.Duration

	// owner はオーナー除外判定に使うオーナー情報。Startで1回だけ取得する。
	owner *model.Identity
	tick  int
}

// NewWatcher はWatcherの新しいインスタンスを生成する。
func NewWatcher(store *state.Store, accounts AccountDirectory, usage UsageDirectory, engine *lifecycle.Engine, mailer Mailer, beater Beater, durations worker.DurationRecorder, logger *slog.Logger, interval time.Duration) *Watcher {
	return &Watcher{
		store:     store,
		accounts:  accounts,
		usage:     usage,
		engine:    engine,
		mailer:    mailer,
		beater:    beater,
		durations: durations,
		logger:    logger,
		interval:  interval,
	}
}

// Start はティッカーでポーリングループを起動する。
// オーナー情報を最初に取得し、コンテキストがキャンセルされるまで
// 実行を継続する。オーナー取得の失敗はループを妨げない。
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	owner, err := worker.FetchWithRetry(ctx, w.logger, "accounts.owner", w.accounts.Owner)
	if err != nil {
		w.logger.Warn("オーナー情報の取得に失敗しました。オーナー除外判定なしで継続します",
			slog.String("error", err.Error()),
		)
	} else {
		w.owner = owner
	}

	w.logger.Info("非アクティブ判定ループを開始しました",
		slog.Duration("interval", w.interval),
	)

	// 起動直後に1回実行
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("非アクティブスキャンに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("非アクティブ判定ループを停止しました")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("非アクティブスキャンに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は非アクティブスキャンを1回実行する。
// 台帳を再読み込みし、再招待の補正、視聴者ごとの評価を行ったのち
// スキャン時刻を記録して保存する。どちらかのディレクトリの取得に
// 失敗したtickは読み飛ばされる。
func (w *Watcher) RunOnce(ctx context.Context) error {
	start := time.Now()
	w.tick++
	now := time.Now().UTC()

	// 他のループによる更新を取り込むため毎tick再読み込みする
	ledger := w.store.Load()

	w.logger.Info("非アクティブスキャンを開始します",
		slog.Int("tick", w.tick),
	)

	identities, err := worker.FetchWithRetry(ctx, w.logger, "accounts.list", w.accounts.ListIdentities)
	if err != nil {
		w.beater.RecordAPIError()
		return err
	}

	viewers, err := worker.FetchWithRetry(ctx, w.logger, "usage.list", w.usage.ListViewers)
	if err != nil {
		w.beater.RecordAPIError()
		return err
	}

	if unmarked := w.engine.UnmarkRegranted(ledger, identities, now); len(unmarked) > 0 {
		// クラッシュによる補正結果の喪失を防ぐため即時保存する
		w.store.Save(ledger)
	}

	roster := match.NewRoster(identities, w.owner)
	changed := false

	for i := range viewers {
		viewer := &viewers[i]
		result := roster.Match(viewer)

		switch result.Verdict {
		case match.VerdictExcludedLocal:
			w.logger.Debug("ローカル再生の疑似ユーザーをスキップします",
				slog.String("viewer_id", viewer.LocalID),
			)
			continue
		case match.VerdictExcludedOwner:
			w.logger.Debug("オーナーアカウントをスキップします",
				slog.String("viewer", viewer.Username),
			)
			continue
		case match.VerdictUnmatched:
			w.logger.Warn("視聴者に対応するアカウントが見つかりません",
				slog.String("viewer", viewer.Username),
				slog.String("viewer_id", viewer.LocalID),
			)
			continue
		}

		lastWatch, err := w.usage.LastActivity(ctx, viewer.LocalID)
		if err != nil {
			// 単一視聴者の取得失敗はスキャンを中断しない
			w.beater.RecordAPIError()
			w.logger.Warn("最終視聴日時の取得に失敗しました",
				slog.String("viewer", viewer.Username),
				slog.String("error", err.Error()),
			)
			continue
		}

		if w.engine.EvaluateViewer(ctx, ledger, result.Identity, viewer.LocalID, lastWatch, now) {
			changed = true
		}
	}

	ledger.LastInactivityScan = &now
	w.store.Save(ledger)

	if changed {
		w.logger.Debug("非アクティブスキャンにより台帳が更新されました")
	}

	w.mailer.DrainQueue(ctx)
	w.beater.Beat(loopName)
	if w.durations != nil {
		w.durations.RecordScanDuration(loopName, time.Since(start))
	}
	return nil
}
