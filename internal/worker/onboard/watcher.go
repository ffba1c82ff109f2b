// Package onboard は新規メンバー検出と離脱確認のポーリングループを提供する。
package onboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/lifecycle"
	"github.com/InfamousMorningstar/guardian/internal/model"
	"github.com/InfamousMorningstar/guardian/internal/state"
	"github.com/InfamousMorningstar/guardian/internal/worker"
)

// loopName は生存監視とメトリクスで使用するループ名。
const loopName = "onboard"

// departureVerifyDelay は離脱候補の再確認前に待機する時間。
// 1回目と2回目の取得の間を空けることで一時的なAPI不整合を吸収する。
const departureVerifyDelay = 2 * time.Second

// AccountLister はアカウントディレクトリの一覧取得のインターフェース。
type AccountLister interface {
	ListIdentities(ctx context.Context) ([]model.Identity, error)
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

// Watcher は新規メンバー検出ループ。
// 短い間隔でアカウントディレクトリをポーリングし、オンボーディングと
// 離脱確認を行う。
type Watcher struct {
	store     *state.Store
	accounts  AccountLister
	engine    *lifecycle.Engine
	mailer    Mailer
	beater    Beater
	durations worker.DurationRecorder
	logger    *slog.Logger
	interval  time.Duration

	tick int
}

// NewWatcher はWatcherの新しいインスタンスを生成する。
func NewWatcher(store *state.Store, accounts AccountLister, engine *lifecycle.Engine, mailer Mailer, beater Beater, durations worker.DurationRecorder, logger *slog.Logger, interval time.Duration) *Watcher {
	return &Watcher{
		store:     store,
		accounts:  accounts,
		engine:    engine,
		mailer:    mailer,
		beater:    beater,
		durations: durations,
		logger:    logger,
		interval:  interval,
	}
}

// Start はティッカーでポーリングループを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("新規メンバー検出ループを開始しました",
		slog.Duration("interval", w.interval),
	)

	// 起動直後に1回実行
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("新規メンバースキャンに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("新規メンバー検出ループを停止しました")
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("新規メンバースキャンに失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は新規メンバースキャンを1回実行する。
// 台帳を再読み込みし、離脱確認とオンボーディングを行ったのち保存する。
// アカウントディレクトリの取得に失敗したtickは読み飛ばされる。
func (w *Watcher) RunOnce(ctx context.Context) error {
	start := time.Now()
	w.tick++
	now := time.Now().UTC()

	// 他のループによる更新を取り込むため毎tick再読み込みする
	ledger := w.store.Load()
	firstScan := w.tick == 1 || len(ledger.Welcomed) == 0

	w.logger.Debug("新規メンバースキャンを開始します",
		slog.Int("tick", w.tick),
		slog.Bool("first_scan", firstScan),
	)

	identities, err := worker.FetchWithRetry(ctx, w.logger, "accounts.list", w.accounts.ListIdentities)
	if err != nil {
		w.beater.RecordAPIError()
		return err
	}

	// 初回スキャンは既存メンバーの一括登録に専念し、離脱確認は行わない。
	// 空の台帳に対する離脱判定は意味を持たないため。
	if !firstScan {
		identities = w.verifyDepartures(ctx, ledger, identities)
	}

	if w.engine.Onboard(ctx, ledger, identities, firstScan, now) {
		w.logger.Debug("オンボーディングにより台帳が更新されました")
	}

	w.reportMismatch(ledger, identities)

	w.store.Save(ledger)
	w.mailer.DrainQueue(ctx)
	w.beater.Beat(loopName)
	if w.durations != nil {
		w.durations.RecordScanDuration(loopName, time.Since(start))
	}
	return nil
}

// verifyDepartures は離脱候補を2回目の取得で確認し、確定した離脱者を
// 台帳から削除する。確認に成功した場合は2回目の一覧を返し、以降の
// 処理はより新しいスナップショットに基づく。再取得に失敗した場合は
// 離脱確認を見送り、1回目の一覧をそのまま返す。
func (w *Watcher) verifyDepartures(ctx context.Context, ledger *model.Ledger, identities []model.Identity) []model.Identity {
	candidates := w.engine.DepartureCandidates(ledger, identities)
	if len(candidates) == 0 {
		return identities
	}

	w.logger.Info("離脱候補を検出しました。再確認します",
		slog.Int("count", len(candidates)),
	)

	select {
	case <-ctx.Done():
		return identities
	case <-time.After(departureVerifyDelay):
	}

	second, err := worker.FetchWithRetry(ctx, w.logger, "accounts.list", w.accounts.ListIdentities)
	if err != nil {
		w.beater.RecordAPIError()
		w.logger.Warn("再確認の取得に失敗したため離脱確認を見送ります",
			slog.String("error", err.Error()),
		)
		return identities
	}

	// 両方の取得で不在だった候補のみを確定とする。2回目だけ不在の
	// ユーザーは次tickで改めて候補になる。
	present := make(map[string]struct{}, len(second))
	for i := range second {
		present[second[i].ID] = struct{}{}
	}
	var confirmed []string
	for _, id := range candidates {
		if _, ok := present[id]; !ok {
			confirmed = append(confirmed, id)
		}
	}
	if len(confirmed) == 0 {
		w.logger.Info("離脱候補は再確認で全員存在が確認されました（誤検出）")
		return second
	}

	if w.engine.ConfirmDepartures(ledger, confirmed) {
		// クラッシュによる確認結果の喪失を防ぐため即時保存する
		w.store.Save(ledger)
	}
	return second
}

// reportMismatch はアカウントディレクトリの人数と台帳の追跡人数の
// 不一致を警告する。不一致は通常、次tick以降のスキャンで解消される。
func (w *Watcher) reportMismatch(ledger *model.Ledger, identities []model.Identity) {
	if len(identities) == len(ledger.Welcomed) {
		return
	}

	tracked := make(map[string]struct{}, len(ledger.Welcomed))
	for id := range ledger.Welcomed {
		tracked[id] = struct{}{}
	}
	var missing []string
	for i := range identities {
		if _, ok := tracked[identities[i].ID]; !ok {
			missing = append(missing, identities[i].Display())
		}
	}

	w.logger.Warn("アカウントディレクトリと台帳の人数が一致しません",
		slog.Int("directory_count", len(identities)),
		slog.Int("tracked_count", len(ledger.Welcomed)),
		slog.Any("untracked", missing),
	)
}
