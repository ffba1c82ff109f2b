// Package app はアプリケーションの起動、依存関係のワイヤリング、
// サブコマンドの振り分けを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/InfamousMorningstar/guardian/internal/config"
	"github.com/InfamousMorningstar/guardian/internal/handler"
	"github.com/InfamousMorningstar/guardian/internal/lifecycle"
	"github.com/InfamousMorningstar/guardian/internal/logger"
	"github.com/InfamousMorningstar/guardian/internal/metrics"
	"github.com/InfamousMorningstar/guardian/internal/notify"
	"github.com/InfamousMorningstar/guardian/internal/plex"
	"github.com/InfamousMorningstar/guardian/internal/state"
	"github.com/InfamousMorningstar/guardian/internal/status"
	"github.com/InfamousMorningstar/guardian/internal/tautulli"
	"github.com/InfamousMorningstar/guardian/internal/worker/inactivity"
	"github.com/InfamousMorningstar/guardian/internal/worker/onboard"
)

const (
	// loopOnboard と loopInactivity は生存監視で使用するループ名。
	loopOnboard    = "onboard"
	loopInactivity = "inactivity"

	// httpClientTimeout はディレクトリAPIクライアントのタイムアウト。
	httpClientTimeout = 30 * time.Second
	// shutdownTimeout はHTTPサーバーのグレースフルシャットダウンの猶予。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	if cmd == CommandHelp {
		printUsage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("HEALTH_CHECK_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Int("warn_days", cfg.WarnDays),
		slog.Int("kick_days", cfg.KickDays),
	)

	if cmd == CommandDaemon {
		return runDaemon(cfg)
	}
	return runAdmin(w, cfg, cmd, rest)
}

// runDaemon はデーモンモードで起動する。
// 全依存関係をワイヤリングし、2つのポーリングループとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
// ループゴルーチンの予期しない終了は致命的エラーとして扱い、プロセスを停止する。
func runDaemon(cfg *config.Config) error {
	// 1. メトリクスと生存監視
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	tracker := status.NewTracker(collector)

	// 2. 台帳ストア
	store, err := state.NewStore(cfg.StateDir, slog.Default(), tracker)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	// 3. ディレクトリクライアント
	httpClient := &http.Client{Timeout: httpClientTimeout}
	accounts := plex.NewClient(httpClient, slog.Default(), cfg.PlexToken)
	usage := tautulli.NewClient(httpClient, slog.Default(), cfg.TautulliURL, cfg.TautulliAPIKey)

	// 4. 通知サービス
	sender := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromAddr: cfg.SMTPFromAddr(),
	}, slog.Default())
	webhook := notify.NewWebhookSender(cfg.DiscordWebhook, slog.Default())
	notifier := notify.NewService(sender, webhook, slog.Default(), tracker,
		cfg.AdminEmailAddr(), cfg.KickDays, cfg.DryRun)

	// 5. ライフサイクルエンジン
	engine := lifecycle.NewEngine(accounts, usage, notifier, tracker, slog.Default(),
		cfg.WarnDays, cfg.KickDays, cfg.DryRun, cfg.VIPEmails(), cfg.VIPNames)

	// 6. ポーリングループ
	tracker.RegisterLoop(loopOnboard)
	tracker.RegisterLoop(loopInactivity)
	onboardWatcher := onboard.NewWatcher(store, accounts, engine, notifier, tracker,
		collector, slog.Default(), cfg.CheckNewUsersInterval)
	inactivityWatcher := inactivity.NewWatcher(store, accounts, usage, engine, notifier,
		tracker, collector, slog.Default(), cfg.CheckInactivityInterval)

	// 7. HTTPサーバー
	h := handler.NewHandler(tracker, slog.Default(), cfg.DryRun)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HealthPort),
		Handler:      handler.NewRouter(h, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("health server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server listen error", slog.String("error", err.Error()))
		}
	}()

	// ループゴルーチンの終了を監視するためdoneチャネルを持たせる
	onboardDone := make(chan struct{})
	go func() {
		defer close(onboardDone)
		onboardWatcher.Start(ctx)
	}()

	inactivityDone := make(chan struct{})
	go func() {
		defer close(inactivityDone)
		inactivityWatcher.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-stop:
		slog.Info("shutdown signal received",
			slog.String("signal", sig.String()),
		)
	case <-onboardDone:
		// キャンセルなしのループ終了は致命的。片方のループだけで動き続けると
		// 非アクティブ判定や新規検出が静かに止まったままになる。
		tracker.MarkDead(loopOnboard)
		slog.Error("onboard loop exited unexpectedly, shutting down")
		runErr = fmt.Errorf("onboard loop exited unexpectedly")
	case <-inactivityDone:
		tracker.MarkDead(loopInactivity)
		slog.Error("inactivity loop exited unexpectedly, shutting down")
		runErr = fmt.Errorf("inactivity loop exited unexpectedly")
	}

	cancel()
	<-onboardDone
	<-inactivityDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown failed", slog.String("error", err.Error()))
	}

	// 最終tickの結果を確実に残すため、終了前に台帳を一度読み書きする
	store.Save(store.Load())

	if runErr != nil {
		return runErr
	}
	slog.Info("daemon stopped gracefully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// printUsage は使用方法を出力する。
func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: guardian [command]

Commands:
  daemon                       run the membership lifecycle daemon (default)
  healthcheck                  probe the running daemon's /health endpoint
  remove-welcomed <user>       remove a user from the welcomed stage
  remove-warned <user>         remove a user from the warned stage
  remove-removed <user>        discard a user's removal record
  reset-user <user>            remove a user from all stages
  list-welcomed                list users in the welcomed stage
  list-warned                  list users in the warned stage
  list-removed                 list removal records
  test-webhook                 send a test message to the configured webhook
  help                         show this message

<user> may be a user ID, email, username, or display name.
`)
}
