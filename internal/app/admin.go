package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/config"
	"github.com/InfamousMorningstar/guardian/internal/model"
	"github.com/InfamousMorningstar/guardian/internal/notify"
	"github.com/InfamousMorningstar/guardian/internal/plex"
	"github.com/InfamousMorningstar/guardian/internal/state"
)

// adminTimeout は管理コマンド全体のタイムアウト。
const adminTimeout = 60 * time.Second

// runAdmin は管理サブコマンドを実行する。
// 管理コマンドはデーモンと同じ台帳ファイルを読み書きする。デーモンは
// 毎tick台帳を再読み込みするため、変更は次のスキャンから反映される。
func runAdmin(w io.Writer, cfg *config.Config, cmd Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	store, err := state.NewStore(cfg.StateDir, slog.Default(), nil)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	switch cmd {
	case CommandListWelcomed, CommandListWarned, CommandListRemoved:
		return listStage(w, store, cmd)
	case CommandTestWebhook:
		return testWebhook(w, ctx, cfg)
	}

	// 以降のコマンドは対象ユーザーの指定が必要
	if len(args) == 0 {
		return fmt.Errorf("command %s requires a user identifier", cmd)
	}
	identifier := args[0]

	ledger := store.Load()
	id, err := resolveIdentifier(ctx, cfg, ledger, identifier)
	if err != nil {
		return err
	}

	switch cmd {
	case CommandRemoveWelcomed:
		if _, ok := ledger.Welcomed[id]; !ok {
			return fmt.Errorf("user %s is not in the welcomed stage", identifier)
		}
		delete(ledger.Welcomed, id)
		fmt.Fprintf(w, "removed %s from welcomed stage\n", id)
	case CommandRemoveWarned:
		if _, ok := ledger.Warned[id]; !ok {
			return fmt.Errorf("user %s is not in the warned stage", identifier)
		}
		delete(ledger.Warned, id)
		fmt.Fprintf(w, "removed %s from warned stage\n", id)
	case CommandRemoveRemoved:
		if _, ok := ledger.Removed[id]; !ok {
			return fmt.Errorf("user %s has no removal record", identifier)
		}
		delete(ledger.Removed, id)
		fmt.Fprintf(w, "discarded removal record for %s\n", id)
	case CommandResetUser:
		stages := ledger.Delete(id)
		if len(stages) == 0 {
			return fmt.Errorf("user %s is not tracked in any stage", identifier)
		}
		names := make([]string, len(stages))
		for i, s := range stages {
			names[i] = string(s)
		}
		fmt.Fprintf(w, "reset %s (was in: %s)\n", id, strings.Join(names, ", "))
	default:
		return fmt.Errorf("unknown admin command: %s", cmd)
	}

	if !store.Save(ledger) {
		return fmt.Errorf("failed to save ledger")
	}
	return nil
}

// resolveIdentifier はユーザー指定子を台帳のIDに解決する。
// 指定子が台帳のIDとして直接存在する場合はそのまま使用し、それ以外は
// アカウントディレクトリを取得してメール、ユーザー名、表示名で照合する。
func resolveIdentifier(ctx context.Context, cfg *config.Config, ledger *model.Ledger, identifier string) (string, error) {
	if _, ok := ledger.TrackedIDs()[identifier]; ok {
		return identifier, nil
	}

	httpClient := &http.Client{Timeout: httpClientTimeout}
	accounts := plex.NewClient(httpClient, slog.Default(), cfg.PlexToken)

	identities, err := accounts.ListIdentities(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch account directory: %w", err)
	}

	needle := strings.ToLower(identifier)
	for i := range identities {
		id := &identities[i]
		if strings.ToLower(id.Email) == needle ||
			strings.ToLower(id.Username) == needle ||
			strings.ToLower(id.DisplayName) == needle ||
			id.ID == identifier {
			return id.ID, nil
		}
	}
	return "", fmt.Errorf("user not found: %s", identifier)
}

// listStage は指定ステージの内容を出力する。
func listStage(w io.Writer, store *state.Store, cmd Command) error {
	ledger := store.Load()

	switch cmd {
	case CommandListWelcomed:
		fmt.Fprintf(w, "welcomed (%d):\n", len(ledger.Welcomed))
		for _, id := range sortedKeys(ledger.Welcomed) {
			fmt.Fprintf(w, "  %s  welcomed_at=%s\n", id, ledger.Welcomed[id].Format(time.RFC3339))
		}
	case CommandListWarned:
		fmt.Fprintf(w, "warned (%d):\n", len(ledger.Warned))
		for _, id := range sortedKeys(ledger.Warned) {
			fmt.Fprintf(w, "  %s  warned_at=%s\n", id, ledger.Warned[id].Format(time.RFC3339))
		}
	case CommandListRemoved:
		fmt.Fprintf(w, "removed (%d):\n", len(ledger.Removed))
		ids := make([]string, 0, len(ledger.Removed))
		for id := range ledger.Removed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := ledger.Removed[id]
			fmt.Fprintf(w, "  %s  when=%s ok=%t history_deleted=%t reason=%q\n",
				id, r.When.Format(time.RFC3339), r.OK, r.UsageHistoryDeleted, r.Reason)
		}
	}
	return nil
}

// testWebhook はWebhook設定の疎通確認メッセージを送信する。
func testWebhook(w io.Writer, ctx context.Context, cfg *config.Config) error {
	webhook := notify.NewWebhookSender(cfg.DiscordWebhook, slog.Default())
	if webhook == nil {
		return fmt.Errorf("DISCORD_WEBHOOK is not configured")
	}
	if err := webhook.Send(ctx, "🛰️ Centauri Guardian webhook test: connection OK."); err != nil {
		return fmt.Errorf("webhook test failed: %w", err)
	}
	fmt.Fprintln(w, "webhook test message sent")
	return nil
}

// sortedKeys はマップのキーをソートして返す。
func sortedKeys(m map[string]time.Time) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
