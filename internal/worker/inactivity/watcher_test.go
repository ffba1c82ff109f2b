package inactivity

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/lifecycle"
	"github.com/InfamousMorningstar/guardian/internal/model"
	"github.com/InfamousMorningstar/guardian/internal/state"
)

// --- モック定義 ---

// mockAccounts はAccountDirectoryのテスト用モック。
type mockAccounts struct {
	identities []model.Identity
	owner      *model.Identity
	revoked    []string
}

func (m *mockAccounts) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	return m.identities, nil
}

func (m *mockAccounts) Owner(ctx context.Context) (*model.Identity, error) {
	return m.owner, nil
}

func (m *mockAccounts) RevokeAccess(ctx context.Context, userID string) error {
	m.revoked = append(m.revoked, userID)
	return nil
}

// mockUsage はUsageDirectoryのテスト用モック。
type mockUsage struct {
	viewers      []model.Viewer
	lastActivity map[string]*time.Time
	deleted      []string
}

func (m *mockUsage) ListViewers(ctx context.Context) ([]model.Viewer, error) {
	return m.viewers, nil
}

func (m *mockUsage) LastActivity(ctx context.Context, localID string) (*time.Time, error) {
	return m.lastActivity[localID], nil
}

func (m *mockUsage) DeleteViewerHistory(ctx context.Context, localID string) error {
	m.deleted = append(m.deleted, localID)
	return nil
}

// mockBeater はBeaterのテスト用モック。
type mockBeater struct {
	beats     []string
	apiErrors int
}

func (m *mockBeater) Beat(name string) { m.beats = append(m.beats, name) }
func (m *mockBeater) RecordAPIError()  { m.apiErrors++ }

// mockMailer はMailerのテスト用モック。
type mockMailer struct {
	drains int
}

func (m *mockMailer) DrainQueue(ctx context.Context) { m.drains++ }

// mockNotifier はライフサイクル通知のテスト用モック。
type mockNotifier struct {
	warns    []string
	removals []string
}

func (m *mockNotifier) NotifyJoin(ctx context.Context, identity *model.Identity) {}
func (m *mockNotifier) NotifyWarn(ctx context.Context, identity *model.Identity, inactiveDays, daysLeft int) {
	m.warns = append(m.warns, identity.ID)
}
func (m *mockNotifier) NotifyRemoval(ctx context.Context, identity *model.Identity, inactiveDays int, ok bool, reason string) {
	m.removals = append(m.removals, identity.ID)
}

// mockLifecycleRecorder はライフサイクルカウンタのテスト用モック。
type mockLifecycleRecorder struct{}

func (m *mockLifecycleRecorder) RecordUserWelcomed() {}
func (m *mockLifecycleRecorder) RecordUserWarned()   {}
func (m *mockLifecycleRecorder) RecordUserRemoved()  {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type watcherEnv struct {
	watcher  *Watcher
	store    *state.Store
	accounts *mockAccounts
	usage    *mockUsage
	beater   *mockBeater
	notifier *mockNotifier
}

func newWatcherEnv(t *testing.T, accounts *mockAccounts, usage *mockUsage) *watcherEnv {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	store, err := state.NewStore(t.TempDir(), logger, nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}

	env := &watcherEnv{
		store:    store,
		accounts: accounts,
		usage:    usage,
		beater:   &mockBeater{},
		notifier: &mockNotifier{},
	}
	engine := lifecycle.NewEngine(accounts, usage, env.notifier, &mockLifecycleRecorder{},
		logger, 27, 30, false, nil, nil)
	env.watcher = NewWatcher(store, accounts, usage, engine, &mockMailer{}, env.beater,
		nil, logger, time.Minute)
	return env
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour)
}

func TestRunOnce_WarnsInactiveViewer(t *testing.T) {
	lastWatch := daysAgo(28)
	accounts := &mockAccounts{
		identities: []model.Identity{{ID: "1", DisplayName: "Alice", Username: "alice", Email: "alice@example.com"}},
	}
	usage := &mockUsage{
		viewers:      []model.Viewer{{LocalID: "7", Username: "alice", Email: "alice@example.com"}},
		lastActivity: map[string]*time.Time{"7": &lastWatch},
	}
	env := newWatcherEnv(t, accounts, usage)

	ledger := model.NewLedger()
	ledger.Welcomed["1"] = daysAgo(100)
	env.store.Save(ledger)

	if err := env.watcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	saved := env.store.Load()
	if _, ok := saved.Warned["1"]; !ok {
		t.Error("28日非アクティブなユーザーは警告されなければならない")
	}
	if len(env.notifier.warns) != 1 || env.notifier.warns[0] != "1" {
		t.Errorf("warns = %v, want [1]", env.notifier.warns)
	}
	if saved.LastInactivityScan == nil {
		t.Error("スキャン完了時刻が記録されなければならない")
	}
	if len(env.beater.beats) != 1 || env.beater.beats[0] != "inactivity" {
		t.Errorf("beats = %v", env.beater.beats)
	}
}

func TestRunOnce_RemovesAndDeletesHistory(t *testing.T) {
	lastWatch := daysAgo(31)
	accounts := &mockAccounts{
		identities: []model.Identity{{ID: "1", Username: "alice", Email: "alice@example.com"}},
	}
	usage := &mockUsage{
		viewers:      []model.Viewer{{LocalID: "7", Username: "alice", Email: "alice@example.com"}},
		lastActivity: map[string]*time.Time{"7": &lastWatch},
	}
	env := newWatcherEnv(t, accounts, usage)

	ledger := model.NewLedger()
	ledger.Welcomed["1"] = daysAgo(100)
	env.store.Save(ledger)

	if err := env.watcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	saved := env.store.Load()
	removal, ok := saved.Removed["1"]
	if !ok || !removal.OK {
		t.Fatalf("removal = %+v, want recorded success", removal)
	}
	if len(accounts.revoked) != 1 || accounts.revoked[0] != "1" {
		t.Errorf("revoked = %v", accounts.revoked)
	}
	if len(usage.deleted) != 1 || usage.deleted[0] != "7" {
		t.Errorf("deleted = %v, 視聴履歴はローカルIDで削除されなければならない", usage.deleted)
	}
}

func TestRunOnce_RegrantedUserIsRetracked(t *testing.T) {
	accounts := &mockAccounts{
		identities: []model.Identity{{ID: "1", Username: "alice"}},
	}
	usage := &mockUsage{}
	env := newWatcherEnv(t, accounts, usage)

	ledger := model.NewLedger()
	ledger.Removed["1"] = model.Removal{When: daysAgo(2), OK: false, Reason: "x"}
	env.store.Save(ledger)

	if err := env.watcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	saved := env.store.Load()
	if _, ok := saved.Removed["1"]; ok {
		t.Error("存在する削除済みユーザーは再追跡されなければならない")
	}
	if _, ok := saved.Welcomed["1"]; !ok {
		t.Error("再追跡されたユーザーは歓迎済みステージに戻らなければならない")
	}
}

func TestRunOnce_UnmatchedAndLocalViewersAreSkipped(t *testing.T) {
	accounts := &mockAccounts{
		identities: []model.Identity{{ID: "1", Username: "alice"}},
	}
	usage := &mockUsage{
		viewers: []model.Viewer{
			{LocalID: "0", Username: "local"},
			{LocalID: "9", Username: "stranger"},
		},
	}
	env := newWatcherEnv(t, accounts, usage)

	if err := env.watcher.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if len(env.notifier.warns) != 0 || len(env.notifier.removals) != 0 {
		t.Error("除外・未一致の視聴者に遷移を起こしてはならない")
	}
	if len(env.beater.beats) != 1 {
		t.Errorf("beats = %v, 未一致があってもtickは完走しなければならない", env.beater.beats)
	}
}
