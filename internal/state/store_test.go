package state

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockRecorder は永続化カウンタのテスト用モック。
type mockRecorder struct {
	loads int
	saves int
}

func (m *mockRecorder) RecordStateLoad() { m.loads++ }
func (m *mockRecorder) RecordStateSave() { m.saves++ }

func newTestStore(t *testing.T) (*Store, *mockRecorder) {
	t.Helper()
	var buf bytes.Buffer
	rec := &mockRecorder{}
	store, err := NewStore(t.TempDir(), newTestLogger(&buf), rec)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return store, rec
}

func TestStore_Load_MissingFileReturnsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	ledger := store.Load()
	if len(ledger.Welcomed) != 0 || len(ledger.Warned) != 0 || len(ledger.Removed) != 0 {
		t.Error("ファイルが存在しない場合は空の台帳を返さなければならない")
	}
}

func TestStore_SaveAndLoad_RoundTrip(t *testing.T) {
	store, rec := newTestStore(t)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ledger := model.NewLedger()
	ledger.Welcomed["100"] = now
	ledger.Warned["100"] = now.Add(27 * 24 * time.Hour)
	ledger.Removed["200"] = model.Removal{When: now, OK: true, Reason: "test", UsageHistoryDeleted: true}
	ledger.LastInactivityScan = &now

	if !store.Save(ledger) {
		t.Fatal("Save が失敗した")
	}

	loaded := store.Load()
	if !loaded.Welcomed["100"].Equal(now) {
		t.Errorf("welcomed[100] = %v, want %v", loaded.Welcomed["100"], now)
	}
	if !loaded.Removed["200"].OK || !loaded.Removed["200"].UsageHistoryDeleted {
		t.Errorf("removed[200] = %+v", loaded.Removed["200"])
	}
	if loaded.LastInactivityScan == nil || !loaded.LastInactivityScan.Equal(now) {
		t.Error("LastInactivityScan が保存されていない")
	}
	if rec.saves != 1 || rec.loads != 1 {
		t.Errorf("recorder = %d saves / %d loads, want 1/1", rec.saves, rec.loads)
	}
}

func TestStore_Save_RestrictsPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Windowsではパーミッション検証をスキップ")
	}
	store, _ := newTestStore(t)

	if !store.Save(model.NewLedger()) {
		t.Fatal("Save が失敗した")
	}
	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat error: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
}

func TestStore_Load_CorruptFileRecoversFromBackup(t *testing.T) {
	store, _ := newTestStore(t)

	ledger := model.NewLedger()
	ledger.Welcomed["42"] = time.Now().UTC()
	if !store.Save(ledger) {
		t.Fatal("1回目の Save が失敗した")
	}
	// 2回目の保存でバックアップが作られる
	if !store.Save(ledger) {
		t.Fatal("2回目の Save が失敗した")
	}

	// ライブファイルを破壊する
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt write error: %v", err)
	}

	recovered := store.Load()
	if _, ok := recovered.Welcomed["42"]; !ok {
		t.Error("破損したライブファイルはバックアップから復旧されなければならない")
	}
}

func TestStore_Load_CorruptFileNoBackupReturnsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	if err := os.WriteFile(store.Path(), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write error: %v", err)
	}

	ledger := store.Load()
	if len(ledger.Welcomed) != 0 {
		t.Error("バックアップがない場合は空の台帳にフォールバックしなければならない")
	}
}

func TestStore_Save_PrunesOldBackups(t *testing.T) {
	store, _ := newTestStore(t)

	ledger := model.NewLedger()
	// バックアップ名は秒精度のため、同一秒内の連続保存では上書きされる。
	// 保持数を超える数のバックアップを直接作成して刈り込みを検証する。
	for i := 0; i < backupRetention+5; i++ {
		name := backupPrefix + time.Now().Add(time.Duration(i)*time.Second).Format(backupTimestampLayout)
		if err := os.WriteFile(filepath.Join(store.backupDir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("backup write error: %v", err)
		}
	}
	if !store.Save(ledger) {
		t.Fatal("Save が失敗した")
	}
	if !store.Save(ledger) {
		t.Fatal("Save が失敗した")
	}

	backups, err := store.listBackups()
	if err != nil {
		t.Fatalf("listBackups error: %v", err)
	}
	if len(backups) > backupRetention {
		t.Errorf("backup count = %d, 保持数 %d を超えてはならない", len(backups), backupRetention)
	}
}

func TestStore_Save_DoesNotDestroyLiveFileOnEncodeSuccess(t *testing.T) {
	store, _ := newTestStore(t)

	first := model.NewLedger()
	first.Welcomed["1"] = time.Now().UTC()
	if !store.Save(first) {
		t.Fatal("Save が失敗した")
	}

	// 一時ファイルが残っていないこと（リネーム済み）
	if _, err := os.Stat(store.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("保存後に一時ファイルが残っている")
	}
}

func TestStore_Save_ConcurrentSavesKeepDocumentConsistent(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ledger := model.NewLedger()
			ledger.Welcomed[strconv.Itoa(n)] = time.Now().UTC()
			if !store.Save(ledger) {
				t.Error("Save が失敗した")
			}
		}(i)
	}
	wg.Wait()

	// 最後に勝った保存がどれであれ、ライブファイルは単一の正常な
	// ドキュメントでなければならない
	loaded := store.Load()
	if len(loaded.Welcomed) != 1 {
		t.Errorf("welcomed count = %d, want 1", len(loaded.Welcomed))
	}

	backups, err := store.listBackups()
	if err != nil {
		t.Fatalf("listBackups error: %v", err)
	}
	for _, name := range backups {
		data, err := os.ReadFile(filepath.Join(store.backupDir, name))
		if err != nil {
			t.Fatalf("バックアップの読み込みに失敗: %v", err)
		}
		backup := model.NewLedger()
		if err := json.Unmarshal(data, backup); err != nil {
			t.Errorf("バックアップ %s が正常なドキュメントではない: %v", name, err)
		}
	}
}
