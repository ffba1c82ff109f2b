// Package state は台帳ドキュメントの永続化を提供する。
// 一時ファイル書き込みとアトミックなリネームにより、
// 書き込み途中のファイルが観測されないことを保証する。
package state

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

const (
	// stateFileName は台帳のライブファイル名。
	stateFileName = "state.json"
	// backupPrefix はバックアップファイル名のプレフィックス。
	backupPrefix = "state.json.backup."
	// backupRetention は保持するバックアップの最大数。
	backupRetention = 10
	// recoveryCandidates はリカバリ時に試行する最新バックアップの数。
	recoveryCandidates = 5
	// backupTimestampLayout はバックアップファイル名のタイムスタンプ形式。
	backupTimestampLayout = "20060102_150405"
)

// Recorder は永続化操作のカウントを記録するインターフェース。
type Recorder interface {
	RecordStateLoad()
	RecordStateSave()
}

// Store は台帳ドキュメントの永続化ストア。
//
// ミューテックスはLoadとSaveの個々の呼び出しのみを保護する。
// reload-modify-saveのシーケンス全体はアトミックではないため、
// 2つのループが並行してtickを実行すると後勝ちのlost updateが起こりうる。
// これは既存設計で許容されたレースである（各ループが毎tick再読込するため
// 次のtickで自己修復する）。
type Store struct {
	path      string
	backupDir string
	logger    *slog.Logger
	recorder  Recorder

	mu sync.Mutex
}

// NewStore はStoreの新しいインスタンスを生成する。
// stateDirとバックアップディレクトリが存在しない場合は作成する。
func NewStore(stateDir string, logger *slog.Logger, recorder Recorder) (*Store, error) {
	backupDir := filepath.Join(stateDir, "backups")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	return &Store{
		path:      filepath.Join(stateDir, stateFileName),
		backupDir: backupDir,
		logger:    logger,
		recorder:  recorder,
	}, nil
}

// Path は台帳のライブファイルパスを返す。
func (s *Store) Path() string {
	return s.path
}

// Load は台帳ドキュメントを読み込む。
// ファイルが存在しない場合はデフォルトの空台帳を返す。
// 読み込みまたはパースに失敗した場合は最新のバックアップからの
// リカバリを試み、それも失敗した場合は空台帳にフォールバックする。
// 呼び出し元にエラーを返すことはない。
func (s *Store) Load() *model.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return model.NewLedger()
	}
	if err != nil {
		s.logger.Error("台帳ファイルの読み込みに失敗しました、リカバリを試みます",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return s.recoverFromBackup()
	}

	ledger := model.NewLedger()
	if err := json.Unmarshal(data, ledger); err != nil {
		s.logger.Error("台帳ファイルのパースに失敗しました、リカバリを試みます",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return s.recoverFromBackup()
	}

	ledger.Normalize()
	if s.recorder != nil {
		s.recorder.RecordStateLoad()
	}
	return ledger
}

// recoverFromBackup は最新のバックアップからの台帳復旧を試みる。
// 新しい順にrecoveryCandidates件まで試行し、
// 有効なバックアップがない場合は空台帳を返す（データ喪失のリスクは
// 許容された設計であり、高い重大度でログに記録する）。
func (s *Store) recoverFromBackup() *model.Ledger {
	backups, err := s.listBackups()
	if err != nil || len(backups) == 0 {
		s.logger.Error("有効なバックアップが見つかりません、空の台帳で続行します（データ喪失の可能性）")
		return model.NewLedger()
	}

	// 新しい順に試行
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	if len(backups) > recoveryCandidates {
		backups = backups[:recoveryCandidates]
	}

	for _, name := range backups {
		data, err := os.ReadFile(filepath.Join(s.backupDir, name))
		if err != nil {
			continue
		}
		ledger := model.NewLedger()
		if err := json.Unmarshal(data, ledger); err != nil {
			s.logger.Warn("バックアップのパースに失敗しました",
				slog.String("backup", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		ledger.Normalize()
		s.logger.Warn("バックアップから台帳を復旧しました",
			slog.String("backup", name),
		)
		return ledger
	}

	s.logger.Error("有効なバックアップが見つかりません、空の台帳で続行します（データ喪失の可能性）")
	return model.NewLedger()
}

// Save は台帳ドキュメントをアトミックに保存する。
// 書き込み前に現在のライブファイルをタイムスタンプ付きバックアップとして
// コピーし、保持数を超えた古いバックアップを削除する。
// 一時ファイルへの書き込みとfsyncの後、アトミックなリネームで置き換えるため、
// 書き込み失敗時も直前のライブファイルは破壊されない。
// 失敗はfalseで報告する。
func (s *Store) Save(ledger *model.Ledger) bool {
	// バックアップと書き込みを同一のロック区間で行い、並行するSaveが
	// バックアップと置き換えの間に割り込まないことを保証する。
	s.mu.Lock()
	defer s.mu.Unlock()

	// バックアップはライブファイルの置き換え前に作成する。
	// バックアップの失敗は保存自体を妨げない。
	if err := s.backupLiveFile(); err != nil {
		s.logger.Warn("バックアップの作成に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		s.logger.Error("台帳のエンコードに失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		s.logger.Error("一時ファイルの作成に失敗しました",
			slog.String("path", tmp),
			slog.String("error", err.Error()),
		)
		return false
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		s.logger.Error("一時ファイルへの書き込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		s.logger.Error("一時ファイルのfsyncに失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return false
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		s.logger.Error("台帳ファイルの置き換えに失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}

	// 所有プロセスのみ読み書き可能に制限する（Unixのみ）
	if runtime.GOOS != "windows" {
		_ = os.Chmod(s.path, 0o600)
	}

	if s.recorder != nil {
		s.recorder.RecordStateSave()
	}
	return true
}

// backupLiveFile は現在のライブファイルをバックアップディレクトリにコピーし、
// 保持数を超えた古いバックアップを削除する。呼び出し元がmuを保持していること。
func (s *Store) backupLiveFile() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}

	name := backupPrefix + time.Now().Format(backupTimestampLayout)
	if err := copyFile(s.path, filepath.Join(s.backupDir, name)); err != nil {
		return err
	}

	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	sort.Strings(backups)
	for len(backups) > backupRetention {
		_ = os.Remove(filepath.Join(s.backupDir, backups[0]))
		backups = backups[1:]
	}
	return nil
}

// listBackups はバックアップディレクトリ内のバックアップファイル名を返す。
func (s *Store) listBackups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
