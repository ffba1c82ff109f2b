package model

import "time"

// Stage はユーザーのライフサイクル段階を表す。
// 台帳に存在しないユーザーは暗黙的に「未観測」として扱う。
type Stage string

const (
	// StageWelcomed は初回観測済み（オンボーディング完了）を示す。
	StageWelcomed Stage = "welcomed"
	// StageWarned は非アクティブ警告送信済みを示す。
	StageWarned Stage = "warned"
	// StageRemoved はアクセス剥奪処理済みを示す。
	StageRemoved Stage = "removed"
)

// Removal は削除処理の結果を記録する。
// 剥奪の成否にかかわらず必ず記録し、成功時のみStageがRemovedに進む。
type Removal struct {
	When                time.Time `json:"when"`
	OK                  bool      `json:"ok"`
	Reason              string    `json:"reason"`
	UsageHistoryDeleted bool      `json:"usage_history_deleted"`
}

// Ledger は永続化される台帳ドキュメント全体。
// レガシーエンコーディングを踏襲し、段階ごとの3つのマップで保持する。
// 同一IDは複数の段階に同時に存在しうる（welcomed + warned など）が、
// removedからの復帰はre-grant補正経由でのみ行われる。
type Ledger struct {
	// Welcomed はID → 初回観測日時（welcomedAt）のマップ。
	Welcomed map[string]time.Time `json:"welcomed"`
	// Warned はID → 警告送信日時（warnedAt）のマップ。
	Warned map[string]time.Time `json:"warned"`
	// Removed はID → 削除記録のマップ。
	Removed map[string]Removal `json:"removed"`
	// LastInactivityScan は低速ループの最終スキャン完了日時。
	LastInactivityScan *time.Time `json:"last_inactivity_scan"`
}

// NewLedger は空のデフォルト台帳を生成する。
func NewLedger() *Ledger {
	return &Ledger{
		Welcomed: make(map[string]time.Time),
		Warned:   make(map[string]time.Time),
		Removed:  make(map[string]Removal),
	}
}

// Normalize はデコード直後のnilマップを空マップに補完する。
// 欠損キーを含む古い台帳ファイルを読み込んだ場合でも安全に扱えるようにする。
func (l *Ledger) Normalize() {
	if l.Welcomed == nil {
		l.Welcomed = make(map[string]time.Time)
	}
	if l.Warned == nil {
		l.Warned = make(map[string]time.Time)
	}
	if l.Removed == nil {
		l.Removed = make(map[string]Removal)
	}
}

// StageOf は指定IDの現在の段階を返す。
// 台帳に存在しない場合は空文字列とfalseを返す。
func (l *Ledger) StageOf(id string) (Stage, bool) {
	if _, ok := l.Removed[id]; ok {
		return StageRemoved, true
	}
	if _, ok := l.Warned[id]; ok {
		return StageWarned, true
	}
	if _, ok := l.Welcomed[id]; ok {
		return StageWelcomed, true
	}
	return "", false
}

// TrackedIDs は台帳のいずれかの段階に存在する全IDの集合を返す。
func (l *Ledger) TrackedIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(l.Welcomed))
	for id := range l.Welcomed {
		ids[id] = struct{}{}
	}
	for id := range l.Warned {
		ids[id] = struct{}{}
	}
	for id := range l.Removed {
		ids[id] = struct{}{}
	}
	return ids
}

// Delete は指定IDを全段階から削除する。
// 削除された段階名のリストを返す（どこにも存在しなければ空）。
func (l *Ledger) Delete(id string) []Stage {
	var deleted []Stage
	if _, ok := l.Welcomed[id]; ok {
		delete(l.Welcomed, id)
		deleted = append(deleted, StageWelcomed)
	}
	if _, ok := l.Warned[id]; ok {
		delete(l.Warned, id)
		deleted = append(deleted, StageWarned)
	}
	if _, ok := l.Removed[id]; ok {
		delete(l.Removed, id)
		deleted = append(deleted, StageRemoved)
	}
	return deleted
}
