// Package status はヘルスエンドポイント向けのカウンタと
// ループごとの生存情報をインメモリで管理する。
package status

import (
	"sync"
	"time"
)

// Sink はカウンタ更新を転送する先のインターフェース。
// Prometheusコレクタが実装する。nilの場合は転送しない。
type Sink interface {
	RecordUserWelcomed()
	RecordUserWarned()
	RecordUserRemoved()
	RecordEmailSent()
	RecordEmailFailed()
	RecordAPIError()
	RecordStateSave()
	RecordStateLoad()
}

// LoopStatus は1ループの生存情報。
type LoopStatus struct {
	Alive    bool       `json:"alive"`
	LastBeat *time.Time `json:"last_beat"`
}

// Snapshot は/healthレスポンス用のカウンタと生存情報のスナップショット。
type Snapshot struct {
	StartTime     time.Time             `json:"start_time"`
	UsersWelcomed int64                 `json:"users_welcomed"`
	UsersWarned   int64                 `json:"users_warned"`
	UsersRemoved  int64                 `json:"users_removed"`
	EmailsSent    int64                 `json:"emails_sent"`
	EmailsFailed  int64                 `json:"emails_failed"`
	APIErrors     int64                 `json:"api_errors"`
	StateSaves    int64                 `json:"state_saves"`
	StateLoads    int64                 `json:"state_loads"`
	LastActivity  *time.Time            `json:"last_activity"`
	Loops         map[string]LoopStatus `json:"loops"`
}

// Tracker はカウンタとループ生存情報を保持する。
// 単一のミューテックスで全クリティカルセクションを保護する。
type Tracker struct {
	mu sync.Mutex

	startTime     time.Time
	usersWelcomed int64
	usersWarned   int64
	usersRemoved  int64
	emailsSent    int64
	emailsFailed  int64
	apiErrors     int64
	stateSaves    int64
	stateLoads    int64
	lastActivity  *time.Time
	beats         map[string]time.Time
	alive         map[string]bool

	sink Sink
}

// NewTracker はTrackerの新しいインスタンスを生成する。
func NewTracker(sink Sink) *Tracker {
	return &Tracker{
		startTime: time.Now().UTC(),
		beats:     make(map[string]time.Time),
		alive:     make(map[string]bool),
		sink:      sink,
	}
}

// RegisterLoop は監視対象ループを登録する。
func (t *Tracker) RegisterLoop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive[name] = true
}

// Beat は指定ループのtick完了を記録する。
func (t *Tracker) Beat(name string) {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beats[name] = now
	t.lastActivity = &now
}

// MarkDead は指定ループのゴルーチン終了を記録する。
func (t *Tracker) MarkDead(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive[name] = false
}

// RecordUserWelcomed はオンボーディングを記録する。
func (t *Tracker) RecordUserWelcomed() {
	t.mu.Lock()
	t.usersWelcomed++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordUserWelcomed()
	}
}

// RecordUserWarned は警告送信を記録する。
func (t *Tracker) RecordUserWarned() {
	t.mu.Lock()
	t.usersWarned++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordUserWarned()
	}
}

// RecordUserRemoved はアクセス剥奪を記録する。
func (t *Tracker) RecordUserRemoved() {
	t.mu.Lock()
	t.usersRemoved++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordUserRemoved()
	}
}

// RecordEmailSent はメール送信成功を記録する。
func (t *Tracker) RecordEmailSent() {
	t.mu.Lock()
	t.emailsSent++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordEmailSent()
	}
}

// RecordEmailFailed はメール送信失敗を記録する。
func (t *Tracker) RecordEmailFailed() {
	t.mu.Lock()
	t.emailsFailed++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordEmailFailed()
	}
}

// RecordAPIError は外部APIエラーを記録する。
func (t *Tracker) RecordAPIError() {
	t.mu.Lock()
	t.apiErrors++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordAPIError()
	}
}

// RecordStateSave は台帳保存を記録する。
func (t *Tracker) RecordStateSave() {
	t.mu.Lock()
	t.stateSaves++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordStateSave()
	}
}

// RecordStateLoad は台帳読み込みを記録する。
func (t *Tracker) RecordStateLoad() {
	t.mu.Lock()
	t.stateLoads++
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.RecordStateLoad()
	}
}

// Snapshot は現在のカウンタと生存情報のコピーを返す。
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	loops := make(map[string]LoopStatus, len(t.alive))
	for name, alive := range t.alive {
		ls := LoopStatus{Alive: alive}
		if beat, ok := t.beats[name]; ok {
			b := beat
			ls.LastBeat = &b
		}
		loops[name] = ls
	}

	return Snapshot{
		StartTime:     t.startTime,
		UsersWelcomed: t.usersWelcomed,
		UsersWarned:   t.usersWarned,
		UsersRemoved:  t.usersRemoved,
		EmailsSent:    t.emailsSent,
		EmailsFailed:  t.emailsFailed,
		APIErrors:     t.apiErrors,
		StateSaves:    t.stateSaves,
		StateLoads:    t.stateLoads,
		LastActivity:  t.lastActivity,
		Loops:         loops,
	}
}
