package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// queueMaxAttempts はキュー経由での最大再送回数。
	// 超過したメッセージは破棄される。
	queueMaxAttempts = 3
	// queueMaxSize はキューに保持するメッセージの上限。
	queueMaxSize = 100
)

// queuedMessage はリトライキューに積まれた1通のメール。
type queuedMessage struct {
	ID       string
	To       string
	Subject  string
	Body     string
	Attempts int
	QueuedAt time.Time
}

// RetryQueue は送信に失敗したメールの上限付きリトライキュー。
// 各tickの末尾でDrainにより再送が試みられる。
type RetryQueue struct {
	mu     sync.Mutex
	items  []queuedMessage
	logger *slog.Logger
}

// NewRetryQueue はRetryQueueの新しいインスタンスを生成する。
func NewRetryQueue(logger *slog.Logger) *RetryQueue {
	return &RetryQueue{logger: logger}
}

// Enqueue は失敗したメールをキューに積む。
// キューが満杯の場合は最も古いメッセージを破棄する。
func (q *RetryQueue) Enqueue(to, subject, body string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= queueMaxSize {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.logger.Warn("リトライキューが満杯のため最古のメッセージを破棄しました",
			slog.String("message_id", dropped.ID),
			slog.String("to", dropped.To),
		)
	}

	msg := queuedMessage{
		ID:       uuid.NewString(),
		To:       to,
		Subject:  subject,
		Body:     body,
		QueuedAt: time.Now().UTC(),
	}
	q.items = append(q.items, msg)
	q.logger.Info("メールをリトライキューに追加しました",
		slog.String("message_id", msg.ID),
		slog.String("to", to),
		slog.Int("queue_size", len(q.items)),
	)
}

// Len は現在のキュー長を返す。
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// takeAll はキューの全メッセージを取り出し、キューを空にする。
func (q *RetryQueue) takeAll() []queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// requeue は再送に失敗したメッセージを試行回数を増やして積み直す。
// 最大試行回数に達したメッセージは破棄する。
func (q *RetryQueue) requeue(msg queuedMessage) {
	msg.Attempts++
	if msg.Attempts >= queueMaxAttempts {
		q.logger.Error("最大試行回数に達したためメールを破棄します",
			slog.String("message_id", msg.ID),
			slog.String("to", msg.To),
			slog.Int("attempts", msg.Attempts),
		)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= queueMaxSize {
		return
	}
	q.items = append(q.items, msg)
}
