package notify

import (
	"bytes"
	"testing"
)

func TestRetryQueue_EnqueueAssignsID(t *testing.T) {
	var buf bytes.Buffer
	q := NewRetryQueue(newTestLogger(&buf))

	q.Enqueue("a@example.com", "s", "b")
	items := q.takeAll()
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if items[0].ID == "" {
		t.Error("キューのメッセージにはIDが割り当てられなければならない")
	}
	if items[0].QueuedAt.IsZero() {
		t.Error("キュー投入時刻が記録されていない")
	}
}

func TestRetryQueue_OverflowDropsOldest(t *testing.T) {
	var buf bytes.Buffer
	q := NewRetryQueue(newTestLogger(&buf))

	for i := 0; i <= queueMaxSize; i++ {
		q.Enqueue("a@example.com", "s", "b")
	}
	if q.Len() != queueMaxSize {
		t.Errorf("queue length = %d, 上限 %d を超えてはならない", q.Len(), queueMaxSize)
	}
}

func TestRetryQueue_RequeueDiscardsAfterMaxAttempts(t *testing.T) {
	var buf bytes.Buffer
	q := NewRetryQueue(newTestLogger(&buf))

	msg := queuedMessage{ID: "x", To: "a@example.com", Attempts: queueMaxAttempts - 1}
	q.requeue(msg)
	if q.Len() != 0 {
		t.Errorf("最大試行回数に達したメッセージは破棄されなければならない: len=%d", q.Len())
	}

	fresh := queuedMessage{ID: "y", To: "a@example.com"}
	q.requeue(fresh)
	if q.Len() != 1 {
		t.Errorf("試行回数が残っているメッセージは積み直されなければならない: len=%d", q.Len())
	}
}
