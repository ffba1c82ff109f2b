package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestFetchWithRetry_SuccessFirstTry(t *testing.T) {
	var buf bytes.Buffer
	calls := 0

	got, err := FetchWithRetry(context.Background(), newTestLogger(&buf), "test.op",
		func(ctx context.Context) (int, error) {
			calls++
			return 42, nil
		})
	if err != nil {
		t.Fatalf("FetchWithRetry error: %v", err)
	}
	if got != 42 || calls != 1 {
		t.Errorf("got = %d (calls=%d), want 42 (1)", got, calls)
	}
}

func TestFetchWithRetry_CancelledContextStopsRetrying(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := FetchWithRetry(ctx, newTestLogger(&buf), "test.op",
		func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("boom")
		})
	if err == nil {
		t.Fatal("キャンセル済みコンテキストではエラーを返さなければならない")
	}
	if calls != 1 {
		t.Errorf("calls = %d, キャンセル後はリトライしてはならない", calls)
	}
}
