// Package worker はポーリングループ共通の補助機能を提供する。
package worker

import (
	"context"
	"log/slog"
	"time"
)

const (
	// fetchAttempts はディレクトリ取得の最大試行回数。
	fetchAttempts = 3
	// fetchRetryDelay は試行間の待機時間。
	fetchRetryDelay = 5 * time.Second
)

// DurationRecorder はスキャン所要時間を記録するインターフェース。
// Prometheusコレクタが実装する。nilの場合は記録しない。
type DurationRecorder interface {
	RecordScanDuration(loop string, d time.Duration)
}

// FetchWithRetry はディレクトリ取得を固定間隔で最大3回まで試行する。
// 全試行が失敗した場合は最後のエラーを返し、呼び出し側はそのtickを
// 読み飛ばす。取得の失敗がプロセスを停止させることはない。
func FetchWithRetry[T any](ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt < fetchAttempts {
			logger.Warn("ディレクトリ取得に失敗しました、リトライします",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", fetchAttempts),
				slog.Duration("wait", fetchRetryDelay),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(fetchRetryDelay):
			}
		}
	}
	return zero, lastErr
}
