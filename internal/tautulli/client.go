// Package tautulli は利用状況ディレクトリ（Tautulli API）のクライアントを提供する。
// 視聴者一覧の取得、最終視聴日時の取得、視聴履歴の削除を含む。
package tautulli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

// Client はTautulli APIのクライアント。
// すべてのコマンドは GET {base}/api/v2?apikey=...&cmd=... で呼び出され、
// レスポンスは {"response": {"result": ..., "data": ...}} のエンベロープに包まれる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// envelope はTautulli APIレスポンスの共通エンベロープ。
type envelope struct {
	Response struct {
		Result  string          `json:"result"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"response"`
}

// call はTautulli APIコマンドを実行し、dataフィールドの生JSONを返す。
// ネットワーク障害とエラーステータスはmodel.TransientErrorとして返す。
func (c *Client) call(ctx context.Context, cmd string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)
	params.Set("cmd", cmd)

	reqURL := c.baseURL + "/api/v2?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewTransientError("tautulli."+cmd, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewTransientError("tautulli."+cmd,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if env.Response.Result != "success" {
		return nil, model.NewTransientError("tautulli."+cmd,
			fmt.Errorf("api result %q: %s", env.Response.Result, env.Response.Message))
	}
	return env.Response.Data, nil
}

// viewerRecord はget_usersレスポンスの1ユーザー。
type viewerRecord struct {
	UserID   json.Number `json:"user_id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
}

// ListViewers は利用状況ディレクトリが把握している全視聴者を取得する。
func (c *Client) ListViewers(ctx context.Context) ([]model.Viewer, error) {
	data, err := c.call(ctx, "get_users", nil)
	if err != nil {
		return nil, err
	}

	var records []viewerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse viewer list: %w", err)
	}

	viewers := make([]model.Viewer, 0, len(records))
	for _, r := range records {
		viewers = append(viewers, model.Viewer{
			LocalID:  r.UserID.String(),
			Username: r.Username,
			Email:    r.Email,
		})
	}
	return viewers, nil
}

// historyData はget_historyレスポンスのdataフィールド。
type historyData struct {
	Data []struct {
		Date json.Number `json:"date"`
	} `json:"data"`
}

// LastActivity は指定視聴者の最終視聴日時を取得する。
// 視聴履歴が存在しない場合はnilを返す。
// 取得失敗は警告ログを出してnilを返す（単一ユーザーの失敗はtickを中断しない）。
func (c *Client) LastActivity(ctx context.Context, localID string) (*time.Time, error) {
	params := url.Values{}
	params.Set("user_id", localID)
	params.Set("length", "1")
	params.Set("order_column", "date")
	params.Set("order_dir", "desc")

	data, err := c.call(ctx, "get_history", params)
	if err != nil {
		return nil, err
	}

	var hist historyData
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	if len(hist.Data) == 0 {
		return nil, nil
	}

	sec, err := hist.Data[0].Date.Int64()
	if err != nil {
		return nil, nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t, nil
}

// DeleteViewerHistory は指定視聴者の全視聴履歴を利用状況ディレクトリから削除する。
func (c *Client) DeleteViewerHistory(ctx context.Context, localID string) error {
	params := url.Values{}
	params.Set("user_id", localID)

	if _, err := c.call(ctx, "delete_user", params); err != nil {
		return err
	}

	c.logger.Info("視聴履歴を削除しました",
		slog.String("viewer_id", localID),
	)
	return nil
}
