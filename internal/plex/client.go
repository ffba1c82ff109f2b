// Package plex はアカウントディレクトリ（plex.tv API）のクライアントを提供する。
// 共有ユーザーの一覧取得、アクセス剥奪、オーナーアカウント情報の取得を含む。
package plex

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

const (
	// defaultBaseURL はplex.tv APIのベースURL。
	defaultBaseURL = "https://plex.tv"
	// productName はX-Plex-Productヘッダーの値。
	productName = "Centauri-Guardian"
	// clientIdentifier はX-Plex-Client-Identifierヘッダーの値。
	clientIdentifier = "centauri-guardian"
)

// Client はplex.tv APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	token      string
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, token string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		token:      token,
		baseURL:    defaultBaseURL,
	}
}

// SetBaseURL はAPIのベースURLを差し替える（テスト用）。
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// userElement は/api/usersレスポンスのUser要素。
type userElement struct {
	ID        string `xml:"id,attr"`
	Title     string `xml:"title,attr"`
	Username  string `xml:"username,attr"`
	Email     string `xml:"email,attr"`
	CreatedAt string `xml:"createdAt,attr"`
}

// usersResponse は/api/usersレスポンスのルート要素。
type usersResponse struct {
	XMLName xml.Name      `xml:"MediaContainer"`
	Users   []userElement `xml:"User"`
}

// ListIdentities はサーバーを共有している全ユーザーの一覧を取得する。
// ネットワーク障害やエラーステータスはmodel.TransientErrorとして返す。
func (c *Client) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/users", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewTransientError("plex.list_users", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewTransientError("plex.list_users",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewTransientError("plex.list_users", err)
	}

	var parsed usersResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse user list: %w", err)
	}

	identities := make([]model.Identity, 0, len(parsed.Users))
	for _, u := range parsed.Users {
		identities = append(identities, model.Identity{
			ID:          u.ID,
			DisplayName: u.Title,
			Username:    u.Username,
			Email:       u.Email,
			CreatedAt:   parseUnixAttr(u.CreatedAt),
		})
	}
	return identities, nil
}

// RevokeAccess は指定ユーザーのサーバーアクセスを剥奪する。
// フレンド解除APIを呼び出し、失敗時はエラーを返す。
func (c *Client) RevokeAccess(ctx context.Context, userID string) error {
	url := fmt.Sprintf("%s/api/v2/friends/%s", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewTransientError("plex.revoke_access", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("revoke returned status %d for user %s", resp.StatusCode, userID)
	}

	c.logger.Info("ユーザーのアクセスを剥奪しました",
		slog.String("user_id", userID),
	)
	return nil
}

// ownerResponse は/api/v2/userレスポンス。
type ownerResponse struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Title    string      `json:"title"`
}

// Owner はトークンの持ち主（サーバーオーナー）のアカウント情報を取得する。
// オーナーは共有ユーザーの一覧には含まれないため、
// 利用状況ディレクトリとの突き合わせで除外するために使用する。
func (c *Client) Owner(ctx context.Context) (*model.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewTransientError("plex.owner", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewTransientError("plex.owner",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed ownerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse owner response: %w", err)
	}

	return &model.Identity{
		ID:          parsed.ID.String(),
		DisplayName: parsed.Title,
		Username:    parsed.Username,
		Email:       parsed.Email,
	}, nil
}

// setHeaders はPlex API共通のリクエストヘッダーを設定する。
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("X-Plex-Product", productName)
	req.Header.Set("X-Plex-Client-Identifier", clientIdentifier)
}

// parseUnixAttr はUnixタイムスタンプ属性をtime.Timeに変換する。
// 空または不正な値はゼロ値を返す（作成日時不明として扱う）。
func parseUnixAttr(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// 一部のレスポンスはRFC3339形式を返す
		if t, perr := time.Parse(time.RFC3339, v); perr == nil {
			return t.UTC()
		}
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
