package tautulli

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	return NewClient(server.Client(), newTestLogger(&buf), server.URL, "test-key")
}

func TestClient_ListViewers(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmd") != "get_users" {
			t.Errorf("cmd = %s, want get_users", q.Get("cmd"))
		}
		if q.Get("apikey") != "test-key" {
			t.Error("apikey が設定されていない")
		}
		w.Write([]byte(`{"response": {"result": "success", "data": [
			{"user_id": 0, "username": "Local", "email": ""},
			{"user_id": 7, "username": "alice.0", "email": "alice@example.com"}
		]}}`))
	})

	viewers, err := client.ListViewers(context.Background())
	if err != nil {
		t.Fatalf("ListViewers error: %v", err)
	}
	if len(viewers) != 2 {
		t.Fatalf("viewers count = %d, want 2", len(viewers))
	}
	if !viewers[0].IsLocalPlayback() {
		t.Error("user_id 0 はローカル再生として扱わなければならない")
	}
	if viewers[1].LocalID != "7" || viewers[1].Username != "alice.0" {
		t.Errorf("viewer = %+v", viewers[1])
	}
}

func TestClient_Call_NonSuccessIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": {"result": "error", "message": "invalid apikey"}}`))
	})

	_, err := client.ListViewers(context.Background())
	if err == nil {
		t.Fatal("result が success 以外の場合はエラーを返さなければならない")
	}
	if !model.IsTransient(err) {
		t.Errorf("APIエラーは transient として扱わなければならない: %v", err)
	}
}

func TestClient_LastActivity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmd") != "get_history" {
			t.Errorf("cmd = %s, want get_history", q.Get("cmd"))
		}
		if q.Get("user_id") != "7" || q.Get("length") != "1" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"response": {"result": "success", "data": {"data": [{"date": 1700000000}]}}}`))
	})

	last, err := client.LastActivity(context.Background(), "7")
	if err != nil {
		t.Fatalf("LastActivity error: %v", err)
	}
	want := time.Unix(1700000000, 0).UTC()
	if last == nil || !last.Equal(want) {
		t.Errorf("last = %v, want %v", last, want)
	}
}

func TestClient_LastActivity_NoHistoryReturnsNil(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": {"result": "success", "data": {"data": []}}}`))
	})

	last, err := client.LastActivity(context.Background(), "7")
	if err != nil {
		t.Fatalf("LastActivity error: %v", err)
	}
	if last != nil {
		t.Errorf("視聴履歴がない場合は nil を返さなければならない: %v", last)
	}
}

func TestClient_DeleteViewerHistory(t *testing.T) {
	var gotCmd, gotUserID string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCmd = r.URL.Query().Get("cmd")
		gotUserID = r.URL.Query().Get("user_id")
		w.Write([]byte(`{"response": {"result": "success", "data": null}}`))
	})

	if err := client.DeleteViewerHistory(context.Background(), "7"); err != nil {
		t.Fatalf("DeleteViewerHistory error: %v", err)
	}
	if gotCmd != "delete_user" || gotUserID != "7" {
		t.Errorf("cmd=%s user_id=%s", gotCmd, gotUserID)
	}
}
