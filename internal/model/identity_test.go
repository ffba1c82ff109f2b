package model

import (
	"errors"
	"testing"
)

func TestIdentity_Display_Fallback(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
		want     string
	}{
		{"表示名を優先", Identity{DisplayName: "Alice", Username: "alice1"}, "Alice"},
		{"表示名がなければユーザー名", Identity{Username: "alice1"}, "alice1"},
		{"両方なければ汎用の呼びかけ", Identity{}, "there"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.Display(); got != tt.want {
				t.Errorf("Display() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestViewer_IsLocalPlayback(t *testing.T) {
	tests := []struct {
		name   string
		viewer Viewer
		want   bool
	}{
		{"ID 0 はローカル", Viewer{LocalID: "0", Username: "someone"}, true},
		{"local ユーザー名", Viewer{LocalID: "42", Username: "Local"}, true},
		{"通常の視聴者", Viewer{LocalID: "42", Username: "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.viewer.IsLocalPlayback(); got != tt.want {
				t.Errorf("IsLocalPlayback() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	base := errors.New("connection refused")
	transient := NewTransientError("plex.list", base)

	if !IsTransient(transient) {
		t.Error("TransientError は IsTransient で検出されなければならない")
	}
	if !IsTransient(errors.Join(errors.New("outer"), transient)) {
		t.Error("ラップされた TransientError も検出されなければならない")
	}
	if IsTransient(base) {
		t.Error("素のエラーを transient と判定してはならない")
	}
	if !errors.Is(errors.Unwrap(transient), base) && !errors.Is(transient, base) {
		t.Error("TransientError は元のエラーをUnwrapできなければならない")
	}
}
