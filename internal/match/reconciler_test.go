package match

import (
	"testing"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

func testRoster() *Roster {
	identities := []model.Identity{
		{ID: "1", DisplayName: "Alice Wonderland", Username: "alice", Email: "alice@example.com"},
		{ID: "2", DisplayName: "Bob", Username: "bobby", Email: "bob@example.com"},
		{ID: "3", DisplayName: "NoMail", Username: "nomail"},
	}
	owner := &model.Identity{ID: "99", Username: "serverowner", Email: "owner@example.com"}
	return NewRoster(identities, owner)
}

func TestRoster_Match_Strategies(t *testing.T) {
	r := testRoster()

	tests := []struct {
		name     string
		viewer   model.Viewer
		wantID   string
		strategy string
	}{
		{"メール一致が最優先", model.Viewer{LocalID: "10", Username: "unrelated", Email: "ALICE@example.com"}, "1", "email"},
		{"ユーザー名一致", model.Viewer{LocalID: "11", Username: "Bobby"}, "2", "username"},
		{"表示名一致", model.Viewer{LocalID: "12", Username: "alice wonderland"}, "1", "display_name"},
		{"サフィックス除去でユーザー名一致", model.Viewer{LocalID: "13", Username: "nomail.0"}, "3", "suffix_stripped"},
		{"サフィックス除去で表示名一致", model.Viewer{LocalID: "14", Username: "bob.0"}, "2", "suffix_stripped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := r.Match(&tt.viewer)
			if result.Verdict != VerdictMatched {
				t.Fatalf("verdict = %v, want matched", result.Verdict)
			}
			if result.Identity.ID != tt.wantID {
				t.Errorf("matched ID = %s, want %s", result.Identity.ID, tt.wantID)
			}
			if result.Strategy != tt.strategy {
				t.Errorf("strategy = %s, want %s", result.Strategy, tt.strategy)
			}
		})
	}
}

func TestRoster_Match_LocalPlaybackExcluded(t *testing.T) {
	r := testRoster()

	for _, viewer := range []model.Viewer{
		{LocalID: "0", Username: "whatever"},
		{LocalID: "5", Username: "local"},
	} {
		result := r.Match(&viewer)
		if result.Verdict != VerdictExcludedLocal {
			t.Errorf("viewer %+v: verdict = %v, want excluded local", viewer, result.Verdict)
		}
	}
}

func TestRoster_Match_OwnerExcluded(t *testing.T) {
	r := testRoster()

	tests := []model.Viewer{
		{LocalID: "20", Username: "serverowner"},
		{LocalID: "21", Username: "serverowner.0"},
		{LocalID: "22", Username: "x", Email: "owner@example.com"},
	}
	for _, viewer := range tests {
		result := r.Match(&viewer)
		if result.Verdict != VerdictExcludedOwner {
			t.Errorf("viewer %+v: verdict = %v, want excluded owner", viewer, result.Verdict)
		}
	}
}

func TestRoster_Match_Unmatched(t *testing.T) {
	r := testRoster()

	result := r.Match(&model.Viewer{LocalID: "30", Username: "stranger", Email: "stranger@example.com"})
	if result.Verdict != VerdictUnmatched {
		t.Errorf("verdict = %v, want unmatched", result.Verdict)
	}
	if result.Identity != nil {
		t.Error("unmatched の場合 Identity は nil でなければならない")
	}
}

func TestRoster_Match_NilOwner(t *testing.T) {
	r := NewRoster([]model.Identity{{ID: "1", Username: "alice"}}, nil)

	result := r.Match(&model.Viewer{LocalID: "30", Username: "stranger"})
	if result.Verdict != VerdictUnmatched {
		t.Errorf("オーナー不明時の未一致は unmatched でなければならない: %v", result.Verdict)
	}
}
