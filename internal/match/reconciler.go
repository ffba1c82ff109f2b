// Package match はアカウントディレクトリと利用状況ディレクトリの間で
// キーが一貫していないアイデンティティの突き合わせを行う。
// 順序付きのマッチング戦略を純関数のリストとして保持し、
// 先頭から順に試行して最初に成功した結果を採用する。
package match

import (
	"strings"

	"github.com/InfamousMorningstar/guardian/internal/model"
)

// duplicateSuffix はTautulliが重複ユーザー名に付与する数値サフィックス。
const duplicateSuffix = ".0"

// Verdict は突き合わせの判定結果を表す。
type Verdict int

const (
	// VerdictMatched はアカウントディレクトリのユーザーに対応付いた。
	VerdictMatched Verdict = iota
	// VerdictUnmatched は対応するユーザーが見つからなかった。
	// 削除候補として扱ってはならず、ログして読み飛ばす。
	VerdictUnmatched
	// VerdictExcludedLocal はローカル再生の疑似ユーザーのため処理対象外。
	VerdictExcludedLocal
	// VerdictExcludedOwner はオーナーアカウントのため処理対象外。
	// オーナーは警告も削除もされない。
	VerdictExcludedOwner
)

// Result は1視聴者の突き合わせ結果。
type Result struct {
	Verdict  Verdict
	Identity *model.Identity // VerdictMatchedの場合のみ非nil
	Strategy string          // マッチに成功した戦略名
}

// Roster はアカウントディレクトリのスナップショットに対する検索インデックス。
// キーはすべて小文字に正規化される。
type Roster struct {
	byEmail    map[string]*model.Identity
	byUsername map[string]*model.Identity
	byTitle    map[string]*model.Identity
	owner      *model.Identity // 不明な場合はnil
}

// NewRoster はアカウントディレクトリのスナップショットからインデックスを構築する。
// ownerはオーナー除外判定に使用する（取得できなかった場合はnilでよい）。
func NewRoster(identities []model.Identity, owner *model.Identity) *Roster {
	r := &Roster{
		byEmail:    make(map[string]*model.Identity, len(identities)),
		byUsername: make(map[string]*model.Identity, len(identities)),
		byTitle:    make(map[string]*model.Identity, len(identities)),
		owner:      owner,
	}
	for i := range identities {
		id := &identities[i]
		if id.Email != "" {
			r.byEmail[strings.ToLower(id.Email)] = id
		}
		if id.Username != "" {
			r.byUsername[strings.ToLower(id.Username)] = id
		}
		if id.DisplayName != "" {
			r.byTitle[strings.ToLower(id.DisplayName)] = id
		}
	}
	return r
}

// strategy は1つのマッチング戦略。
// 戦略は純関数であり、ロスターと視聴者から候補を返すか、nilを返す。
type strategy struct {
	name string
	fn   func(r *Roster, username, email string) *model.Identity
}

// strategies は試行順のマッチング戦略リスト。
//  1. メールアドレスの完全一致（大文字小文字を区別しない、最も信頼できる）
//  2. ユーザー名の完全一致
//  3. 利用状況側ユーザー名とアカウント側表示名の一致
//  4. 重複回避サフィックス（".0"）を除去した上での (2)/(3) の再試行
var strategies = []strategy{
	{"email", matchByEmail},
	{"username", matchByUsername},
	{"display_name", matchByDisplayName},
	{"suffix_stripped", matchBySuffixStripped},
}

func matchByEmail(r *Roster, username, email string) *model.Identity {
	if email == "" {
		return nil
	}
	return r.byEmail[email]
}

func matchByUsername(r *Roster, username, email string) *model.Identity {
	if username == "" {
		return nil
	}
	return r.byUsername[username]
}

func matchByDisplayName(r *Roster, username, email string) *model.Identity {
	if username == "" {
		return nil
	}
	return r.byTitle[username]
}

func matchBySuffixStripped(r *Roster, username, email string) *model.Identity {
	if !strings.HasSuffix(username, duplicateSuffix) {
		return nil
	}
	base := strings.TrimSuffix(username, duplicateSuffix)
	if id := r.byUsername[base]; id != nil {
		return id
	}
	return r.byTitle[base]
}

// Match は1視聴者をアカウントディレクトリのユーザーに突き合わせる。
// ローカル再生の疑似ユーザーとオーナーアカウントは除外判定を返す。
// どの戦略でも対応付かない場合はVerdictUnmatchedを返す。
// 突き合わせの失敗がスキャンを中断することはない。
func (r *Roster) Match(viewer *model.Viewer) Result {
	if viewer.IsLocalPlayback() {
		return Result{Verdict: VerdictExcludedLocal}
	}

	username := strings.ToLower(viewer.Username)
	email := strings.ToLower(viewer.Email)

	for _, s := range strategies {
		if id := s.fn(r, username, email); id != nil {
			return Result{Verdict: VerdictMatched, Identity: id, Strategy: s.name}
		}
	}

	if r.isOwner(username, email) {
		return Result{Verdict: VerdictExcludedOwner}
	}

	return Result{Verdict: VerdictUnmatched}
}

// isOwner は視聴者がオーナーアカウントかどうかを判定する。
// オーナーは共有ユーザーの一覧に含まれないため、戦略での突き合わせに
// 失敗した視聴者についてのみ呼び出される。
func (r *Roster) isOwner(username, email string) bool {
	if r.owner == nil {
		return false
	}
	ownerUsername := strings.ToLower(r.owner.Username)
	ownerEmail := strings.ToLower(r.owner.Email)

	if ownerUsername != "" {
		if username == ownerUsername {
			return true
		}
		if strings.TrimSuffix(username, duplicateSuffix) == ownerUsername {
			return true
		}
	}
	if ownerEmail != "" && email == ownerEmail {
		return true
	}
	return false
}
