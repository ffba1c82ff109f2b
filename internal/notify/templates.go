package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

// templateData はメールテンプレートに渡す共通データ。
// DisplayNameは埋め込み前にサニタイズ済みであること。
type templateData struct {
	DisplayName  string
	Email        string
	UserID       string
	InactiveDays int
	DaysLeft     int
	KickDays     int
	Reason       string
	Status       string
	Timestamp    string
}

// baseStyle は全メールに共通のダークテーマスタイル。
const baseStyle = `body{background:#0d1117;color:#c9d1d9;font-family:'Courier New',monospace;padding:24px}` +
	`.card{max-width:560px;margin:0 auto;background:#161b22;border:1px solid #30363d;border-radius:8px;padding:32px}` +
	`.title{color:#58a6ff;font-size:20px;margin-bottom:16px}` +
	`.accent{color:#3fb950}.warn{color:#d29922}.danger{color:#f85149}` +
	`.meta{color:#8b949e;font-size:12px;margin-top:24px;border-top:1px solid #30363d;padding-top:12px}`

var welcomeTemplate = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html><head><style>` + baseStyle + `</style></head><body><div class="card">
<div class="title">Welcome aboard</div>
<p>Hi <span class="accent">{{.DisplayName}}</span>,</p>
<p>Your access to the Centauri media server is now active. Fire up Plex, sign in, and start streaming.</p>
<p>One house rule: the server removes members who go inactive for {{.KickDays}} days, so drop by every now and then.</p>
<div class="meta">Centauri Guardian &middot; {{.Timestamp}}</div>
</div></body></html>`))

var warnTemplate = template.Must(template.New("warn").Parse(`<!DOCTYPE html>
<html><head><style>` + baseStyle + `</style></head><body><div class="card">
<div class="title warn">Inactivity notice</div>
<p>Hi <span class="accent">{{.DisplayName}}</span>,</p>
<p>You haven't watched anything in <span class="warn">{{.InactiveDays}} days</span>. Access is removed after {{.KickDays}} days of inactivity, which leaves you <span class="warn">{{.DaysLeft}} day(s)</span> to watch something &mdash; anything at all &mdash; to keep your spot.</p>
<div class="meta">Centauri Guardian &middot; {{.Timestamp}}</div>
</div></body></html>`))

var removalTemplate = template.Must(template.New("removal").Parse(`<!DOCTYPE html>
<html><head><style>` + baseStyle + `</style></head><body><div class="card">
<div class="title danger">Access revoked</div>
<p>Hi <span class="accent">{{.DisplayName}}</span>,</p>
<p>Your access to the Centauri media server was removed after <span class="danger">{{.InactiveDays}} days</span> of inactivity.</p>
<p>If you'd like to come back, reach out to the admin and we'll get you set up again.</p>
<div class="meta">Centauri Guardian &middot; {{.Timestamp}}</div>
</div></body></html>`))

var adminJoinTemplate = template.Must(template.New("adminJoin").Parse(`<!DOCTYPE html>
<html><head><style>` + baseStyle + `</style></head><body><div class="card">
<div class="title accent">New member onboarded</div>
<p>User: <span class="accent">{{.DisplayName}}</span></p>
<p>Email: {{.Email}}</p>
<p>ID: {{.UserID}}</p>
<p>A welcome email has been sent and the inactivity clock is running.</p>
<div class="meta">Centauri Guardian &middot; {{.Timestamp}}</div>
</div></body></html>`))

var adminWarnTemplate = template.Must(template.New("adminWarn").Parse(`<!DOCTYPE html>
<html><head><style>` + baseStyle + `</style></head><body><div class="card">
<div class="title warn">Inactivity warning sent</div>
<p>User: <span class="accent">{{.DisplayName}}</span> ({{.Email}})</p>
<p>Inactive for {{.InactiveDays}} days, {{.DaysLeft}} day(s) left before removal.</p>
<div class="meta">Centauri Guardian &middot; {{.Timestamp}}</div>
</div></body></html>`))

var adminRemovalTemplate = template.Must(template.New("adminRemoval").Parse(`<!DOCTYPE html>
<html><head><style>` + baseStyle + `</style></head><body><div class="card">
<div class="title danger">Member removal {{.Status}}</div>
<p>User: <span class="accent">{{.DisplayName}}</span> ({{.Email}})</p>
<p>ID: {{.UserID}}</p>
<p>Inactive for {{.InactiveDays}} days.</p>
<p>Result: {{.Reason}}</p>
<div class="meta">Centauri Guardian &middot; {{.Timestamp}}</div>
</div></body></html>`))

// renderTemplate はテンプレートを実行してHTML文字列を返す。
func renderTemplate(tmpl *template.Template, data templateData) (string, error) {
	if data.Timestamp == "" {
		data.Timestamp = time.Now().UTC().Format("2006-01-02 15:04 UTC")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
