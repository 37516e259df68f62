package digest

import (
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/openparl/commons-tracker/internal/parliament"
)

// MemberSection is one followed member's slice of the digest.
type MemberSection struct {
	Member  parliament.Member
	Summary parliament.ActivitySummary
}

// Active reports whether the member did anything in the window.
func (s MemberSection) Active() bool { return !s.Summary.Empty() }

// Content is everything one digest email is rendered from.
type Content struct {
	WeekStart time.Time
	WeekEnd   time.Time
	Members   []MemberSection
}

// Subject builds the email subject line.
func (c Content) Subject() string {
	return fmt.Sprintf("Your parliamentary digest for the week of %s", c.WeekEnd.Format("January 2, 2006"))
}

const textTemplateSrc = `Parliamentary activity {{.WeekStart.Format "Jan 2"}} to {{.WeekEnd.Format "Jan 2, 2006"}}
{{range .Members}}
{{.Member.FullName}} ({{.Member.Party}}{{if .Member.Constituency}}, {{.Member.Constituency}}{{end}})
{{- if .Active}}
{{- if .Summary.Votes}}
  Votes: {{len .Summary.Votes}} recorded division{{if gt (len .Summary.Votes) 1}}s{{end}}
{{- end}}
{{- if .Summary.Bills}}
  Bills: {{len .Summary.Bills}} with new activity
{{- end}}
{{- if .Summary.Petitions}}
  Petitions: {{len .Summary.Petitions}} presented
{{- end}}
{{- if .Summary.Committees}}
  Committees: {{len .Summary.Committees}} with activity
{{- end}}
{{- if .Summary.Expenses}}
  Expenses: {{len .Summary.Expenses}} new filing{{if gt (len .Summary.Expenses) 1}}s{{end}}
{{- end}}
{{- else}}
  No recorded activity this week.
{{- end}}
{{end}}`

const htmlTemplateSrc = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
<h2>Parliamentary activity {{.WeekStart.Format "Jan 2"}} to {{.WeekEnd.Format "Jan 2, 2006"}}</h2>
{{range .Members}}
<h3>{{.Member.FullName}} <small>({{.Member.Party}}{{if .Member.Constituency}}, {{.Member.Constituency}}{{end}})</small></h3>
{{if .Active}}
<ul>
{{if .Summary.Votes}}<li><strong>{{len .Summary.Votes}}</strong> recorded division{{if gt (len .Summary.Votes) 1}}s{{end}}</li>{{end}}
{{if .Summary.Bills}}<li><strong>{{len .Summary.Bills}}</strong> bill{{if gt (len .Summary.Bills) 1}}s{{end}} with new activity</li>{{end}}
{{if .Summary.Petitions}}<li><strong>{{len .Summary.Petitions}}</strong> petition{{if gt (len .Summary.Petitions) 1}}s{{end}} presented</li>{{end}}
{{if .Summary.Committees}}<li><strong>{{len .Summary.Committees}}</strong> committee{{if gt (len .Summary.Committees) 1}}s{{end}} with activity</li>{{end}}
{{if .Summary.Expenses}}<li><strong>{{len .Summary.Expenses}}</strong> expense filing{{if gt (len .Summary.Expenses) 1}}s{{end}}</li>{{end}}
</ul>
{{else}}
<p>No recorded activity this week.</p>
{{end}}
{{end}}
</body>
</html>`

// Renderer produces both digest representations from parsed templates.
type Renderer struct {
	text *texttemplate.Template
	html *template.Template
}

// NewRenderer parses the built-in templates. Parse errors are
// programming errors caught at startup.
func NewRenderer() (*Renderer, error) {
	text, err := texttemplate.New("digest").Parse(textTemplateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse text template: %w", err)
	}
	html, err := template.New("digest").Parse(htmlTemplateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse html template: %w", err)
	}
	return &Renderer{text: text, html: html}, nil
}

// Render produces the plain-text and HTML bodies.
func (r *Renderer) Render(c Content) (text, html string, err error) {
	var tb, hb strings.Builder
	if err := r.text.Execute(&tb, c); err != nil {
		return "", "", fmt.Errorf("execute text template: %w", err)
	}
	if err := r.html.Execute(&hb, c); err != nil {
		return "", "", fmt.Errorf("execute html template: %w", err)
	}
	return tb.String(), hb.String(), nil
}
