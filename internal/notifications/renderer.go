package notifications

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// previewLength is the number of runes of user content shown in an email.
const previewLength = 100

// Renderer renders notification emails from templates.
type Renderer struct {
	templates map[string]*template.Template
	baseURL   string
}

type templateData struct {
	Data    payload
	BaseURL string
}

// NewRenderer creates a new renderer and loads all templates. baseURL is
// used to build links back to the site; empty omits them.
func NewRenderer(baseURL string) (*Renderer, error) {
	funcMap := template.FuncMap{
		"title":   titleCase,
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"preview": preview,
	}

	r := &Renderer{
		templates: make(map[string]*template.Template),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}

	for _, name := range JobNames {
		filename := fmt.Sprintf("templates/%s.tmpl", name)

		content, err := templatesFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", filename, err)
		}

		tmpl, err := template.New(name).Funcs(funcMap).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}

		r.templates[name] = tmpl
	}

	return r, nil
}

// Render returns subject and body for a decoded payload of the named job.
func (r *Renderer) Render(name string, p payload) (subject, body string, err error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{Data: p, BaseURL: r.baseURL}); err != nil {
		return "", "", fmt.Errorf("execute template %s: %w", name, err)
	}

	return renderSubject(name, p), strings.TrimSpace(buf.String()), nil
}

func renderSubject(name string, p payload) string {
	switch name {
	case JobCommentNotification:
		return "New comment on your confession"
	case JobReplyNotification:
		return "New reply to your comment"
	case JobMessageNotification:
		if m, ok := p.(*MessagePayload); ok && m.MessageCount > 1 {
			return fmt.Sprintf("You have %d new messages", m.MessageCount)
		}
		return "You have a new message"
	case JobReactionNotification:
		return "Someone reacted to your confession"
	case JobReportNotification:
		return "[Moderation] Confession reported"
	default:
		return "Notification"
	}
}

// Template functions

// titleCase builds a caser per call; a Caser must not be shared between goroutines.
func titleCase(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

// preview truncates s to previewLength runes, appending "..." when cut.
func preview(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewLength]) + "..."
}
