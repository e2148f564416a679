package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Gateway {{.EventLabel}}]
Event: {{.EventType}}
Source: {{.Source}}
{{ if .Key }}Subject: {{.Key}}
{{ end }}Time: {{.OccurredAt}}
{{ if .Error }}Error: {{.Error}}
{{ end }}Suggestion: {{.Suggestion}}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	EventType  string
	EventLabel string
	Source     string
	Key        string
	OccurredAt string
	Error      string
	Suggestion string
}

// Template renders notification content.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a notification template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("gateway-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("notify template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
