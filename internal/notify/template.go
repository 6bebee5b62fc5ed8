package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Plant Health {{.EventLabel}}]
Device: {{.DeviceID}}
Species: {{.Species}}
Labels: {{.Labels}}
Detected: {{.DetectedAt}}
Suggestion: {{.Suggestion}}
{{ if .DashboardURL }}
Dashboard: {{.DashboardURL}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	DeviceID     string
	Species      string
	Labels       string
	DetectedAt   string
	Suggestion   string
	DashboardURL string
	Event        string
	EventLabel   string
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
	parsed, err := template.New("alert-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("alert template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
