package notify

import (
	"bytes"
	"errors"
	"text/template"
)

const DefaultTemplate = `[Order timer {{.LevelLabel}}]
Order: {{.OrderNumber}}
Timer: {{.Kind}}
Deadline: {{.EndsAt}}
Remaining: {{.Remaining}}
Order Status: {{.Status}}
Net Payable: {{.NetPayable}}
Suggestion: {{.Suggestion}}
{{ if .OrderURL }}
Open: {{.OrderURL}}
{{ end }}`

// TemplateData provides fields for rendering notification content.
type TemplateData struct {
	OrderID     string
	OrderNumber string
	Kind        string
	Level       string
	LevelLabel  string
	Urgent      bool
	EndsAt      string
	Remaining   string
	Status      string
	NetPayable  string
	Suggestion  string
	OrderURL    string
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
	parsed, err := template.New("timer-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to data.
func (t *Template) Render(data TemplateData) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("timer template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
