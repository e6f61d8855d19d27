package batch

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/pario-ai/llmbatch/pkg/models"
)

// Template renders a row into the prompt sent to the model. The data
// available to the template is the row itself: .Text, .ID, .Index and
// .Columns (other cells of the input record, by header name).
type Template struct {
	tmpl *template.Template
}

// ParseTemplate parses a text/template prompt. An empty template renders
// the row text unchanged.
func ParseTemplate(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		return &Template{}, nil
	}
	t, err := template.New("prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Template{tmpl: t}, nil
}

// Render executes the template for row.
func (t *Template) Render(row models.Row) (string, error) {
	if t == nil || t.tmpl == nil {
		return row.Text, nil
	}
	var b strings.Builder
	if err := t.tmpl.Execute(&b, row); err != nil {
		return "", fmt.Errorf("render prompt for row %d: %w", row.Index, err)
	}
	return b.String(), nil
}
