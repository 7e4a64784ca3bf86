package drafting

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// Template is a subject and body pair rendered against a Request.
type Template struct {
	Subject string
	Body    string
}

var defaultTemplates = map[string]Template{
	"introduction": {
		Subject: "Quick introduction{{ if .LeadCompany }} for {{ .LeadCompany }}{{ end }}",
		Body:    "Hi {{ firstName .LeadName }},\n\nI wanted to introduce myself{{ if .SenderName }}, I'm {{ .SenderName }}{{ end }}.\n\nBest regards",
	},
	"follow_up": {
		Subject: "Following up",
		Body:    "Hi {{ firstName .LeadName }},\n\nJust following up on my previous email.\n\nBest regards",
	},
	"breakup": {
		Subject: "Closing the loop",
		Body:    "Hi {{ firstName .LeadName }},\n\nI haven't heard back, so I'll stop reaching out for now.\n\nBest regards",
	},
}

var funcs = template.FuncMap{
	"firstName": func(name string) string {
		fields := strings.Fields(name)
		if len(fields) == 0 {
			return "there"
		}

		return fields[0]
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// TemplateDrafter renders drafts from text templates keyed by email type. It
// is used in development and as the preview drafter.
type TemplateDrafter struct {
	templates map[string]*template.Template
}

// NewTemplateDrafter builds a drafter from the built in templates merged with
// overrides.
func NewTemplateDrafter(overrides map[string]Template) (*TemplateDrafter, error) {
	sources := make(map[string]Template, len(defaultTemplates)+len(overrides))

	for emailType, tpl := range defaultTemplates {
		sources[emailType] = tpl
	}

	for emailType, tpl := range overrides {
		sources[emailType] = tpl
	}

	d := &TemplateDrafter{templates: make(map[string]*template.Template, len(sources))}

	for emailType, tpl := range sources {
		parsed, err := template.New(emailType).Funcs(funcs).Parse(`{{ define "subject" }}` + tpl.Subject + `{{ end }}{{ define "body" }}` + tpl.Body + `{{ end }}`)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", emailType, err)
		}

		d.templates[emailType] = parsed
	}

	return d, nil
}

func (d *TemplateDrafter) Draft(_ context.Context, req Request) (Draft, error) {
	tpl, ok := d.templates[req.EmailType]
	if !ok {
		tpl = d.templates["follow_up"]
	}

	if tpl == nil {
		return Draft{}, fmt.Errorf("%w: no template for %q", ErrDraftFailed, req.EmailType)
	}

	var subject, body bytes.Buffer

	err := tpl.ExecuteTemplate(&subject, "subject", req)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %w", ErrDraftFailed, err)
	}

	err = tpl.ExecuteTemplate(&body, "body", req)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %w", ErrDraftFailed, err)
	}

	draft := Draft{Subject: strings.TrimSpace(subject.String()), Body: strings.TrimSpace(body.String())}
	if draft.Empty() {
		return Draft{}, ErrEmptyDraft
	}

	return draft, nil
}
