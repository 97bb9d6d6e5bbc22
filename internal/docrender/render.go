// Package docrender produces the final approval document for a fully
// approved request from a configurable text template.
package docrender

import (
	"bytes"
	"fmt"
	"text/template"
	"time"
)

// Data carries everything the approval template can reference.
type Data struct {
	Organization string
	ReferenceNo  string
	RequestID    string
	RequestType  string
	Requester    string
	SubmittedAt  string
	ApprovedAt   string
	Fields       map[string]any
	Approvals    []Approval
}

// Approval is one completed step in the chain, in step order.
type Approval struct {
	Step     string
	Approver string
	Action   string
	Comment  string
	ActedAt  string
}

// DefaultTemplate is used when the config does not override
// documents.approval_template.
const DefaultTemplate = `{{.Organization}}
APPROVAL DOCUMENT

Reference: {{.ReferenceNo}}
Request:   {{.RequestType}}
Requester: {{.Requester}}
Submitted: {{.SubmittedAt}}
Approved:  {{.ApprovedAt}}

Approvals:
{{- range .Approvals}}
  {{.Step}}: {{.Approver}} ({{.Action}}{{if .Comment}}, "{{.Comment}}"{{end}}) at {{.ActedAt}}
{{- end}}
`

// Renderer renders approval documents. A zero Renderer uses
// DefaultTemplate and time.Now.
type Renderer struct {
	Template string
	Now      func() time.Time
}

func (r Renderer) Render(data Data) (string, error) {
	text := r.Template
	if text == "" {
		text = DefaultTemplate
	}
	if data.ApprovedAt == "" {
		now := time.Now
		if r.Now != nil {
			now = r.Now
		}
		data.ApprovedAt = now().UTC().Format(time.RFC3339)
	}
	tmpl, err := template.New("approval").Parse(text)
	if err != nil {
		return "", fmt.Errorf("docrender: parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("docrender: render: %w", err)
	}
	return buf.String(), nil
}
