package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

// IssueSummary is the slice of an audit issue shown in emails.
type IssueSummary struct {
	ID            string
	SerialNumber  int
	Process       string
	EntityCovered string
	Observation   string
	Timeline      string
	Link          string
}

// EvidenceItem is one submitted evidence line.
type EvidenceItem struct {
	Kind string
	Name string
	Text string
}

const layoutHTML = `<html><body style="font-family:Segoe UI,Arial,sans-serif;font-size:14px;color:#222">
<p>Dear {{.Audience}},</p>
{{template "content" .}}
<table cellpadding="6" style="border-collapse:collapse;border:1px solid #ddd;margin-top:12px">
<tr><td><b>Serial No.</b></td><td>{{.Issue.SerialNumber}}</td></tr>
<tr><td><b>Process</b></td><td>{{.Issue.Process}}</td></tr>
<tr><td><b>Entity Covered</b></td><td>{{.Issue.EntityCovered}}</td></tr>
<tr><td><b>Observation</b></td><td>{{.Issue.Observation}}</td></tr>
{{if .Issue.Timeline}}<tr><td><b>Due Date</b></td><td>{{.Issue.Timeline}}</td></tr>{{end}}
</table>
{{if .Issue.Link}}<p><a href="{{.Issue.Link}}">Open the issue in the audit tracker</a></p>{{end}}
<p>This is an automated message from the Audit Issue Tracker.</p>
</body></html>`

const evidenceSubmittedHTML = `{{define "content"}}<p>New evidence was submitted by <b>{{.Actor}}</b> for the audit issue below.</p>
<ul>{{range .Items}}{{if eq .Kind "text"}}<li>Comment: {{.Text}}</li>{{else}}<li>File: {{.Name}}</li>{{end}}{{end}}</ul>{{end}}`

const evidenceReviewedHTML = `{{define "content"}}<p>{{.Lead}}</p>
{{if .Comments}}<p><b>Review comments:</b> {{.Comments}}</p>{{end}}
<p>Reviewed by {{.Actor}}.</p>{{end}}`

var (
	evidenceSubmittedTmpl = template.Must(template.Must(template.New("layout").Parse(layoutHTML)).Parse(evidenceSubmittedHTML))
	evidenceReviewedTmpl  = template.Must(template.Must(template.New("layout").Parse(layoutHTML)).Parse(evidenceReviewedHTML))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// EvidenceSubmitted builds the mail sent to one stakeholder group after an evidence upload.
func EvidenceSubmitted(issue IssueSummary, audience string, actor string, items []EvidenceItem, to []string) (Message, error) {
	html, err := render(evidenceSubmittedTmpl, map[string]any{
		"Audience": audience,
		"Actor":    actor,
		"Items":    items,
		"Issue":    issue,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Evidence submitted for audit issue #%d", issue.SerialNumber),
		HTML:    html,
	}, nil
}

// EvidenceReviewed builds the review outcome mail; subject and lead vary with status.
func EvidenceReviewed(issue IssueSummary, audience string, actor string, status string, comments string, to []string) (Message, error) {
	var subject, lead string
	switch status {
	case "Accepted":
		subject = fmt.Sprintf("Evidence accepted for audit issue #%d", issue.SerialNumber)
		lead = "The evidence submitted for the audit issue below has been accepted. The issue is now marked as Received."
	case "Partially Accepted":
		subject = fmt.Sprintf("Evidence partially accepted for audit issue #%d", issue.SerialNumber)
		lead = "The evidence submitted for the audit issue below has been partially accepted. Please submit the remaining evidence."
	default:
		subject = fmt.Sprintf("Additional evidence required for audit issue #%d", issue.SerialNumber)
		lead = "The evidence submitted for the audit issue below was found insufficient. Please upload additional evidence."
	}
	html, err := render(evidenceReviewedTmpl, map[string]any{
		"Audience": audience,
		"Actor":    actor,
		"Lead":     lead,
		"Comments": comments,
		"Issue":    issue,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: subject, HTML: html}, nil
}
