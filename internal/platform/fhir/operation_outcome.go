package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationOutcome severity levels (FHIR R4 issue-severity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the bridge.
const (
	IssueTypeInvalid    = "invalid"
	IssueTypeRequired   = "required"
	IssueTypeNotFound   = "not-found"
	IssueTypeProcessing = "processing"
	IssueTypeTransient  = "transient"
	IssueTypeException  = "exception"
)

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Diagnostics joins the human-readable text of every issue. Issues without
// diagnostics fall back to details.text, then to "<severity>: <code>".
func (o *OperationOutcome) Diagnostics() string {
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			parts = append(parts, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Text != "":
			parts = append(parts, issue.Details.Text)
		default:
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Severity, issue.Code))
		}
	}
	return strings.Join(parts, "; ")
}

// RequiredFieldsOutcome creates an OperationOutcome with one "required" issue
// per missing element.
func RequiredFieldsOutcome(kind string, fields []string) *OperationOutcome {
	oo := &OperationOutcome{ResourceType: KindOperationOutcome}
	for _, f := range fields {
		oo.Issue = append(oo.Issue, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: fmt.Sprintf("%s.%s is required", kind, f),
			Expression:  []string{kind + "." + f},
		})
	}
	return oo
}

// ParseOutcome decodes body as an OperationOutcome. It reports false when the
// body is not JSON or is some other resource type.
func ParseOutcome(body []byte) (*OperationOutcome, bool) {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return nil, false
	}
	if oo.ResourceType != KindOperationOutcome {
		return nil, false
	}
	return &oo, true
}

// ResponseDiagnostics extracts server-provided diagnostic text from an error
// response. Structured OperationOutcome bodies yield their issue text; any
// other body is returned trimmed and truncated to limit characters.
func ResponseDiagnostics(body []byte, limit int) string {
	if oo, ok := ParseOutcome(body); ok {
		if d := oo.Diagnostics(); d != "" {
			return d
		}
	}
	text := strings.TrimSpace(string(body))
	if limit > 0 {
		if r := []rune(text); len(r) > limit {
			text = string(r[:limit]) + "..."
		}
	}
	return text
}
