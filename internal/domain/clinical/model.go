package clinical

import "strings"

// Placeholder report texts used when a document carries no clinical text.
const (
	PlaceholderHL7  = "HL7 message processed"
	PlaceholderJSON = "JSON patient data processed"
	PlaceholderText = "Text data processed"
)

// CodedEntry is a diagnosis or procedure code with its description.
type CodedEntry struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Bundle holds clinical text sorted into mutually exclusive buckets.
type Bundle struct {
	Findings         []string     `json:"findings,omitempty"`
	Impressions      []string     `json:"impressions,omitempty"`
	Recommendations  []string     `json:"recommendations,omitempty"`
	DischargeSummary []string     `json:"dischargeSummary,omitempty"`
	ReportText       []string     `json:"reportText,omitempty"`
	DiagnosisCodes   []CodedEntry `json:"diagnosisCodes,omitempty"`
	ProcedureCodes   []CodedEntry `json:"procedureCodes,omitempty"`
}

// IsDischargeSummary reports whether any discharge content was classified.
func (b *Bundle) IsDischargeSummary() bool {
	return b != nil && len(b.DischargeSummary) > 0
}

// Demographics is the subset of PID used to stub the Patient resource.
type Demographics struct {
	Family    string `json:"family,omitempty"`
	Given     string `json:"given,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
	Gender    string `json:"gender,omitempty"`
}

func (d Demographics) IsZero() bool {
	return d == Demographics{}
}

// ClassifiedContent is the classifier output for one message.
type ClassifiedContent struct {
	PatientID    string       `json:"patientId,omitempty"`
	Demographics Demographics `json:"demographics"`
	ClinicalText []string     `json:"clinicalText,omitempty"`
	Bundle       Bundle       `json:"bundle"`
}

// ReportText is the plain-text rendition of every classified line.
func (c *ClassifiedContent) ReportText() string {
	if len(c.ClinicalText) == 0 {
		return PlaceholderHL7
	}
	return strings.Join(c.ClinicalText, "\n")
}
