package clinical

import (
	"fmt"
	"strings"

	"github.com/ehr/bridge/internal/platform/hl7v2"
)

// Classifier sorts HL7v2 segments into a ClassifiedContent.
type Classifier struct {
	rules Rules
}

func NewClassifier(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// Rules returns the keyword sets in use.
func (c *Classifier) Rules() Rules {
	return c.rules
}

// Classify walks segments once, left to right. Unrecognised tags are
// ignored. Every OBX and NTE value lands in exactly one bucket and also in
// ClinicalText.
func (c *Classifier) Classify(segments []hl7v2.Segment) *ClassifiedContent {
	out := &ClassifiedContent{}

	for i := range segments {
		seg := &segments[i]
		switch seg.Name {
		case "PID":
			c.classifyPID(out, seg)
		case "OBX":
			c.classifyOBX(out, seg)
		case "NTE":
			c.classifyNTE(out, seg)
		case "DG1":
			if entry, ok := codedEntry(seg); ok {
				out.Bundle.DiagnosisCodes = append(out.Bundle.DiagnosisCodes, entry)
				out.ClinicalText = append(out.ClinicalText, formatCoded("Diagnosis", entry))
			}
		case "PR1":
			if entry, ok := codedEntry(seg); ok {
				out.Bundle.ProcedureCodes = append(out.Bundle.ProcedureCodes, entry)
				out.ClinicalText = append(out.ClinicalText, formatCoded("Procedure", entry))
			}
		}
	}
	return out
}

// ClassifyMessage is a convenience over Classify for a parsed message.
func (c *Classifier) ClassifyMessage(msg *hl7v2.Message) *ClassifiedContent {
	return c.Classify(msg.Segments)
}

func (c *Classifier) classifyPID(out *ClassifiedContent, seg *hl7v2.Segment) {
	// Last PID wins, including for demographics.
	out.PatientID = strings.TrimSpace(seg.GetComponent(3, 1))
	out.Demographics = Demographics{
		Family:    strings.TrimSpace(seg.GetComponent(5, 1)),
		Given:     strings.TrimSpace(seg.GetComponent(5, 2)),
		BirthDate: strings.TrimSpace(seg.GetField(7)),
		Gender:    strings.TrimSpace(seg.GetField(8)),
	}
}

func (c *Classifier) classifyOBX(out *ClassifiedContent, seg *hl7v2.Segment) {
	value := strings.TrimSpace(seg.GetField(5))
	if value == "" {
		return
	}
	out.ClinicalText = append(out.ClinicalText, value)

	obsType := strings.ToUpper(seg.GetField(3))
	b := &out.Bundle
	switch {
	case containsAny(obsType, c.rules.Discharge):
		b.DischargeSummary = append(b.DischargeSummary, value)
	case containsAny(obsType, c.rules.Finding):
		b.Findings = append(b.Findings, value)
	case containsAny(obsType, c.rules.Impression):
		b.Impressions = append(b.Impressions, value)
	case containsAny(obsType, c.rules.Recommendation):
		b.Recommendations = append(b.Recommendations, value)
	default:
		b.ReportText = append(b.ReportText, value)
	}
}

func (c *Classifier) classifyNTE(out *ClassifiedContent, seg *hl7v2.Segment) {
	note := strings.TrimSpace(seg.GetField(3))
	if note == "" {
		return
	}
	out.ClinicalText = append(out.ClinicalText, note)

	if containsAny(strings.ToUpper(note), c.rules.DischargeMarkers) {
		out.Bundle.DischargeSummary = append(out.Bundle.DischargeSummary, note)
		return
	}
	out.Bundle.ReportText = append(out.Bundle.ReportText, note)
}

// codedEntry reads a DG1/PR1 code from field 3 (first component) and its
// description from field 4, falling back to the second component of field 3.
func codedEntry(seg *hl7v2.Segment) (CodedEntry, bool) {
	code := strings.TrimSpace(seg.GetComponent(3, 1))
	if code == "" {
		return CodedEntry{}, false
	}
	desc := strings.TrimSpace(seg.GetField(4))
	if desc == "" {
		desc = strings.TrimSpace(seg.GetComponent(3, 2))
	}
	return CodedEntry{Code: code, Description: desc}, true
}

func formatCoded(label string, e CodedEntry) string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", label, e.Code)
	}
	return fmt.Sprintf("%s: %s - %s", label, e.Code, e.Description)
}
