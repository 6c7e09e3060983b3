package conversion

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ehr/bridge/internal/domain/clinical"
	"github.com/ehr/bridge/internal/platform/fhir"
)

const (
	// idSpace bounds the numeric suffix of hash-derived resource ids.
	idSpace = 100000

	// maxObservationText caps Observation.valueString, in characters.
	maxObservationText = 1000

	placeholderText = "No clinical text available"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

var idReplacer = strings.NewReplacer(".", "-", "_", "-", " ", "-")

// Input is everything the builder needs for one patient.
type Input struct {
	RawPatientID string
	ReportText   string
	// Content is nil for documents that were not classified (JSON, text).
	Content      *clinical.ClassifiedContent
	Demographics clinical.Demographics
	Issued       time.Time
}

// Resources is the linked graph produced for one patient.
type Resources struct {
	Patient            *fhir.Patient
	Observation        *fhir.Observation
	DiagnosticReport   *fhir.DiagnosticReport
	IsDischargeSummary bool
}

// Ordered returns the resources in upload order.
func (r *Resources) Ordered() []fhir.Resource {
	return []fhir.Resource{r.Patient, r.Observation, r.DiagnosticReport}
}

// PatientResourceID sanitizes raw into a repository-safe id, falling back to
// a hash-derived "patient-<n>" when the sanitized form still contains
// characters outside [A-Za-z0-9-].
func PatientResourceID(raw string) string {
	id := idReplacer.Replace(raw)
	if validID.MatchString(id) {
		return id
	}
	return fmt.Sprintf("patient-%d", stableHash(raw))
}

// RoleResourceID derives the id of a dependent resource from the raw patient
// identifier and a role suffix. The same inputs always give the same id.
func RoleResourceID(raw, role string) string {
	return fmt.Sprintf("%s-%d", role, stableHash(raw+role))
}

func stableHash(s string) uint64 {
	return xxhash.Sum64String(s) % idSpace
}

// Build maps one patient's classified content into Patient, Observation and
// DiagnosticReport. It has no side effects.
func Build(in Input) *Resources {
	issued := in.Issued
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	patientID := PatientResourceID(in.RawPatientID)
	subject := fhir.SubjectReference(patientID)

	var bundle *clinical.Bundle
	if in.Content != nil {
		bundle = &in.Content.Bundle
	}
	discharge := bundle.IsDischargeSummary()

	obs := &fhir.Observation{
		ResourceType: fhir.KindObservation,
		ID:           RoleResourceID(in.RawPatientID, "observation"),
		Status:       "final",
		Category: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{
				System:  fhir.SystemObservationCategory,
				Code:    "exam",
				Display: "Exam",
			}},
		}},
		Code: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  fhir.SystemLOINC,
				Code:    "34109-9",
				Display: "Note",
			}},
			Text: "Clinical note",
		},
		Subject:           subject,
		EffectiveDateTime: issued.Format(time.RFC3339),
		ValueString:       observationText(bundle, in.ReportText),
	}

	dr := &fhir.DiagnosticReport{
		ResourceType:      fhir.KindDiagnosticReport,
		ID:                RoleResourceID(in.RawPatientID, "diagnostic-report"),
		Status:            "final",
		Subject:           subject,
		EffectiveDateTime: issued.Format(time.RFC3339),
		Issued:            issued.Format(time.RFC3339),
		Conclusion:        conclusion(bundle, in.ReportText),
	}
	if discharge {
		dr.Category = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "18842-5", Display: "Discharge summary"}},
		}}
		dr.Code = &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "18842-5", Display: "Discharge summary"}},
			Text:   "Discharge summary",
		}
	} else {
		dr.Category = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemV2DiagnosticService, Code: "LAB", Display: "Laboratory"}},
		}}
		dr.Code = &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemLOINC, Code: "11502-2", Display: "Laboratory report"}},
			Text:   "Laboratory report",
		}
	}

	return &Resources{
		Patient:            buildPatient(patientID, in.RawPatientID, in.Demographics),
		Observation:        obs,
		DiagnosticReport:   dr,
		IsDischargeSummary: discharge,
	}
}

func buildPatient(id, raw string, d clinical.Demographics) *fhir.Patient {
	p := &fhir.Patient{
		ResourceType: fhir.KindPatient,
		ID:           id,
		Identifier: []fhir.Identifier{{
			Use:    "usual",
			System: fhir.SystemPatientIdentifier,
			Value:  raw,
		}},
		Gender:    mapGender(d.Gender),
		BirthDate: mapBirthDate(d.BirthDate),
	}
	if d.Family != "" || d.Given != "" {
		name := fhir.HumanName{Use: "official", Family: d.Family}
		if d.Given != "" {
			name.Given = strings.Fields(d.Given)
		}
		p.Name = []fhir.HumanName{name}
	}
	return p
}

// observationText truncates the report text to maxObservationText runes.
// Documents without a classified bundle get the placeholder.
func observationText(b *clinical.Bundle, text string) string {
	text = strings.TrimSpace(text)
	if b == nil || text == "" {
		return placeholderText
	}
	if r := []rune(text); len(r) > maxObservationText {
		return string(r[:maxObservationText])
	}
	return text
}

// conclusion assembles the labelled blocks in fixed order. Only non-empty
// blocks get a header.
func conclusion(b *clinical.Bundle, reportText string) string {
	var blocks []string
	if b != nil {
		if len(b.DischargeSummary) > 0 {
			blocks = append(blocks, "=== DISCHARGE SUMMARY ===\n"+strings.Join(b.DischargeSummary, "\n"))
		}
		blocks = appendBlock(blocks, "FINDINGS:", b.Findings)
		blocks = appendBlock(blocks, "IMPRESSIONS:", b.Impressions)
		blocks = appendBlock(blocks, "RECOMMENDATIONS:", b.Recommendations)
		blocks = appendBlock(blocks, "DIAGNOSES:", codedLines(b.DiagnosisCodes))
		blocks = appendBlock(blocks, "PROCEDURES:", codedLines(b.ProcedureCodes))
		blocks = appendBlock(blocks, "ADDITIONAL NOTES:", b.ReportText)
	}
	if len(blocks) > 0 {
		return strings.Join(blocks, "\n\n")
	}
	if text := strings.TrimSpace(reportText); text != "" {
		return text
	}
	return placeholderText
}

func appendBlock(blocks []string, header string, lines []string) []string {
	if len(lines) == 0 {
		return blocks
	}
	items := make([]string, len(lines))
	for i, l := range lines {
		items[i] = "- " + l
	}
	return append(blocks, header+"\n"+strings.Join(items, "\n"))
}

func codedLines(entries []clinical.CodedEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Description == "" {
			lines = append(lines, e.Code)
			continue
		}
		lines = append(lines, e.Code+": "+e.Description)
	}
	return lines
}

func mapGender(g string) string {
	switch strings.ToUpper(strings.TrimSpace(g)) {
	case "M", "MALE":
		return "male"
	case "F", "FEMALE":
		return "female"
	case "O", "OTHER", "A", "N":
		return "other"
	case "U", "UNKNOWN":
		return "unknown"
	default:
		return ""
	}
}

// mapBirthDate converts HL7 YYYYMMDD[hhmm...] to YYYY-MM-DD. Values already
// in FHIR date form pass through; anything else is dropped.
func mapBirthDate(d string) string {
	d = strings.TrimSpace(d)
	if len(d) >= 8 {
		if t, err := time.Parse("20060102", d[:8]); err == nil {
			return t.Format("2006-01-02")
		}
	}
	if _, err := time.Parse("2006-01-02", d); err == nil {
		return d
	}
	return ""
}
