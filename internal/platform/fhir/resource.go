package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Resource kinds produced by the bridge.
const (
	KindPatient          = "Patient"
	KindObservation      = "Observation"
	KindDiagnosticReport = "DiagnosticReport"
	KindOperationOutcome = "OperationOutcome"
	KindBundle           = "Bundle"
)

// Code systems.
const (
	SystemLOINC               = "http://loinc.org"
	SystemV2DiagnosticService = "http://terminology.hl7.org/CodeSystem/v2-0074"
	SystemObservationCategory = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemPatientIdentifier   = "urn:ehr-bridge:patient-id"
)

// Resource is implemented by every structured resource the bridge uploads.
type Resource interface {
	Kind() string
	ResourceID() string
}

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// Patient is the subject resource: identity plus a demographic stub.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"`
	BirthDate    string       `json:"birthDate,omitempty"`
}

func (p *Patient) Kind() string       { return KindPatient }
func (p *Patient) ResourceID() string { return p.ID }

// Observation carries one clinical-note synopsis.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id"`
	Meta              *Meta             `json:"meta,omitempty"`
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	ValueString       string            `json:"valueString,omitempty"`
}

func (o *Observation) Kind() string       { return KindObservation }
func (o *Observation) ResourceID() string { return o.ID }

// DiagnosticReport carries the full categorized conclusion for a patient.
type DiagnosticReport struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id"`
	Meta              *Meta             `json:"meta,omitempty"`
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              *CodeableConcept  `json:"code,omitempty"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	Conclusion        string            `json:"conclusion,omitempty"`
}

func (d *DiagnosticReport) Kind() string       { return KindDiagnosticReport }
func (d *DiagnosticReport) ResourceID() string { return d.ID }

// SubjectReference builds the relative reference "Patient/<id>".
func SubjectReference(patientID string) *Reference {
	return &Reference{Reference: KindPatient + "/" + patientID}
}

// requiredFields lists the top-level elements a resource of each kind must
// carry before it is sent anywhere.
var requiredFields = map[string][]string{
	KindPatient:          {"resourceType", "id"},
	KindObservation:      {"resourceType", "id", "status", "code", "subject"},
	KindDiagnosticReport: {"resourceType", "id", "status", "code", "subject"},
}

// MissingFields returns the required top-level elements absent from r, in
// declaration order. Unknown kinds only need resourceType and id.
func MissingFields(r Resource) ([]string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", r.Kind(), err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", r.Kind(), err)
	}

	required, ok := requiredFields[r.Kind()]
	if !ok {
		required = []string{"resourceType", "id"}
	}

	var missing []string
	for _, name := range required {
		if isEmptyElement(doc[name]) {
			missing = append(missing, name)
		}
	}
	if rt, _ := doc["resourceType"].(string); rt != "" && rt != r.Kind() {
		missing = append(missing, fmt.Sprintf("resourceType (got %q, want %q)", rt, r.Kind()))
	}
	return missing, nil
}

func isEmptyElement(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]interface{}:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: KindOperationOutcome,
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// Bundle is the subset of a searchset Bundle the bridge reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}
