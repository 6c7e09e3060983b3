package conversion

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/bridge/internal/domain/clinical"
	"github.com/ehr/bridge/internal/platform/fhir"
)

// MessageSkippedDependency marks uploads never attempted because Patient failed.
const MessageSkippedDependency = "skipped - dependency failed"

// uploadOrder is the dependency order of the resource graph.
var uploadOrder = []string{fhir.KindPatient, fhir.KindObservation, fhir.KindDiagnosticReport}

// UploadOutcome is the result for one resource kind.
type UploadOutcome struct {
	Succeeded bool   `json:"succeeded"`
	Skipped   bool   `json:"skipped,omitempty"`
	Message   string `json:"message"`
	Attempts  int    `json:"attempts,omitempty"`
}

// PatientOutcome aggregates the uploads for one converted document.
type PatientOutcome struct {
	ConversionID       string                   `json:"conversionId"`
	PatientID          string                   `json:"patientId"`
	SubjectID          string                   `json:"subjectId"`
	Source             string                   `json:"source"`
	Format             clinical.Format          `json:"format"`
	IsDischargeSummary bool                     `json:"isDischargeSummary"`
	Uploads            map[string]UploadOutcome `json:"uploads"`
	CriticalSuccess    bool                     `json:"criticalSuccess"`
	CreatedAt          time.Time                `json:"createdAt"`
}

// Summary is the one-line human-readable outcome for operators.
func (o *PatientOutcome) Summary() string {
	parts := make([]string, 0, len(uploadOrder))
	for _, kind := range uploadOrder {
		u, ok := o.Uploads[kind]
		if !ok {
			continue
		}
		switch {
		case u.Succeeded:
			parts = append(parts, kind+" uploaded")
		case u.Skipped:
			parts = append(parts, kind+" "+u.Message)
		default:
			parts = append(parts, fmt.Sprintf("%s failed: %s", kind, u.Message))
		}
	}
	source := ""
	if o.Source != "" {
		source = " (" + o.Source + ")"
	}
	return fmt.Sprintf("Patient %s%s: %s", o.PatientID, source, strings.Join(parts, "; "))
}

// Level is the severity of a batch message.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is one operator-facing line of a batch report.
type Message struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// File is one uploaded patient-data file.
type File struct {
	Name string
	Data []byte
}

// ImagingInstance is a (patient, SOP instance) pair already accepted by the
// imaging repository.
type ImagingInstance struct {
	PatientID  string `json:"patientId"`
	InstanceID string `json:"instanceId"`
}
