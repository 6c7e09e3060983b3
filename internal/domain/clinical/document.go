package clinical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ehr/bridge/internal/platform/hl7v2"
)

// Format is the detected encoding of a patient-data file.
type Format string

const (
	FormatHL7  Format = "hl7"
	FormatJSON Format = "json"
	FormatText Format = "text"
)

var (
	// ErrUnsupportedFormat is returned for files that are not .json, .hl7 or .txt.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrMissingPatientID is returned when a document was read but carried no
	// patient identifier.
	ErrMissingPatientID = errors.New("no patient identifier found")
)

// ParseError reports a document that could not be decoded at all.
type ParseError struct {
	Name   string
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s document %s: %v", e.Format, e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// segmentTags are the tags that mark a .txt file as HL7v2.
var segmentTags = []string{"MSH", "PID", "PV1", "OBR", "OBX", "NTE", "DG1", "PR1", "EVN", "ORC"}

// Document is the result of reading one patient-data file.
type Document struct {
	Name         string             `json:"name"`
	Format       Format             `json:"format"`
	PatientID    string             `json:"patientId"`
	ReportText   string             `json:"reportText"`
	Demographics Demographics       `json:"demographics"`
	Content      *ClassifiedContent `json:"content,omitempty"`
}

// DetectFormat picks a format from the file extension, probing .txt files
// for a leading HL7v2 segment tag.
func DetectFormat(name string, data []byte) (Format, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "json":
		return FormatJSON, nil
	case "hl7":
		return FormatHL7, nil
	case "txt":
		if hl7v2.IsSegmentTag(firstLine(data), segmentTags) {
			return FormatHL7, nil
		}
		return FormatText, nil
	default:
		if ext == "" {
			ext = "(none)"
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// Reader turns raw files into Documents using a Classifier for HL7 input.
type Reader struct {
	classifier *Classifier
}

func NewReader(c *Classifier) *Reader {
	return &Reader{classifier: c}
}

// Read detects the format of data and decodes it. A document without a
// patient identifier is returned together with ErrMissingPatientID so the
// caller can still report what was read.
func (r *Reader) Read(name string, data []byte) (*Document, error) {
	format, err := DetectFormat(name, data)
	if err != nil {
		return nil, err
	}

	var doc *Document
	switch format {
	case FormatHL7:
		doc = r.readHL7(data)
	case FormatJSON:
		doc, err = readJSON(data)
		if err != nil {
			return nil, &ParseError{Name: name, Format: format, Err: err}
		}
	default:
		doc = readText(data)
	}
	doc.Name = name
	doc.Format = format

	if doc.PatientID == "" {
		return doc, fmt.Errorf("%s: %w", name, ErrMissingPatientID)
	}
	return doc, nil
}

func (r *Reader) readHL7(data []byte) *Document {
	content := r.classifier.ClassifyMessage(hl7v2.Parse(data))
	return &Document{
		PatientID:    content.PatientID,
		ReportText:   content.ReportText(),
		Demographics: content.Demographics,
		Content:      content,
	}
}

func readText(data []byte) *Document {
	lines := strings.Split(normalizeNewlines(string(data)), "\n")
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start == len(lines) {
		return &Document{ReportText: PlaceholderText}
	}

	report := strings.TrimSpace(strings.Join(lines[start+1:], "\n"))
	if report == "" {
		report = PlaceholderText
	}
	return &Document{
		PatientID:  strings.TrimSpace(lines[start]),
		ReportText: report,
	}
}

// subjectDocument is a minimal FHIR Patient resource.
type subjectDocument struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Name         []struct {
		Family string   `json:"family"`
		Given  []string `json:"given"`
	} `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
}

// freeFormDocument is any other JSON object. Values are kept loosely typed
// because exporters disagree on whether ids are strings or numbers.
type freeFormDocument struct {
	PatientID       interface{}   `json:"patientId"`
	PatientIDUpper  interface{}   `json:"PatientID"`
	PatientIDSnake  interface{}   `json:"patient_id"`
	ID              interface{}   `json:"id"`
	ClinicalText    interface{}   `json:"clinicalText"`
	ClinicalTextAlt interface{}   `json:"clinical_text"`
	Diagnosis       interface{}   `json:"diagnosis"`
	Findings        interface{}   `json:"findings"`
	Reports         []interface{} `json:"reports"`
	Conclusion      interface{}   `json:"conclusion"`
	Recommendations interface{}   `json:"recommendations"`
}

// readJSON decodes either a structured subject document (when resourceType
// is present) or a free-form document.
func readJSON(data []byte) (*Document, error) {
	var probe struct {
		ResourceType *string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	if probe.ResourceType != nil {
		if *probe.ResourceType != "Patient" {
			return nil, fmt.Errorf("unsupported resourceType %q", *probe.ResourceType)
		}
		var s subjectDocument
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s.document(), nil
	}

	var f freeFormDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return f.document(), nil
}

func (s *subjectDocument) document() *Document {
	var demo Demographics
	var parts []string
	if len(s.Name) > 0 {
		parts = append(parts, s.Name[0].Given...)
		if s.Name[0].Family != "" {
			parts = append(parts, s.Name[0].Family)
		}
		demo.Family = s.Name[0].Family
		demo.Given = strings.Join(s.Name[0].Given, " ")
	}
	demo.Gender = s.Gender
	demo.BirthDate = s.BirthDate

	name := strings.Join(parts, " ")
	if name == "" {
		name = "Unknown"
	}
	return &Document{
		PatientID: strings.TrimSpace(s.ID),
		ReportText: fmt.Sprintf("FHIR Patient Resource - Name: %s, Gender: %s, Birth Date: %s",
			name, orUnknown(s.Gender), orUnknown(s.BirthDate)),
		Demographics: demo,
	}
}

func (f *freeFormDocument) document() *Document {
	var id string
	for _, v := range []interface{}{f.PatientID, f.PatientIDUpper, f.PatientIDSnake, f.ID} {
		if s := scalarString(v); s != "" {
			id = s
			break
		}
	}

	var lines []string
	if f.ClinicalText != nil {
		lines = append(lines, scalarString(f.ClinicalText))
	}
	if f.ClinicalTextAlt != nil {
		lines = append(lines, scalarString(f.ClinicalTextAlt))
	}
	if f.Diagnosis != nil {
		lines = append(lines, "Diagnosis: "+scalarString(f.Diagnosis))
	}
	switch v := f.Findings.(type) {
	case nil:
	case []interface{}:
		for _, item := range v {
			lines = append(lines, "Finding: "+scalarString(item))
		}
	default:
		lines = append(lines, "Findings: "+scalarString(v))
	}
	for _, item := range f.Reports {
		lines = append(lines, scalarString(item))
	}
	if f.Conclusion != nil {
		lines = append(lines, "Conclusion: "+scalarString(f.Conclusion))
	}
	if f.Recommendations != nil {
		lines = append(lines, "Recommendations: "+scalarString(f.Recommendations))
	}

	report := strings.Join(lines, "\n")
	if report == "" {
		report = PlaceholderJSON
	}
	return &Document{PatientID: id, ReportText: report}
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func firstLine(data []byte) string {
	for _, line := range strings.Split(normalizeNewlines(string(data)), "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
