package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/bridge/internal/domain/clinical"
	"github.com/ehr/bridge/internal/domain/reconcile"
	"github.com/ehr/bridge/internal/platform/fhir"
	"github.com/ehr/bridge/internal/platform/fhirclient"
	"github.com/ehr/bridge/internal/platform/hl7v2"
	"github.com/ehr/bridge/internal/platform/telemetry"
	"github.com/ehr/bridge/internal/platform/webhook"
)

// Metric names.
const (
	MetricUploads        = "bridge_uploads_total"
	MetricUploadDuration = "bridge_upload_duration_seconds"
	MetricConversions    = "bridge_conversions_total"
	MetricDispatches     = "bridge_dispatches_total"
)

// ErrRepositoryUnavailable aborts a batch before any upload is attempted.
var ErrRepositoryUnavailable = errors.New("FHIR repository unavailable")

// Uploader publishes resources to the FHIR repository.
type Uploader interface {
	Ping(ctx context.Context) error
	Upsert(ctx context.Context, r fhir.Resource) (*fhirclient.Result, error)
}

// SubjectSearcher is optionally implemented by an Uploader to list what the
// repository holds for a patient after a conversion.
type SubjectSearcher interface {
	SearchBySubject(ctx context.Context, kind, patientID string) (*fhir.Bundle, error)
}

// Dispatcher hands matched imaging/report pairs to downstream processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, m reconcile.Match) error
}

// LogDispatcher only records that a match is ready.
type LogDispatcher struct {
	Logger zerolog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, m reconcile.Match) error {
	d.Logger.Info().
		Str("patient_id", m.PatientID).
		Int("instances", len(m.InstanceIDs)).
		Msg("queued for downstream processing")
	return nil
}

// EventImagingReportMatched is the webhook event type for a dispatched match.
const EventImagingReportMatched = "imaging.report.matched"

// WebhookDispatcher posts each match to a downstream webhook.
type WebhookDispatcher struct {
	Notifier *webhook.Notifier
}

func (d WebhookDispatcher) Dispatch(ctx context.Context, m reconcile.Match) error {
	_, err := d.Notifier.Send(ctx, EventImagingReportMatched, m)
	return err
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithDispatcher(d Dispatcher) ServiceOption {
	return func(s *Service) { s.dispatcher = d }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// WithMetrics records upload, conversion and dispatch counters in reg.
func WithMetrics(reg *telemetry.Registry) ServiceOption {
	return func(s *Service) { s.metrics = reg }
}

// WithClock overrides the time source used for resource timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// Service converts patient documents into FHIR resources and uploads them.
// Batches run sequentially on the calling goroutine.
type Service struct {
	classifier *clinical.Classifier
	reader     *clinical.Reader
	uploader   Uploader
	store      *StatusStore
	dispatcher Dispatcher
	metrics    *telemetry.Registry
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(classifier *clinical.Classifier, uploader Uploader, store *StatusStore, opts ...ServiceOption) *Service {
	s := &Service{
		classifier: classifier,
		reader:     clinical.NewReader(classifier),
		uploader:   uploader,
		store:      store,
		log:        zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = LogDispatcher{Logger: s.log}
	}
	s.metrics.Describe(MetricUploads, "Resource uploads by resource type and result.")
	s.metrics.Describe(MetricUploadDuration, "Time spent uploading one resource, retries included.")
	s.metrics.Describe(MetricConversions, "Converted documents by critical success.")
	s.metrics.Describe(MetricDispatches, "Matched patients handed downstream by result.")
	return s
}

func (s *Service) Store() *StatusStore { return s.store }

// CheckRepository runs the liveness probe.
func (s *Service) CheckRepository(ctx context.Context) error {
	if err := s.uploader.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRepositoryUnavailable, err)
	}
	return nil
}

// ConvertDocument builds and uploads the resources for one document. Patient
// is uploaded first; if it fails, Observation and DiagnosticReport are not
// attempted. The outcome is recorded in the status store.
func (s *Service) ConvertDocument(ctx context.Context, doc *clinical.Document) *PatientOutcome {
	res := Build(Input{
		RawPatientID: doc.PatientID,
		ReportText:   doc.ReportText,
		Content:      doc.Content,
		Demographics: doc.Demographics,
		Issued:       s.now(),
	})

	out := &PatientOutcome{
		ConversionID:       uuid.New().String(),
		PatientID:          doc.PatientID,
		SubjectID:          res.Patient.ID,
		Source:             doc.Name,
		Format:             doc.Format,
		IsDischargeSummary: res.IsDischargeSummary,
		Uploads:            make(map[string]UploadOutcome, 3),
		CreatedAt:          s.now(),
	}

	patient := s.upload(ctx, res.Patient)
	out.Uploads[fhir.KindPatient] = patient
	if !patient.Succeeded {
		skipped := UploadOutcome{Skipped: true, Message: MessageSkippedDependency}
		out.Uploads[fhir.KindObservation] = skipped
		out.Uploads[fhir.KindDiagnosticReport] = skipped
		s.metrics.Inc(MetricUploads, "resource_type", fhir.KindObservation, "result", "skipped")
		s.metrics.Inc(MetricUploads, "resource_type", fhir.KindDiagnosticReport, "result", "skipped")
	} else {
		out.Uploads[fhir.KindObservation] = s.upload(ctx, res.Observation)
		out.Uploads[fhir.KindDiagnosticReport] = s.upload(ctx, res.DiagnosticReport)
	}
	out.CriticalSuccess = out.Uploads[fhir.KindPatient].Succeeded && out.Uploads[fhir.KindDiagnosticReport].Succeeded

	s.store.Put(out)
	s.metrics.Inc(MetricConversions, "critical_success", fmt.Sprint(out.CriticalSuccess))

	evt := s.log.Info()
	if !out.CriticalSuccess {
		evt = s.log.Warn()
	}
	evt.Str("conversion_id", out.ConversionID).
		Str("patient_id", out.PatientID).
		Str("subject_id", out.SubjectID).
		Bool("critical_success", out.CriticalSuccess).
		Msg(out.Summary())

	if out.CriticalSuccess {
		s.logRepositoryContents(ctx, out.SubjectID)
	}
	return out
}

// ConvertMessage classifies and converts one HL7v2 message received over a
// transport such as MLLP.
func (s *Service) ConvertMessage(ctx context.Context, msg *hl7v2.Message, source string) (*PatientOutcome, error) {
	content := s.classifier.ClassifyMessage(msg)
	if content.PatientID == "" {
		return nil, clinical.ErrMissingPatientID
	}
	return s.ConvertDocument(ctx, &clinical.Document{
		Name:         source,
		Format:       clinical.FormatHL7,
		PatientID:    content.PatientID,
		ReportText:   content.ReportText(),
		Demographics: content.Demographics,
		Content:      content,
	}), nil
}

func (s *Service) upload(ctx context.Context, r fhir.Resource) UploadOutcome {
	start := time.Now()
	res, err := s.uploader.Upsert(ctx, r)
	s.metrics.Observe(MetricUploadDuration, time.Since(start).Seconds(), "resource_type", r.Kind())
	result := "success"
	if err != nil {
		result = "failed"
	}
	s.metrics.Inc(MetricUploads, "resource_type", r.Kind(), "result", result)

	out := UploadOutcome{}
	if res != nil {
		out.Attempts = res.Attempts
	}
	if err != nil {
		out.Message = err.Error()
		var serr *fhirclient.StatusError
		if errors.As(err, &serr) && serr.Diagnostics != "" {
			out.Message = serr.Diagnostics
		}
		return out
	}
	out.Succeeded = true
	out.Message = fmt.Sprintf("%s/%s", r.Kind(), r.ResourceID())
	return out
}

func (s *Service) logRepositoryContents(ctx context.Context, subjectID string) {
	searcher, ok := s.uploader.(SubjectSearcher)
	if !ok || s.log.GetLevel() > zerolog.DebugLevel {
		return
	}
	bundle, err := searcher.SearchBySubject(ctx, fhir.KindDiagnosticReport, subjectID)
	if err != nil {
		s.log.Debug().Err(err).Str("subject_id", subjectID).Msg("subject search failed")
		return
	}
	s.log.Debug().Str("subject_id", subjectID).Int("diagnostic_reports", len(bundle.Entry)).Msg("repository contents")
}

// BatchResult is the report for one ProcessBatch call.
type BatchResult struct {
	Messages       []Message         `json:"messages"`
	Outcomes       []*PatientOutcome `json:"outcomes"`
	Reconciliation reconcile.Result  `json:"reconciliation"`
}

func (b *BatchResult) add(level Level, format string, args ...interface{}) {
	b.Messages = append(b.Messages, Message{Level: level, Text: fmt.Sprintf(format, args...)})
}

// ProcessBatch converts every file in order and reconciles the patients seen
// against the imaging instances. An unreachable repository fails the whole
// batch before any file is read. A bad file or a failed upload only adds a
// message; the batch continues.
func (s *Service) ProcessBatch(ctx context.Context, files []File, imaging []ImagingInstance) (*BatchResult, error) {
	result := &BatchResult{Outcomes: []*PatientOutcome{}}

	if err := s.CheckRepository(ctx); err != nil {
		result.add(LevelError, "FHIR server is not accessible; no files were processed: %v", err)
		s.log.Error().Err(err).Msg("batch aborted")
		return result, err
	}

	images := reconcile.ImagingIndex{}
	for _, inst := range imaging {
		if inst.PatientID == "" || inst.InstanceID == "" {
			result.add(LevelWarning, "Imaging instance %q is missing a patient or instance id", inst.InstanceID)
			continue
		}
		images.Add(inst.PatientID, inst.InstanceID)
	}

	reports := reconcile.ReportIndex{}
	for _, f := range files {
		doc, err := s.reader.Read(f.Name, f.Data)
		if err != nil {
			result.add(LevelWarning, "Could not extract patient id from file %s: %v", f.Name, err)
			s.log.Warn().Err(err).Str("file", f.Name).Msg("document skipped")
			continue
		}

		out := s.ConvertDocument(ctx, doc)
		result.Outcomes = append(result.Outcomes, out)
		reports[doc.PatientID] = doc.ReportText

		if out.CriticalSuccess {
			result.add(LevelSuccess, "%s", out.Summary())
		} else {
			result.add(LevelError, "%s", out.Summary())
		}
	}

	result.Reconciliation = reconcile.Reconcile(images, reports)
	for _, m := range result.Reconciliation.Matched {
		if err := s.dispatcher.Dispatch(ctx, m); err != nil {
			s.metrics.Inc(MetricDispatches, "result", "failed")
			result.add(LevelError, "Failed to queue patient %s for downstream processing: %v", m.PatientID, err)
			continue
		}
		s.metrics.Inc(MetricDispatches, "result", "success")
		result.add(LevelSuccess, "Queued patient %s for downstream processing (%d images)", m.PatientID, len(m.InstanceIDs))
	}
	for _, u := range result.Reconciliation.Unmatched {
		result.add(LevelWarning, "No match for patient %s: no %s uploaded", u.PatientID, u.Missing)
		s.log.Warn().Str("patient_id", u.PatientID).Str("missing", string(u.Missing)).Msg("unmatched patient")
	}
	return result, nil
}
