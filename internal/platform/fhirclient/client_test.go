package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehr/bridge/internal/platform/auth"
	"github.com/ehr/bridge/internal/platform/fhir"
)

// fakeRepo is a minimal FHIR repository. Write responses are taken from
// writeStatuses in order; once exhausted every write succeeds. A non-zero
// readBackStatus answers reads of already written resources.
type fakeRepo struct {
	mu            sync.Mutex
	stored        map[string][]byte
	writeStatuses []int
	writeBody     string
	requests      []string
	authHeaders   []string
	failGets       bool
	readBackStatus int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stored: map[string][]byte{}}
}

func (f *fakeRepo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
	path := strings.TrimPrefix(r.URL.Path, "/fhir/")

	switch r.Method {
	case http.MethodGet:
		if path == "metadata" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"resourceType":"CapabilityStatement"}`))
			return
		}
		if f.failGets {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("subject") != "" {
			w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":1,"entry":[{"resource":{"resourceType":"Observation","id":"o1"}}]}`))
			return
		}
		body, ok := f.stored[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if f.readBackStatus != 0 {
			w.WriteHeader(f.readBackStatus)
			return
		}
		w.Write(body)
	case http.MethodPost, http.MethodPut:
		if len(f.writeStatuses) > 0 {
			status := f.writeStatuses[0]
			f.writeStatuses = f.writeStatuses[1:]
			if status >= 300 {
				w.WriteHeader(status)
				w.Write([]byte(f.writeBody))
				return
			}
		}
		body, _ := io.ReadAll(r.Body)
		var doc struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		json.Unmarshal(body, &doc)
		f.stored[doc.ResourceType+"/"+doc.ID] = body
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		w.Write(body)
	}
}

func (f *fakeRepo) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

type recordedSleep struct {
	delays []time.Duration
}

func (s *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(t *testing.T, repo *fakeRepo, creds auth.Credentials) (*Client, *recordedSleep) {
	t.Helper()
	srv := httptest.NewServer(repo)
	t.Cleanup(srv.Close)
	rs := &recordedSleep{}
	c := New(Config{BaseURL: srv.URL + "/fhir/", Credentials: creds}, WithSleep(rs.sleep))
	return c, rs
}

func testPatient() *fhir.Patient {
	return &fhir.Patient{ResourceType: fhir.KindPatient, ID: "98-12-21"}
}

func TestUpsert_CreatesWhenAbsent(t *testing.T) {
	repo := newFakeRepo()
	c, _ := newTestClient(t, repo, auth.Credentials{})

	res, err := c.Upsert(context.Background(), testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", res.Method)
	}
	if res.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", res.StatusCode)
	}
	if !res.Verified {
		t.Error("expected verification to succeed")
	}
	want := []string{"GET /fhir/Patient/98-12-21", "POST /fhir/Patient", "GET /fhir/Patient/98-12-21"}
	if strings.Join(repo.requests, ",") != strings.Join(want, ",") {
		t.Errorf("expected requests %v, got %v", want, repo.requests)
	}
}

func TestUpsert_UpdatesWhenPresent(t *testing.T) {
	repo := newFakeRepo()
	repo.stored["Patient/98-12-21"] = []byte(`{"resourceType":"Patient","id":"98-12-21"}`)
	c, _ := newTestClient(t, repo, auth.Credentials{})

	res, err := c.Upsert(context.Background(), testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Method != http.MethodPut {
		t.Errorf("expected PUT, got %s", res.Method)
	}
	if repo.count("PUT /fhir/Patient/98-12-21") != 1 {
		t.Errorf("expected one PUT at the resource address, got %v", repo.requests)
	}
}

func TestUpsert_RetriesTransientFailures(t *testing.T) {
	repo := newFakeRepo()
	repo.writeStatuses = []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable}
	c, rs := newTestClient(t, repo, auth.Credentials{})

	res, err := c.Upsert(context.Background(), testPatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}

	var total time.Duration
	for _, d := range rs.delays {
		total += d
	}
	if len(rs.delays) != 2 || rs.delays[0] != time.Second || rs.delays[1] != 2*time.Second {
		t.Errorf("expected delays [1s 2s], got %v", rs.delays)
	}
	if total < 3*time.Second {
		t.Errorf("expected total delay >= 3s, got %v", total)
	}
	if repo.count("POST") != 3 {
		t.Errorf("expected 3 writes, got %d", repo.count("POST"))
	}
}

func TestUpsert_PermanentFailureNotRetried(t *testing.T) {
	repo := newFakeRepo()
	repo.writeStatuses = []int{http.StatusUnprocessableEntity}
	outcome, _ := json.Marshal(fhir.ErrorOutcome("Patient.gender: unknown code"))
	repo.writeBody = string(outcome)
	c, rs := newTestClient(t, repo, auth.Credentials{})

	res, err := c.Upsert(context.Background(), testPatient())
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.StatusCode != http.StatusUnprocessableEntity || !serr.Permanent() {
		t.Errorf("expected permanent 422, got %d", serr.StatusCode)
	}
	if serr.Diagnostics != "Patient.gender: unknown code" {
		t.Errorf("expected OperationOutcome diagnostics, got %q", serr.Diagnostics)
	}
	if res.Attempts != 1 || len(rs.delays) != 0 {
		t.Errorf("expected a single attempt with no retries, got %d attempts, delays %v", res.Attempts, rs.delays)
	}
}

func TestUpsert_BadRequestRawBody(t *testing.T) {
	repo := newFakeRepo()
	repo.writeStatuses = []int{http.StatusBadRequest}
	repo.writeBody = "malformed payload"
	c, _ := newTestClient(t, repo, auth.Credentials{})

	_, err := c.Upsert(context.Background(), testPatient())
	var serr *StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if serr.Diagnostics != "malformed payload" {
		t.Errorf("expected raw body diagnostics, got %q", serr.Diagnostics)
	}
}

func TestUpsert_MaxRetriesExceeded(t *testing.T) {
	repo := newFakeRepo()
	repo.writeStatuses = []int{500, 502, 503, 504}
	c, rs := newTestClient(t, repo, auth.Credentials{})

	res, err := c.Upsert(context.Background(), testPatient())
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if len(rs.delays) != 2 {
		t.Errorf("expected 2 backoff delays, got %v", rs.delays)
	}
}

func TestUpsert_ProbeFailureIsTransient(t *testing.T) {
	repo := newFakeRepo()
	repo.failGets = true
	c, _ := newTestClient(t, repo, auth.Credentials{})

	_, err := c.Upsert(context.Background(), testPatient())
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if repo.count("POST") != 0 {
		t.Errorf("expected no writes when the probe fails, got %v", repo.requests)
	}
}

func TestUpsert_InvalidResourceNoNetwork(t *testing.T) {
	repo := newFakeRepo()
	c, rs := newTestClient(t, repo, auth.Credentials{})

	obs := &fhir.Observation{ResourceType: fhir.KindObservation, ID: "observation-1", Status: "final"}
	_, err := c.Upsert(context.Background(), obs)
	if !errors.Is(err, ErrInvalidResource) {
		t.Fatalf("expected ErrInvalidResource, got %v", err)
	}
	if !strings.Contains(err.Error(), "subject") {
		t.Errorf("expected missing subject in error, got %v", err)
	}
	if len(repo.requests) != 0 || len(rs.delays) != 0 {
		t.Errorf("expected no network calls or retries, got %v", repo.requests)
	}
}

func TestUpsert_TransportFault(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rs := &recordedSleep{}
	c := New(Config{BaseURL: url, MaxAttempts: 2, RetryBase: 10 * time.Millisecond}, WithSleep(rs.sleep))
	_, err := c.Upsert(context.Background(), testPatient())
	if !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if len(rs.delays) != 1 || rs.delays[0] != 10*time.Millisecond {
		t.Errorf("expected one 10ms delay, got %v", rs.delays)
	}
}

func TestUpsert_BackoffCapped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rs := &recordedSleep{}
	c := New(Config{BaseURL: url, MaxAttempts: 70, RetryBase: time.Second}, WithSleep(rs.sleep))
	if _, err := c.Upsert(context.Background(), testPatient()); !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if len(rs.delays) != 69 {
		t.Fatalf("expected 69 delays, got %d", len(rs.delays))
	}
	for i, d := range rs.delays {
		if d <= 0 || d > maxRetryDelay {
			t.Errorf("delay %d out of range: %v", i, d)
		}
		if i > 0 && d < rs.delays[i-1] {
			t.Errorf("delay %d shrank: %v after %v", i, d, rs.delays[i-1])
		}
	}
	if last := rs.delays[len(rs.delays)-1]; last != maxRetryDelay {
		t.Errorf("expected final delay %v, got %v", maxRetryDelay, last)
	}
}

func TestUpsert_VerificationFailureKeepsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			repo := newFakeRepo()
			repo.readBackStatus = status
			c, rs := newTestClient(t, repo, auth.Credentials{})

			res, err := c.Upsert(context.Background(), testPatient())
			if err != nil {
				t.Fatalf("expected upload to succeed, got %v", err)
			}
			if res.Verified {
				t.Error("expected verification to fail")
			}
			if res.StatusCode != http.StatusCreated || res.Attempts != 1 {
				t.Errorf("expected one 201 write, got status %d after %d attempts", res.StatusCode, res.Attempts)
			}
			if len(rs.delays) != 0 {
				t.Errorf("expected no retries, got %v", rs.delays)
			}
			if repo.count("GET /fhir/Patient/98-12-21") != 2 {
				t.Errorf("expected existence check and read back, got %v", repo.requests)
			}
		})
	}
}

func TestUpsert_ContextCancelledDuringBackoff(t *testing.T) {
	repo := newFakeRepo()
	repo.writeStatuses = []int{503, 503, 503}
	srv := httptest.NewServer(repo)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(Config{BaseURL: srv.URL + "/fhir"}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := c.Upsert(ctx, testPatient())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClient_Credentials(t *testing.T) {
	repo := newFakeRepo()
	c, _ := newTestClient(t, repo, auth.Credentials{BearerToken: "tok"})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.authHeaders[0] != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", repo.authHeaders[0])
	}
}

func TestPing(t *testing.T) {
	repo := newFakeRepo()
	c, _ := newTestClient(t, repo, auth.Credentials{})
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("expected accessible, got %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if err := New(Config{BaseURL: down.URL}).Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestRead(t *testing.T) {
	repo := newFakeRepo()
	repo.stored["Observation/o1"] = []byte(`{"resourceType":"Observation","id":"o1"}`)
	c, _ := newTestClient(t, repo, auth.Credentials{})

	raw, found, err := c.Read(context.Background(), "Observation", "o1")
	if err != nil || !found {
		t.Fatalf("expected found, got found=%v err=%v", found, err)
	}
	if !strings.Contains(string(raw), `"o1"`) {
		t.Errorf("unexpected body %s", raw)
	}

	_, found, err = c.Read(context.Background(), "Observation", "missing")
	if err != nil || found {
		t.Errorf("expected not found without error, got found=%v err=%v", found, err)
	}
}

func TestSearchBySubject(t *testing.T) {
	repo := newFakeRepo()
	c, _ := newTestClient(t, repo, auth.Credentials{})

	bundle, err := c.SearchBySubject(context.Background(), "Observation", "98-12-21")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.Total == nil || *bundle.Total != 1 || len(bundle.Entry) != 1 {
		t.Errorf("unexpected bundle %+v", bundle)
	}
	if repo.count("GET /fhir/Observation?subject=Patient%2F98-12-21") != 1 {
		t.Errorf("unexpected search request %v", repo.requests)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:8080/fhir/"})
	if c.BaseURL() != "http://localhost:8080/fhir" {
		t.Errorf("expected trailing slash trimmed, got %q", c.BaseURL())
	}
	if c.maxAttempts != 3 || c.retryBase != time.Second || c.timeout != 30*time.Second {
		t.Errorf("unexpected defaults: attempts=%d base=%v timeout=%v", c.maxAttempts, c.retryBase, c.timeout)
	}
}
