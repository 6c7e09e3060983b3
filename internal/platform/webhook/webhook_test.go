package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type matchPayload struct {
	PatientID string `json:"patientId"`
}

func TestSignPayload_RoundTrip(t *testing.T) {
	sig := SignPayload([]byte("body"), "secret")
	if !VerifySignature([]byte("body"), "secret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature([]byte("body"), "secret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature([]byte("other"), "secret", sig) {
		t.Error("expected signature mismatch for a different payload")
	}
}

func TestNewNotifier_ValidatesURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/hook"},
		{"ftp scheme", "ftp://example.com/hook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewNotifier(tt.url, "secret"); err == nil {
				t.Errorf("expected error for URL %q", tt.url)
			}
		})
	}
}

func TestNotifier_Send(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewNotifier(srv.URL, "s3cret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attempt, err := n.Send(context.Background(), "imaging.report.matched", matchPayload{PatientID: "P1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempt.Status != StatusSuccess || attempt.StatusCode != http.StatusAccepted {
		t.Errorf("unexpected attempt %+v", attempt)
	}
	if !VerifySignature(gotBody, "s3cret", gotSig) {
		t.Errorf("expected a valid signature, got %q", gotSig)
	}

	var event Event
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("failed to parse event: %v", err)
	}
	var p matchPayload
	json.Unmarshal(event.Payload, &p)
	if event.Type != "imaging.report.matched" || p.PatientID != "P1" {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestNotifier_SendUnsigned(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(HeaderSignature)
	}))
	defer srv.Close()

	n, _ := NewNotifier(srv.URL, "")
	if _, err := n.Send(context.Background(), "x", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "" {
		t.Errorf("expected no signature header, got %q", sig)
	}
}

func TestNotifier_SendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	n, _ := NewNotifier(srv.URL, "")
	attempt, err := n.Send(context.Background(), "x", matchPayload{})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if attempt.Status != StatusFailed || attempt.ResponseBody != "upstream down" {
		t.Errorf("unexpected attempt %+v", attempt)
	}

	srv.Close()
	if _, err := n.Send(context.Background(), "x", matchPayload{}); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("expected transport fault to fail, got %v", err)
	}
}

func TestNotifier_DeliveryLogBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	n, _ := NewNotifier(srv.URL, "", WithLogSize(2))
	for _, typ := range []string{"a", "b", "c"} {
		n.Send(context.Background(), typ, nil)
	}

	got := n.Deliveries()
	if len(got) != 2 {
		t.Fatalf("expected 2 logged attempts, got %d", len(got))
	}
	if got[0].EventType != "c" || got[1].EventType != "b" {
		t.Errorf("expected newest first [c b], got [%s %s]", got[0].EventType, got[1].EventType)
	}
}

func TestHandler_ListDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	n, _ := NewNotifier(srv.URL, "")
	n.Send(context.Background(), "a", nil)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/webhook/deliveries", nil), rec)
	if err := NewHandler(n).ListDeliveries(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data  []DeliveryAttempt `json:"data"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if resp.Total != 1 || resp.Data[0].EventType != "a" {
		t.Errorf("unexpected response %+v", resp)
	}
}
