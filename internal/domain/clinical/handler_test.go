package clinical

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHandler_ClassifyRawBody(t *testing.T) {
	h := NewHandler(newTestReader())
	e := echo.New()

	body := "PID|1||P1||Doe^Jane\rOBX|1|TX|FINDING||small effusion"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/classify", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Classify(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var doc Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if doc.PatientID != "P1" {
		t.Errorf("expected patientId P1, got %q", doc.PatientID)
	}
	if doc.Content == nil || len(doc.Content.Bundle.Findings) != 1 {
		t.Errorf("expected one finding, got %+v", doc.Content)
	}
}

func TestHandler_ClassifyMultipart(t *testing.T) {
	h := NewHandler(newTestReader())
	e := echo.New()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "patient.json")
	fw.Write([]byte(`{"patientId":"P7","clinicalText":"ok"}`))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/classify", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Classify(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"format":"json"`) {
		t.Errorf("expected json format in response, got %s", rec.Body.String())
	}
}

func TestHandler_ClassifyErrors(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		body   string
		status int
	}{
		{"unsupported", "?name=scan.dcm", "DICM", http.StatusUnsupportedMediaType},
		{"missing patient", "?name=notes.hl7", "OBX|1|TX|X||y", http.StatusUnprocessableEntity},
		{"bad json", "?name=x.json", "{", http.StatusBadRequest},
		{"empty body", "", "", http.StatusBadRequest},
	}

	h := NewHandler(newTestReader())
	e := echo.New()
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/classify"+tc.query, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := h.Classify(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if rec.Code != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
		}
	}
}
