package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the segment parser over HTTP for troubleshooting inbound
// feeds.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse HL7v2 message to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	msg := Parse(body)
	if len(msg.Segments) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "no HL7v2 segments found in request body",
		})
	}

	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	result := map[string]interface{}{
		"type":      msg.Type,
		"controlId": msg.ControlID,
		"version":   msg.Version,
		"patientId": msg.PatientID(),
		"segments":  segments,
	}
	if !msg.Timestamp.IsZero() {
		result["timestamp"] = msg.Timestamp.Format("2006-01-02T15:04:05Z")
	}

	return c.JSON(http.StatusOK, result)
}
