package clinical

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes document classification for troubleshooting exports
// before they are submitted for conversion.
type Handler struct {
	reader *Reader
}

func NewHandler(reader *Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes registers classification endpoints on the provided group.
//
//	POST /api/v1/documents/classify - Read and classify one patient-data file
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/documents/classify", h.Classify)
}

// Classify handles POST /api/v1/documents/classify. The document is taken
// from a multipart "file" field, or from the raw body named by the "name"
// query parameter (default "message.hl7").
func (h *Handler) Classify(c echo.Context) error {
	name, data, err := readUpload(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	doc, err := h.reader.Read(name, data)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, doc)
	case errors.Is(err, ErrUnsupportedFormat):
		return c.JSON(http.StatusUnsupportedMediaType, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrMissingPatientID):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    err.Error(),
			"document": doc,
		})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

func readUpload(c echo.Context) (string, []byte, error) {
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		return fh.Filename, data, err
	}

	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", nil, errors.New("failed to read request body")
	}
	if len(data) == 0 {
		return "", nil, errors.New("request body is empty")
	}
	name := c.QueryParam("name")
	if name == "" {
		name = "message.hl7"
	}
	return name, data, nil
}
