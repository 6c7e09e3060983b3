package conversion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bridge/pkg/pagination"
)

// Multipart field names of POST /conversions.
const (
	FieldPatientData = "patientData"
	FieldImaging     = "imaging"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers conversion endpoints on the provided group.
//
//	POST /api/v1/conversions     - Convert and upload a batch of patient files
//	GET  /api/v1/conversions     - List conversion outcomes
//	GET  /api/v1/conversions/:id - Get one conversion outcome
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/conversions", h.CreateBatch)
	g.GET("/conversions", h.ListConversions)
	g.GET("/conversions/:id", h.GetConversion)
}

// CreateBatch handles POST /api/v1/conversions. patientData parts are
// patient files; imaging parts (files or values) are JSON arrays of
// {"patientId","instanceId"}.
func (h *Handler) CreateBatch(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form required")
	}

	files := make([]File, 0, len(form.File[FieldPatientData]))
	for _, fh := range form.File[FieldPatientData] {
		data, err := readPart(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
		}
		files = append(files, File{Name: fh.Filename, Data: data})
	}

	var imaging []ImagingInstance
	for _, fh := range form.File[FieldImaging] {
		data, err := readPart(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
		}
		batch, err := DecodeImaging(data)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("imaging manifest %s: %v", fh.Filename, err))
		}
		imaging = append(imaging, batch...)
	}
	for _, v := range form.Value[FieldImaging] {
		batch, err := DecodeImaging([]byte(v))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("imaging manifest: %v", err))
		}
		imaging = append(imaging, batch...)
	}

	if len(files) == 0 && len(imaging) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no patientData files or imaging instances provided")
	}

	result, err := h.svc.ProcessBatch(c.Request().Context(), files, imaging)
	if errors.Is(err, ErrRepositoryUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListConversions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.svc.Store().List(pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConversion(c echo.Context) error {
	out, ok := h.svc.Store().Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "conversion not found")
	}
	return c.JSON(http.StatusOK, out)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// DecodeImaging accepts a JSON array of instances or a single instance.
func DecodeImaging(data []byte) ([]ImagingInstance, error) {
	var list []ImagingInstance
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one ImagingInstance
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []ImagingInstance{one}, nil
}
