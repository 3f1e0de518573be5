package upload

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvoice/medvoice/internal/platform/objectstore"
)

// Handler exposes the upload subsystem over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/session/create", h.CreateSession)
	api.POST("/chunk", h.UploadChunk)
	api.POST("/commit", h.Commit)
	api.GET("/final/:session_id", h.Final)
	api.POST("/s3/presign", h.Presign)
	api.POST("/s3/confirm", h.Confirm)
}

// writeError maps the domain error taxonomy onto HTTP statuses: unknown
// session 404, state/uniqueness conflicts 400, missing object-store
// configuration 500, anything else (filesystem or object-store I/O) 502.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, errBody(err))
	case errors.Is(err, ErrSessionCommitted),
		errors.Is(err, ErrDuplicateChunk),
		errors.Is(err, ErrBackendMismatch),
		errors.Is(err, ErrNoObjectKey),
		errors.Is(err, ErrSessionOpen):
		return c.JSON(http.StatusBadRequest, errBody(err))
	case errors.Is(err, objectstore.ErrNotConfigured):
		return c.JSON(http.StatusInternalServerError, errBody(err))
	default:
		return c.JSON(http.StatusBadGateway, errBody(err))
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func validationError(c echo.Context, fields map[string]string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{"errors": fields})
}

type createSessionRequest struct {
	StorageBackend string `json:"storage_backend"`
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, err := h.svc.CreateSession(c.Request().Context(), req.StorageBackend)
	if err != nil {
		return validationError(c, map[string]string{"storage_backend": err.Error()})
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"session_id":      sess.ID,
		"storage_backend": sess.StorageBackend,
	})
}

func (h *Handler) UploadChunk(c echo.Context) error {
	fields := map[string]string{}

	sessionID, err := uuid.Parse(c.FormValue("session_id"))
	if err != nil {
		fields["session_id"] = "must be a valid session id"
	}

	index, err := strconv.Atoi(c.FormValue("chunk_index"))
	if err != nil || index < 0 {
		fields["chunk_index"] = "must be a non-negative integer"
	}

	file, err := c.FormFile("file")
	if err != nil {
		fields["file"] = "file is required"
	}

	if len(fields) > 0 {
		return validationError(c, fields)
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	if err := h.svc.UploadChunk(c.Request().Context(), sessionID, index, src); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]bool{"ok": true})
}

type commitRequest struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

func (h *Handler) Commit(c echo.Context) error {
	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return validationError(c, map[string]string{"session_id": "must be a valid session id"})
	}

	sess, err := h.svc.Commit(c.Request().Context(), sessionID, req.Filename)
	if err != nil {
		return writeError(c, err)
	}

	resp := map[string]interface{}{
		"ok":      true,
		"storage": sess.StorageBackend,
	}
	switch sess.StorageBackend {
	case BackendS3:
		if sess.ObjectKey != nil {
			resp["object_key"] = *sess.ObjectKey
		}
	default:
		if sess.FinalPath != nil {
			resp["final_path"] = *sess.FinalPath
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Final(c echo.Context) error {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		return validationError(c, map[string]string{"session_id": "must be a valid session id"})
	}

	artifact, err := h.svc.Retrieve(c.Request().Context(), sessionID)
	if err != nil {
		return writeError(c, err)
	}

	// Remote sessions get a time-limited URL instead of proxied bytes.
	if artifact.URL != "" {
		return c.JSON(http.StatusOK, map[string]string{"url": artifact.URL})
	}

	defer artifact.Content.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, artifact.Filename))
	return c.Stream(http.StatusOK, "application/octet-stream", artifact.Content)
}

type presignRequest struct {
	SessionID string `json:"session_id"`
	Filename  string `json:"filename"`
}

func (h *Handler) Presign(c echo.Context) error {
	var req presignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return validationError(c, map[string]string{"session_id": "must be a valid session id"})
	}

	post, key, err := h.svc.PresignUpload(c.Request().Context(), sessionID, req.Filename)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"url":        post.URL,
		"fields":     post.Fields,
		"object_key": key,
	})
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return validationError(c, map[string]string{"session_id": "must be a valid session id"})
	}

	key, err := h.svc.ConfirmUpload(c.Request().Context(), sessionID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":         true,
		"object_key": key,
	})
}
