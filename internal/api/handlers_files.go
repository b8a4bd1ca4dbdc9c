// handlers_files.go - Stored document handlers
package api

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultFileListLimit = 100
	maxFileListLimit     = 1000
)

// FileHandlerImpl implements the FileHandler interface
type FileHandlerImpl struct {
	store  storage.Store
	urlTTL time.Duration
	logger *zap.Logger
}

// NewFileHandler creates a new file handler instance
func NewFileHandler(store storage.Store, urlTTL time.Duration, logger *zap.Logger) FileHandler {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &FileHandlerImpl{
		store:  store,
		urlTTL: urlTTL,
		logger: logger,
	}
}

// HandleListFiles returns the newest documents of a bucket
func (h *FileHandlerImpl) HandleListFiles(c echo.Context) error {
	limit := defaultFileListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return NewBadRequestError("limit must be a positive integer", err)
		}
		limit = min(n, maxFileListLimit)
	}

	files, err := h.store.List(c.Request().Context(), c.Param("bucket"), limit)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, files)
}

// HandleGetFile returns metadata for a specific document
func (h *FileHandlerImpl) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	doc, err := h.store.Get(c.Request().Context(), c.Param("bucket"), id)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, doc)
}

// HandleDownloadFile streams the document body as an attachment
func (h *FileHandlerImpl) HandleDownloadFile(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	rc, doc, err := h.store.Open(c.Request().Context(), c.Param("bucket"), id)
	if err != nil {
		return FromError(err)
	}
	defer rc.Close()

	name := doc.Name
	if name == "" {
		name = attachmentName(doc.ID)
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	c.Response().Header().Set(echo.HeaderContentDisposition, disposition)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(doc.Size, 10))
	clearWriteDeadline(c, h.logger)
	return c.Stream(http.StatusOK, doc.ContentType, rc)
}

// HandleFileURL returns a time-limited download link for the document
func (h *FileHandlerImpl) HandleFileURL(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	url, err := h.store.DownloadURL(c.Request().Context(), c.Param("bucket"), id, h.urlTTL)
	if err != nil {
		return FromError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"url":       url,
		"expiresAt": time.Now().Add(h.urlTTL).UTC(),
	})
}

// HandleDeleteFile removes a document from its bucket
func (h *FileHandlerImpl) HandleDeleteFile(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	bucket := c.Param("bucket")

	if err := h.store.Delete(c.Request().Context(), bucket, id); err != nil {
		return FromError(err)
	}

	h.logger.Info("file deleted", zap.String("bucket", bucket), zap.String("file", id))
	return c.NoContent(http.StatusNoContent)
}

// attachmentName is used when a stored document has no usable name.
func attachmentName(id string) string {
	return fmt.Sprintf("%s.bin", id)
}
