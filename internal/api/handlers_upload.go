// handlers_upload.go - Chunked upload protocol and tracked upload batches
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/storage"
	"github.com/synapse-lab/backend/internal/upload"
	"go.uber.org/zap"
)

const sseHeartbeat = 15 * time.Second

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	store        storage.Store
	tracker      UploadTracker
	buckets      []string
	allowedTypes []string
	tempDir      string
	baseCtx      context.Context
	logger       *zap.Logger
}

// UploadOptions configures the upload handler.
type UploadOptions struct {
	Buckets      []string
	AllowedTypes []string // extensions such as ".csv"; empty allows all
	TempDir      string
	// BaseContext outlives single requests; background batches derive from it.
	BaseContext context.Context
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(store storage.Store, tracker UploadTracker, opts UploadOptions, logger *zap.Logger) UploadHandler {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &UploadHandlerImpl{
		store:        store,
		tracker:      tracker,
		buckets:      opts.Buckets,
		allowedTypes: opts.AllowedTypes,
		tempDir:      opts.TempDir,
		baseCtx:      opts.BaseContext,
		logger:       logger,
	}
}

// HandleUploadChunk stores the raw request body as one chunk of an upload
func (h *UploadHandlerImpl) HandleUploadChunk(c echo.Context) error {
	uploadID := c.QueryParam("uploadId")
	if uploadID == "" {
		return NewValidationError("uploadId")
	}
	index, err := strconv.Atoi(c.QueryParam("index"))
	if err != nil {
		return NewValidationError("index")
	}

	if err := h.store.SaveChunk(c.Request().Context(), uploadID, index, c.Request().Body); err != nil {
		return FromError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleCompleteUpload assembles the chunks of an upload into a stored document
func (h *UploadHandlerImpl) HandleCompleteUpload(c echo.Context) error {
	var req completeUploadRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}
	if !filetype.Accepts(h.allowedTypes, req.Name) {
		return NewBadRequestError(fmt.Sprintf("file type not allowed: %s", req.Name), nil)
	}

	doc, err := h.store.CompleteChunkedUpload(c.Request().Context(),
		req.UploadID, req.Bucket, req.Name, req.ContentType, req.TotalChunks)
	if err != nil {
		return FromError(err)
	}

	h.logger.Info("chunked upload completed",
		zap.String("upload", req.UploadID),
		zap.String("bucket", doc.Bucket),
		zap.String("file", doc.ID),
		zap.Int64("size", doc.Size))
	return c.JSON(http.StatusCreated, doc)
}

// HandleAbortUpload discards the chunks of an unfinished upload
func (h *UploadHandlerImpl) HandleAbortUpload(c echo.Context) error {
	uploadID := c.Param("uploadId")
	if uploadID == "" {
		return NewValidationError("uploadId")
	}

	if err := h.store.AbortChunkedUpload(c.Request().Context(), uploadID); err != nil {
		return FromError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleSubmitUploads accepts a multipart batch of files and hands it to the
// tracker. Files are spooled to the temp directory so the transfer can run
// after the request returns.
func (h *UploadHandlerImpl) HandleSubmitUploads(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}

	bucket := c.FormValue("bucket")
	if bucket == "" && len(h.buckets) > 0 {
		bucket = h.buckets[0]
	}
	if !slices.Contains(h.buckets, bucket) {
		return NewNotFoundError("bucket", bucket)
	}

	headers := slices.Concat(form.File["files[]"], form.File["files"])
	if len(headers) == 0 {
		return NewValidationError("files")
	}
	for _, fh := range headers {
		if !filetype.Accepts(h.allowedTypes, fh.Filename) {
			return NewBadRequestError(fmt.Sprintf("file type not allowed: %s", fh.Filename), nil)
		}
	}

	sources := make([]upload.Source, 0, len(headers))
	spooled := make([]string, 0, len(headers))
	cleanup := func() {
		for _, p := range spooled {
			os.Remove(p)
		}
	}

	for _, fh := range headers {
		path, size, err := h.spool(fh)
		if err != nil {
			cleanup()
			return NewInternalError("failed to buffer uploaded file", err)
		}
		spooled = append(spooled, path)
		sources = append(sources, upload.Source{
			Name:        fh.Filename,
			Size:        size,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Open: func() (io.ReadCloser, error) {
				return os.Open(path)
			},
		})
	}

	batch, err := h.tracker.Submit(h.baseCtx, sc.User.ID, bucket, sources, func(upload.Batch) { cleanup() })
	if err != nil {
		cleanup()
		return FromError(err)
	}

	return c.JSON(http.StatusAccepted, batch)
}

// spool copies a multipart file into the temp directory.
func (h *UploadHandlerImpl) spool(fh *multipart.FileHeader) (string, int64, error) {
	src, err := fh.Open()
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.tempDir, "intake-*")
	if err != nil {
		return "", 0, err
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", 0, err
	}
	return dst.Name(), n, nil
}

// HandleListUploads returns the caller's tracked candidates in intake order
func (h *UploadHandlerImpl) HandleListUploads(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ownedUploads(h.tracker.List(), sc.User.ID))
}

// HandleGetUpload returns a single tracked candidate
func (h *UploadHandlerImpl) HandleGetUpload(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	cand, err := lookupUpload(h.tracker, sc.User.ID, c.Param("id"))
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, cand)
}

// HandleCancelUpload aborts an in-flight transfer
func (h *UploadHandlerImpl) HandleCancelUpload(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := cancelOwned(h.tracker, sc.User.ID, id); err != nil {
		return FromError(err)
	}

	cand, _ := h.tracker.Get(id)
	return c.JSON(http.StatusOK, cand)
}

// HandleRemoveUpload dismisses a candidate from the tracked set
func (h *UploadHandlerImpl) HandleRemoveUpload(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	if err := removeOwned(h.tracker, sc.User.ID, c.Param("id")); err != nil {
		return FromError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleUploadEvents streams the caller's tracker events via SSE. The current
// candidates are sent first so a new client does not need a separate list
// call.
func (h *UploadHandlerImpl) HandleUploadEvents(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}
	owner := sc.User.ID

	events, unsubscribe := h.tracker.Subscribe()
	defer unsubscribe()

	clearWriteDeadline(c, h.logger)
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	for _, cand := range ownedUploads(h.tracker.List(), owner) {
		if err := writeEvent(c, upload.Event{Type: upload.EventCandidate, Candidate: cand}); err != nil {
			return nil
		}
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			fmt.Fprint(c.Response(), ": keepalive\n\n")
			c.Response().Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Candidate.OwnerID != owner {
				continue
			}
			if err := writeEvent(c, ev); err != nil {
				return nil
			}
		}
	}
}

// clearWriteDeadline lifts the server's WriteTimeout for a response that
// streams for longer than an ordinary request.
func clearWriteDeadline(c echo.Context, logger *zap.Logger) {
	err := http.NewResponseController(c.Response()).SetWriteDeadline(time.Time{})
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Debug("clearing write deadline failed", zap.Error(err))
	}
}

// ownedUploads keeps the candidates submitted by owner.
func ownedUploads(list []models.UploadCandidate, owner string) []models.UploadCandidate {
	out := make([]models.UploadCandidate, 0, len(list))
	for _, cand := range list {
		if cand.OwnerID == owner {
			out = append(out, cand)
		}
	}
	return out
}

// lookupUpload returns the candidate when owner submitted it. Candidates of
// other users are reported as missing so their ids do not leak.
func lookupUpload(tracker UploadTracker, owner, id string) (models.UploadCandidate, error) {
	cand, ok := tracker.Get(id)
	if !ok || cand.OwnerID != owner {
		return models.UploadCandidate{}, apperr.NotFound("upload.lookup", "upload", id)
	}
	return cand, nil
}

func cancelOwned(tracker UploadTracker, owner, id string) error {
	if _, err := lookupUpload(tracker, owner, id); err != nil {
		return err
	}
	return tracker.Cancel(id)
}

func removeOwned(tracker UploadTracker, owner, id string) error {
	if _, err := lookupUpload(tracker, owner, id); err != nil {
		return err
	}
	return tracker.Remove(id)
}

func writeEvent(c echo.Context, ev upload.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// Request/Response types

type completeUploadRequest struct {
	UploadID    string `json:"uploadId"`
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	TotalChunks int    `json:"totalChunks"`
}

func (r *completeUploadRequest) validate() error {
	if r.UploadID == "" {
		return NewValidationError("uploadId")
	}
	if r.Bucket == "" {
		return NewValidationError("bucket")
	}
	if r.Name == "" {
		return NewValidationError("name")
	}
	if r.TotalChunks < 0 {
		return NewBadRequestError("totalChunks must not be negative", nil)
	}
	return nil
}
