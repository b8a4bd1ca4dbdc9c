package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/httputil"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/upload"
)

// HTTPDestination sends tracker chunks to the server's chunk endpoints.
type HTTPDestination struct {
	client *Client
}

// NewHTTPDestination creates a destination that uploads through a copy of c.
// The copy sends each request once; the tracker owns the retry policy.
func NewHTTPDestination(c *Client) *HTTPDestination {
	cp := *c
	cp.MaxRetries = httputil.NoRetries
	return &HTTPDestination{client: &cp}
}

var _ upload.Destination = (*HTTPDestination)(nil)

func (d *HTTPDestination) Begin(ctx context.Context, c models.UploadCandidate) (string, error) {
	return uuid.New().String(), nil
}

func (d *HTTPDestination) PutChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	params := url.Values{
		"uploadId": {uploadID},
		"index":    {strconv.Itoa(index)},
	}
	resp, err := d.client.do(ctx, "client.put_chunk", http.MethodPost,
		"/api/files/upload/chunk?"+params.Encode(), "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (d *HTTPDestination) Complete(ctx context.Context, uploadID string, c models.UploadCandidate, totalChunks int) (*models.StoredDocument, error) {
	req := map[string]interface{}{
		"uploadId":    uploadID,
		"bucket":      c.Bucket,
		"name":        c.Name,
		"contentType": c.ContentType,
		"totalChunks": totalChunks,
	}
	var doc models.StoredDocument
	if err := d.client.doJSON(ctx, "client.complete_upload", http.MethodPost, "/api/files/upload/complete", req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *HTTPDestination) Abort(ctx context.Context, uploadID string) error {
	return d.client.doJSON(ctx, "client.abort_upload", http.MethodDelete,
		"/api/files/upload/"+url.PathEscape(uploadID), nil, nil)
}

// Discard deletes a document the server stored after the transfer was
// cancelled. A document that is already gone is not an error.
func (d *HTTPDestination) Discard(ctx context.Context, doc *models.StoredDocument) error {
	err := d.client.doJSON(ctx, "client.discard_upload", http.MethodDelete,
		"/api/buckets/"+url.PathEscape(doc.Bucket)+"/files/"+url.PathEscape(doc.ID), nil, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}
