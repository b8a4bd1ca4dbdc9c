package upload

import (
	"bytes"
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/synapse-lab/backend/internal/models"
)

// Destination receives the chunks of one candidate. Implementations must not
// retain data after PutChunk returns; the tracker reuses the buffer.
type Destination interface {
	Begin(ctx context.Context, c models.UploadCandidate) (string, error)
	PutChunk(ctx context.Context, uploadID string, index int, data []byte) error
	Complete(ctx context.Context, uploadID string, c models.UploadCandidate, totalChunks int) (*models.StoredDocument, error)
	Abort(ctx context.Context, uploadID string) error
	// Discard deletes a document that Complete stored for a candidate that
	// was cancelled in the meantime.
	Discard(ctx context.Context, doc *models.StoredDocument) error
}

// ChunkStore is the subset of storage.Store the server-side destination needs.
type ChunkStore interface {
	SaveChunk(ctx context.Context, uploadID string, chunkIndex int, r io.Reader) error
	CompleteChunkedUpload(ctx context.Context, uploadID, bucket, name, contentType string, totalChunks int) (*models.StoredDocument, error)
	AbortChunkedUpload(ctx context.Context, uploadID string) error
	Delete(ctx context.Context, bucket, id string) error
}

// StoreDestination writes chunks straight into object storage.
type StoreDestination struct {
	store ChunkStore
}

// NewStoreDestination creates a destination backed by store.
func NewStoreDestination(store ChunkStore) *StoreDestination {
	return &StoreDestination{store: store}
}

func (d *StoreDestination) Begin(ctx context.Context, c models.UploadCandidate) (string, error) {
	return uuid.New().String(), nil
}

func (d *StoreDestination) PutChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	return d.store.SaveChunk(ctx, uploadID, index, bytes.NewReader(data))
}

func (d *StoreDestination) Complete(ctx context.Context, uploadID string, c models.UploadCandidate, totalChunks int) (*models.StoredDocument, error) {
	return d.store.CompleteChunkedUpload(ctx, uploadID, c.Bucket, c.Name, c.ContentType, totalChunks)
}

func (d *StoreDestination) Abort(ctx context.Context, uploadID string) error {
	return d.store.AbortChunkedUpload(ctx, uploadID)
}

func (d *StoreDestination) Discard(ctx context.Context, doc *models.StoredDocument) error {
	return d.store.Delete(ctx, doc.Bucket, doc.ID)
}
