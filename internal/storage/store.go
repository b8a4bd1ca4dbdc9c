// Package storage implements bucket-based object storage for uploaded files.
package storage

import (
	"context"
	"io"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
)

// Store defines the interface for object storage.
type Store interface {
	List(ctx context.Context, bucket string, limit int) ([]*models.StoredDocument, error)
	Get(ctx context.Context, bucket, id string) (*models.StoredDocument, error)
	Open(ctx context.Context, bucket, id string) (io.ReadCloser, *models.StoredDocument, error)
	Save(ctx context.Context, bucket, name, contentType string, r io.Reader) (*models.StoredDocument, error)
	Delete(ctx context.Context, bucket, id string) error
	DownloadURL(ctx context.Context, bucket, id string, ttl time.Duration) (string, error)
	SaveChunk(ctx context.Context, uploadID string, chunkIndex int, r io.Reader) error
	CompleteChunkedUpload(ctx context.Context, uploadID, bucket, name, contentType string, totalChunks int) (*models.StoredDocument, error)
	AbortChunkedUpload(ctx context.Context, uploadID string) error
}

const defaultContentType = "application/octet-stream"

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// bucketSet restricts operations to the configured buckets.
type bucketSet map[string]struct{}

func newBucketSet(names []string) bucketSet {
	set := make(bucketSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (b bucketSet) check(op, bucket string) error {
	if _, ok := b[bucket]; !ok {
		return apperr.NotFound(op, "bucket", bucket)
	}
	return nil
}

func (b bucketSet) names() []string {
	out := make([]string, 0, len(b))
	for n := range b {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func checkUploadID(op, uploadID string) error {
	if !uploadIDPattern.MatchString(uploadID) {
		return apperr.Validation(op, "invalid upload id")
	}
	return nil
}

func checkChunkIndex(op string, index int) error {
	if index < 0 {
		return apperr.Validation(op, "chunk index must not be negative")
	}
	return nil
}

// newDocument assigns the storage-side identifier and timestamp.
func newDocument(bucket, name, contentType string, size int64) *models.StoredDocument {
	if contentType == "" {
		contentType = defaultContentType
	}
	return &models.StoredDocument{
		ID:          uuid.New().String(),
		Bucket:      bucket,
		Name:        name,
		Size:        size,
		ContentType: contentType,
		Category:    filetype.Category(name),
		UploadedAt:  time.Now().UTC(),
	}
}

// sortRecent orders documents newest first and truncates to limit (<= 0 means no limit).
func sortRecent(list []*models.StoredDocument, limit int) []*models.StoredDocument {
	sort.Slice(list, func(i, j int) bool {
		return list[i].UploadedAt.After(list[j].UploadedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// countingReader records how many bytes passed through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
