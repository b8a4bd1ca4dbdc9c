// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/storage"
)

// DefaultBuckets are the buckets a new MockStorage accepts.
var DefaultBuckets = []string{"data-files", "plots", "documents"}

// MockStorage implements storage.Store in memory for testing
type MockStorage struct {
	files    map[string]map[string]*models.StoredDocument // bucket -> id -> doc
	fileData map[string][]byte                            // id -> content
	chunks   map[string]map[int][]byte                    // uploadID -> chunkIndex -> data
	aborted  []string
	mu       sync.RWMutex

	// SaveChunkErr, when set, is returned by SaveChunk.
	SaveChunkErr error
}

// NewMockStorage creates a new mock storage with default buckets
func NewMockStorage() *MockStorage {
	m := &MockStorage{
		files:    make(map[string]map[string]*models.StoredDocument),
		fileData: make(map[string][]byte),
		chunks:   make(map[string]map[int][]byte),
	}
	for _, b := range DefaultBuckets {
		m.files[b] = make(map[string]*models.StoredDocument)
	}
	return m
}

func (m *MockStorage) bucket(op, name string) (map[string]*models.StoredDocument, error) {
	b, ok := m.files[name]
	if !ok {
		return nil, apperr.NotFound(op, "bucket", name)
	}
	return b, nil
}

func (m *MockStorage) List(ctx context.Context, bucket string, limit int) ([]*models.StoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket("mock.list", bucket)
	if err != nil {
		return nil, err
	}

	files := make([]*models.StoredDocument, 0, len(b))
	for _, f := range b {
		cp := *f
		files = append(files, &cp)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].UploadedAt.After(files[j].UploadedAt)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func (m *MockStorage) Get(ctx context.Context, bucket, id string) (*models.StoredDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.bucket("mock.get", bucket)
	if err != nil {
		return nil, err
	}
	file, ok := b[id]
	if !ok {
		return nil, apperr.NotFound("mock.get", "file", id)
	}
	cp := *file
	return &cp, nil
}

func (m *MockStorage) Open(ctx context.Context, bucket, id string) (io.ReadCloser, *models.StoredDocument, error) {
	doc, err := m.Get(ctx, bucket, id)
	if err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	data := m.fileData[id]
	m.mu.RUnlock()
	return io.NopCloser(bytes.NewReader(data)), doc, nil
}

func (m *MockStorage) Save(ctx context.Context, bucket, name, contentType string, r io.Reader) (*models.StoredDocument, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket("mock.save", bucket)
	if err != nil {
		return nil, err
	}
	return m.store(b, bucket, name, contentType, data), nil
}

// store must be called with mu held.
func (m *MockStorage) store(b map[string]*models.StoredDocument, bucket, name, contentType string, data []byte) *models.StoredDocument {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	file := &models.StoredDocument{
		ID:          generateTestID(),
		Bucket:      bucket,
		Name:        name,
		Size:        int64(len(data)),
		ContentType: contentType,
		Category:    filetype.Category(name),
		UploadedAt:  time.Now(),
	}
	b[file.ID] = file
	m.fileData[file.ID] = data

	cp := *file
	return &cp
}

func (m *MockStorage) Delete(ctx context.Context, bucket, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket("mock.delete", bucket)
	if err != nil {
		return err
	}
	if _, exists := b[id]; !exists {
		return apperr.NotFound("mock.delete", "file", id)
	}

	delete(b, id)
	delete(m.fileData, id)
	return nil
}

func (m *MockStorage) DownloadURL(ctx context.Context, bucket, id string, ttl time.Duration) (string, error) {
	if _, err := m.Get(ctx, bucket, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://mock/%s/%s?ttl=%d", bucket, id, int(ttl.Seconds())), nil
}

func (m *MockStorage) SaveChunk(ctx context.Context, uploadID string, chunkIndex int, r io.Reader) error {
	if m.SaveChunkErr != nil {
		return m.SaveChunkErr
	}
	if chunkIndex < 0 {
		return apperr.Validation("mock.save_chunk", "chunk index must not be negative")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chunks[uploadID] == nil {
		m.chunks[uploadID] = make(map[int][]byte)
	}
	m.chunks[uploadID][chunkIndex] = data
	return nil
}

func (m *MockStorage) CompleteChunkedUpload(ctx context.Context, uploadID, bucket, name, contentType string, totalChunks int) (*models.StoredDocument, error) {
	const op = "mock.complete"

	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.bucket(op, bucket)
	if err != nil {
		return nil, err
	}

	uploadChunks := m.chunks[uploadID]
	if totalChunks > 0 && uploadChunks == nil {
		return nil, apperr.NotFound(op, "upload", uploadID)
	}

	// Concatenate all chunks
	var data bytes.Buffer
	for i := 0; i < totalChunks; i++ {
		chunk, ok := uploadChunks[i]
		if !ok {
			return nil, apperr.NotFound(op, "chunk", fmt.Sprintf("%s/%d", uploadID, i))
		}
		data.Write(chunk)
	}

	delete(m.chunks, uploadID)
	return m.store(b, bucket, name, contentType, data.Bytes()), nil
}

func (m *MockStorage) AbortChunkedUpload(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.chunks, uploadID)
	m.aborted = append(m.aborted, uploadID)
	return nil
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

// Test Helper Methods

// AddFile adds a file directly to the mock
func (m *MockStorage) AddFile(bucket, name string, data []byte) *models.StoredDocument {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.files[bucket]
	if !ok {
		b = make(map[string]*models.StoredDocument)
		m.files[bucket] = b
	}
	return m.store(b, bucket, name, "", data)
}

// GetFileData returns the file content
func (m *MockStorage) GetFileData(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.fileData[id]
	return data, ok
}

// GetFileCount returns the number of stored files across all buckets
func (m *MockStorage) GetFileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, b := range m.files {
		n += len(b)
	}
	return n
}

// PendingChunks returns how many chunks are held for uploadID
func (m *MockStorage) PendingChunks(uploadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[uploadID])
}

// Aborted returns the upload ids passed to AbortChunkedUpload
func (m *MockStorage) Aborted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.aborted...)
}

// generateTestID generates a simple test ID
var testIDCounter int
var testIDMutex sync.Mutex

func generateTestID() string {
	testIDMutex.Lock()
	defer testIDMutex.Unlock()
	testIDCounter++
	return fmt.Sprintf("test-id-%d", testIDCounter)
}
