package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	chunksDir  = ".chunks"
	metaSuffix = ".meta"
)

// LocalStore implements Store using the local filesystem. Each bucket is a
// directory holding the file bodies named by ID, plus a msgpack sidecar with
// the metadata so the index survives restarts.
type LocalStore struct {
	mu      sync.RWMutex
	rootDir string
	baseURL string
	buckets bucketSet
	files   map[string]map[string]*models.StoredDocument // bucket -> id -> doc
}

// NewLocalStore creates a new LocalStore rooted at rootDir. baseURL is the API
// prefix used to build download URLs (e.g. http://localhost:8090/api).
func NewLocalStore(rootDir, baseURL string, buckets []string) (*LocalStore, error) {
	s := &LocalStore{
		rootDir: rootDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		buckets: newBucketSet(buckets),
		files:   make(map[string]map[string]*models.StoredDocument),
	}

	for _, bucket := range s.buckets.names() {
		dir := filepath.Join(rootDir, bucket)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating bucket directory: %w", err)
		}
		s.files[bucket] = make(map[string]*models.StoredDocument)
		if err := s.loadBucket(bucket, dir); err != nil {
			return nil, fmt.Errorf("loading bucket %s: %w", bucket, err)
		}
	}

	if err := os.MkdirAll(filepath.Join(rootDir, chunksDir), 0755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}

	return s, nil
}

func (s *LocalStore) loadBucket(bucket, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		var doc models.StoredDocument
		if err := msgpack.Unmarshal(data, &doc); err != nil {
			// Skip corrupt sidecars rather than refusing to start
			continue
		}
		s.files[bucket][doc.ID] = &doc
	}
	return nil
}

func (s *LocalStore) filePath(bucket, id string) string {
	return filepath.Join(s.rootDir, bucket, id)
}

func (s *LocalStore) writeMeta(doc *models.StoredDocument) error {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath(doc.Bucket, doc.ID)+metaSuffix, data, 0644)
}

func (s *LocalStore) register(doc *models.StoredDocument) error {
	if err := s.writeMeta(doc); err != nil {
		os.Remove(s.filePath(doc.Bucket, doc.ID))
		return fmt.Errorf("writing metadata: %w", err)
	}
	s.mu.Lock()
	s.files[doc.Bucket][doc.ID] = doc
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) lookup(op, bucket, id string) (*models.StoredDocument, error) {
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.files[bucket][id]
	if !ok {
		return nil, apperr.NotFound(op, "file", id)
	}
	return doc, nil
}

// Save saves a file into a bucket.
func (s *LocalStore) Save(ctx context.Context, bucket, name, contentType string, r io.Reader) (*models.StoredDocument, error) {
	const op = "storage.save"
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}

	doc := newDocument(bucket, name, contentType, 0)
	path := s.filePath(bucket, doc.ID)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	doc.Size = size

	if err := s.register(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Get retrieves file metadata by ID.
func (s *LocalStore) Get(ctx context.Context, bucket, id string) (*models.StoredDocument, error) {
	return s.lookup("storage.get", bucket, id)
}

// Open returns the file body and its metadata.
func (s *LocalStore) Open(ctx context.Context, bucket, id string) (io.ReadCloser, *models.StoredDocument, error) {
	doc, err := s.lookup("storage.open", bucket, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.filePath(bucket, id))
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	return f, doc, nil
}

// List returns the most recent files of a bucket.
func (s *LocalStore) List(ctx context.Context, bucket string, limit int) ([]*models.StoredDocument, error) {
	if err := s.buckets.check("storage.list", bucket); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.StoredDocument, 0, len(s.files[bucket]))
	for _, doc := range s.files[bucket] {
		list = append(list, doc)
	}
	return sortRecent(list, limit), nil
}

// Delete removes a file from storage.
func (s *LocalStore) Delete(ctx context.Context, bucket, id string) error {
	const op = "storage.delete"
	if err := s.buckets.check(op, bucket); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[bucket][id]; !ok {
		return apperr.NotFound(op, "file", id)
	}

	path := s.filePath(bucket, id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting file: %w", err)
	}
	os.Remove(path + metaSuffix)

	delete(s.files[bucket], id)
	return nil
}

// DownloadURL returns the API route that streams the file. Local files are
// served by the API itself, so ttl is not applied.
func (s *LocalStore) DownloadURL(ctx context.Context, bucket, id string, ttl time.Duration) (string, error) {
	if _, err := s.lookup("storage.url", bucket, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/buckets/%s/files/%s/download", s.baseURL, bucket, id), nil
}

// SaveChunk saves a single chunk to a temporary location.
func (s *LocalStore) SaveChunk(ctx context.Context, uploadID string, chunkIndex int, r io.Reader) error {
	const op = "storage.save_chunk"
	if err := checkUploadID(op, uploadID); err != nil {
		return err
	}
	if err := checkChunkIndex(op, chunkIndex); err != nil {
		return err
	}

	chunkDir := filepath.Join(s.rootDir, chunksDir, uploadID)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return fmt.Errorf("creating chunk directory: %w", err)
	}

	// Write to a temp name so a retried chunk never leaves a partial file behind
	path := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", chunkIndex))
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating chunk file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing chunk: %w", err)
	}

	return os.Rename(tmp, path)
}

// CompleteChunkedUpload assembles all chunks into a final file.
func (s *LocalStore) CompleteChunkedUpload(ctx context.Context, uploadID, bucket, name, contentType string, totalChunks int) (*models.StoredDocument, error) {
	const op = "storage.complete_upload"
	if err := checkUploadID(op, uploadID); err != nil {
		return nil, err
	}
	if err := s.buckets.check(op, bucket); err != nil {
		return nil, err
	}
	if totalChunks < 0 {
		return nil, apperr.Validation(op, "totalChunks must not be negative")
	}

	doc := newDocument(bucket, name, contentType, 0)
	finalPath := s.filePath(bucket, doc.ID)
	chunkDir := filepath.Join(s.rootDir, chunksDir, uploadID)

	out, err := os.Create(finalPath)
	if err != nil {
		return nil, fmt.Errorf("creating final file: %w", err)
	}
	defer out.Close()

	var totalSize int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			os.Remove(finalPath)
			return nil, err
		}

		chunkPath := filepath.Join(chunkDir, fmt.Sprintf("chunk_%d", i))
		in, err := os.Open(chunkPath)
		if err != nil {
			os.Remove(finalPath)
			if errors.Is(err, os.ErrNotExist) {
				return nil, apperr.NotFound(op, "chunk", fmt.Sprintf("%s/%d", uploadID, i))
			}
			return nil, fmt.Errorf("opening chunk %d: %w", i, err)
		}

		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			os.Remove(finalPath)
			return nil, fmt.Errorf("copying chunk %d: %w", i, err)
		}
		totalSize += n
	}
	doc.Size = totalSize

	if err := s.register(doc); err != nil {
		return nil, err
	}

	// Cleanup chunks
	os.RemoveAll(chunkDir)

	return doc, nil
}

// AbortChunkedUpload discards the chunks of an unfinished upload.
func (s *LocalStore) AbortChunkedUpload(ctx context.Context, uploadID string) error {
	if err := checkUploadID("storage.abort_upload", uploadID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.rootDir, chunksDir, uploadID))
}
