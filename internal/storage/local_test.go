package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/synapse-lab/backend/internal/apperr"
)

var testBuckets = []string{"data-files", "plots", "documents"}

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), "http://localhost:8090/api", testBuckets)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestNewLocalStore(t *testing.T) {
	t.Run("creates bucket directories", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "storage")
		if _, err := NewLocalStore(root, "", testBuckets); err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}

		for _, b := range testBuckets {
			if _, err := os.Stat(filepath.Join(root, b)); os.IsNotExist(err) {
				t.Errorf("Expected bucket directory %s to be created", b)
			}
		}
	})

	t.Run("reloads index from sidecars", func(t *testing.T) {
		root := t.TempDir()
		ctx := context.Background()

		first, err := NewLocalStore(root, "", testBuckets)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		doc, err := first.Save(ctx, "data-files", "run1.mpt", "", strings.NewReader("E,I"))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}

		second, err := NewLocalStore(root, "", testBuckets)
		if err != nil {
			t.Fatalf("Failed to reopen store: %v", err)
		}
		got, err := second.Get(ctx, "data-files", doc.ID)
		if err != nil {
			t.Fatalf("Expected reloaded file, got error: %v", err)
		}
		if got.Name != "run1.mpt" || got.Size != 3 {
			t.Errorf("Unexpected reloaded metadata: %+v", got)
		}
	})
}

func TestLocalStore_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("saves file from reader", func(t *testing.T) {
		store := createTestStore(t)
		content := "Hello, World!"

		doc, err := store.Save(ctx, "documents", "notes.txt", "text/plain", strings.NewReader(content))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}

		if doc.ID == "" {
			t.Error("Expected ID to be set")
		}
		if doc.Name != "notes.txt" {
			t.Errorf("Expected name 'notes.txt', got %v", doc.Name)
		}
		if doc.Size != int64(len(content)) {
			t.Errorf("Expected size %d, got %d", len(content), doc.Size)
		}
		if doc.Bucket != "documents" {
			t.Errorf("Expected bucket 'documents', got %v", doc.Bucket)
		}
		if doc.UploadedAt.IsZero() {
			t.Error("Expected upload time to be set")
		}
	})

	t.Run("defaults content type", func(t *testing.T) {
		store := createTestStore(t)

		doc, err := store.Save(ctx, "data-files", "a.dta", "", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}
		if doc.ContentType != "application/octet-stream" {
			t.Errorf("Expected default content type, got %v", doc.ContentType)
		}
	})

	t.Run("creates physical file", func(t *testing.T) {
		store := createTestStore(t)
		content := "Test content"

		doc, err := store.Save(ctx, "data-files", "test.csv", "text/csv", strings.NewReader(content))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}

		data, err := os.ReadFile(filepath.Join(store.rootDir, "data-files", doc.ID))
		if err != nil {
			t.Fatalf("Failed to read saved file: %v", err)
		}
		if string(data) != content {
			t.Errorf("Expected content '%s', got '%s'", content, string(data))
		}
	})

	t.Run("rejects unknown bucket", func(t *testing.T) {
		store := createTestStore(t)

		_, err := store.Save(ctx, "secrets", "x.txt", "", strings.NewReader("x"))
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("Expected not found error, got %v", err)
		}
	})
}

func TestLocalStore_GetAndOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("gets existing file", func(t *testing.T) {
		store := createTestStore(t)
		doc, err := store.Save(ctx, "plots", "cv.png", "image/png", strings.NewReader("png"))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}

		got, err := store.Get(ctx, "plots", doc.ID)
		if err != nil {
			t.Fatalf("Failed to get file: %v", err)
		}
		if got.ID != doc.ID || got.Category != "image" {
			t.Errorf("Unexpected metadata: %+v", got)
		}

		rc, _, err := store.Open(ctx, "plots", doc.ID)
		if err != nil {
			t.Fatalf("Failed to open file: %v", err)
		}
		defer rc.Close()
		body, _ := io.ReadAll(rc)
		if string(body) != "png" {
			t.Errorf("Expected body 'png', got %q", body)
		}
	})

	t.Run("returns not found for missing file", func(t *testing.T) {
		store := createTestStore(t)

		_, err := store.Get(ctx, "plots", "non-existent-id")
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("Expected not found error, got %v", err)
		}
	})

	t.Run("files are scoped to their bucket", func(t *testing.T) {
		store := createTestStore(t)
		doc, _ := store.Save(ctx, "plots", "cv.png", "", strings.NewReader("png"))

		if _, err := store.Get(ctx, "documents", doc.ID); err == nil {
			t.Error("Expected lookup in another bucket to fail")
		}
	})
}

func TestLocalStore_List(t *testing.T) {
	ctx := context.Background()

	t.Run("limits results", func(t *testing.T) {
		store := createTestStore(t)
		for i := 0; i < 10; i++ {
			if _, err := store.Save(ctx, "data-files", "file.csv", "", strings.NewReader("content")); err != nil {
				t.Fatalf("Failed to save file: %v", err)
			}
		}

		files, err := store.List(ctx, "data-files", 3)
		if err != nil {
			t.Fatalf("Failed to list files: %v", err)
		}
		if len(files) != 3 {
			t.Errorf("Expected 3 files, got %d", len(files))
		}

		all, _ := store.List(ctx, "data-files", 0)
		if len(all) != 10 {
			t.Errorf("Expected 10 files without limit, got %d", len(all))
		}
	})

	t.Run("sorts by upload time descending", func(t *testing.T) {
		store := createTestStore(t)

		ids := make([]string, 3)
		for i := 0; i < 3; i++ {
			doc, err := store.Save(ctx, "data-files", "file.csv", "", strings.NewReader("content"))
			if err != nil {
				t.Fatalf("Failed to save file: %v", err)
			}
			ids[i] = doc.ID
			time.Sleep(20 * time.Millisecond)
		}

		files, err := store.List(ctx, "data-files", 3)
		if err != nil {
			t.Fatalf("Failed to list files: %v", err)
		}
		if files[0].ID != ids[2] {
			t.Error("Expected files to be sorted by time descending")
		}
	})
}

func TestLocalStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes existing file", func(t *testing.T) {
		store := createTestStore(t)
		doc, err := store.Save(ctx, "documents", "test.pdf", "", strings.NewReader("content"))
		if err != nil {
			t.Fatalf("Failed to save file: %v", err)
		}
		path := filepath.Join(store.rootDir, "documents", doc.ID)

		if err := store.Delete(ctx, "documents", doc.ID); err != nil {
			t.Fatalf("Failed to delete file: %v", err)
		}

		if _, err := store.Get(ctx, "documents", doc.ID); err == nil {
			t.Error("Expected error when getting deleted file")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("Physical file should be deleted")
		}
		if _, err := os.Stat(path + metaSuffix); !os.IsNotExist(err) {
			t.Error("Metadata sidecar should be deleted")
		}
	})

	t.Run("returns error for non-existent file", func(t *testing.T) {
		store := createTestStore(t)

		if err := store.Delete(ctx, "documents", "non-existent-id"); err == nil {
			t.Error("Expected error when deleting non-existent file")
		}
	})
}

func TestLocalStore_DownloadURL(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	doc, _ := store.Save(ctx, "data-files", "a.mpt", "", strings.NewReader("x"))

	url, err := store.DownloadURL(ctx, "data-files", doc.ID, time.Minute)
	if err != nil {
		t.Fatalf("Failed to build URL: %v", err)
	}
	want := "http://localhost:8090/api/buckets/data-files/files/" + doc.ID + "/download"
	if url != want {
		t.Errorf("Expected %s, got %s", want, url)
	}
}

func TestLocalStore_SaveChunk(t *testing.T) {
	ctx := context.Background()

	t.Run("saves chunk", func(t *testing.T) {
		store := createTestStore(t)
		content := "Chunk data"

		if err := store.SaveChunk(ctx, "upload-123", 0, strings.NewReader(content)); err != nil {
			t.Fatalf("Failed to save chunk: %v", err)
		}

		data, err := os.ReadFile(filepath.Join(store.rootDir, chunksDir, "upload-123", "chunk_0"))
		if err != nil {
			t.Fatalf("Failed to read chunk: %v", err)
		}
		if string(data) != content {
			t.Errorf("Expected chunk content '%s', got '%s'", content, string(data))
		}
	})

	t.Run("overwrites retried chunk", func(t *testing.T) {
		store := createTestStore(t)

		store.SaveChunk(ctx, "upload-retry", 0, strings.NewReader("first"))
		store.SaveChunk(ctx, "upload-retry", 0, strings.NewReader("second"))

		data, _ := os.ReadFile(filepath.Join(store.rootDir, chunksDir, "upload-retry", "chunk_0"))
		if string(data) != "second" {
			t.Errorf("Expected retried chunk to win, got %q", data)
		}
	})

	t.Run("rejects path traversal in upload id", func(t *testing.T) {
		store := createTestStore(t)

		err := store.SaveChunk(ctx, "../escape", 0, strings.NewReader("x"))
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})

	t.Run("rejects negative index", func(t *testing.T) {
		store := createTestStore(t)

		err := store.SaveChunk(ctx, "upload-1", -1, strings.NewReader("x"))
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})
}

func TestLocalStore_CompleteChunkedUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("assembles chunks into final file", func(t *testing.T) {
		store := createTestStore(t)
		uploadID := "upload-complete"
		chunks := []string{"Hello ", "World", "!"}

		for i, content := range chunks {
			if err := store.SaveChunk(ctx, uploadID, i, strings.NewReader(content)); err != nil {
				t.Fatalf("Failed to save chunk %d: %v", i, err)
			}
		}

		doc, err := store.CompleteChunkedUpload(ctx, uploadID, "data-files", "assembled.txt", "text/plain", len(chunks))
		if err != nil {
			t.Fatalf("Failed to complete upload: %v", err)
		}

		if doc.Name != "assembled.txt" {
			t.Errorf("Expected name 'assembled.txt', got %v", doc.Name)
		}
		if doc.Size != int64(len("Hello World!")) {
			t.Errorf("Expected size %d, got %d", len("Hello World!"), doc.Size)
		}

		data, err := os.ReadFile(filepath.Join(store.rootDir, "data-files", doc.ID))
		if err != nil {
			t.Fatalf("Failed to read assembled file: %v", err)
		}
		if string(data) != "Hello World!" {
			t.Errorf("Expected 'Hello World!', got '%s'", string(data))
		}

		if _, err := os.Stat(filepath.Join(store.rootDir, chunksDir, uploadID)); !os.IsNotExist(err) {
			t.Error("Chunk directory should be cleaned up")
		}
	})

	t.Run("zero chunks produce an empty file", func(t *testing.T) {
		store := createTestStore(t)

		doc, err := store.CompleteChunkedUpload(ctx, "upload-empty", "data-files", "empty.csv", "", 0)
		if err != nil {
			t.Fatalf("Failed to complete empty upload: %v", err)
		}
		if doc.Size != 0 {
			t.Errorf("Expected size 0, got %d", doc.Size)
		}
	})

	t.Run("returns not found for missing chunks", func(t *testing.T) {
		store := createTestStore(t)
		uploadID := "upload-incomplete"

		if err := store.SaveChunk(ctx, uploadID, 0, strings.NewReader("chunk0")); err != nil {
			t.Fatalf("Failed to save chunk: %v", err)
		}

		_, err := store.CompleteChunkedUpload(ctx, uploadID, "data-files", "incomplete.txt", "", 3)
		if !apperr.Is(err, apperr.KindNotFound) {
			t.Errorf("Expected not found error when chunks are missing, got %v", err)
		}

		files, _ := store.List(ctx, "data-files", 0)
		if len(files) != 0 {
			t.Errorf("Expected no registered file, got %d", len(files))
		}
	})
}

func TestLocalStore_AbortChunkedUpload(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)

	store.SaveChunk(ctx, "upload-abort", 0, strings.NewReader("x"))
	if err := store.AbortChunkedUpload(ctx, "upload-abort"); err != nil {
		t.Fatalf("Failed to abort upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.rootDir, chunksDir, "upload-abort")); !os.IsNotExist(err) {
		t.Error("Chunk directory should be removed")
	}
}

func TestLocalStore_ConcurrentAccess(t *testing.T) {
	t.Run("handles concurrent saves", func(t *testing.T) {
		store := createTestStore(t)
		ctx := context.Background()

		done := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			go func(n int) {
				content := "Content " + string(rune('0'+n))
				if _, err := store.Save(ctx, "data-files", "file.csv", "", strings.NewReader(content)); err != nil {
					t.Errorf("Failed to save file: %v", err)
				}
				done <- true
			}(i)
		}

		for i := 0; i < 10; i++ {
			<-done
		}

		files, err := store.List(ctx, "data-files", 20)
		if err != nil {
			t.Fatalf("Failed to list files: %v", err)
		}
		if len(files) != 10 {
			t.Errorf("Expected 10 files, got %d", len(files))
		}
	})
}

// mockReader is a reader that can simulate errors
type mockReader struct {
	data      []byte
	readCount int
	failAfter int
}

func (m *mockReader) Read(p []byte) (n int, err error) {
	if m.readCount >= m.failAfter {
		return 0, io.ErrUnexpectedEOF
	}
	m.readCount++
	n = copy(p, m.data)
	return n, nil
}

func TestLocalStore_ErrorHandling(t *testing.T) {
	t.Run("handles read error during save", func(t *testing.T) {
		store := createTestStore(t)
		ctx := context.Background()

		_, err := store.Save(ctx, "data-files", "test.txt", "", &mockReader{data: []byte("data")})
		if err == nil {
			t.Error("Expected error when reader fails")
		}

		files, _ := store.List(ctx, "data-files", 0)
		if len(files) != 0 {
			t.Errorf("Expected failed save to leave no file, got %d", len(files))
		}
	})
}
