package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-lab/backend/internal/api"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/httputil"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/testutil"
	"github.com/synapse-lab/backend/internal/upload"
)

func init() {
	httputil.RetryBaseDelay = time.Millisecond
}

func TestClient_Login(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "ada@lab.org", body["email"])
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"token":"tok-1","user":{"id":"u1","email":"ada@lab.org","name":"Ada"}}`)
		case "/api/experiments":
			gotAuth = r.Header.Get("Authorization")
			io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	s, err := c.Login(context.Background(), "ada@lab.org", "password123")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", s.Token)
	assert.Equal(t, "Ada", s.User.Name)

	list, err := c.ListExperiments(context.Background(), experiment.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperr.Kind
		wantMsg  string
	}{
		{"validation", http.StatusBadRequest, `{"code":"VALIDATION_ERROR","message":"title is required"}`, apperr.KindValidation, "title is required"},
		{"unauthorized", http.StatusUnauthorized, `{"code":"UNAUTHORIZED","message":"session expired"}`, apperr.KindUnauthorized, "session expired"},
		{"not found", http.StatusNotFound, `{"code":"NOT_FOUND","message":"experiment not found"}`, apperr.KindNotFound, "experiment not found"},
		{"conflict", http.StatusConflict, `{"code":"CONFLICT","message":"email taken"}`, apperr.KindConflict, "email taken"},
		{"bad gateway", http.StatusBadGateway, `upstream down`, apperr.KindNetwork, "upstream down"},
		{"teapot", http.StatusTeapot, ``, apperr.KindInternal, "I'm a teapot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL, "tok").SearchExperiments(context.Background(), "cv")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"title":"CV Run 1"`)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id":"e1","title":"CV Run 1","type":"cv","status":"draft"}`)
	}))
	defer srv.Close()

	exp, err := New(srv.URL, "tok").CreateExperiment(context.Background(),
		experiment.NewExperiment{Title: "CV Run 1", Type: models.ExperimentTypeCV})
	require.NoError(t, err)
	assert.Equal(t, "e1", exp.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "").Login(context.Background(), "a@b.c", "password123")
	require.Error(t, err)
	assert.True(t, apperr.IsTransient(err))
}

// newChunkServer serves the chunk protocol from the real API handlers.
func newChunkServer(t *testing.T) (*httptest.Server, *testutil.MockStorage) {
	t.Helper()
	store := testutil.NewMockStorage()
	h := api.NewUploadHandler(store, nil, api.UploadOptions{Buckets: testutil.DefaultBuckets}, zap.NewNop())

	e := echo.New()
	e.HTTPErrorHandler = api.NewErrorHandler(zap.NewNop(), false)
	e.POST("/api/files/upload/chunk", h.HandleUploadChunk)
	e.POST("/api/files/upload/complete", h.HandleCompleteUpload)
	e.DELETE("/api/files/upload/:uploadId", h.HandleAbortUpload)
	files := api.NewFileHandler(store, time.Minute, zap.NewNop())
	e.DELETE("/api/buckets/:bucket/files/:id", files.HandleDeleteFile)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHTTPDestination_TrackerUpload(t *testing.T) {
	srv, store := newChunkServer(t)

	tracker := upload.NewTracker(NewHTTPDestination(New(srv.URL, "tok")), upload.Options{
		ChunkSize:      5,
		MaxConcurrent:  2,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, zap.NewNop())

	content := "E/V,I/mA\n0.10,0.02\n0.20,0.05\n"
	batch, err := tracker.Submit(context.Background(), "", "data-files", []upload.Source{{
		Name: "sweep.csv",
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}}, nil)
	require.NoError(t, err)

	id := batch.Candidates[0].ID
	var final models.UploadCandidate
	require.Eventually(t, func() bool {
		c, ok := tracker.Get(id)
		final = c
		return ok && c.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)

	require.Equal(t, models.UploadStatusSuccess, final.Status, final.Error)
	require.NotNil(t, final.File)
	data, ok := store.GetFileData(final.File.ID)
	require.True(t, ok)
	assert.Equal(t, content, string(data))
}

func TestHTTPDestination_Abort(t *testing.T) {
	srv, store := newChunkServer(t)
	dest := NewHTTPDestination(New(srv.URL, "tok"))
	ctx := context.Background()

	uploadID, err := dest.Begin(ctx, models.UploadCandidate{Name: "a.csv", Bucket: "data-files"})
	require.NoError(t, err)
	require.NoError(t, dest.PutChunk(ctx, uploadID, 0, []byte("1,2")))
	require.Equal(t, 1, store.PendingChunks(uploadID))

	require.NoError(t, dest.Abort(ctx, uploadID))
	assert.Equal(t, 0, store.PendingChunks(uploadID))
	assert.Contains(t, store.Aborted(), uploadID)
}

func TestHTTPDestination_CompleteRejected(t *testing.T) {
	srv, _ := newChunkServer(t)
	dest := NewHTTPDestination(New(srv.URL, "tok"))

	_, err := dest.Complete(context.Background(), "missing",
		models.UploadCandidate{Name: "a.csv", Bucket: "data-files"}, 3)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.False(t, apperr.IsTransient(err))
}

func TestHTTPDestination_Discard(t *testing.T) {
	srv, store := newChunkServer(t)
	dest := NewHTTPDestination(New(srv.URL, "tok"))
	doc := store.AddFile("data-files", "late.csv", []byte("1,2"))

	require.NoError(t, dest.Discard(context.Background(), doc))
	assert.Equal(t, 0, store.GetFileCount())

	// Already gone.
	require.NoError(t, dest.Discard(context.Background(), doc))
}

func TestHTTPDestination_TrackerOwnsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/files/upload/chunk") {
			calls.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	tracker := upload.NewTracker(NewHTTPDestination(c), upload.Options{
		ChunkSize:      16,
		MaxConcurrent:  1,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}, zap.NewNop())

	done := make(chan upload.Batch, 1)
	_, err := tracker.Submit(context.Background(), "", "data-files", []upload.Source{{
		Name: "a.csv",
		Size: 3,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("1,2")), nil },
	}}, func(b upload.Batch) { done <- b })
	require.NoError(t, err)

	select {
	case b := <-done:
		assert.Equal(t, models.UploadStatusError, b.Candidates[0].Status)
		assert.Equal(t, 2, b.Candidates[0].Retries)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
	// One request per tracker attempt.
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, c.MaxRetries)
}
