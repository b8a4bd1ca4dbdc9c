package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-lab/backend/internal/config"
	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/testutil"
	"github.com/synapse-lab/backend/internal/upload"
)

type stack struct {
	e       *echo.Echo
	store   *testutil.MockStorage
	tracker *upload.Tracker
	ids     *testutil.MockIdentity
	token   string
}

func newStack(t *testing.T, mutate func(cfg *config.AppConfig)) *stack {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.TempDirectory = t.TempDir()
	cfg.Advanced.EnableRequestLogging = false
	cfg.Proxy.ELabFTWURL = ""
	cfg.Proxy.OnlyOfficeURL = ""
	if mutate != nil {
		mutate(cfg)
	}

	tracker, store := newTestTracker()
	ids := testutil.NewMockIdentity()
	deps := &Dependencies{
		Config:      cfg,
		Store:       store,
		Tracker:     tracker,
		Identity:    ids,
		Experiments: experiment.NewService(testutil.NewMemoryExperiments(), experiment.Options{}, zap.NewNop()),
		Logger:      zap.NewNop(),
		Version:     "test",
		BaseContext: context.Background(),
	}

	e := echo.New()
	SetupMiddleware(e, cfg, zap.NewNop())
	require.NoError(t, RegisterRoutes(e, NewHandlers(deps), deps))

	return &stack{e: e, store: store, tracker: tracker, ids: ids, token: ids.MustSession("ada@lab.org")}
}

func (s *stack) do(method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_PublicHealth(t *testing.T) {
	s := newStack(t, nil)
	rec := s.do(http.MethodGet, "/api/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"storage":"local"`)
}

func TestRoutes_RequireSession(t *testing.T) {
	s := newStack(t, nil)

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/auth/me"},
		{http.MethodGet, "/api/experiments"},
		{http.MethodPost, "/api/experiments"},
		{http.MethodGet, "/api/buckets/data-files/files"},
		{http.MethodGet, "/api/uploads"},
		{http.MethodPost, "/api/files/upload/complete"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := s.do(tt.method, tt.target, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)

			rec = s.do(tt.method, tt.target, s.token, nil)
			assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRoutes_UploadsScopedToSession(t *testing.T) {
	s := newStack(t, nil)
	bob := s.ids.MustSession("bob@lab.org")

	body, contentType := multipartBody(t, "data-files", map[string]string{"cv-run1.csv": "1,2\n"})
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.token)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var batch upload.Batch
	decodeJSON(t, rec, &batch)
	require.Len(t, batch.Candidates, 1)
	id := batch.Candidates[0].ID

	rec = s.do(http.MethodGet, "/api/uploads", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var own []models.UploadCandidate
	decodeJSON(t, rec, &own)
	require.Len(t, own, 1)
	assert.Equal(t, id, own[0].ID)

	rec = s.do(http.MethodGet, "/api/uploads", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/api/uploads/" + id},
		{http.MethodPost, "/api/uploads/" + id + "/cancel"},
		{http.MethodDelete, "/api/uploads/" + id},
	}
	for _, tt := range tests {
		t.Run("bob "+tt.method, func(t *testing.T) {
			rec := s.do(tt.method, tt.target, bob, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"NOT_FOUND"`)
		})
	}

	cand, ok := s.tracker.Get(id)
	require.True(t, ok)
	assert.NotEqual(t, "upload cancelled", cand.Error)
}

func TestRoutes_ExperimentRoundTrip(t *testing.T) {
	s := newStack(t, nil)

	rec := s.do(http.MethodPost, "/api/experiments", s.token,
		strings.NewReader(`{"title":"EIS sweep","type":"eis"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/experiments/search?q=sweep", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"EIS sweep"`)

	rec = s.do(http.MethodGet, "/api/experiments/stats", s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestRoutes_FileDeletionToggle(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		s := newStack(t, nil)
		doc := s.store.AddFile("plots", "a.png", []byte("png"))

		rec := s.do(http.MethodDelete, "/api/buckets/plots/files/"+doc.ID, s.token, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 0, s.store.GetFileCount())
	})

	t.Run("disabled", func(t *testing.T) {
		s := newStack(t, func(cfg *config.AppConfig) {
			cfg.Security.AllowFileDeletion = false
		})
		doc := s.store.AddFile("plots", "a.png", []byte("png"))

		rec := s.do(http.MethodDelete, "/api/buckets/plots/files/"+doc.ID, s.token, nil)
		assert.NotEqual(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 1, s.store.GetFileCount())
	})
}

func TestRoutes_Proxy(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "notebook")
	}))
	defer upstream.Close()

	s := newStack(t, func(cfg *config.AppConfig) {
		cfg.Proxy.ELabFTWURL = upstream.URL
	})
	srv := httptest.NewServer(s.e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/elabftw/api/v2/items")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "notebook", string(body))
	assert.Equal(t, "/api/v2/items", gotPath)
}

func TestRegisterProxyRoutes_InvalidTarget(t *testing.T) {
	err := RegisterProxyRoutes(echo.New(), []ProxyRoute{{Prefix: "/api/elabftw", Target: "not a url"}})
	assert.Error(t, err)
}
