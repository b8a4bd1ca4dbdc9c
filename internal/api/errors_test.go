package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-lab/backend/internal/apperr"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", apperr.Validation("op", "title is required"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unauthorized", apperr.Unauthorized("op", "no"), http.StatusUnauthorized, "UNAUTHORIZED"},
		{"not found", apperr.NotFound("op", "file", "x"), http.StatusNotFound, "NOT_FOUND"},
		{"wrapped conflict", fmt.Errorf("cancel: %w", apperr.Conflict("op", "done")), http.StatusConflict, "CONFLICT"},
		{"network", apperr.Network("op", errors.New("reset")), http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"api error passes through", NewServiceUnavailableError("later"), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestFromError_KeepsMessage(t *testing.T) {
	apiErr := FromError(apperr.Validation("experiment.validate", "title is required"))
	assert.Equal(t, "title is required", apiErr.Message)

	apiErr = FromError(apperr.NotFound("storage.get", "file", "abc"))
	assert.Equal(t, "file not found: abc", apiErr.Message)
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		showDetails bool
		wantStatus  int
		wantCode    string
		wantDetails bool
	}{
		{
			name:       "api error",
			err:        NewNotFoundError("file", "x"),
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "echo http error",
			err:        echo.NewHTTPError(http.StatusMethodNotAllowed, "method not allowed"),
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   "HTTP_ERROR",
		},
		{
			name:       "domain error",
			err:        apperr.Conflict("upload.cancel", "upload already finished"),
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name:        "internal error hides details",
			err:         errors.New("disk on fire"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "INTERNAL_ERROR",
			wantDetails: false,
		},
		{
			name:        "internal error shows details in development",
			err:         errors.New("disk on fire"),
			showDetails: true,
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "INTERNAL_ERROR",
			wantDetails: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/anything", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			NewErrorHandler(zap.NewNop(), tt.showDetails)(tt.err, c)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantDetails, body.Details != "")
		})
	}
}
