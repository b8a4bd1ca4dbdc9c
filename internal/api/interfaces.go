// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/identity"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/upload"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// AuthHandler handles registration, login and account operations
type AuthHandler interface {
	HandleRegister(c echo.Context) error
	HandleLogin(c echo.Context) error
	HandleMe(c echo.Context) error
	HandleLogout(c echo.Context) error
	HandleUpdateName(c echo.Context) error
	HandleUpdatePassword(c echo.Context) error
}

// ExperimentHandler handles experiment submission and listing
type ExperimentHandler interface {
	HandleTemplates(c echo.Context) error
	HandleCreateExperiment(c echo.Context) error
	HandleListExperiments(c echo.Context) error
	HandleSearchExperiments(c echo.Context) error
	HandleExperimentStats(c echo.Context) error
	HandleGetExperiment(c echo.Context) error
}

// FileHandler handles stored documents in object storage buckets
type FileHandler interface {
	HandleListFiles(c echo.Context) error
	HandleGetFile(c echo.Context) error
	HandleDownloadFile(c echo.Context) error
	HandleFileURL(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
}

// UploadHandler handles the chunk protocol and the tracked upload batches
type UploadHandler interface {
	HandleUploadChunk(c echo.Context) error
	HandleCompleteUpload(c echo.Context) error
	HandleAbortUpload(c echo.Context) error
	HandleSubmitUploads(c echo.Context) error
	HandleListUploads(c echo.Context) error
	HandleGetUpload(c echo.Context) error
	HandleCancelUpload(c echo.Context) error
	HandleRemoveUpload(c echo.Context) error
	HandleUploadEvents(c echo.Context) error
}

// IdentityService defines the account and session operations used by the
// handlers. This allows mocking in tests.
type IdentityService interface {
	Register(ctx context.Context, email, password, name string) (*identity.SessionContext, error)
	Login(ctx context.Context, email, password string) (*identity.SessionContext, error)
	Current(ctx context.Context, token string) (*identity.SessionContext, error)
	Logout(ctx context.Context, token string) error
	UpdateName(ctx context.Context, userID, name string) (*models.User, error)
	UpdatePassword(ctx context.Context, userID, newPassword, oldPassword string) error
}

// ExperimentService defines the document store operations used by the handlers
type ExperimentService interface {
	Create(ctx context.Context, ownerID string, input experiment.NewExperiment) (*models.Experiment, error)
	List(ctx context.Context, f experiment.Filter) ([]models.Experiment, error)
	Search(ctx context.Context, query string) ([]models.Experiment, error)
	Stats(ctx context.Context) (*experiment.Stats, error)
	Get(ctx context.Context, id string) (*models.Experiment, error)
}

// UploadTracker defines the tracker operations used by the handlers
type UploadTracker interface {
	Submit(ctx context.Context, owner, bucket string, sources []upload.Source, onDone func(upload.Batch)) (*upload.Batch, error)
	List() []models.UploadCandidate
	Get(id string) (models.UploadCandidate, bool)
	Cancel(id string) error
	Remove(id string) error
	Subscribe() (<-chan upload.Event, func())
}
