// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/synapse-lab/backend/internal/config"
	"github.com/synapse-lab/backend/internal/filetype"
	"github.com/synapse-lab/backend/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Config      *config.AppConfig
	Store       storage.Store
	Tracker     UploadTracker
	Identity    IdentityService
	Experiments ExperimentService
	Logger      *zap.Logger
	Version     string
	// BaseContext is cancelled on shutdown; background upload batches use it.
	BaseContext context.Context
}

// Handlers holds all handler instances
type Handlers struct {
	Health      HealthHandler
	Auth        AuthHandler
	Experiments ExperimentHandler
	Files       FileHandler
	Upload      UploadHandler
	WebSocket   *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	cfg := deps.Config
	return &Handlers{
		Health:      NewHealthHandler(deps.Version, cfg.Storage.Backend),
		Auth:        NewAuthHandler(deps.Identity, strings.HasPrefix(cfg.GetPublicURL(), "https://"), deps.Logger),
		Experiments: NewExperimentHandler(deps.Experiments, deps.Logger),
		Files: NewFileHandler(deps.Store,
			time.Duration(cfg.Upload.DownloadURLTTLMinutes)*time.Minute, deps.Logger),
		Upload: NewUploadHandler(deps.Store, deps.Tracker, UploadOptions{
			Buckets:      cfg.Storage.Buckets,
			AllowedTypes: filetype.ParseList(cfg.Security.AllowedFileTypes),
			TempDir:      cfg.Storage.TempDirectory,
			BaseContext:  deps.BaseContext,
		}, deps.Logger),
		WebSocket: NewWebSocketHandler(deps.Tracker, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers, deps *Dependencies) error {
	apiGroup := e.Group("/api")

	// Public routes
	apiGroup.GET("/health", handlers.Health.HandleHealth)
	apiGroup.POST("/auth/register", handlers.Auth.HandleRegister)
	apiGroup.POST("/auth/login", handlers.Auth.HandleLogin)

	// Everything else requires a live session
	protected := apiGroup.Group("", RequireSession(deps.Identity))

	// Account
	protected.GET("/auth/me", handlers.Auth.HandleMe)
	protected.DELETE("/auth/session", handlers.Auth.HandleLogout)
	protected.PUT("/account/name", handlers.Auth.HandleUpdateName)
	protected.PUT("/account/password", handlers.Auth.HandleUpdatePassword)

	// Experiments
	protected.GET("/experiments/templates", handlers.Experiments.HandleTemplates)
	protected.GET("/experiments/search", handlers.Experiments.HandleSearchExperiments)
	protected.GET("/experiments/stats", handlers.Experiments.HandleExperimentStats)
	protected.GET("/experiments/:id", handlers.Experiments.HandleGetExperiment)
	protected.GET("/experiments", handlers.Experiments.HandleListExperiments)
	protected.POST("/experiments", handlers.Experiments.HandleCreateExperiment)

	// Object storage
	protected.GET("/buckets/:bucket/files", handlers.Files.HandleListFiles)
	protected.GET("/buckets/:bucket/files/:id", handlers.Files.HandleGetFile)
	protected.GET("/buckets/:bucket/files/:id/download", handlers.Files.HandleDownloadFile)
	protected.GET("/buckets/:bucket/files/:id/url", handlers.Files.HandleFileURL)

	// Conditional delete based on config
	if deps.Config.Security.AllowFileDeletion {
		protected.DELETE("/buckets/:bucket/files/:id", handlers.Files.HandleDeleteFile)
	}

	// Chunk protocol
	protected.POST("/files/upload/chunk", handlers.Upload.HandleUploadChunk)
	protected.POST("/files/upload/complete", handlers.Upload.HandleCompleteUpload)
	protected.DELETE("/files/upload/:uploadId", handlers.Upload.HandleAbortUpload)

	// Tracked upload batches
	protected.POST("/uploads", handlers.Upload.HandleSubmitUploads)
	protected.GET("/uploads", handlers.Upload.HandleListUploads)
	protected.GET("/uploads/events", handlers.Upload.HandleUploadEvents)
	protected.GET("/uploads/:id", handlers.Upload.HandleGetUpload)
	protected.POST("/uploads/:id/cancel", handlers.Upload.HandleCancelUpload)
	protected.DELETE("/uploads/:id", handlers.Upload.HandleRemoveUpload)

	// WebSocket endpoint
	protected.GET("/ws/uploads", handlers.WebSocket.HandleWebSocket)

	return RegisterProxyRoutes(e, []ProxyRoute{
		{Prefix: "/api/elabftw", Target: deps.Config.Proxy.ELabFTWURL},
		{Prefix: "/api/onlyoffice", Target: deps.Config.Proxy.OnlyOfficeURL},
	})
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg *config.AppConfig, logger *zap.Logger) {
	e.HTTPErrorHandler = NewErrorHandler(logger, cfg.Advanced.Development)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/api/health" || isStreamPath(path)
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return isStreamPath(path) ||
				strings.Contains(path, "/upload") ||
				strings.Contains(path, "/download") ||
				strings.HasPrefix(path, "/api/elabftw") ||
				strings.HasPrefix(path, "/api/onlyoffice") ||
				c.Request().Header.Get("Accept") == "text/event-stream"
		},
		ErrorMessage: "Request timeout",
	}))

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     origins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			AllowCredentials: !(len(origins) == 1 && origins[0] == "*"),
		}))
	}
}

func isStreamPath(path string) bool {
	return strings.HasSuffix(path, "/events") || strings.HasPrefix(path, "/api/ws/")
}
