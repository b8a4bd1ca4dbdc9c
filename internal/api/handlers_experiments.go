// handlers_experiments.go - Experiment submission and listing handlers
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/synapse-lab/backend/internal/experiment"
	"github.com/synapse-lab/backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const mimeMsgpack = "application/msgpack"

// ExperimentHandlerImpl implements the ExperimentHandler interface
type ExperimentHandlerImpl struct {
	experiments ExperimentService
	logger      *zap.Logger
}

// NewExperimentHandler creates a new experiment handler instance
func NewExperimentHandler(experiments ExperimentService, logger *zap.Logger) ExperimentHandler {
	return &ExperimentHandlerImpl{
		experiments: experiments,
		logger:      logger,
	}
}

// HandleTemplates returns the technique templates offered by the create form
func (h *ExperimentHandlerImpl) HandleTemplates(c echo.Context) error {
	return c.JSON(http.StatusOK, experiment.Templates())
}

// HandleCreateExperiment validates and stores a new experiment
func (h *ExperimentHandlerImpl) HandleCreateExperiment(c echo.Context) error {
	sc, err := sessionFrom(c)
	if err != nil {
		return err
	}

	var input experiment.NewExperiment
	if err := c.Bind(&input); err != nil {
		return NewBadRequestError("invalid request body", err)
	}

	exp, err := h.experiments.Create(c.Request().Context(), sc.User.ID, input)
	if err != nil {
		h.logger.Debug("experiment rejected", zap.String("owner", sc.User.ID), zap.Error(err))
		return FromError(err)
	}
	return c.JSON(http.StatusCreated, exp)
}

// HandleListExperiments returns the newest experiments filtered by title and type
func (h *ExperimentHandlerImpl) HandleListExperiments(c echo.Context) error {
	filter := experiment.Filter{
		Query: c.QueryParam("q"),
		Type:  c.QueryParam("type"),
	}

	list, err := h.experiments.List(c.Request().Context(), filter)
	if err != nil {
		return FromError(err)
	}
	return respondList(c, list)
}

// HandleSearchExperiments matches the query against title, description and type
func (h *ExperimentHandlerImpl) HandleSearchExperiments(c echo.Context) error {
	list, err := h.experiments.Search(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return FromError(err)
	}
	return respondList(c, list)
}

// HandleExperimentStats returns the dashboard summary
func (h *ExperimentHandlerImpl) HandleExperimentStats(c echo.Context) error {
	stats, err := h.experiments.Stats(c.Request().Context())
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleGetExperiment returns a single experiment
func (h *ExperimentHandlerImpl) HandleGetExperiment(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	exp, err := h.experiments.Get(c.Request().Context(), id)
	if err != nil {
		return FromError(err)
	}
	return c.JSON(http.StatusOK, exp)
}

// respondList writes list as msgpack when the client asks for it, JSON otherwise.
func respondList(c echo.Context, list []models.Experiment) error {
	if list == nil {
		list = []models.Experiment{}
	}

	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack) {
		data, err := msgpack.Marshal(list)
		if err != nil {
			return NewInternalError("failed to encode msgpack", err)
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, list)
}
