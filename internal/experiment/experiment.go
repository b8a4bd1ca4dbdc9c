// Package experiment validates, stores and lists experiment records.
package experiment

import (
	"context"
	"fmt"
	"strings"

	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/models"
	"go.uber.org/zap"
)

// NewExperiment is the typed payload of the experiment form.
type NewExperiment struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Type        models.ExperimentType `json:"type"`
	Conditions  models.Conditions     `json:"conditions"`
}

// Validate normalizes the payload and rejects it when the title is empty or
// the type is unknown. An empty type becomes custom.
func (n *NewExperiment) Validate() error {
	const op = "experiment.validate"

	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return apperr.Validation(op, "title is required")
	}

	n.Type = models.ExperimentType(strings.ToLower(strings.TrimSpace(string(n.Type))))
	if n.Type == "" {
		n.Type = models.ExperimentTypeCustom
	}
	if !n.Type.Valid() {
		return apperr.Validation(op, fmt.Sprintf("unknown experiment type %q", n.Type))
	}
	return nil
}

// Repository persists experiment records. Create assigns ID and CreatedAt.
// List returns the newest records first.
type Repository interface {
	Create(ctx context.Context, e *models.Experiment) error
	List(ctx context.Context, limit int) ([]models.Experiment, error)
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (*models.Experiment, error)
}

// Options holds the listing limits.
type Options struct {
	PageSize    int
	SearchLimit int
	RecentLimit int
}

// Stats is the dashboard summary.
type Stats struct {
	Total  int                 `json:"total" msgpack:"total"`
	Recent []models.Experiment `json:"recent" msgpack:"recent"`
}

// Service implements the experiment operations on top of a Repository.
type Service struct {
	repo   Repository
	opts   Options
	logger *zap.Logger
}

// NewService creates a Service. Zero limits fall back to 50, 20 and 5.
func NewService(repo Repository, opts Options, logger *zap.Logger) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 20
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, opts: opts, logger: logger}
}

// Create validates input and stores a draft experiment owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, input NewExperiment) (*models.Experiment, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	e := &models.Experiment{
		Title:       input.Title,
		Description: input.Description,
		Type:        input.Type,
		Status:      models.ExperimentStatusDraft,
		Conditions:  input.Conditions,
		OwnerID:     ownerID,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		s.logger.Error("create experiment failed", zap.String("title", e.Title), zap.Error(err))
		return nil, err
	}

	s.logger.Info("experiment created",
		zap.String("id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("owner", ownerID))
	return e, nil
}

// List fetches one page of the newest experiments and filters it in memory.
// Records beyond the first page are never searched.
func (s *Service) List(ctx context.Context, f Filter) ([]models.Experiment, error) {
	page, err := s.repo.List(ctx, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	return f.Apply(page), nil
}

// Search matches query against title, description or type of the newest
// SearchLimit experiments.
func (s *Service) Search(ctx context.Context, query string) ([]models.Experiment, error) {
	page, err := s.repo.List(ctx, s.opts.SearchLimit)
	if err != nil {
		return nil, err
	}
	return Search(page, query), nil
}

// Stats returns the total count and the most recent experiments.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := s.repo.List(ctx, s.opts.RecentLimit)
	if err != nil {
		return nil, err
	}
	return &Stats{Total: total, Recent: recent}, nil
}

// Get returns one experiment.
func (s *Service) Get(ctx context.Context, id string) (*models.Experiment, error) {
	return s.repo.Get(ctx, id)
}
