package experiment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-lab/backend/internal/apperr"
	"github.com/synapse-lab/backend/internal/models"
)

func createTestRepo(t *testing.T) *DuckRepository {
	t.Helper()
	repo, err := OpenDuckRepository(filepath.Join(t.TempDir(), "experiments.duckdb"), DuckOptions{Threads: 1, MemoryLimit: "256MB"})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestDuckRepository_CreateAndGet(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	e := &models.Experiment{
		Title:  "CV Run 1",
		Type:   models.ExperimentTypeCV,
		Status: models.ExperimentStatusDraft,
		Conditions: models.Conditions{
			Sample:      "LiFePO4",
			Electrolyte: "1M LiPF6 in EC/DMC",
			Temperature: "25 C",
		},
		OwnerID: "user-1",
	}
	require.NoError(t, repo.Create(ctx, e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Title, got.Title)
	assert.Equal(t, e.Conditions, got.Conditions)
	assert.Equal(t, models.ExperimentStatusDraft, got.Status)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
}

func TestDuckRepository_GetMissing(t *testing.T) {
	repo := createTestRepo(t)

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDuckRepository_ListNewestFirst(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	for _, title := range []string{"first", "second", "third"} {
		require.NoError(t, repo.Create(ctx, &models.Experiment{Title: title, Type: "custom", Status: "draft"}))
		time.Sleep(2 * time.Millisecond)
	}

	got, err := repo.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "third", got[0].Title)
	assert.Equal(t, "second", got[1].Title)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDuckRepository_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.duckdb")
	ctx := context.Background()

	repo, err := OpenDuckRepository(path, DuckOptions{})
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, &models.Experiment{Title: "kept", Type: "eis", Status: "draft"}))
	require.NoError(t, repo.Close())

	repo, err = OpenDuckRepository(path, DuckOptions{})
	require.NoError(t, err)
	defer repo.Close()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_WithDuckRepository(t *testing.T) {
	svc := NewService(createTestRepo(t), Options{}, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u", NewExperiment{Title: "battery formation", Type: "gitt"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "u", NewExperiment{Title: "CV Run 1", Type: "cv"})
	require.NoError(t, err)

	found, err := svc.Search(ctx, "battery")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	listed, err := svc.List(ctx, Filter{Type: "cv"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "CV Run 1", listed[0].Title)
}
