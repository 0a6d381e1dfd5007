package repository

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trial-prescreen-server/internal/database"
	"github.com/trial-prescreen-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func ids(criteria []domain.Criterion) []string {
	out := make([]string, len(criteria))
	for i, c := range criteria {
		out[i] = c.ID
	}
	return out
}

func TestSortCriteria(t *testing.T) {
	criteria := []domain.Criterion{
		{ID: "c-inc-b", Kind: domain.INCLUSION, Category: "diagnosis", SortKey: 1},
		{ID: "c-inc-a", Kind: domain.INCLUSION, Category: "Demographics", SortKey: 1},
		{ID: "c-exc", Kind: domain.EXCLUSION, Category: "medications", SortKey: 1},
		{ID: "c-first", Kind: domain.INCLUSION, Category: "consent", SortKey: 0},
		{ID: "c-inc-z", Kind: domain.INCLUSION, Category: "unlisted", SortKey: 1},
		{ID: "c-inc-y", Kind: domain.INCLUSION, Category: "unlisted", SortKey: 1},
	}

	SortCriteria(criteria)
	assert.Equal(t, []string{"c-first", "c-exc", "c-inc-a", "c-inc-b", "c-inc-y", "c-inc-z"}, ids(criteria))
}

func TestFileCriterionStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "criteria.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "inc-age", "trial_id": "t1", "kind": "inclusion", "category": "demographics", "free_text": "Age 18 to 75 years", "required": true, "sort_key": 2},
		{"id": "exc-preg", "trial_id": "t1", "kind": "exclusion", "category": "reproductive", "free_text": "Pregnant or nursing", "required": true, "sort_key": 2},
		{"id": "inc-dx", "trial_id": "t2", "kind": "inclusion", "category": "diagnosis", "free_text": "Diagnosed with type 2 diabetes", "required": true, "sort_key": 1}
	]`), 0o644))

	store, err := LoadCriteriaFile(path, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	t1, err := store.GetRequiredCriteria(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"exc-preg", "inc-age"}, ids(t1))

	none, err := store.GetRequiredCriteria(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)

	c, err := store.GetCriterionByID(ctx, "inc-dx")
	require.NoError(t, err)
	assert.Equal(t, "Diagnosed with type 2 diabetes", c.Text)

	_, err = store.GetCriterionByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ElementsMatch(t, []string{"t1", "t2"}, store.TrialIDs())
}

func TestNewFileCriterionStore_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		criteria []domain.Criterion
	}{
		{"missing trial", []domain.Criterion{{ID: "a", Kind: domain.INCLUSION}}},
		{"bad kind", []domain.Criterion{{ID: "a", TrialID: "t", Kind: "maybe"}}},
		{"duplicate id", []domain.Criterion{
			{ID: "a", TrialID: "t", Kind: domain.INCLUSION},
			{ID: "a", TrialID: "t", Kind: domain.EXCLUSION},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileCriterionStore(tt.criteria)
			assert.Error(t, err)
		})
	}
}

type countingStore struct {
	domain.CriterionStore
	listCalls atomic.Int32
	getCalls  atomic.Int32
}

func (s *countingStore) GetRequiredCriteria(ctx context.Context, trialID string) ([]domain.Criterion, error) {
	s.listCalls.Add(1)
	return s.CriterionStore.GetRequiredCriteria(ctx, trialID)
}

func (s *countingStore) GetCriterionByID(ctx context.Context, id string) (*domain.Criterion, error) {
	s.getCalls.Add(1)
	return s.CriterionStore.GetCriterionByID(ctx, id)
}

func TestCachedCriterionStore(t *testing.T) {
	base, err := NewFileCriterionStore([]domain.Criterion{
		{ID: "inc-age", TrialID: "t1", Kind: domain.INCLUSION, Text: "Age 18 to 75 years"},
		{ID: "inc-dx", TrialID: "t1", Kind: domain.INCLUSION, Text: "Type 2 diabetes"},
	})
	require.NoError(t, err)
	counting := &countingStore{CriterionStore: base}
	cached := NewCachedCriterionStore(counting, 8, time.Minute, testLogger())
	ctx := context.Background()

	first, err := cached.GetRequiredCriteria(ctx, "t1")
	require.NoError(t, err)
	first[0].Text = "mutated by caller"

	second, err := cached.GetRequiredCriteria(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Age 18 to 75 years", second[0].Text)
	assert.Equal(t, int32(1), counting.listCalls.Load())

	// Listing a trial warms the id lookups.
	c, err := cached.GetCriterionByID(ctx, "inc-dx")
	require.NoError(t, err)
	assert.Equal(t, "Type 2 diabetes", c.Text)
	assert.Equal(t, int32(0), counting.getCalls.Load())

	// Empty trials are looked up every time.
	_, _ = cached.GetRequiredCriteria(ctx, "t-empty")
	_, _ = cached.GetRequiredCriteria(ctx, "t-empty")
	assert.Equal(t, int32(3), counting.listCalls.Load())

	_, err = cached.GetCriterionByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cached.Purge()
	_, _ = cached.GetRequiredCriteria(ctx, "t1")
	assert.Equal(t, int32(4), counting.listCalls.Load())
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	if os.Getenv("PRESCREEN_INTEGRATION") != "1" {
		t.Skip("set PRESCREEN_INTEGRATION=1 to run container tests")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := domain.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "testdb",
		Username: "testuser",
		Password: "testpass",
	}
	require.NoError(t, database.Migrate(ctx, database.URL(cfg), "../../migrations", testLogger()))

	db, err := database.NewConnection(ctx, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestCriterionRepository_Integration(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCriterionRepository(db.Pool, testLogger())
	ctx := context.Background()

	for _, c := range []domain.Criterion{
		{ID: "inc-age", TrialID: "t1", Kind: domain.INCLUSION, Category: "demographics", Text: "Age 18 to 75 years", Required: true, SortKey: 1},
		{ID: "exc-preg", TrialID: "t1", Kind: domain.EXCLUSION, Category: "reproductive", Text: "Pregnant or nursing", Required: true, SortKey: 1},
		{ID: "inc-dx", TrialID: "t1", Kind: domain.INCLUSION, Category: "diagnosis", Text: "Type 2 diabetes", Required: true, SortKey: 0},
	} {
		c := c
		require.NoError(t, repo.Create(ctx, &c))
	}

	criteria, err := repo.GetRequiredCriteria(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"inc-dx", "exc-preg", "inc-age"}, ids(criteria))

	c, err := repo.GetCriterionByID(ctx, "exc-preg")
	require.NoError(t, err)
	assert.Equal(t, domain.EXCLUSION, c.Kind)

	_, err = repo.GetCriterionByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Error(t, repo.Create(ctx, &domain.Criterion{ID: "x", TrialID: "t1", Kind: "other"}))
}
