package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/testutil"
)

func TestStageRepository_Lifecycle(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewStageRepository(db)
	job := testutil.TestJob(t, db)

	start := time.Now()
	require.NoError(t, repo.Start(job.ID, model.StageClone, start))

	rec, err := repo.Get(job.ID, model.StageClone)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusInProgress, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	require.NoError(t, repo.Complete(job.ID, model.StageClone, start, start.Add(1500*time.Millisecond)))

	rec, err = repo.Get(job.ID, model.StageClone)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusCompleted, rec.Status)
	require.NotNil(t, rec.DurationMs)
	assert.Equal(t, int64(1500), *rec.DurationMs)
}

func TestStageRepository_RejectsIllegalTransitions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewStageRepository(db)
	job := testutil.TestJob(t, db)
	now := time.Now()

	tests := []struct {
		name string
		run  func() error
	}{
		{"complete pending", func() error { return repo.Complete(job.ID, model.StageDiagram, now, now) }},
		{"fail pending", func() error { return repo.Fail(job.ID, model.StageDiagram, now, now, "x") }},
		{"retry pending", func() error { return repo.ClaimRetry(job.ID, model.StageDiagram, now) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrStageTransition)
		})
	}

	testutil.SetStage(t, db, job.ID, model.StageExport, model.StageStatusCompleted)
	assert.ErrorIs(t, repo.Start(job.ID, model.StageExport, now), ErrStageTransition)
	assert.ErrorIs(t, repo.ClaimRetry(job.ID, model.StageExport, now), ErrStageTransition)
	assert.ErrorIs(t, repo.Skip(job.ID, model.StageExport, "nope"), ErrStageTransition)
}

func TestStageRepository_FailThenRetry(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewStageRepository(db)
	job := testutil.TestJob(t, db)
	now := time.Now()

	require.NoError(t, repo.Start(job.ID, model.StageDiagram, now))
	require.NoError(t, repo.Fail(job.ID, model.StageDiagram, now, now.Add(time.Second), "timeout"))

	rec, err := repo.Get(job.ID, model.StageDiagram)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, rec.Status)
	assert.Equal(t, "timeout", rec.Error)

	require.NoError(t, repo.ClaimRetry(job.ID, model.StageDiagram, now))
	rec, err = repo.Get(job.ID, model.StageDiagram)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusInProgress, rec.Status)
	assert.Empty(t, rec.Error)
	assert.Nil(t, rec.DurationMs)
	assert.Equal(t, 2, rec.Attempts)
}

func TestStageRepository_ClaimRetry_SingleWinner(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewStageRepository(db)
	job := testutil.TestJob(t, db)
	testutil.SetStage(t, db, job.ID, model.StageOwnership, model.StageStatusFailed)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.ClaimRetry(job.ID, model.StageOwnership, time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestStageRepository_UpdatesDoNotClobberOtherStages(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewStageRepository(db)
	job := testutil.TestJob(t, db)
	now := time.Now()

	require.NoError(t, repo.Start(job.ID, model.StageDiagram, now))
	require.NoError(t, repo.Skip(job.ID, model.StageOwnership, `dependency "diagram" failed`))
	require.NoError(t, repo.Fail(job.ID, model.StageDiagram, now, now, "boom"))

	stages, err := repo.GetAll(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusFailed, stages[model.StageDiagram].Status)
	assert.Equal(t, model.StageStatusSkipped, stages[model.StageOwnership].Status)
	assert.Equal(t, `dependency "diagram" failed`, stages[model.StageOwnership].SkipReason)
	assert.Equal(t, model.StageStatusPending, stages[model.StageExport].Status)
}

func TestStageRepository_ListStale(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewStageRepository(db)
	job := testutil.TestJob(t, db)
	old := time.Now().Add(-2 * time.Hour)

	require.NoError(t, repo.Start(job.ID, model.StageAnalysis, old))
	require.NoError(t, repo.Start(job.ID, model.StageDiagram, time.Now()))

	stale, err := repo.ListStale(time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, model.StageAnalysis, stale[0].Stage)
}
