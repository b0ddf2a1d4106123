package idle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/sandbox"
	"github.com/qs3c/codeatlas/internal/testutil"
)

type pauseRecorder struct {
	sandbox.Gateway
	mu     sync.Mutex
	paused []string
}

func (p *pauseRecorder) Pause(ctx context.Context, h *sandbox.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = append(p.paused, h.Name)
}

func (p *pauseRecorder) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paused...)
}

func setup(t *testing.T, timeout time.Duration) (*Reclaimer, *pauseRecorder, *repository.JobRepository, *gorm.DB, chan string) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	gw := &pauseRecorder{}
	jobRepo := repository.NewJobRepository(db)
	r := NewReclaimer(gw, jobRepo, repository.NewStageRepository(db), timeout)
	fired := make(chan string, 10)
	r.onReclaim = func(jobID string) { fired <- jobID }
	t.Cleanup(r.Stop)

	return r, gw, jobRepo, db, fired
}

func TestReclaimer_PausesAfterTimeout(t *testing.T) {
	r, gw, jobRepo, db, fired := setup(t, 20*time.Millisecond)
	job := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusCompleted),
		testutil.WithSandbox("job-a", false))

	r.Touch(job.ID)
	assert.True(t, r.Pending(job.ID))

	select {
	case id := <-fired:
		assert.Equal(t, job.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("reclaimer did not fire")
	}

	assert.Equal(t, []string{"job-a"}, gw.names())
	assert.False(t, r.Pending(job.ID))
	got, err := jobRepo.GetByID(job.ID)
	require.NoError(t, err)
	assert.True(t, got.SandboxPaused)
}

func TestReclaimer_TouchDebounces(t *testing.T) {
	r, gw, _, db, fired := setup(t, 80*time.Millisecond)
	job := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusCompleted), testutil.WithSandbox("job-b", false))

	for i := 0; i < 5; i++ {
		r.Touch(job.ID)
		time.Sleep(20 * time.Millisecond)
	}
	// 连续交互期间不应暂停
	assert.Empty(t, gw.names())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("reclaimer did not fire")
	}
	assert.Equal(t, []string{"job-b"}, gw.names(), "exactly one pause")

	select {
	case <-fired:
		t.Fatal("fired twice")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReclaimer_Cancel(t *testing.T) {
	r, gw, _, db, _ := setup(t, 20*time.Millisecond)
	job := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusCompleted), testutil.WithSandbox("job-c", false))

	r.Touch(job.ID)
	r.Cancel(job.ID)
	assert.False(t, r.Pending(job.ID))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, gw.names())
}

func TestReclaimer_SkipsAlreadyPaused(t *testing.T) {
	r, gw, _, db, _ := setup(t, 10*time.Millisecond)
	job := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusCompleted), testutil.WithSandbox("job-d", true))

	r.Touch(job.ID)
	assert.Eventually(t, func() bool { return !r.Pending(job.ID) }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, gw.names())
}

func TestReclaimer_StopIgnoresTouch(t *testing.T) {
	r, _, _, db, _ := setup(t, 10*time.Millisecond)
	job := testutil.TestJob(t, db, testutil.WithSandbox("job-e", false))

	r.Stop()
	r.Touch(job.ID)
	assert.False(t, r.Pending(job.ID))
}

func TestNewReclaimer_DefaultTimeout(t *testing.T) {
	r := NewReclaimer(nil, nil, nil, 0)
	assert.Equal(t, DefaultTimeout, r.timeout)
}

func TestReclaimer_SkipsBusyJobs(t *testing.T) {
	r, gw, _, db, _ := setup(t, 10*time.Millisecond)
	running := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusAnalyzing),
		testutil.WithSandbox("job-f", false))
	retrying := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusCompleted),
		testutil.WithSandbox("job-g", false))
	testutil.SetStage(t, db, retrying.ID, model.StageDiagram, model.StageStatusInProgress)

	r.Touch(running.ID)
	r.Touch(retrying.ID)
	assert.Eventually(t, func() bool {
		return !r.Pending(running.ID) && !r.Pending(retrying.ID)
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, gw.names())
}
