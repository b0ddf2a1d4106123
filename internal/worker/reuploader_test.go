package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/repository"
	"github.com/qs3c/codeatlas/internal/testutil"
)

type memoryStore struct {
	objects map[string][]byte
	err     error
}

func (m *memoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.objects[key] = data
	return "https://cdn.example.com/" + key, nil
}
func (m *memoryStore) Delete(ctx context.Context, key string) error { return nil }
func (m *memoryStore) Name() string                                 { return "memory" }

func TestReuploader_Run(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	jobRepo := repository.NewJobRepository(db)

	local, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	job := testutil.TestJob(t, db, testutil.WithJobStatus(model.JobStatusCompleted))
	key := artifact.JobKey(job.ID, "analysis.md")
	localURL, err := local.Put(ctx, key, []byte("# Widgets"), artifact.ContentType(key))
	require.NoError(t, err)
	require.NoError(t, jobRepo.SetArtifactURLs(job.ID, model.StringMap{
		"analysis": localURL,
		"diagram":  "https://cdn.example.com/already/there.json",
	}))

	remote := &memoryStore{objects: map[string][]byte{}}
	r := NewReuploader(jobRepo, local, remote)

	assert.Equal(t, 1, r.run(ctx))

	got, err := jobRepo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+key, got.ArtifactURLs["analysis"])
	assert.Equal(t, "https://cdn.example.com/already/there.json", got.ArtifactURLs["diagram"])
	assert.Equal(t, []byte("# Widgets"), remote.objects[key])

	_, err = local.Read(localURL)
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	// 全部迁移后不再有待补传任务
	assert.Equal(t, 0, r.run(ctx))
}

func TestReuploader_RemoteFailureKeepsLocal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	jobRepo := repository.NewJobRepository(db)

	local, err := artifact.NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	job := testutil.TestJob(t, db)
	key := artifact.JobKey(job.ID, "diagram.json")
	localURL, err := local.Put(ctx, key, []byte("{}"), "application/json")
	require.NoError(t, err)
	require.NoError(t, jobRepo.SetArtifactURLs(job.ID, model.StringMap{"diagram": localURL}))

	r := NewReuploader(jobRepo, local, &memoryStore{err: errors.New("timeout")})
	assert.Equal(t, 0, r.run(ctx))

	got, err := jobRepo.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, localURL, got.ArtifactURLs["diagram"])
	data, err := local.Read(localURL)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
