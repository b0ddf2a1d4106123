package worker

import (
	"context"
	"log"
	"time"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/pkg/artifact"
	"github.com/qs3c/codeatlas/internal/repository"
)

const (
	reuploadInterval = 5 * time.Minute
	reuploadBatch    = 50
)

// Reuploader 后台异步把本地产物补传到远端存储
type Reuploader struct {
	jobRepo *repository.JobRepository
	local   *artifact.Local
	remote  artifact.Store
}

// NewReuploader 创建重传器
func NewReuploader(jobRepo *repository.JobRepository, local *artifact.Local, remote artifact.Store) *Reuploader {
	return &Reuploader{
		jobRepo: jobRepo,
		local:   local,
		remote:  remote,
	}
}

// Start 启动后台重传循环
func (r *Reuploader) Start(ctx context.Context) {
	// 启动后先执行一次
	r.run(ctx)

	ticker := time.NewTicker(reuploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reuploader stopped")
			return
		case <-ticker.C:
			r.run(ctx)
		}
	}
}

// run 返回成功补传的产物数量
func (r *Reuploader) run(ctx context.Context) int {
	jobs, err := r.jobRepo.ListLocalArtifacts(reuploadBatch)
	if err != nil {
		log.Printf("Reuploader: failed to query local artifacts: %v", err)
		return 0
	}

	if len(jobs) == 0 {
		return 0
	}

	log.Printf("Reuploader: found %d jobs with local artifacts", len(jobs))

	uploaded := 0
	for _, job := range jobs {
		uploaded += r.reupload(ctx, job)
	}
	return uploaded
}

func (r *Reuploader) reupload(ctx context.Context, job *model.Job) int {
	updated := model.StringMap{}
	var keys []string
	for name, url := range job.ArtifactURLs {
		key, ok := artifact.KeyFromLocalURL(url)
		if !ok {
			continue
		}
		data, err := r.local.Read(url)
		if err != nil {
			log.Printf("Reuploader: failed to read %s for job %s: %v", url, job.ID, err)
			continue
		}

		remoteURL, err := r.remote.Put(ctx, key, data, artifact.ContentType(key))
		if err != nil {
			log.Printf("Reuploader: failed to re-upload %s for job %s: %v", key, job.ID, err)
			continue
		}
		updated[name] = remoteURL
		keys = append(keys, key)
	}

	if len(updated) == 0 {
		return 0
	}

	// 更新 DB
	if err := r.jobRepo.SetArtifactURLs(job.ID, updated); err != nil {
		log.Printf("Reuploader: failed to update DB for job %s: %v", job.ID, err)
		return 0
	}

	// 删除本地文件
	for _, key := range keys {
		if err := r.local.Delete(ctx, key); err != nil {
			log.Printf("Reuploader: failed to remove local %s: %v", key, err)
		}
	}
	log.Printf("Reuploader: re-uploaded %d artifacts of job %s to %s", len(updated), job.ID, r.remote.Name())
	return len(updated)
}
