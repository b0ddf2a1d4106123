package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/internal/model"
)

// TestJob 创建测试任务（含五个 pending 阶段）
func TestJob(t *testing.T, db *gorm.DB, opts ...func(*model.Job)) *model.Job {
	t.Helper()

	job := &model.Job{
		ID:      uuid.NewString(),
		RepoURL: "https://github.com/acme/widgets",
		Style:   model.StyleTechnical,
		Status:  model.JobStatusQueued,
	}

	for _, opt := range opts {
		opt(job)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Create(model.PendingStages(job.ID)).Error
	})
	if err != nil {
		t.Fatalf("Failed to create test job: %v", err)
	}

	return job
}

// WithJobStatus 设置任务状态
func WithJobStatus(status string) func(*model.Job) {
	return func(j *model.Job) {
		j.Status = status
	}
}

// WithUserID 设置所属用户
func WithUserID(userID int64) func(*model.Job) {
	return func(j *model.Job) {
		j.UserID = userID
	}
}

// WithRepoURL 设置仓库 URL
func WithRepoURL(url string) func(*model.Job) {
	return func(j *model.Job) {
		j.RepoURL = url
	}
}

// WithSandbox 设置沙箱名称与暂停状态
func WithSandbox(name string, paused bool) func(*model.Job) {
	return func(j *model.Job) {
		j.SandboxName = name
		j.SandboxPaused = paused
	}
}

// WithMarkdown 设置分析产物
func WithMarkdown(md string) func(*model.Job) {
	return func(j *model.Job) {
		j.Markdown = md
	}
}

// SetStage 直接写入阶段状态，绕过状态机，用于构造测试前置条件
func SetStage(t *testing.T, db *gorm.DB, jobID, stage, status string) {
	t.Helper()

	fields := map[string]interface{}{"status": status}
	if status != model.StageStatusPending {
		now := time.Now()
		fields["started_at"] = &now
	}
	if status == model.StageStatusFailed {
		fields["error"] = "previous attempt failed"
	}
	err := db.Model(&model.StageRecord{}).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Updates(fields).Error
	if err != nil {
		t.Fatalf("Failed to set stage %s: %v", stage, err)
	}
}
