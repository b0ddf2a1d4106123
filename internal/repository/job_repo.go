package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/internal/model"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create 创建任务以及全部 pending 阶段记录
func (r *JobRepository) Create(job *model.Job) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Create(model.PendingStages(job.ID)).Error
	})
}

func (r *JobRepository) GetByID(id string) (*model.Job, error) {
	var job model.Job
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByIDUnscoped 包含已软删除的任务
func (r *JobRepository) GetByIDUnscoped(id string) (*model.Job, error) {
	var job model.Job
	err := r.db.Unscoped().Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *JobRepository) GetByShareToken(token string) (*model.Job, error) {
	var job model.Job
	err := r.db.Unscoped().Where("share_token = ?", token).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateFields 只更新给定列，避免覆盖并发写入的其它字段
func (r *JobRepository) UpdateFields(id string, fields map[string]interface{}) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Updates(fields).Error
}

func (r *JobRepository) UpdateStatus(id, status string) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Update("status", status).Error
}

// MarkStarted 进入 cloning 之前记录开始时间
func (r *JobRepository) MarkStarted(id string, sandboxName string) error {
	now := time.Now()
	return r.UpdateFields(id, map[string]interface{}{
		"started_at":   &now,
		"sandbox_name": sandboxName,
	})
}

// MarkFailed 流水线致命失败
func (r *JobRepository) MarkFailed(id, errMsg string) error {
	now := time.Now()
	return r.UpdateFields(id, map[string]interface{}{
		"status":        model.JobStatusFailed,
		"error_message": errMsg,
		"completed_at":  &now,
	})
}

// MarkCompleted 流水线结束
func (r *JobRepository) MarkCompleted(id, partialStatus string) error {
	now := time.Now()
	return r.UpdateFields(id, map[string]interface{}{
		"status":         model.JobStatusCompleted,
		"partial_status": partialStatus,
		"completed_at":   &now,
	})
}

func (r *JobRepository) SetPartialStatus(id, partialStatus string) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Update("partial_status", partialStatus).Error
}

func (r *JobRepository) SetSandboxPaused(id string, paused bool) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Update("sandbox_paused", paused).Error
}

// SetArtifactURLs 在已有 URL map 上合并
func (r *JobRepository) SetArtifactURLs(id string, urls model.StringMap) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.Select("id", "artifact_urls").Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		merged := model.StringMap{}
		for k, v := range job.ArtifactURLs {
			merged[k] = v
		}
		for k, v := range urls {
			merged[k] = v
		}
		return tx.Model(&model.Job{}).Where("id = ?", id).Update("artifact_urls", merged).Error
	})
}

// ListByUserID 获取用户的任务列表
func (r *JobRepository) ListByUserID(userID int64, page, pageSize int, status string) ([]*model.Job, int64, error) {
	var jobs []*model.Job
	var total int64

	query := r.db.Model(&model.Job{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}

	return jobs, total, nil
}

// ListByStatus 按状态查找任务（包含软删除）
func (r *JobRepository) ListByStatus(status string, limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	err := r.db.Unscoped().Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListSoftDeletedWithSandbox 已软删除但沙箱仍存在的任务
func (r *JobRepository) ListSoftDeletedWithSandbox(limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	err := r.db.Unscoped().
		Where("deleted_at IS NOT NULL AND sandbox_name <> '' AND status <> ?", model.JobStatusDestroyed).
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListLocalArtifacts 产物仍保存在本地的任务
func (r *JobRepository) ListLocalArtifacts(limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	err := r.db.Unscoped().
		Where("artifact_urls LIKE ?", "%local://%").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkDestroyed 沙箱已永久删除，软删除的任务也会更新
func (r *JobRepository) MarkDestroyed(id string) error {
	return r.db.Unscoped().Model(&model.Job{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         model.JobStatusDestroyed,
		"sandbox_paused": true,
	}).Error
}

// SoftDelete 软删除
func (r *JobRepository) SoftDelete(id string) error {
	return r.db.Delete(&model.Job{}, "id = ?", id).Error
}

func (r *JobRepository) SetShareToken(id, token string) error {
	return r.db.Model(&model.Job{}).Where("id = ?", id).Update("share_token", token).Error
}
