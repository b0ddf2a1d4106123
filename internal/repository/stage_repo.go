package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/codeatlas/internal/model"
)

// ErrStageTransition 条件更新未命中：当前状态不允许该转换
var ErrStageTransition = errors.New("stage transition rejected")

// StageRepository 阶段记录存储。每次变更只更新一行，并带上来源状态条件，
// 保证并发更新不同阶段时互不覆盖，同一阶段的竞争只有一方成功。
type StageRepository struct {
	db *gorm.DB
}

func NewStageRepository(db *gorm.DB) *StageRepository {
	return &StageRepository{db: db}
}

// GetAll 读取任务全部阶段，按 stage 名组织
func (r *StageRepository) GetAll(jobID string) (model.StageMap, error) {
	var records []*model.StageRecord
	if err := r.db.Where("job_id = ?", jobID).Find(&records).Error; err != nil {
		return nil, err
	}
	stages := make(model.StageMap, len(records))
	for _, rec := range records {
		stages[rec.Stage] = rec
	}
	return stages, nil
}

func (r *StageRepository) Get(jobID, stage string) (*model.StageRecord, error) {
	var rec model.StageRecord
	err := r.db.Where("job_id = ? AND stage = ?", jobID, stage).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// transition 仅当当前状态属于 from 时更新
func (r *StageRepository) transition(jobID, stage string, from []string, fields map[string]interface{}) error {
	res := r.db.Model(&model.StageRecord{}).
		Where("job_id = ? AND stage = ? AND status IN ?", jobID, stage, from).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStageTransition
	}
	return nil
}

// Start pending → in_progress
func (r *StageRepository) Start(jobID, stage string, at time.Time) error {
	return r.transition(jobID, stage, []string{model.StageStatusPending}, map[string]interface{}{
		"status":       model.StageStatusInProgress,
		"started_at":   &at,
		"completed_at": nil,
		"duration_ms":  nil,
		"error":        "",
		"attempts":     gorm.Expr("attempts + 1"),
	})
}

// ClaimRetry failed → in_progress，只有一个并发请求能成功
func (r *StageRepository) ClaimRetry(jobID, stage string, at time.Time) error {
	return r.transition(jobID, stage, []string{model.StageStatusFailed}, map[string]interface{}{
		"status":       model.StageStatusInProgress,
		"started_at":   &at,
		"completed_at": nil,
		"duration_ms":  nil,
		"error":        "",
		"attempts":     gorm.Expr("attempts + 1"),
	})
}

// Complete in_progress → completed
func (r *StageRepository) Complete(jobID, stage string, startedAt, at time.Time) error {
	duration := at.Sub(startedAt).Milliseconds()
	return r.transition(jobID, stage, []string{model.StageStatusInProgress}, map[string]interface{}{
		"status":       model.StageStatusCompleted,
		"completed_at": &at,
		"duration_ms":  &duration,
		"error":        "",
	})
}

// Fail in_progress → failed
func (r *StageRepository) Fail(jobID, stage string, startedAt, at time.Time, errMsg string) error {
	duration := at.Sub(startedAt).Milliseconds()
	return r.transition(jobID, stage, []string{model.StageStatusInProgress}, map[string]interface{}{
		"status":       model.StageStatusFailed,
		"completed_at": &at,
		"duration_ms":  &duration,
		"error":        errMsg,
	})
}

// Skip pending → skipped
func (r *StageRepository) Skip(jobID, stage, reason string) error {
	return r.transition(jobID, stage, []string{model.StageStatusPending}, map[string]interface{}{
		"status":      model.StageStatusSkipped,
		"skip_reason": reason,
	})
}

// ListStale 超过 cutoff 仍处于 in_progress 的阶段
func (r *StageRepository) ListStale(cutoff time.Time, limit int) ([]*model.StageRecord, error) {
	var records []*model.StageRecord
	err := r.db.Where("status = ? AND started_at < ?", model.StageStatusInProgress, cutoff).
		Order("started_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// HasInProgress 任务是否有正在执行的阶段
func (r *StageRepository) HasInProgress(jobID string) (bool, error) {
	var count int64
	err := r.db.Model(&model.StageRecord{}).
		Where("job_id = ? AND status = ?", jobID, model.StageStatusInProgress).
		Count(&count).Error
	return count > 0, err
}
