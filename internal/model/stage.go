package model

import "time"

// 流水线阶段
const (
	StageClone     = "clone"
	StageAnalysis  = "analysis"
	StageDiagram   = "diagram"
	StageOwnership = "ownership"
	StageExport    = "export"
)

// Stages 按执行顺序排列
var Stages = []string{StageClone, StageAnalysis, StageDiagram, StageOwnership, StageExport}

// 阶段状态
const (
	StageStatusPending    = "pending"
	StageStatusInProgress = "in_progress"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
	StageStatusSkipped    = "skipped"
)

// IsValidStage 检查阶段名
func IsValidStage(stage string) bool {
	for _, s := range Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// StageRecord 单个阶段的执行记录，每个 (job_id, stage) 一行
type StageRecord struct {
	ID          int64      `gorm:"primaryKey" json:"-"`
	JobID       string     `gorm:"size:36;not null;uniqueIndex:idx_job_stage" json:"-"`
	Stage       string     `gorm:"size:20;not null;uniqueIndex:idx_job_stage" json:"-"`
	Status      string     `gorm:"size:20;not null;default:pending" json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	SkipReason  string     `gorm:"size:255" json:"skip_reason,omitempty"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	UpdatedAt   time.Time  `json:"-"`
}

func (StageRecord) TableName() string {
	return "job_stages"
}

// StageMap stage name → record
type StageMap map[string]*StageRecord

// PendingStages 新任务的全部阶段记录
func PendingStages(jobID string) []*StageRecord {
	records := make([]*StageRecord, 0, len(Stages))
	for _, s := range Stages {
		records = append(records, &StageRecord{
			JobID:  jobID,
			Stage:  s,
			Status: StageStatusPending,
		})
	}
	return records
}
