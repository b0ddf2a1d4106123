package worker

import (
	"fmt"

	"github.com/qs3c/codeatlas/internal/model"
)

// stageDeps 阶段依赖声明
var stageDeps = map[string][]string{
	model.StageClone:     {},
	model.StageAnalysis:  {model.StageClone},
	model.StageDiagram:   {model.StageAnalysis},
	model.StageOwnership: {model.StageDiagram},
	model.StageExport:    {model.StageAnalysis},
}

// Dependencies 返回阶段的直接依赖
func Dependencies(stage string) []string {
	return stageDeps[stage]
}

// IsEssential clone 和 analysis 失败会终止整条流水线
func IsEssential(stage string) bool {
	return stage == model.StageClone || stage == model.StageAnalysis
}

// IsRetryable 只有非关键阶段可以单独重试
func IsRetryable(stage string) bool {
	switch stage {
	case model.StageDiagram, model.StageOwnership, model.StageExport:
		return true
	}
	return false
}

// blockedBy 返回第一个未完成的依赖及跳过原因
func blockedBy(stage string, stages model.StageMap) (string, bool) {
	for _, dep := range Dependencies(stage) {
		rec, ok := stages[dep]
		if ok && rec.Status == model.StageStatusCompleted {
			continue
		}
		status := model.StageStatusPending
		if ok {
			status = rec.Status
		}
		return fmt.Sprintf("dependency %q %s", dep, status), true
	}
	return "", false
}

// DerivePartialStatus 没有失败或跳过的阶段为 complete，否则为 partial
func DerivePartialStatus(stages model.StageMap) string {
	for _, rec := range stages {
		if rec.Status == model.StageStatusFailed || rec.Status == model.StageStatusSkipped {
			return model.PartialStatusPartial
		}
	}
	return model.PartialStatusComplete
}

// hasFailed 是否仍有失败阶段
func hasFailed(stages model.StageMap) bool {
	for _, rec := range stages {
		if rec.Status == model.StageStatusFailed {
			return true
		}
	}
	return false
}

// SandboxName 任务对应的沙箱名
func SandboxName(jobID string) string {
	return "job-" + jobID
}
