package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type 事件类型
type Type string

const (
	TypeProgress      Type = "progress"
	TypeStatus        Type = "status"
	TypeComplete      Type = "complete"
	TypeError         Type = "error"
	TypeThinking      Type = "thinking"
	TypeToolUse       Type = "tool_use"
	TypeStageStart    Type = "stage_start"
	TypeStageComplete Type = "stage_complete"
	TypeStageFailed   Type = "stage_failed"
	TypeStageProgress Type = "stage_progress"
	TypeStageSkipped  Type = "stage_skipped"
)

// Payload 每种事件携带的专属字段
type Payload interface {
	Type() Type
}

type StageStart struct {
	Stage string
}

type StageComplete struct {
	Stage      string
	DurationMs int64
}

type StageFailed struct {
	Stage string
	Error string
}

type StageSkipped struct {
	Stage  string
	Reason string
}

type StageProgress struct {
	Stage   string
	Current int
	Total   int
	Unit    string
}

type Progress struct {
	Percent int
}

type Status struct {
	Status string
}

type Complete struct {
	PartialStatus string
}

type Failure struct {
	Error string
}

type Thinking struct{}

type ToolUse struct {
	Tool  string
	Input string
}

func (StageStart) Type() Type    { return TypeStageStart }
func (StageComplete) Type() Type { return TypeStageComplete }
func (StageFailed) Type() Type   { return TypeStageFailed }
func (StageSkipped) Type() Type  { return TypeStageSkipped }
func (StageProgress) Type() Type { return TypeStageProgress }
func (Progress) Type() Type      { return TypeProgress }
func (Status) Type() Type        { return TypeStatus }
func (Complete) Type() Type      { return TypeComplete }
func (Failure) Type() Type       { return TypeError }
func (Thinking) Type() Type      { return TypeThinking }
func (ToolUse) Type() Type       { return TypeToolUse }

// Event 单个任务的一条通知。ID、JobID、Timestamp 为空时由 Bus 在发布时填充
type Event struct {
	ID        string
	JobID     string
	Message   string
	Timestamp time.Time
	Payload   Payload
}

// Type 返回事件类型
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// Stage 返回事件关联的阶段，非阶段事件为空
func (e Event) Stage() string {
	switch p := e.Payload.(type) {
	case StageStart:
		return p.Stage
	case StageComplete:
		return p.Stage
	case StageFailed:
		return p.Stage
	case StageSkipped:
		return p.Stage
	case StageProgress:
		return p.Stage
	}
	return ""
}

func NewStageStart(stage, message string) Event {
	return Event{Message: message, Payload: StageStart{Stage: stage}}
}

func NewStageComplete(stage string, duration time.Duration, message string) Event {
	return Event{Message: message, Payload: StageComplete{Stage: stage, DurationMs: duration.Milliseconds()}}
}

func NewStageFailed(stage, errMsg, message string) Event {
	return Event{Message: message, Payload: StageFailed{Stage: stage, Error: errMsg}}
}

func NewStageSkipped(stage, reason, message string) Event {
	return Event{Message: message, Payload: StageSkipped{Stage: stage, Reason: reason}}
}

func NewStageProgress(stage string, current, total int, unit, message string) Event {
	return Event{Message: message, Payload: StageProgress{Stage: stage, Current: current, Total: total, Unit: unit}}
}

func NewProgress(percent int, message string) Event {
	return Event{Message: message, Payload: Progress{Percent: percent}}
}

func NewStatus(status, message string) Event {
	return Event{Message: message, Payload: Status{Status: status}}
}

func NewComplete(partialStatus, message string) Event {
	return Event{Message: message, Payload: Complete{PartialStatus: partialStatus}}
}

func NewError(errMsg, message string) Event {
	return Event{Message: message, Payload: Failure{Error: errMsg}}
}

func NewThinking(message string) Event {
	return Event{Message: message, Payload: Thinking{}}
}

func NewToolUse(tool, input, message string) Event {
	return Event{Message: message, Payload: ToolUse{Tool: tool, Input: input}}
}

// SubProgress 阶段内子项进度
type SubProgress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Unit    string `json:"unit"`
}

// wireEvent SSE / WebSocket / Redis 上的扁平 JSON 形式
type wireEvent struct {
	ID            string       `json:"id"`
	JobID         string       `json:"jobId"`
	Type          Type         `json:"type"`
	Message       string       `json:"message"`
	Timestamp     time.Time    `json:"timestamp"`
	Stage         string       `json:"stage,omitempty"`
	Progress      *int         `json:"progress,omitempty"`
	SubProgress   *SubProgress `json:"subProgress,omitempty"`
	DurationMs    *int64       `json:"durationMs,omitempty"`
	Error         string       `json:"error,omitempty"`
	SkipReason    string       `json:"skipReason,omitempty"`
	Status        string       `json:"status,omitempty"`
	PartialStatus string       `json:"partialStatus,omitempty"`
	Tool          string       `json:"tool,omitempty"`
	Input         string       `json:"input,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:        e.ID,
		JobID:     e.JobID,
		Type:      e.Type(),
		Message:   e.Message,
		Timestamp: e.Timestamp,
		Stage:     e.Stage(),
	}
	switch p := e.Payload.(type) {
	case StageComplete:
		d := p.DurationMs
		w.DurationMs = &d
	case StageFailed:
		w.Error = p.Error
	case StageSkipped:
		w.SkipReason = p.Reason
	case StageProgress:
		w.SubProgress = &SubProgress{Current: p.Current, Total: p.Total, Unit: p.Unit}
	case Progress:
		pct := p.Percent
		w.Progress = &pct
	case Status:
		w.Status = p.Status
	case Complete:
		w.PartialStatus = p.PartialStatus
	case Failure:
		w.Error = p.Error
	case ToolUse:
		w.Tool = p.Tool
		w.Input = p.Input
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var p Payload
	switch w.Type {
	case TypeStageStart:
		p = StageStart{Stage: w.Stage}
	case TypeStageComplete:
		var d int64
		if w.DurationMs != nil {
			d = *w.DurationMs
		}
		p = StageComplete{Stage: w.Stage, DurationMs: d}
	case TypeStageFailed:
		p = StageFailed{Stage: w.Stage, Error: w.Error}
	case TypeStageSkipped:
		p = StageSkipped{Stage: w.Stage, Reason: w.SkipReason}
	case TypeStageProgress:
		sp := StageProgress{Stage: w.Stage}
		if w.SubProgress != nil {
			sp.Current, sp.Total, sp.Unit = w.SubProgress.Current, w.SubProgress.Total, w.SubProgress.Unit
		}
		p = sp
	case TypeProgress:
		var pct int
		if w.Progress != nil {
			pct = *w.Progress
		}
		p = Progress{Percent: pct}
	case TypeStatus:
		p = Status{Status: w.Status}
	case TypeComplete:
		p = Complete{PartialStatus: w.PartialStatus}
	case TypeError:
		p = Failure{Error: w.Error}
	case TypeThinking:
		p = Thinking{}
	case TypeToolUse:
		p = ToolUse{Tool: w.Tool, Input: w.Input}
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}

	*e = Event{
		ID:        w.ID,
		JobID:     w.JobID,
		Message:   w.Message,
		Timestamp: w.Timestamp,
		Payload:   p,
	}
	return nil
}
