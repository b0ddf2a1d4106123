package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/qs3c/codeatlas/internal/agent"
	"github.com/qs3c/codeatlas/internal/idle"
	"github.com/qs3c/codeatlas/internal/model/dto"
)

var (
	ErrAgentUnavailable = errors.New("AI 服务未配置")
	ErrAgentFailed      = errors.New("AI 回答失败，请稍后重试")
)

const chatTimeout = 3 * time.Minute

// ChatService 基于已分析仓库的问答
type ChatService struct {
	jobService *JobService
	agent      agent.Gateway
	reclaimer  *idle.Reclaimer
}

func NewChatService(jobService *JobService, ag agent.Gateway, reclaimer *idle.Reclaimer) *ChatService {
	return &ChatService{
		jobService: jobService,
		agent:      ag,
		reclaimer:  reclaimer,
	}
}

// Chat 恢复沙箱后交给 Agent 回答，结束后重新开始空闲计时
func (s *ChatService) Chat(ctx context.Context, jobID string, req *dto.ChatRequest) (*dto.ChatResponse, error) {
	job, err := s.jobService.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Markdown == "" {
		return nil, ErrJobNotComplete
	}

	h, err := s.jobService.ResumeSandbox(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer s.reclaimer.Touch(jobID)

	graph := string(req.GraphContext)
	if graph == "" || graph == "null" {
		graph = job.DiagramJSON
	}
	history := make([]agent.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, agent.Message{Role: m.Role, Content: m.Content})
	}

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	res, err := s.agent.Chat(ctx, h, agent.ChatRequest{
		History:      history,
		Question:     req.Question,
		GraphContext: graph,
	})
	if err != nil {
		log.Printf("Job %s: chat failed: %v", jobID, err)
		if errors.Is(err, agent.ErrMissingConfig) {
			return nil, ErrAgentUnavailable
		}
		return nil, ErrAgentFailed
	}

	files := res.ReferencedFiles
	if files == nil {
		files = []string{}
	}
	return &dto.ChatResponse{Response: res.Response, ReferencedFiles: files}, nil
}
