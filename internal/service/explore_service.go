package service

import (
	"context"
	"errors"

	"github.com/qs3c/codeatlas/internal/model"
	"github.com/qs3c/codeatlas/internal/model/dto"
	"github.com/qs3c/codeatlas/internal/sandbox"
)

var (
	ErrInvalidPath    = errors.New("路径无效")
	ErrInvalidPattern = errors.New("搜索内容无效")
	ErrFileNotFound   = errors.New("文件不存在")
)

// ExploreService 浏览沙箱中的仓库
type ExploreService struct {
	jobService *JobService
	explorer   *sandbox.Explorer
}

func NewExploreService(jobService *JobService, explorer *sandbox.Explorer) *ExploreService {
	return &ExploreService{
		jobService: jobService,
		explorer:   explorer,
	}
}

func (s *ExploreService) handle(ctx context.Context, jobID string) (*sandbox.Handle, error) {
	job, err := s.jobService.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusDestroyed {
		return nil, ErrSandboxDestroyed
	}
	// 分析产物生成之前不开放浏览
	if job.Markdown == "" {
		return nil, ErrJobNotComplete
	}
	return s.jobService.ResumeSandbox(ctx, jobID)
}

func mapExploreError(err error) error {
	switch {
	case errors.Is(err, sandbox.ErrInvalidPath):
		return ErrInvalidPath
	case errors.Is(err, sandbox.ErrInvalidPattern):
		return ErrInvalidPattern
	case errors.Is(err, sandbox.ErrFileNotFound), errors.Is(err, sandbox.ErrIsDirectory):
		return ErrFileNotFound
	}
	return err
}

// ListDir 列出目录
func (s *ExploreService) ListDir(ctx context.Context, jobID, dir string) ([]dto.FileEntry, error) {
	if _, err := sandbox.SanitizePath(dir); err != nil {
		return nil, ErrInvalidPath
	}
	h, err := s.handle(ctx, jobID)
	if err != nil {
		return nil, err
	}
	entries, err := s.explorer.ListDir(ctx, h, dir)
	if err != nil {
		return nil, mapExploreError(err)
	}

	items := make([]dto.FileEntry, 0, len(entries))
	for _, e := range entries {
		items = append(items, dto.FileEntry{Name: e.Name, Path: e.Path, IsDir: e.IsDir, Size: e.Size})
	}
	return items, nil
}

// ReadFile 读取文件，超出上限时截断
func (s *ExploreService) ReadFile(ctx context.Context, jobID, file string) (*dto.FileContent, error) {
	if _, err := sandbox.SanitizePath(file); err != nil {
		return nil, ErrInvalidPath
	}
	h, err := s.handle(ctx, jobID)
	if err != nil {
		return nil, err
	}
	content, truncated, err := s.explorer.ReadFile(ctx, h, file)
	if err != nil {
		return nil, mapExploreError(err)
	}
	return &dto.FileContent{Path: file, Content: content, Truncated: truncated}, nil
}

// Grep 在仓库中按字面量搜索
func (s *ExploreService) Grep(ctx context.Context, jobID, pattern, dir string) ([]dto.GrepMatch, error) {
	if _, err := sandbox.EscapeGrepPattern(pattern); err != nil {
		return nil, ErrInvalidPattern
	}
	if _, err := sandbox.SanitizePath(dir); err != nil {
		return nil, ErrInvalidPath
	}
	h, err := s.handle(ctx, jobID)
	if err != nil {
		return nil, err
	}
	matches, err := s.explorer.Grep(ctx, h, pattern, dir)
	if err != nil {
		return nil, mapExploreError(err)
	}

	items := make([]dto.GrepMatch, 0, len(matches))
	for _, m := range matches {
		items = append(items, dto.GrepMatch{Path: m.Path, Line: m.Line, Text: m.Text})
	}
	return items, nil
}
