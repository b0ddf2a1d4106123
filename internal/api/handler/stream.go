package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
	"github.com/qs3c/codeatlas/internal/service"
)

const (
	streamBuffer      = 256
	heartbeatInterval = 15 * time.Second
)

var errStreamLagged = errors.New("subscriber fell behind")

// streamSink 把一个订阅写到具体连接
type streamSink interface {
	Send(ev eventbus.Event) error
	Heartbeat() error
}

// streamEvents 回放后转发实时事件，直到客户端断开或订阅落后。
// complete 之后不关闭，已完成任务的阶段重试事件仍通过同一个流送达
func streamEvents(ctx context.Context, jobService *service.JobService, jobID string, sink streamSink) error {
	events := make(chan eventbus.Event, streamBuffer)
	lagged := make(chan struct{})
	var lagOnce sync.Once

	// Listener 在发布方 goroutine 中调用，不能阻塞
	replay, unsubscribe, err := jobService.Subscribe(jobID, func(ev eventbus.Event) {
		select {
		case events <- ev:
		default:
			lagOnce.Do(func() { close(lagged) })
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for _, ev := range replay {
		if err := sink.Send(ev); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lagged:
			return errStreamLagged
		case <-ticker.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
		case ev := <-events:
			if err := sink.Send(ev); err != nil {
				return err
			}
		}
	}
}

type StreamHandler struct {
	jobService *service.JobService
}

func NewStreamHandler(jobService *service.JobService) *StreamHandler {
	return &StreamHandler{jobService: jobService}
}

type sseSink struct {
	c *gin.Context
}

func (s sseSink) Send(ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s sseSink) Heartbeat() error {
	if _, err := fmt.Fprint(s.c.Writer, ": ping\n\n"); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

// Events SSE 事件流
// GET /api/v1/jobs/:id/events
func (h *StreamHandler) Events(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.jobService.Get(jobID); err != nil {
		writeJobError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := streamEvents(c.Request.Context(), h.jobService, jobID, sseSink{c: c}); err != nil {
		log.Printf("Job %s: event stream closed: %v", jobID, err)
	}
}
