package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/codeatlas/internal/pkg/eventbus"
)

const (
	DefaultChannel = "job_events"

	publishTimeout = 3 * time.Second
)

// Publisher 把任务事件转发到 Redis，供 worker 进程使用
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// PublishEvent 发布一条事件
func (p *Publisher) PublishEvent(ctx context.Context, jobID string, ev eventbus.Event) error {
	ev.JobID = jobID
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Publish 实现 eventbus.Publisher，失败只记录日志，不影响流水线
func (p *Publisher) Publish(jobID string, ev eventbus.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.PublishEvent(ctx, jobID, ev); err != nil {
		log.Printf("Job %s: failed to relay %s event: %v", jobID, ev.Type(), err)
	}
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client, channel string) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{client: client, channel: channel}
}

// Subscribe 订阅事件，直到 ctx 结束
func (s *Subscriber) Subscribe(ctx context.Context, handler func(eventbus.Event)) error {
	return s.subscribe(ctx, nil, handler)
}

func (s *Subscriber) subscribe(ctx context.Context, ready chan<- struct{}, handler func(eventbus.Event)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// 等待订阅确认，避免丢失紧随其后的消息
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var ev eventbus.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("Failed to decode relayed event: %v", err)
				continue
			}
			if ev.JobID == "" {
				continue
			}

			handler(ev)
		}
	}
}

// Forward 把收到的事件发布到本进程的 EventBus，供 SSE / WebSocket 订阅者消费
func (s *Subscriber) Forward(ctx context.Context, bus eventbus.Publisher) error {
	return s.Subscribe(ctx, func(ev eventbus.Event) {
		bus.Publish(ev.JobID, ev)
	})
}
