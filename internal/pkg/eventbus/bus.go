package eventbus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity 每个任务保留的最近事件数
const DefaultCapacity = 100

// Listener 事件回调。在发布方的 goroutine 中同步调用，不应阻塞，也不能向同一任务再次发布
type Listener func(Event)

// Publisher 流水线只依赖发布能力，便于替换为 Redis 转发
type Publisher interface {
	Publish(jobID string, ev Event)
}

type subscription struct {
	id       uint64
	listener Listener
}

// jobChannel 单个任务的缓冲区与订阅者
type jobChannel struct {
	mu        sync.Mutex
	ring      []Event
	head      int
	size      int
	listeners []*subscription
	lastTS    time.Time
	evicted   bool
}

// Bus 进程内按任务划分的发布订阅
type Bus struct {
	capacity int

	mu     sync.Mutex
	jobs   map[string]*jobChannel
	nextID uint64
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		jobs:     make(map[string]*jobChannel),
	}
}

func (b *Bus) channel(jobID string) *jobChannel {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.jobs[jobID]
	if !ok {
		ch = &jobChannel{ring: make([]Event, b.capacity)}
		b.jobs[jobID] = ch
	}
	return ch
}

// lockChannel 返回已加锁且未被回收的 channel
func (b *Bus) lockChannel(jobID string) *jobChannel {
	for {
		ch := b.channel(jobID)
		ch.mu.Lock()
		if !ch.evicted {
			return ch
		}
		ch.mu.Unlock()
		b.detach(jobID, ch)
	}
}

// detach 仅当 map 中仍是 ch 时删除
func (b *Bus) detach(jobID string, ch *jobChannel) {
	b.mu.Lock()
	if b.jobs[jobID] == ch {
		delete(b.jobs, jobID)
	}
	b.mu.Unlock()
}

// Publish 写入缓冲区并依次通知所有订阅者
func (b *Bus) Publish(jobID string, ev Event) {
	ch := b.lockChannel(jobID)
	defer ch.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.JobID = jobID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	// 同一任务的时间戳严格递增
	if !ev.Timestamp.After(ch.lastTS) {
		ev.Timestamp = ch.lastTS.Add(time.Nanosecond)
	}
	ch.lastTS = ev.Timestamp

	ch.push(ev)

	for _, sub := range ch.listeners {
		deliver(jobID, sub, ev)
	}
}

func deliver(jobID string, sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %s: event listener %d panicked on %s: %v", jobID, sub.id, ev.Type(), r)
		}
	}()
	sub.listener(ev)
}

func (c *jobChannel) push(ev Event) {
	capacity := len(c.ring)
	idx := (c.head + c.size) % capacity
	c.ring[idx] = ev
	if c.size < capacity {
		c.size++
	} else {
		c.head = (c.head + 1) % capacity
	}
}

func (c *jobChannel) snapshot() []Event {
	out := make([]Event, c.size)
	for i := 0; i < c.size; i++ {
		out[i] = c.ring[(c.head+i)%len(c.ring)]
	}
	return out
}

// Subscribe 注册订阅者，返回的取消函数可重复调用
func (b *Bus) Subscribe(jobID string, l Listener) func() {
	_, unsubscribe := b.subscribe(jobID, l, false)
	return unsubscribe
}

// SubscribeWithReplay 原子地取出缓冲区并注册订阅者，回放与实时事件之间无缺口也无重复
func (b *Bus) SubscribeWithReplay(jobID string, l Listener) ([]Event, func()) {
	return b.subscribe(jobID, l, true)
}

func (b *Bus) subscribe(jobID string, l Listener, replay bool) ([]Event, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	ch := b.lockChannel(jobID)
	sub := &subscription{id: id, listener: l}

	var events []Event
	if replay {
		events = ch.snapshot()
	}
	ch.listeners = append(ch.listeners, sub)
	ch.mu.Unlock()

	var once sync.Once
	return events, func() {
		once.Do(func() {
			ch.mu.Lock()
			defer ch.mu.Unlock()
			for i, s := range ch.listeners {
				if s.id == id {
					ch.listeners = append(ch.listeners[:i], ch.listeners[i+1:]...)
					break
				}
			}
		})
	}
}

// Replay 返回缓冲区内容，从旧到新
func (b *Bus) Replay(jobID string) []Event {
	b.mu.Lock()
	ch, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshot()
}

// Clear 释放任务的缓冲区和订阅者
func (b *Bus) Clear(jobID string) {
	b.mu.Lock()
	ch, ok := b.jobs[jobID]
	delete(b.jobs, jobID)
	b.mu.Unlock()

	if ok {
		ch.mu.Lock()
		ch.listeners = nil
		ch.evicted = true
		ch.mu.Unlock()
	}
}

// Listeners 当前订阅者数量
func (b *Bus) Listeners(jobID string) int {
	b.mu.Lock()
	ch, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.listeners)
}

// IdleJobs 无订阅者且最后一个事件早于 cutoff 的任务
func (b *Bus) IdleJobs(cutoff time.Time) []string {
	b.mu.Lock()
	channels := make(map[string]*jobChannel, len(b.jobs))
	for id, ch := range b.jobs {
		channels[id] = ch
	}
	b.mu.Unlock()

	var ids []string
	for id, ch := range channels {
		ch.mu.Lock()
		if ch.idleSince(cutoff) {
			ids = append(ids, id)
		}
		ch.mu.Unlock()
	}
	return ids
}

// Evict 再次确认仍然空闲后释放缓冲区。期间有新订阅或新事件时保留
func (b *Bus) Evict(jobID string, cutoff time.Time) bool {
	b.mu.Lock()
	ch, ok := b.jobs[jobID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	idle := ch.idleSince(cutoff)
	if idle {
		ch.evicted = true
	}
	ch.mu.Unlock()

	if idle {
		b.detach(jobID, ch)
	}
	return idle
}

func (c *jobChannel) idleSince(cutoff time.Time) bool {
	return !c.evicted && len(c.listeners) == 0 && c.lastTS.Before(cutoff)
}
