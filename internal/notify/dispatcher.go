package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBuffer      = 1024
	defaultSinkTimeout = 5 * time.Second
)

// DispatcherStats 分发统计
type DispatcherStats struct {
	Received   int64            `json:"received"`
	Dropped    int64            `json:"dropped"`
	SinkErrors map[string]int64 `json:"sink_errors"`
}

// Dispatcher 单协程按顺序把事件交给所有下游
// Notify 不阻塞分类器：缓冲满时丢弃并计数
type Dispatcher struct {
	sinks       []Sink
	logger      *zap.Logger
	sinkTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	ch     chan Event
	closed bool

	received atomic.Int64
	dropped  atomic.Int64
	errMu    sync.Mutex
	errs     map[string]int64

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewDispatcher 创建分发器；buffer <= 0 时使用默认缓冲
func NewDispatcher(buffer int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Dispatcher{
		sinks:       sinks,
		logger:      logger,
		sinkTimeout: defaultSinkTimeout,
		now:         time.Now,
		ch:          make(chan Event, buffer),
		errs:        make(map[string]int64),
	}
}

// AddSink 追加下游，只能在 Start 之前调用
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// SetSinkTimeout 单个下游处理超时
func (d *Dispatcher) SetSinkTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.sinkTimeout = timeout
	}
}

// Notify 实现 monitor.Notifier
func (d *Dispatcher) Notify(dogID string, u classifier.Update) {
	d.Publish(Event{DogID: dogID, Status: u.Status, Entry: u.Entry, At: d.now()})
}

// Publish 投递事件；有日志条目且没有 EventID 时在这里分配
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}

	if e.Entry != nil && e.EventID == "" {
		e.EventID = uuid.New().String()
	}

	d.received.Add(1)
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Dispatcher buffer full, dropping event",
			zap.String("dog_id", e.DogID),
			zap.Bool("transition", e.IsTransition()),
		)
	}
}

// Start 启动分发协程
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run(ctx)
	})
}

// Stop 停止接收并处理完缓冲中的事件
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	d.wg.Wait()
}

// Stats 统计快照
func (d *Dispatcher) Stats() DispatcherStats {
	d.errMu.Lock()
	errs := make(map[string]int64, len(d.errs))
	for k, v := range d.errs {
		errs[k] = v
	}
	d.errMu.Unlock()

	return DispatcherStats{
		Received:   d.received.Load(),
		Dropped:    d.dropped.Load(),
		SinkErrors: errs,
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for e := range d.ch {
		d.dispatch(ctx, e)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, e Event) {
	// ctx 取消后仍然排空缓冲，下游使用独立的超时
	base := context.WithoutCancel(ctx)

	for _, sink := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(base, d.sinkTimeout)
		err := sink.Handle(sinkCtx, e)
		cancel()

		if err != nil {
			d.errMu.Lock()
			d.errs[sink.Name()]++
			d.errMu.Unlock()

			d.logger.Warn("Sink failed to handle event",
				zap.String("sink", sink.Name()),
				zap.String("dog_id", e.DogID),
				zap.Error(err),
			)
		}
	}
}
