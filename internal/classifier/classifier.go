// Package classifier 心率遥测分类器
//
// 每只狗一个实例，按到达顺序处理读数：
//   - 有效性过滤（缺失/0/NaN/越界）
//   - 迟到过滤（读数自带时间戳过旧）
//   - 跳变过滤（与上一条已接受读数相差超过阈值）
//   - 滑动窗口均值 → 分类 → 状态变化时写入事件日志
//
// 另有独立于读数到达的看门狗定时器：超过 StaleTimeout 没有新读数时
// 将状态置为离线并写入一条 stale 日志。
package classifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Hrithick25/smartcollar/internal/models"

	"go.uber.org/zap"
)

// Outcome 单条读数的处理结果（拒绝均为静默，仅用于统计）
type Outcome string

const (
	Accepted           Outcome = "accepted"
	RejectedInvalid    Outcome = "invalid"
	RejectedOutOfRange Outcome = "out_of_range"
	RejectedLate       Outcome = "late"
	RejectedSpike      Outcome = "spike"
	RejectedClosed     Outcome = "closed"
)

// EntryKind 日志条目类型
type EntryKind string

const (
	KindTransition EntryKind = "transition"
	KindStale      EntryKind = "stale"
)

// LogEntry 状态变化日志
type LogEntry struct {
	Seq     int64     `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    EntryKind `json:"kind"`
	Label   Label     `json:"label"`
	Message string    `json:"message"`
}

// Status 对外可见的状态快照
type Status struct {
	RawBPM       float64    `json:"raw_bpm"`
	SmoothedBPM  int        `json:"smoothed_bpm"`
	Label        Label      `json:"label"`
	Confidence   int        `json:"confidence"`
	Online       bool       `json:"online"`
	LastAccepted *time.Time `json:"last_accepted,omitempty"` // 从未接受过读数时为 nil
	Window       []float64  `json:"window"`
	Log          []LogEntry `json:"log"`
}

// Update 每次状态变化推送给监听者；Entry 仅在产生日志时非空
type Update struct {
	Status Status
	Entry  *LogEntry
}

// Listener 状态变化回调
// 在分类器内部锁释放之后按状态变化顺序调用，不能在回调中再调用 Ingest
type Listener func(Update)

// Option 构造选项
type Option func(*Classifier)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		c.now = now
	}
}

// WithListener 设置状态变化回调
func WithListener(l Listener) Option {
	return func(c *Classifier) {
		c.listener = l
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(c *Classifier) {
		c.logger = logger
	}
}

// Classifier 心率分类器
type Classifier struct {
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	listener Listener

	mu           sync.Mutex
	window       *window
	raw          float64
	smoothed     int
	label        Label
	online       bool
	lastAccepted time.Time
	log          []LogEntry // 最新在前
	seq          int64
	closed       bool

	// emitMu 保证回调顺序与状态变化顺序一致
	emitMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New 创建分类器
func New(cfg Config, opts ...Option) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	c := &Classifier{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		window: newWindow(cfg.WindowSize),
		label:  LabelUnset,
		log:    make([]LogEntry, 0, cfg.LogCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Config 返回当前参数
func (c *Classifier) Config() Config {
	return c.cfg
}

// Ingest 处理一条读数
func (c *Classifier) Ingest(r models.Reading) Outcome {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return RejectedClosed
	}

	if outcome := c.admit(r); outcome != Accepted {
		c.mu.Unlock()
		c.logger.Debug("Reading dropped",
			zap.Float64("value", r.Value),
			zap.String("reason", string(outcome)),
		)
		return outcome
	}

	c.window.push(r.Value)
	c.raw = r.Value
	c.smoothed = c.window.smoothed()
	c.online = true
	c.lastAccepted = c.now()

	var entry *LogEntry
	if label := c.cfg.Scheme.Classify(c.smoothed); label != c.label {
		e := c.appendLog(KindTransition, label, c.cfg.Scheme.Message(label))
		c.label = label
		entry = &e
	}

	c.publish(Update{Status: c.statusLocked(), Entry: entry})

	return Accepted
}

// admit 依次执行有效性、迟到、跳变过滤（调用方持有锁）
func (c *Classifier) admit(r models.Reading) Outcome {
	if !r.HasValue() || r.Value == 0 {
		return RejectedInvalid
	}
	if r.Value < c.cfg.MinValue || r.Value > c.cfg.MaxValue {
		return RejectedOutOfRange
	}

	if !r.Timestamp.IsZero() {
		received := r.ReceivedAt
		if received.IsZero() {
			received = c.now()
		}
		if received.Sub(r.Timestamp) > c.cfg.MaxReadingAge {
			return RejectedLate
		}
	}

	if last, ok := c.window.last(); ok {
		diff := r.Value - last
		if diff < 0 {
			diff = -diff
		}
		if diff > c.cfg.SpikeThreshold {
			return RejectedSpike
		}
	}

	return Accepted
}

// CheckStale 检查是否超时无数据；在线且超时时切换为离线并返回 true
func (c *Classifier) CheckStale(now time.Time) bool {
	c.mu.Lock()

	if c.closed || !c.online || now.Sub(c.lastAccepted) < c.cfg.StaleTimeout {
		c.mu.Unlock()
		return false
	}

	c.online = false
	c.raw = 0
	c.smoothed = 0
	c.label = LabelUnset
	c.window.reset()

	msg := fmt.Sprintf("📡 Signal lost - no heart-rate data for %s", c.cfg.StaleTimeout)
	e := c.appendLog(KindStale, LabelUnset, msg)

	c.logger.Info("Heart-rate signal went stale",
		zap.Time("last_accepted", c.lastAccepted),
		zap.Duration("timeout", c.cfg.StaleTimeout),
	)

	c.publish(Update{Status: c.statusLocked(), Entry: &e})

	return true
}

// publish 释放状态锁并按顺序回调（调用方持有 c.mu，返回时已释放）
func (c *Classifier) publish(u Update) {
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	if c.listener != nil {
		c.listener(u)
	}
}

// appendLog 头插日志并裁剪到容量（调用方持有锁）
func (c *Classifier) appendLog(kind EntryKind, label Label, message string) LogEntry {
	c.seq++
	e := LogEntry{
		Seq:     c.seq,
		Time:    c.now(),
		Kind:    kind,
		Label:   label,
		Message: message,
	}

	c.log = append(c.log, LogEntry{})
	copy(c.log[1:], c.log)
	c.log[0] = e
	if len(c.log) > c.cfg.LogCapacity {
		c.log = c.log[:c.cfg.LogCapacity]
	}

	return e
}

// Status 当前状态快照
func (c *Classifier) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Classifier) statusLocked() Status {
	log := make([]LogEntry, len(c.log))
	copy(log, c.log)

	var lastAccepted *time.Time
	if !c.lastAccepted.IsZero() {
		t := c.lastAccepted
		lastAccepted = &t
	}

	return Status{
		RawBPM:       c.raw,
		SmoothedBPM:  c.smoothed,
		Label:        c.label,
		Confidence:   confidence(c.window),
		Online:       c.online,
		LastAccepted: lastAccepted,
		Window:       c.window.snapshot(),
		Log:          log,
	}
}

// Start 启动离线看门狗（只生效一次）
func (c *Classifier) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.watch(ctx)
	})
}

func (c *Classifier) watch(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckStale(c.now())
		}
	}
}

// Close 停止看门狗并等待退出；之后的读数不再改变状态
func (c *Classifier) Close() {
	c.stopOnce.Do(func() {
		// 阻止之后的 Start
		c.startOnce.Do(func() {})

		if c.cancel != nil {
			c.cancel()
			<-c.done
		}

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
}
