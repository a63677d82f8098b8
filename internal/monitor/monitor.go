// Package monitor 按狗维护分类器会话，并把各来源的读数路由到对应会话
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Hrithick25/smartcollar/internal/classifier"
	"github.com/Hrithick25/smartcollar/internal/models"
	"github.com/Hrithick25/smartcollar/internal/source"

	"go.uber.org/zap"
)

var (
	// ErrMissingDogID 读数没有 dog_id
	ErrMissingDogID = errors.New("reading has no dog id")
	// ErrClosed 监控已关闭
	ErrClosed = errors.New("monitor is closed")
	// ErrTooManyDogs 会话数达到上限
	ErrTooManyDogs = errors.New("too many monitored dogs")
)

// Notifier 接收状态变化（notify.Dispatcher 实现）
type Notifier interface {
	Notify(dogID string, u classifier.Update)
}

// Stats 单只狗的读数统计
type Stats struct {
	Accepted   int64 `json:"accepted"`
	Invalid    int64 `json:"invalid"`
	OutOfRange int64 `json:"out_of_range"`
	Late       int64 `json:"late"`
	Spike      int64 `json:"spike"`
}

// DogStatus 对外状态
type DogStatus struct {
	DogID string `json:"dog_id"`
	classifier.Status
	Stats     Stats     `json:"stats"`
	CreatedAt time.Time `json:"created_at"`
}

type session struct {
	dogID     string
	clf       *classifier.Classifier
	createdAt time.Time

	mu    sync.Mutex
	stats Stats
}

func (s *session) record(o classifier.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case classifier.Accepted:
		s.stats.Accepted++
	case classifier.RejectedInvalid:
		s.stats.Invalid++
	case classifier.RejectedOutOfRange:
		s.stats.OutOfRange++
	case classifier.RejectedLate:
		s.stats.Late++
	case classifier.RejectedSpike:
		s.stats.Spike++
	}
}

func (s *session) status() DogStatus {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	return DogStatus{
		DogID:     s.dogID,
		Status:    s.clf.Status(),
		Stats:     stats,
		CreatedAt: s.createdAt,
	}
}

// Option 构造选项
type Option func(*Monitor)

// WithNotifier 设置状态变化接收者
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) {
		m.notifier = n
	}
}

// WithMaxDogs 会话数上限，0 表示不限制
func WithMaxDogs(n int) Option {
	return func(m *Monitor) {
		m.maxDogs = n
	}
}

// WithClock 替换时钟（测试用，同时传给分类器）
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor 会话注册表
type Monitor struct {
	cfg      classifier.Config
	logger   *zap.Logger
	notifier Notifier
	maxDogs  int
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
	subs     []source.Subscription
	closed   bool
}

// New 创建监控；ctx 结束时所有会话的看门狗随之停止
func New(ctx context.Context, cfg classifier.Config, logger *zap.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Ingest 把读数交给对应狗的分类器，首次出现的狗自动创建会话
func (m *Monitor) Ingest(r models.Reading) (classifier.Outcome, error) {
	if r.DogID == "" {
		return "", ErrMissingDogID
	}

	s, err := m.session(r.DogID)
	if err != nil {
		return "", err
	}

	outcome := s.clf.Ingest(r)
	s.record(outcome)

	return outcome, nil
}

// session 获取或创建会话
func (m *Monitor) session(dogID string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[dogID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[dogID]; ok {
		return s, nil
	}
	if m.maxDogs > 0 && len(m.sessions) >= m.maxDogs {
		return nil, ErrTooManyDogs
	}

	opts := []classifier.Option{
		classifier.WithClock(m.now),
		classifier.WithLogger(m.logger.With(zap.String("dog_id", dogID))),
	}
	if m.notifier != nil {
		notifier := m.notifier
		opts = append(opts, classifier.WithListener(func(u classifier.Update) {
			notifier.Notify(dogID, u)
		}))
	}

	clf, err := classifier.New(m.cfg, opts...)
	if err != nil {
		return nil, err
	}
	clf.Start(m.ctx)

	s = &session{dogID: dogID, clf: clf, createdAt: m.now()}
	m.sessions[dogID] = s

	m.logger.Info("Started heart-rate session", zap.String("dog_id", dogID))

	return s, nil
}

// Attach 订阅来源，读数路由到对应会话；订阅句柄在 Close 时释放
func (m *Monitor) Attach(ctx context.Context, src source.Source) error {
	sub, err := src.Subscribe(ctx, func(r models.Reading) {
		if _, err := m.Ingest(r); err != nil && !errors.Is(err, ErrClosed) {
			m.logger.Warn("Failed to ingest reading",
				zap.String("dog_id", r.DogID),
				zap.String("collar_id", r.CollarID),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe source: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.Join(ErrClosed, sub.Unsubscribe())
	}
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	return nil
}

// Status 单只狗的状态
func (m *Monitor) Status(dogID string) (DogStatus, bool) {
	m.mu.RLock()
	s, ok := m.sessions[dogID]
	m.mu.RUnlock()
	if !ok {
		return DogStatus{}, false
	}
	return s.status(), true
}

// List 所有会话状态，按 dog_id 排序
func (m *Monitor) List() []DogStatus {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]DogStatus, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DogID < out[j].DogID })
	return out
}

// Close 释放全部订阅并停止所有会话
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	sessions := m.sessions
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	m.cancel()
	for _, s := range sessions {
		s.clf.Close()
	}

	m.logger.Info("Monitor closed",
		zap.Int("sessions", len(sessions)),
		zap.Int("subscriptions", len(subs)),
	)

	return errors.Join(errs...)
}
