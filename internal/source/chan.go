package source

import (
	"context"
	"errors"
	"sync"

	"github.com/Hrithick25/smartcollar/internal/models"
)

var (
	// ErrAlreadySubscribed 通道来源只允许一个订阅者
	ErrAlreadySubscribed = errors.New("channel source already has a subscriber")
)

// ChanSource 进程内来源（HTTP 上报接口写入）
// 读数先进入缓冲通道，由订阅协程按顺序交给 Handler。
type ChanSource struct {
	ch chan models.Reading

	mu         sync.Mutex
	subscribed bool
}

// NewChanSource 创建进程内来源
func NewChanSource(buffer int) *ChanSource {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanSource{ch: make(chan models.Reading, buffer)}
}

// Send 投递一条读数；缓冲已满时阻塞直到 ctx 结束
func (s *ChanSource) Send(ctx context.Context, r models.Reading) error {
	select {
	case s.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 启动消费协程；ctx 结束或 Unsubscribe 后退出
func (s *ChanSource) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	s.subscribed = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-s.ch:
				h(r)
			}
		}
	}()

	return newSubscription(func() error {
		cancel()
		<-done
		s.mu.Lock()
		s.subscribed = false
		s.mu.Unlock()
		return nil
	}), nil
}
