package nats

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// ChangeHandler 变更回调
type ChangeHandler func(event *ChangeEvent)

// ChangeSubscription 单个 Subject 的订阅，回调在独立 worker 协程中串行执行
type ChangeSubscription struct {
	subject string
	sub     *nats.Subscription
	events  chan *ChangeEvent
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// ChangeSubscriber 变更通知订阅器
type ChangeSubscriber struct {
	nc         *nats.Conn
	bufferSize int
	logger     *slog.Logger
}

// NewChangeSubscriber 创建变更通知订阅器
func NewChangeSubscriber(nc *nats.Conn, bufferSize int) *ChangeSubscriber {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ChangeSubscriber{
		nc:         nc,
		bufferSize: bufferSize,
		logger:     slog.Default(),
	}
}

// Subscribe 订阅 Subject；缓冲区满时丢弃通知，因为任意一条通知都会触发完整快照读取
func (s *ChangeSubscriber) Subscribe(subject string, handler ChangeHandler) (*ChangeSubscription, error) {
	cs := &ChangeSubscription{
		subject: subject,
		events:  make(chan *ChangeEvent, s.bufferSize),
		done:    make(chan struct{}),
		logger:  s.logger,
	}

	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Warn("Invalid change event", "subject", msg.Subject, "error", err)
			return
		}
		select {
		case cs.events <- &event:
		default:
			s.logger.Debug("Change buffer full, coalescing", "subject", msg.Subject)
		}
	})
	if err != nil {
		return nil, err
	}
	cs.sub = sub

	cs.wg.Add(1)
	go cs.worker(handler)

	s.logger.Debug("NATS change subscription started", "subject", subject)
	return cs, nil
}

// worker 工作协程
func (cs *ChangeSubscription) worker(handler ChangeHandler) {
	defer cs.wg.Done()

	for {
		select {
		case <-cs.done:
			return
		case event := <-cs.events:
			func() {
				defer func() {
					if r := recover(); r != nil {
						cs.logger.Error("Change handler panic recovered", "subject", cs.subject, "panic", r)
					}
				}()
				handler(event)
			}()
		}
	}
}

// Stop 取消订阅并停止 worker，可重复调用
func (cs *ChangeSubscription) Stop() {
	cs.once.Do(func() {
		if cs.sub != nil {
			if err := cs.sub.Unsubscribe(); err != nil {
				cs.logger.Warn("Failed to unsubscribe", "subject", cs.subject, "error", err)
			}
		}
		close(cs.done)
	})
}
