package nats

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ChangeEvent 变更通知负载，订阅方据此重新读取快照
type ChangeEvent struct {
	Subject string `json:"subject"`
	Origin  string `json:"origin"`
	At      int64  `json:"at"`
}

// ChangePublisher 变更通知发布器
type ChangePublisher struct {
	nc     *nats.Conn
	origin string
	logger *slog.Logger
}

// NewChangePublisher 创建变更通知发布器
func NewChangePublisher(nc *nats.Conn, origin string) *ChangePublisher {
	return &ChangePublisher{
		nc:     nc,
		origin: origin,
		logger: slog.Default(),
	}
}

// Publish 发布一条变更通知
func (p *ChangePublisher) Publish(subject string) error {
	data, err := json.Marshal(&ChangeEvent{
		Subject: subject,
		Origin:  p.origin,
		At:      time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Error("Failed to marshal change event", "error", err)
		return err
	}

	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish change event", "subject", subject, "error", err)
		return err
	}

	p.logger.Debug("Published change event", "subject", subject)
	return nil
}
