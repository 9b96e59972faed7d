// Package media 本地采集设备与点对点媒体会话的抽象。
//
// 呼叫状态机只依赖这里的接口，具体实现见 pion（WebRTC 会话）与
// virtual（无硬件环境下的虚拟采集设备）。
package media

import (
	"context"
	"errors"
)

// 设备层错误，对应浏览器的 NotFoundError / NotAllowedError / OverconstrainedError
var (
	ErrDeviceNotFound   = errors.New("media: no capture device found")
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrOverconstrained  = errors.New("media: constraints cannot be satisfied")
)

// Kind 设备或轨道类型
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Device 采集设备
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Constraints 采集参数
type Constraints struct {
	Audio bool
	Video bool
}

// Track 本地媒体轨道
type Track interface {
	ID() string
	Kind() Kind
}

// Stream 已获取的采集流，Stop 释放设备且可重复调用
type Stream interface {
	Tracks() []Track
	Stop()
}

// Devices 本地设备
type Devices interface {
	Enumerate(ctx context.Context) ([]Device, error)
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Inventory 按类型统计设备
type Inventory struct {
	Audio int
	Video int
}

// Count 统计设备列表
func Count(devices []Device) Inventory {
	var inv Inventory
	for _, d := range devices {
		switch d.Kind {
		case KindAudio:
			inv.Audio++
		case KindVideo:
			inv.Video++
		}
	}
	return inv
}

// RemoteTrack 对端轨道到达事件
type RemoteTrack struct {
	ID   string
	Kind Kind
}

// SessionConfig 会话配置
type SessionConfig struct {
	STUNServers []string
}

// Session 点对点媒体会话。描述与候选均以 JSON 字符串序列化，
// 直接写入信令文档。
type Session interface {
	AddStream(s Stream) error
	// CreateOffer 生成 offer 并设为本地描述
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer 设置远端 offer，生成 answer 并设为本地描述
	AcceptOffer(ctx context.Context, offer string) (string, error)
	// AcceptAnswer 设置远端 answer
	AcceptAnswer(answer string) error
	AddRemoteCandidate(candidate string) error
	OnLocalCandidate(fn func(candidate string))
	OnRemoteTrack(fn func(RemoteTrack))
	Close() error
}

// SessionFactory 构造会话
type SessionFactory interface {
	NewSession(cfg SessionConfig) (Session, error)
}
