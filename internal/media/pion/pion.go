// Package pion 基于 pion/webrtc 的点对点媒体会话。
package pion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"sudooom.im.client/internal/media"
)

// ErrClosed 会话已关闭
var ErrClosed = errors.New("pion: session closed")

// LocalTrackProvider 可以绑定到 PeerConnection 的本地轨道
type LocalTrackProvider interface {
	TrackLocal() webrtc.TrackLocal
}

// Factory 会话工厂，共享同一个 API 实例
type Factory struct {
	api *webrtc.API
}

var _ media.SessionFactory = (*Factory)(nil)

// NewFactory 创建会话工厂，注册默认编解码器
func NewFactory() (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return &Factory{api: webrtc.NewAPI(webrtc.WithMediaEngine(m))}, nil
}

// NewSession 创建 PeerConnection
func (f *Factory) NewSession(cfg media.SessionConfig) (media.Session, error) {
	conf := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		conf.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}
	pc, err := f.api.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}

	s := &Session{pc: pc, logger: slog.Default()}
	pc.OnICECandidate(s.handleCandidate)
	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debug("Peer connection state changed", "state", state.String())
	})
	return s, nil
}

// Session PeerConnection 封装
type Session struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu          sync.Mutex
	onCandidate func(string)
	onTrack     func(media.RemoteTrack)
	closed      bool
}

func (s *Session) handleCandidate(c *webrtc.ICECandidate) {
	// nil 表示收集结束
	if c == nil {
		return
	}
	s.mu.Lock()
	fn := s.onCandidate
	s.mu.Unlock()
	if fn == nil {
		return
	}

	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.logger.Warn("Failed to encode ICE candidate", "error", err)
		return
	}
	fn(string(raw))
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	fn := s.onTrack
	s.mu.Unlock()
	if fn == nil {
		return
	}

	kind := media.KindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	fn(media.RemoteTrack{ID: track.ID(), Kind: kind})
}

// AddStream 绑定本地轨道
func (s *Session) AddStream(stream media.Stream) error {
	for _, t := range stream.Tracks() {
		p, ok := t.(LocalTrackProvider)
		if !ok {
			return fmt.Errorf("pion: track %s cannot be bound", t.ID())
		}
		if _, err := s.pc.AddTrack(p.TrackLocal()); err != nil {
			return err
		}
	}
	return nil
}

// CreateOffer 生成 offer
func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	if err := s.alive(ctx); err != nil {
		return "", err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return encodeDescription(offer)
}

// AcceptOffer 应答远端 offer
func (s *Session) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if err := s.alive(ctx); err != nil {
		return "", err
	}
	desc, err := decodeDescription(offer)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return encodeDescription(answer)
}

// AcceptAnswer 设置远端 answer
func (s *Session) AcceptAnswer(answer string) error {
	if err := s.alive(context.Background()); err != nil {
		return err
	}
	desc, err := decodeDescription(answer)
	if err != nil {
		return err
	}
	return s.pc.SetRemoteDescription(desc)
}

// AddRemoteCandidate 应用远端候选
func (s *Session) AddRemoteCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return err
	}
	return s.pc.AddICECandidate(init)
}

// OnLocalCandidate 注册本地候选回调
func (s *Session) OnLocalCandidate(fn func(string)) {
	s.mu.Lock()
	s.onCandidate = fn
	s.mu.Unlock()
}

// OnRemoteTrack 注册远端轨道回调
func (s *Session) OnRemoteTrack(fn func(media.RemoteTrack)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

// Close 关闭 PeerConnection，可重复调用
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.onCandidate = nil
	s.onTrack = nil
	s.mu.Unlock()
	return s.pc.Close()
}

func (s *Session) alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeDescription(raw string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return desc, fmt.Errorf("pion: invalid session description: %w", err)
	}
	return desc, nil
}
