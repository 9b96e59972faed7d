// Package virtual 虚拟采集设备：生成静音音频与黑帧视频的 WebRTC 轨道，
// 用于无硬件的服务器环境与测试。
package virtual

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"sudooom.im.client/internal/media"
)

// Devices 虚拟设备集合
type Devices struct {
	Cameras    int
	Mics       int
	DenyAccess bool
	// OnRelease 每个流释放设备时调用一次
	OnRelease func()

	acquired atomic.Int64
	released atomic.Int64
	seq      atomic.Int64
}

var _ media.Devices = (*Devices)(nil)

// Enumerate 列出设备
func (d *Devices) Enumerate(ctx context.Context) ([]media.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]media.Device, 0, d.Cameras+d.Mics)
	for i := 0; i < d.Mics; i++ {
		out = append(out, media.Device{ID: fmt.Sprintf("mic-%d", i), Label: fmt.Sprintf("Virtual Microphone %d", i), Kind: media.KindAudio})
	}
	for i := 0; i < d.Cameras; i++ {
		out = append(out, media.Device{ID: fmt.Sprintf("cam-%d", i), Label: fmt.Sprintf("Virtual Camera %d", i), Kind: media.KindVideo})
	}
	return out, nil
}

// Acquire 获取采集流
func (d *Devices) Acquire(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DenyAccess {
		return nil, media.ErrPermissionDenied
	}
	if !c.Audio && !c.Video {
		return nil, media.ErrOverconstrained
	}
	if (c.Audio && d.Mics == 0) || (c.Video && d.Cameras == 0) {
		return nil, media.ErrDeviceNotFound
	}

	n := d.seq.Add(1)
	s := &Stream{owner: d}
	if c.Audio {
		t, err := newTrack(webrtc.MimeTypeOpus, media.KindAudio, fmt.Sprintf("audio-%d", n))
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	if c.Video {
		t, err := newTrack(webrtc.MimeTypeVP8, media.KindVideo, fmt.Sprintf("video-%d", n))
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	d.acquired.Add(1)
	return s, nil
}

// Acquired 已获取的流数量
func (d *Devices) Acquired() int64 { return d.acquired.Load() }

// Released 已释放的流数量
func (d *Devices) Released() int64 { return d.released.Load() }

// Stream 虚拟采集流
type Stream struct {
	owner  *Devices
	tracks []media.Track
	once   sync.Once
}

// Tracks 实现 media.Stream
func (s *Stream) Tracks() []media.Track { return s.tracks }

// Stop 释放设备，只生效一次
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.owner.released.Add(1)
		if s.owner.OnRelease != nil {
			s.owner.OnRelease()
		}
	})
}

// Track 基于 TrackLocalStaticSample 的本地轨道
type Track struct {
	kind  media.Kind
	local *webrtc.TrackLocalStaticSample
}

func newTrack(mime string, kind media.Kind, id string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "chatsync")
	if err != nil {
		return nil, err
	}
	return &Track{kind: kind, local: local}, nil
}

// ID 实现 media.Track
func (t *Track) ID() string { return t.local.ID() }

// Kind 实现 media.Track
func (t *Track) Kind() media.Kind { return t.kind }

// TrackLocal 供 WebRTC 会话绑定
func (t *Track) TrackLocal() webrtc.TrackLocal { return t.local }
