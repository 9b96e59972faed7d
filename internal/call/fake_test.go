package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sudooom.im.client/internal/media"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/store/memory"
	"sudooom.im.client/internal/workerpool"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeFactory 无网络的媒体会话：双方描述都就绪且收到对端候选后触发远端轨道
type fakeFactory struct {
	mu       sync.Mutex
	seq      int
	sessions []*fakeSession
	failNew  error
	noTrack  bool // 描述交换完成但从不触发远端轨道，模拟 ICE 迟迟不通
}

func (f *fakeFactory) NewSession(cfg media.SessionConfig) (media.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	f.seq++
	s := &fakeSession{id: f.seq, noTrack: f.noTrack}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) all() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

type fakeSession struct {
	id      int
	noTrack bool

	mu          sync.Mutex
	local       bool
	remote      bool
	remoteCands []string
	streams     int
	trackFired  bool
	closed      bool
	onCand      func(string)
	onTrack     func(media.RemoteTrack)
}

func (s *fakeSession) AddStream(stream media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams++
	return nil
}

func (s *fakeSession) CreateOffer(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.local = true
	s.mu.Unlock()
	s.emitCandidate()
	return fmt.Sprintf(`{"type":"offer","sdp":"fake-%d"}`, s.id), nil
}

func (s *fakeSession) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if offer == "" {
		return "", errors.New("fake: empty offer")
	}
	s.mu.Lock()
	s.local, s.remote = true, true
	s.mu.Unlock()
	s.emitCandidate()
	s.maybeTrack()
	return fmt.Sprintf(`{"type":"answer","sdp":"fake-%d"}`, s.id), nil
}

func (s *fakeSession) AcceptAnswer(answer string) error {
	s.mu.Lock()
	s.remote = true
	s.mu.Unlock()
	s.maybeTrack()
	return nil
}

func (s *fakeSession) AddRemoteCandidate(candidate string) error {
	s.mu.Lock()
	if !s.remote {
		s.mu.Unlock()
		return errors.New("fake: remote description not set")
	}
	s.remoteCands = append(s.remoteCands, candidate)
	s.mu.Unlock()
	s.maybeTrack()
	return nil
}

func (s *fakeSession) OnLocalCandidate(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCand = fn
}

func (s *fakeSession) OnRemoteTrack(fn func(media.RemoteTrack)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = fn
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) remoteCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.remoteCands...)
}

func (s *fakeSession) emitCandidate() {
	s.mu.Lock()
	fn := s.onCand
	s.mu.Unlock()
	if fn != nil {
		fn(fmt.Sprintf(`{"candidate":"candidate:%d 1 udp 2122260223 10.0.0.%d 5000 typ host"}`, s.id, s.id))
	}
}

func (s *fakeSession) maybeTrack() {
	s.mu.Lock()
	ready := s.local && s.remote && len(s.remoteCands) > 0 && !s.trackFired && !s.closed && !s.noTrack
	if ready {
		s.trackFired = true
	}
	fn := s.onTrack
	s.mu.Unlock()
	if ready && fn != nil {
		fn(media.RemoteTrack{ID: "remote-audio", Kind: media.KindAudio})
	}
}

// countingStore 统计信令写入次数，并可让订阅失败
type countingStore struct {
	*memory.Store
	writes    atomic.Int32
	failWatch atomic.Bool
}

func (c *countingStore) CreateCall(ctx context.Context, call *model.CallSession) error {
	c.writes.Add(1)
	return c.Store.CreateCall(ctx, call)
}

func (c *countingStore) SetAnswer(ctx context.Context, callID, answer string) error {
	c.writes.Add(1)
	return c.Store.SetAnswer(ctx, callID, answer)
}

func (c *countingStore) AppendCandidate(ctx context.Context, callID string, cand model.Candidate) error {
	c.writes.Add(1)
	return c.Store.AppendCandidate(ctx, callID, cand)
}

func (c *countingStore) AdvanceStatus(ctx context.Context, callID string, status model.CallStatus) (bool, error) {
	c.writes.Add(1)
	return c.Store.AdvanceStatus(ctx, callID, status)
}

func (c *countingStore) WatchCall(ctx context.Context, callID string, fn func(*model.CallSession, error)) (store.Subscription, error) {
	if c.failWatch.Load() {
		return nil, errors.New("watch unavailable")
	}
	return c.Store.WatchCall(ctx, callID, fn)
}

// eventLog 线程安全的事件记录
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.State)
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}
	}
	return l.events[len(l.events)-1]
}

func (l *eventLog) hasNotice(notice string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Notice == notice {
			return true
		}
	}
	return false
}

type fixture struct {
	store   *countingStore
	pool    *workerpool.Pool
	factory *fakeFactory
	chat    *model.Chat
	cfg     Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := &countingStore{Store: memory.New()}
	pool := workerpool.New(4, 128, nil)
	t.Cleanup(func() {
		pool.Shutdown(context.Background())
		st.Close()
	})

	ctx := context.Background()
	for _, uid := range []string{"a1", "b1"} {
		_, err := st.EnsureUser(ctx, &model.User{UID: uid})
		require.NoError(t, err)
	}
	chat := model.NewDirectChat("a1", "b1")
	require.NoError(t, st.CreateChat(ctx, chat))

	return &fixture{
		store:   st,
		pool:    pool,
		factory: &fakeFactory{},
		chat:    chat,
		cfg: Config{
			Retry:               workerpool.RetryPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxRetries: 3},
			SubscriptionRetries: 2,
		},
	}
}

func (f *fixture) deps(devices media.Devices) Deps {
	return Deps{Calls: f.store, Devices: devices, Sessions: f.factory, Pool: f.pool}
}

func (f *fixture) call(t *testing.T, callID string) *model.CallSession {
	t.Helper()
	row, err := f.store.GetCall(context.Background(), callID)
	require.NoError(t, err)
	return row
}
