// Package call 一对一音视频通话的信令状态机：以存储中的通话文档作为信令通道，
// 交换 offer/answer 与 ICE 候选，并管理本地采集设备的生命周期。
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.client/internal/media"
	"sudooom.im.client/internal/metrics"
	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/internal/workerpool"
	sharedErrors "sudooom.im.client/shared/errors"
)

// State 本地状态
type State string

const (
	StateIdle        State = "idle"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnded       State = "ended"
	StateError       State = "error"
)

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// Role 本端角色
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Event 通话生命周期事件，携带界面渲染所需的全部信息
type Event struct {
	CallID       string          `json:"callId,omitempty"`
	ChatID       string          `json:"chatId,omitempty"`
	PeerID       string          `json:"peerId,omitempty"`
	Role         Role            `json:"role"`
	State        State           `json:"state"`
	Media        model.MediaType `json:"media,omitempty"`
	Notice       string          `json:"notice,omitempty"`
	ErrorKind    Kind            `json:"errorKind,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Config 状态机配置
type Config struct {
	STUNServers []string
	// Retry 候选、状态等信令写入的重试策略
	Retry workerpool.RetryPolicy
	// SubscriptionRetries 信令订阅中断后的重建次数，耗尽后进入 error
	SubscriptionRetries uint64
	RingTimeout         time.Duration
}

const (
	defaultSubscriptionRetries = 5
	maxIDAttempts              = 5
)

// Deps 状态机依赖
type Deps struct {
	Calls    store.Calls
	Devices  media.Devices
	Sessions media.SessionFactory
	Pool     *workerpool.Pool
}

var errCancelled = newError(KindCancelled, context.Canceled)

// Machine 一次通话尝试中本端的状态机，只能使用一次
type Machine struct {
	deps    Deps
	cfg     Config
	uid     string
	onEvent func(Event)
	now     func() time.Time
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	started       bool
	role          Role
	state         State
	callID        string
	chatID        string
	peerID        string
	mediaType     model.MediaType
	notice        string
	session       media.Session
	stream        media.Stream
	sub           store.Subscription
	rowCreated    bool
	pendingLocal  []string
	remoteReady   bool
	answerApplied bool
	pendingRemote []string
	appliedRemote map[string]struct{}

	emitMu sync.Mutex
}

// NewMachine 创建状态机，onEvent 按顺序接收生命周期事件
func NewMachine(deps Deps, cfg Config, uid string, onEvent func(Event)) *Machine {
	if cfg.SubscriptionRetries == 0 {
		cfg.SubscriptionRetries = defaultSubscriptionRetries
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		deps:          deps,
		cfg:           cfg,
		uid:           uid,
		onEvent:       onEvent,
		now:           time.Now,
		logger:        slog.Default().With("uid", uid),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		state:         StateIdle,
		appliedRemote: make(map[string]struct{}),
	}
}

// Dial 主叫：探测设备、获取本地媒体、生成 offer 并创建振铃中的通话文档
func (m *Machine) Dial(ctx context.Context, chatID, calleeID string, requested model.MediaType) error {
	if err := m.begin(RoleCaller); err != nil {
		return err
	}
	ctx, stop := m.bind(ctx)
	defer stop()

	m.mu.Lock()
	m.chatID = chatID
	m.peerID = calleeID
	m.mediaType = requested
	m.mu.Unlock()

	p, cerr := planDevices(ctx, m.deps.Devices, requested)
	if cerr != nil {
		return m.fail(cerr)
	}
	session, cerr := m.prepare(ctx, p)
	if cerr != nil {
		return m.fail(cerr)
	}

	offer, err := session.CreateOffer(ctx)
	if err != nil {
		return m.fail(m.negotiationError(err))
	}

	row := &model.CallSession{
		ChatID:   chatID,
		CallerID: m.uid,
		CalleeID: calleeID,
		Type:     p.media,
		Offer:    offer,
		Status:   model.CallRinging,
	}
	if err := m.createRow(ctx, row); err != nil {
		return m.fail(newError(KindSignalingWriteFailed, err))
	}

	// 文档创建前收集到的本地候选在此补写
	m.mu.Lock()
	m.rowCreated = true
	pending := m.pendingLocal
	m.pendingLocal = nil
	abandoned := m.state.Terminal()
	m.mu.Unlock()
	if abandoned {
		m.endRemote(row.ID)
		return errCancelled
	}
	for _, c := range pending {
		m.writeCandidate(c)
	}

	if err := m.watch(); err != nil {
		return m.fail(newError(KindSignalingSubscriptionLost, err))
	}
	m.logger.Info("Call dialed", "callId", row.ID, "chatId", chatID, "callee", calleeID, "media", p.media)
	m.transition(StateNegotiating)
	return nil
}

// createRow 写入通话文档。ID 精确到毫秒，同一单聊内撞号时顺延
func (m *Machine) createRow(ctx context.Context, row *model.CallSession) error {
	at := m.now()
	var err error
	for i := 0; i < maxIDAttempts; i++ {
		row.ID = model.CallID(row.ChatID, at.Add(time.Duration(i)*time.Millisecond))
		m.mu.Lock()
		m.callID = row.ID
		m.mu.Unlock()

		err = m.deps.Calls.CreateCall(ctx, row)
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
	}
	return err
}

// Answer 被叫：读取 offer、获取本地媒体并写回 answer
func (m *Machine) Answer(ctx context.Context, callID string) error {
	if err := m.begin(RoleCallee); err != nil {
		return err
	}
	ctx, stop := m.bind(ctx)
	defer stop()

	row, err := m.deps.Calls.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.teardown(StateEnded, nil)
			return sharedErrors.ErrCallNotFound.Wrap(err)
		}
		return m.fail(newError(KindSignalingSubscriptionLost, err))
	}
	if row.CalleeID != m.uid {
		m.teardown(StateEnded, nil)
		return sharedErrors.ErrNotCallParticipant
	}
	if row.Status.Terminal() {
		m.teardown(StateEnded, nil)
		return sharedErrors.ErrCallEnded
	}

	m.mu.Lock()
	m.callID = row.ID
	m.chatID = row.ChatID
	m.peerID = row.CallerID
	m.mediaType = row.Type
	m.rowCreated = true
	m.mu.Unlock()

	p, cerr := planDevices(ctx, m.deps.Devices, row.Type)
	if cerr != nil {
		return m.fail(cerr)
	}
	session, cerr := m.prepare(ctx, p)
	if cerr != nil {
		return m.fail(cerr)
	}

	answer, err := session.AcceptOffer(ctx, row.Offer)
	if err != nil {
		return m.fail(m.negotiationError(err))
	}
	m.markRemoteReady(session)

	if err := m.deps.Calls.SetAnswer(ctx, callID, answer); err != nil {
		return m.fail(newError(KindSignalingWriteFailed, err))
	}
	m.applyRemote(row)

	if err := m.watch(); err != nil {
		return m.fail(newError(KindSignalingSubscriptionLost, err))
	}
	m.logger.Info("Call answered", "callId", callID, "caller", row.CallerID, "media", p.media)
	m.transition(StateNegotiating)
	return nil
}

// Hangup 主动结束：写入 ended 后释放本地资源，可重复调用。
// 写入失败时本地资源仍会释放
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	callID, created := m.callID, m.rowCreated
	m.mu.Unlock()

	var werr error
	if created {
		werr = workerpool.Retry(ctx, m.cfg.Retry, func(ctx context.Context) error {
			_, err := m.deps.Calls.AdvanceStatus(ctx, callID, model.CallEnded)
			return store.IgnoreNotFound(err)
		})
	}
	m.teardown(StateEnded, nil)
	if werr != nil {
		m.logger.Warn("Failed to write call end", "callId", callID, "error", werr)
		return newError(KindSignalingWriteFailed, werr)
	}
	return nil
}

// Abandon 界面在终态前关闭：释放设备并尽力写入 ended，从不返回错误
func (m *Machine) Abandon() {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	callID, created := m.callID, m.rowCreated
	m.mu.Unlock()

	m.teardown(StateEnded, nil)
	if created {
		m.endRemote(callID)
	}
}

// State 当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CallID 通话 ID，文档创建前为空
func (m *Machine) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// Role 本端角色
func (m *Machine) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Done 进入终态且资源释放后关闭
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Snapshot 当前状态对应的事件
func (m *Machine) Snapshot() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventLocked(nil)
}

func (m *Machine) begin(role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("call: machine already used")
	}
	m.started = true
	m.role = role
	m.logger = m.logger.With("role", role)
	return nil
}

// bind 请求 ctx 在状态机拆除时一并取消
func (m *Machine) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// prepare 获取设备并建立媒体会话。设备获取完成时若状态机已被拆除，立即释放
func (m *Machine) prepare(ctx context.Context, p plan) (media.Session, *Error) {
	stream, err := m.deps.Devices.Acquire(ctx, p.constraints)
	if err != nil {
		return nil, deviceError(err)
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		stream.Stop()
		return nil, errCancelled
	}
	m.stream = stream
	m.mediaType = p.media
	m.notice = p.notice
	m.mu.Unlock()
	metrics.ActiveCalls.Inc()

	if p.notice != "" {
		m.logger.Info("Video unavailable, falling back to audio")
		m.emit(nil)
	}

	session, err := m.deps.Sessions.NewSession(media.SessionConfig{STUNServers: m.cfg.STUNServers})
	if err != nil {
		return nil, newError(KindUnsupportedConstraints, err)
	}
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		_ = session.Close()
		return nil, errCancelled
	}
	m.session = session
	m.mu.Unlock()

	session.OnLocalCandidate(m.onLocalCandidate)
	session.OnRemoteTrack(m.onRemoteTrack)
	if err := session.AddStream(stream); err != nil {
		return nil, newError(KindUnsupportedConstraints, err)
	}
	return session, nil
}

func (m *Machine) negotiationError(err error) *Error {
	if m.ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return newError(KindCancelled, err)
	}
	return newError(KindUnsupportedConstraints, err)
}

// watch 订阅通话文档，生命周期跟随状态机
func (m *Machine) watch() error {
	m.mu.Lock()
	callID := m.callID
	m.mu.Unlock()

	sub, err := m.deps.Calls.WatchCall(m.ctx, callID, m.onCall)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		sub.Close()
		return nil
	}
	old := m.sub
	m.sub = sub
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (m *Machine) onCall(row *model.CallSession, err error) {
	if err != nil {
		m.onWatchError(err)
		return
	}
	if row == nil {
		return
	}
	if row.Status.Terminal() {
		m.logger.Info("Call ended", "callId", row.ID)
		m.teardown(StateEnded, nil)
		return
	}
	m.applyRemote(row)
	if row.Status == model.CallActive {
		m.transition(StateActive)
	}
}

// onWatchError 有限次重建订阅，仍失败则进入 error
func (m *Machine) onWatchError(err error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	old := m.sub
	m.sub = nil
	callID := m.callID
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	metrics.SubscriptionErrors.WithLabelValues("call").Inc()
	m.logger.Warn("Call signaling subscription lost", "callId", callID, "error", err)

	policy := m.cfg.Retry
	policy.MaxRetries = m.cfg.SubscriptionRetries
	go func() {
		err := workerpool.Retry(m.ctx, policy, func(ctx context.Context) error {
			return m.watch()
		})
		if err != nil && m.ctx.Err() == nil {
			m.fail(newError(KindSignalingSubscriptionLost, err))
		}
	}()
}

// applyRemote 应用对端的 answer 与候选；远端描述就绪前候选先缓存
func (m *Machine) applyRemote(row *model.CallSession) {
	m.mu.Lock()
	session := m.session
	if session == nil || m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	var answer string
	if m.role == RoleCaller && !m.answerApplied && row.Answer != "" {
		m.answerApplied = true
		answer = row.Answer
	}
	var fresh []string
	for _, c := range row.CandidatesFrom(m.peerID) {
		if _, ok := m.appliedRemote[c.Candidate]; ok {
			continue
		}
		m.appliedRemote[c.Candidate] = struct{}{}
		fresh = append(fresh, c.Candidate)
	}
	m.mu.Unlock()

	if answer != "" {
		if err := session.AcceptAnswer(answer); err != nil {
			m.fail(m.negotiationError(err))
			return
		}
		m.markRemoteReady(session)
	}
	m.addRemote(session, fresh)
}

func (m *Machine) markRemoteReady(session media.Session) {
	m.mu.Lock()
	m.remoteReady = true
	pending := m.pendingRemote
	m.pendingRemote = nil
	m.mu.Unlock()

	m.addRemote(session, pending)
}

func (m *Machine) addRemote(session media.Session, candidates []string) {
	if len(candidates) == 0 {
		return
	}
	m.mu.Lock()
	if !m.remoteReady {
		m.pendingRemote = append(m.pendingRemote, candidates...)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	for _, c := range candidates {
		if err := session.AddRemoteCandidate(c); err != nil {
			m.logger.Warn("Failed to apply remote candidate", "callId", m.CallID(), "error", err)
		}
	}
}

func (m *Machine) onLocalCandidate(candidate string) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if !m.rowCreated {
		m.pendingLocal = append(m.pendingLocal, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.writeCandidate(candidate)
}

// writeCandidate 追加本地候选，失败只重试不上报
func (m *Machine) writeCandidate(candidate string) {
	callID := m.CallID()
	cand := model.Candidate{Candidate: candidate, UserID: m.uid}
	m.deps.Pool.Go("ice_candidate", m.cfg.Retry, func(ctx context.Context) error {
		return store.IgnoreNotFound(m.deps.Calls.AppendCandidate(ctx, callID, cand))
	})
}

// onRemoteTrack 收到第一条对端轨道即进入 active
func (m *Machine) onRemoteTrack(track media.RemoteTrack) {
	if !m.transition(StateActive) {
		return
	}
	callID := m.CallID()
	m.logger.Info("Call active", "callId", callID, "trackKind", track.Kind)
	m.deps.Pool.Go("call_active", m.cfg.Retry, func(ctx context.Context) error {
		_, err := m.deps.Calls.AdvanceStatus(ctx, callID, model.CallActive)
		return store.IgnoreNotFound(err)
	})
}

// endRemote 后台尽力写入 ended，对端可能已离开
func (m *Machine) endRemote(callID string) {
	submitted := m.deps.Pool.Go("call_end", m.cfg.Retry, func(ctx context.Context) error {
		_, err := m.deps.Calls.AdvanceStatus(ctx, callID, model.CallEnded)
		return store.IgnoreNotFound(err)
	})
	if !submitted {
		m.logger.Warn("Call end write skipped", "callId", callID)
	}
}

// transition 非终态之间的前进，返回是否发生了变化
func (m *Machine) transition(to State) bool {
	m.mu.Lock()
	if m.state.Terminal() || m.state == to || (m.state == StateActive && to == StateNegotiating) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	metrics.CallStateTransitions.WithLabelValues(string(m.Role()), string(to)).Inc()
	m.emit(nil)
	return true
}

// fail 以错误结束本次尝试。文档已存在时尽力写入 ended
func (m *Machine) fail(cerr *Error) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return errCancelled
	}
	callID, created := m.callID, m.rowCreated
	m.mu.Unlock()

	metrics.CallErrors.WithLabelValues(string(cerr.Kind)).Inc()
	m.logger.Warn("Call failed", "callId", callID, "kind", cerr.Kind, "error", cerr.Err)
	if created {
		m.endRemote(callID)
	}
	m.teardown(StateError, cerr)
	return cerr
}

// teardown 释放订阅、会话与设备，只执行一次
func (m *Machine) teardown(final State, cerr *Error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.state = final
		sub, session, stream := m.sub, m.session, m.stream
		m.sub, m.session, m.stream = nil, nil, nil
		m.mu.Unlock()

		m.cancel()
		if sub != nil {
			sub.Close()
		}
		if session != nil {
			if err := session.Close(); err != nil {
				m.logger.Warn("Failed to close media session", "error", err)
			}
		}
		if stream != nil {
			stream.Stop()
			metrics.ActiveCalls.Dec()
		}

		metrics.CallStateTransitions.WithLabelValues(string(m.Role()), string(final)).Inc()
		m.emit(cerr)
		close(m.done)
	})
}

func (m *Machine) emit(cerr *Error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	ev := m.eventLocked(cerr)
	m.mu.Unlock()
	m.onEvent(ev)
}

func (m *Machine) eventLocked(cerr *Error) Event {
	ev := Event{
		CallID: m.callID,
		ChatID: m.chatID,
		PeerID: m.peerID,
		Role:   m.role,
		State:  m.state,
		Media:  m.mediaType,
		Notice: m.notice,
	}
	if cerr != nil {
		ev.ErrorKind = cerr.Kind
		ev.ErrorMessage = cerr.UserMessage()
	}
	return ev
}
