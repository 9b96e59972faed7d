package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"sudooom.im.client/internal/model"
	"sudooom.im.client/internal/store"
	"sudooom.im.client/shared/jwt"
	sharedErrors "sudooom.im.client/shared/errors"
	"sudooom.im.client/shared/snowflake"
)

// MinPasswordLength 密码最短长度
const MinPasswordLength = 6

// EventType 会话变化类型
type EventType string

const (
	EventSignedIn  EventType = "signed_in"
	EventSignedOut EventType = "signed_out"
)

// Event 会话变化通知
type Event struct {
	Type EventType `json:"type"`
	UID  string    `json:"uid"`
}

// Session 登录结果
type Session struct {
	UID         string         `json:"uid"`
	Email       string         `json:"email"`
	DisplayName string         `json:"displayName"`
	SessionID   string         `json:"sessionId"`
	Tokens      *jwt.TokenPair `json:"tokens"`
}

// PresenceTracker 会话开始/结束时维护在线状态
type PresenceTracker interface {
	Start(uid string)
	Stop(uid string)
}

// ResetNotifier 投递密码重置码
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, email, code string) error
}

// LogNotifier 只记录日志的投递方式，用于本地部署
type LogNotifier struct{}

// SendPasswordReset 实现 ResetNotifier
func (LogNotifier) SendPasswordReset(ctx context.Context, email, code string) error {
	slog.Default().Info("Password reset requested", "email", email, "code", code)
	return nil
}

// Provider 邮箱密码身份提供方
type Provider struct {
	accounts AccountRepository
	sessions SessionStore
	tokens   *jwt.Service
	users    store.Users
	presence PresenceTracker
	notifier ResetNotifier
	ids      *snowflake.Node
	logger   *slog.Logger

	mu        sync.RWMutex
	observers map[int]func(Event)
	nextObs   int
}

// NewProvider 创建身份提供方，presence 与 notifier 可为 nil
func NewProvider(accounts AccountRepository, sessions SessionStore, tokens *jwt.Service, users store.Users, presence PresenceTracker, notifier ResetNotifier, ids *snowflake.Node) *Provider {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Provider{
		accounts:  accounts,
		sessions:  sessions,
		tokens:    tokens,
		users:     users,
		presence:  presence,
		notifier:  notifier,
		ids:       ids,
		logger:    slog.Default(),
		observers: make(map[int]func(Event)),
	}
}

// SignUp 注册并直接登录
func (p *Provider) SignUp(ctx context.Context, email, password, name string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, sharedErrors.ErrServerError.Wrap(err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = model.DefaultUserName
	}

	acct := &Account{
		UID:          p.ids.Generate().String(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  name,
	}
	if err := p.accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, ErrEmailExists) {
			return nil, sharedErrors.ErrEmailExists
		}
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}
	p.logger.Info("Account created", "uid", acct.UID)

	return p.startSession(ctx, acct)
}

// SignIn 邮箱密码登录
func (p *Provider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, sharedErrors.ErrInvalidCredentials
	}

	acct, err := p.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, sharedErrors.ErrInvalidCredentials
		}
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return nil, sharedErrors.ErrInvalidCredentials
	}

	return p.startSession(ctx, acct)
}

// startSession 签发 Token、记录会话，并确保用户资料存在
func (p *Provider) startSession(ctx context.Context, acct *Account) (*Session, error) {
	if _, err := p.users.EnsureUser(ctx, &model.User{
		UID:   acct.UID,
		Name:  acct.DisplayName,
		Email: acct.Email,
	}); err != nil {
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}

	sid := p.ids.Generate().String()
	pair, err := p.tokens.GenerateTokenPair(acct.UID, acct.Email, sid)
	if err != nil {
		return nil, sharedErrors.ErrServerError.Wrap(err)
	}
	if err := p.sessions.Save(ctx, sid, acct.UID, p.tokens.GetRefreshExpire()); err != nil {
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}

	if p.presence != nil {
		p.presence.Start(acct.UID)
	}
	p.logger.Info("Signed in", "uid", acct.UID, "sessionId", sid)
	p.notify(Event{Type: EventSignedIn, UID: acct.UID})

	return &Session{
		UID:         acct.UID,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		SessionID:   sid,
		Tokens:      pair,
	}, nil
}

// Authenticate 校验 Access Token 且会话未被撤销
func (p *Provider) Authenticate(ctx context.Context, accessToken string) (*jwt.Claims, error) {
	claims, err := p.tokens.ValidateAccessToken(accessToken)
	if err != nil {
		return nil, tokenError(err)
	}
	if err := p.checkSession(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh 用 Refresh Token 换取新的 Token 对，会话 ID 不变
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	claims, err := p.tokens.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, tokenError(err)
	}
	if err := p.checkSession(ctx, claims); err != nil {
		return nil, err
	}

	acct, err := p.accounts.GetByUID(ctx, claims.UID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, sharedErrors.ErrTokenInvalid
		}
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}

	pair, err := p.tokens.GenerateTokenPair(acct.UID, acct.Email, claims.SessionID)
	if err != nil {
		return nil, sharedErrors.ErrServerError.Wrap(err)
	}
	if err := p.sessions.Save(ctx, claims.SessionID, acct.UID, p.tokens.GetRefreshExpire()); err != nil {
		return nil, sharedErrors.ErrStoreError.Wrap(err)
	}

	return &Session{
		UID:         acct.UID,
		Email:       acct.Email,
		DisplayName: acct.DisplayName,
		SessionID:   claims.SessionID,
		Tokens:      pair,
	}, nil
}

// SignOut 撤销会话并标记离线
func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := p.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := p.sessions.Delete(ctx, claims.UID, claims.SessionID); err != nil {
		return sharedErrors.ErrStoreError.Wrap(err)
	}

	if p.presence != nil {
		p.presence.Stop(claims.UID)
	}
	p.logger.Info("Signed out", "uid", claims.UID, "sessionId", claims.SessionID)
	p.notify(Event{Type: EventSignedOut, UID: claims.UID})
	return nil
}

// Observe 订阅登录/登出事件，返回取消函数
func (p *Provider) Observe(fn func(Event)) func() {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

func (p *Provider) notify(ev Event) {
	p.mu.RLock()
	fns := make([]func(Event), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// RequestPasswordReset 生成重置码并投递。邮箱不存在时同样返回成功
func (p *Provider) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	acct, err := p.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			p.logger.Info("Password reset for unknown email ignored")
			return nil
		}
		return sharedErrors.ErrStoreError.Wrap(err)
	}

	code, err := p.tokens.GenerateResetToken(acct.UID, fingerprint(acct.PasswordHash))
	if err != nil {
		return sharedErrors.ErrServerError.Wrap(err)
	}
	if err := p.notifier.SendPasswordReset(ctx, acct.Email, code); err != nil {
		return sharedErrors.ErrServerError.Wrap(err)
	}
	return nil
}

// ConfirmPasswordReset 校验重置码并设置新密码。成功后重置码失效，已有会话全部撤销
func (p *Provider) ConfirmPasswordReset(ctx context.Context, code, newPassword string) error {
	claims, err := p.tokens.ValidateResetToken(code)
	if err != nil {
		return sharedErrors.ErrResetCodeInvalid
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	acct, err := p.accounts.GetByUID(ctx, claims.UID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return sharedErrors.ErrResetCodeInvalid
		}
		return sharedErrors.ErrStoreError.Wrap(err)
	}
	if claims.Fingerprint != fingerprint(acct.PasswordHash) {
		return sharedErrors.ErrResetCodeInvalid
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return sharedErrors.ErrServerError.Wrap(err)
	}
	if err := p.accounts.UpdatePassword(ctx, acct.UID, string(hash)); err != nil {
		return sharedErrors.ErrStoreError.Wrap(err)
	}
	if err := p.sessions.DeleteAll(ctx, acct.UID); err != nil {
		p.logger.Warn("Failed to revoke sessions after password reset", "uid", acct.UID, "error", err)
	}
	p.logger.Info("Password reset", "uid", acct.UID)
	return nil
}

// UpdateDisplayName 同步显示名
func (p *Provider) UpdateDisplayName(ctx context.Context, uid, name string) error {
	if err := p.accounts.UpdateDisplayName(ctx, uid, name); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return sharedErrors.ErrUserNotFound.Wrap(err)
		}
		return sharedErrors.ErrStoreError.Wrap(err)
	}
	return nil
}

func (p *Provider) checkSession(ctx context.Context, claims *jwt.Claims) error {
	owner, err := p.sessions.Lookup(ctx, claims.SessionID)
	if err != nil {
		return sharedErrors.ErrStoreError.Wrap(err)
	}
	if owner == "" || owner != claims.UID {
		return sharedErrors.ErrTokenInvalid
	}
	return nil
}

func tokenError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return sharedErrors.ErrTokenExpired
	}
	return sharedErrors.ErrTokenInvalid
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", sharedErrors.ErrInvalidParams.WithMessage("邮箱格式不正确")
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return sharedErrors.ErrInvalidParams.WithMessage("密码至少 6 位")
	}
	return nil
}

// fingerprint 密码哈希的摘要，密码变更后旧的重置码随之失效
func fingerprint(passwordHash string) string {
	sum := sha256.Sum256([]byte(passwordHash))
	return hex.EncodeToString(sum[:8])
}
