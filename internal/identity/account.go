// Package identity 本地身份提供方：邮箱密码账号、登录会话与密码重置。
// 账号存放在 Postgres，会话记录存放在 Redis（或内存），Token 由 shared/jwt 签发。
package identity

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrEmailExists     = errors.New("email already exists")
)

// Account 登录账号
type Account struct {
	UID          string    `json:"uid"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"displayName"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AccountRepository 账号数据访问
type AccountRepository interface {
	Create(ctx context.Context, acct *Account) error
	GetByUID(ctx context.Context, uid string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePassword(ctx context.Context, uid, passwordHash string) error
	UpdateDisplayName(ctx context.Context, uid, name string) error
}

// MemoryAccountRepository 内存账号库，用于测试与单机模式
type MemoryAccountRepository struct {
	mu      sync.RWMutex
	byUID   map[string]*Account
	byEmail map[string]string
}

// NewMemoryAccountRepository 创建内存账号库
func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		byUID:   make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

// Create 创建账号
func (r *MemoryAccountRepository) Create(ctx context.Context, acct *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[acct.Email]; ok {
		return ErrEmailExists
	}
	now := time.Now()
	acct.CreatedAt, acct.UpdatedAt = now, now
	cp := *acct
	r.byUID[acct.UID] = &cp
	r.byEmail[acct.Email] = acct.UID
	return nil
}

// GetByUID 通过 UID 获取账号
func (r *MemoryAccountRepository) GetByUID(ctx context.Context, uid string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.byUID[uid]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

// GetByEmail 通过邮箱获取账号
func (r *MemoryAccountRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	r.mu.RLock()
	uid, ok := r.byEmail[email]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.GetByUID(ctx, uid)
}

// UpdatePassword 更新密码哈希
func (r *MemoryAccountRepository) UpdatePassword(ctx context.Context, uid, passwordHash string) error {
	return r.update(uid, func(a *Account) { a.PasswordHash = passwordHash })
}

// UpdateDisplayName 更新显示名
func (r *MemoryAccountRepository) UpdateDisplayName(ctx context.Context, uid, name string) error {
	return r.update(uid, func(a *Account) { a.DisplayName = name })
}

func (r *MemoryAccountRepository) update(uid string, fn func(*Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acct, ok := r.byUID[uid]
	if !ok {
		return ErrAccountNotFound
	}
	fn(acct)
	acct.UpdatedAt = time.Now()
	return nil
}
