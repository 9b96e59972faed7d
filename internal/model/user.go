package model

import (
	"slices"
	"strings"
	"time"
)

// DefaultUserName 未设置昵称时的显示名
const DefaultUserName = "User"

// User 用户
type User struct {
	UID           string     `json:"uid"`
	Name          string     `json:"name"`
	Email         string     `json:"email,omitempty"`
	PhotoURL      string     `json:"photoURL,omitempty"`
	About         string     `json:"about,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	Online        bool       `json:"online"`
	LastSeen      *time.Time `json:"lastSeen"`
	PinnedChats   []string   `json:"pinnedChats"`
	ArchivedChats []string   `json:"archivedChats"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Normalize 在存储边界补齐默认值
func (u *User) Normalize() *User {
	if strings.TrimSpace(u.Name) == "" {
		u.Name = DefaultUserName
	}
	u.PinnedChats = uniqueStrings(u.PinnedChats)
	u.ArchivedChats = uniqueStrings(u.ArchivedChats)
	if u.Online {
		u.LastSeen = nil
	}
	return u
}

// IsPinned 会话是否被该用户置顶
func (u *User) IsPinned(chatID string) bool {
	return slices.Contains(u.PinnedChats, chatID)
}

// IsArchived 会话是否被该用户归档
func (u *User) IsArchived(chatID string) bool {
	return slices.Contains(u.ArchivedChats, chatID)
}

// UserList 用户私有的会话列表类型
type UserList string

const (
	ListPinned   UserList = "pinnedChats"
	ListArchived UserList = "archivedChats"
)

// Valid 列表类型是否合法
func (l UserList) Valid() bool {
	return l == ListPinned || l == ListArchived
}

// ProfileUpdate 资料更新，nil 字段不修改
type ProfileUpdate struct {
	Name     *string `json:"name,omitempty"`
	About    *string `json:"about,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	PhotoURL *string `json:"photoURL,omitempty"`
	Email    *string `json:"email,omitempty"`
}

// Empty 是否没有任何字段需要更新
func (p ProfileUpdate) Empty() bool {
	return p.Name == nil && p.About == nil && p.Phone == nil && p.PhotoURL == nil && p.Email == nil
}

// Apply 将更新应用到用户上
func (p ProfileUpdate) Apply(u *User) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.About != nil {
		u.About = *p.About
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.PhotoURL != nil {
		u.PhotoURL = *p.PhotoURL
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	u.Normalize()
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
