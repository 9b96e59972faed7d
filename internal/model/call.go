package model

import (
	"fmt"
	"slices"
	"time"
)

// MediaType 通话类型
type MediaType string

const (
	MediaVoice MediaType = "voice"
	MediaVideo MediaType = "video"
)

// Valid 通话类型是否合法
func (m MediaType) Valid() bool {
	return m == MediaVoice || m == MediaVideo
}

// CallStatus 通话状态，只能向前推进
type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

// Rank 状态序号，未知状态为 0
func (s CallStatus) Rank() int {
	switch s {
	case CallRinging:
		return 1
	case CallActive:
		return 2
	case CallEnded:
		return 3
	default:
		return 0
	}
}

// CanAdvanceTo 是否允许从当前状态推进到 next
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	return next.Rank() > s.Rank()
}

// Terminal 是否为终态
func (s CallStatus) Terminal() bool {
	return s == CallEnded
}

// Candidate ICE 候选，带贡献者 uid，便于对端过滤自己的候选
type Candidate struct {
	Candidate string `json:"candidate"`
	UserID    string `json:"userId"`
}

// CallSession 通话信令文档
type CallSession struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	CallerID   string      `json:"callerId"`
	CalleeID   string      `json:"calleeId"`
	Type       MediaType   `json:"type"`
	Offer      string      `json:"offer"`
	Answer     string      `json:"answer"`
	Candidates []Candidate `json:"candidates"`
	Status     CallStatus  `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// CallID 通话 ID：call-<chatId>-<毫秒时间戳>
func CallID(chatID string, at time.Time) string {
	return fmt.Sprintf("call-%s-%d", chatID, at.UnixMilli())
}

// Normalize 在存储边界补齐默认值
func (c *CallSession) Normalize() *CallSession {
	if c.Status.Rank() == 0 {
		c.Status = CallRinging
	}
	if !c.Type.Valid() {
		c.Type = MediaVoice
	}
	if c.Candidates == nil {
		c.Candidates = []Candidate{}
	}
	return c
}

// Peer 对端 uid
func (c *CallSession) Peer(uid string) string {
	if uid == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// HasParticipant 是否为通话参与者
func (c *CallSession) HasParticipant(uid string) bool {
	return uid == c.CallerID || uid == c.CalleeID
}

// CandidatesFrom 返回指定 uid 贡献的候选，保持追加顺序
func (c *CallSession) CandidatesFrom(uid string) []Candidate {
	out := make([]Candidate, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		if cand.UserID == uid {
			out = append(out, cand)
		}
	}
	return out
}

// Clone 深拷贝
func (c *CallSession) Clone() *CallSession {
	cp := *c
	cp.Candidates = slices.Clone(c.Candidates)
	return &cp
}
