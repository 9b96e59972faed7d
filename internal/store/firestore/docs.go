package firestore

import (
	"time"

	"sudooom.im.client/internal/model"
)

// 集合名称
const (
	colUsers    = "users"
	colChats    = "chats"
	colMessages = "messages"
	colCalls    = "calls"
	colAdmins   = "admins"
)

// userDoc users/{uid}
type userDoc struct {
	Name          string     `firestore:"name"`
	Email         string     `firestore:"email"`
	PhotoURL      string     `firestore:"photoURL"`
	About         string     `firestore:"about"`
	Phone         string     `firestore:"phone"`
	Online        bool       `firestore:"online"`
	LastSeen      *time.Time `firestore:"lastSeen"`
	PinnedChats   []string   `firestore:"pinnedChats"`
	ArchivedChats []string   `firestore:"archivedChats"`
	CreatedAt     time.Time  `firestore:"createdAt,serverTimestamp"`
}

func (d *userDoc) toModel(uid string) *model.User {
	return (&model.User{
		UID:           uid,
		Name:          d.Name,
		Email:         d.Email,
		PhotoURL:      d.PhotoURL,
		About:         d.About,
		Phone:         d.Phone,
		Online:        d.Online,
		LastSeen:      d.LastSeen,
		PinnedChats:   d.PinnedChats,
		ArchivedChats: d.ArchivedChats,
		CreatedAt:     d.CreatedAt,
	}).Normalize()
}

func userDocFrom(u *model.User) *userDoc {
	return &userDoc{
		Name:          u.Name,
		Email:         u.Email,
		PhotoURL:      u.PhotoURL,
		About:         u.About,
		Phone:         u.Phone,
		Online:        u.Online,
		LastSeen:      u.LastSeen,
		PinnedChats:   nonNil(u.PinnedChats),
		ArchivedChats: nonNil(u.ArchivedChats),
		CreatedAt:     u.CreatedAt,
	}
}

// chatDoc chats/{chatId}
type chatDoc struct {
	Participants      []string         `firestore:"participants"`
	IsGroup           bool             `firestore:"isGroup"`
	GroupName         string           `firestore:"groupName"`
	GroupImage        string           `firestore:"groupImage"`
	GroupAdmin        string           `firestore:"groupAdmin"`
	LastMessage       string           `firestore:"lastMessage"`
	LastMessageTime   *time.Time       `firestore:"lastMessageTime"`
	LastMessageSender string           `firestore:"lastMessageSender"`
	UnreadCounts      map[string]int64 `firestore:"unreadCounts"`
	CreatedBy         string           `firestore:"createdBy"`
	CreatedAt         time.Time        `firestore:"createdAt,serverTimestamp"`
}

func (d *chatDoc) toModel(id string) *model.Chat {
	c := &model.Chat{
		ID:           id,
		Participants: d.Participants,
		IsGroup:      d.IsGroup,
		Name:         d.GroupName,
		Image:        d.GroupImage,
		AdminID:      d.GroupAdmin,
		UnreadCounts: make(map[string]int, len(d.UnreadCounts)),
		CreatedBy:    d.CreatedBy,
		CreatedAt:    d.CreatedAt,
	}
	for uid, n := range d.UnreadCounts {
		c.UnreadCounts[uid] = int(n)
	}
	if d.LastMessageTime != nil {
		c.LastMessage = &model.LastMessage{
			Text:     d.LastMessage,
			Time:     *d.LastMessageTime,
			SenderID: d.LastMessageSender,
		}
	}
	return c.Normalize()
}

func chatDocFrom(c *model.Chat) *chatDoc {
	d := &chatDoc{
		Participants: nonNil(c.Participants),
		IsGroup:      c.IsGroup,
		GroupName:    c.Name,
		GroupImage:   c.Image,
		GroupAdmin:   c.AdminID,
		UnreadCounts: make(map[string]int64, len(c.UnreadCounts)),
		CreatedBy:    c.CreatedBy,
		CreatedAt:    c.CreatedAt,
	}
	for uid, n := range c.UnreadCounts {
		d.UnreadCounts[uid] = int64(n)
	}
	if c.LastMessage != nil {
		t := c.LastMessage.Time
		d.LastMessage = c.LastMessage.Text
		d.LastMessageTime = &t
		d.LastMessageSender = c.LastMessage.SenderID
	}
	return d
}

// messageDoc chats/{chatId}/messages/{msgId}
type messageDoc struct {
	SenderID  string    `firestore:"senderId"`
	Text      string    `firestore:"text"`
	ImageURL  string    `firestore:"imageUrl"`
	CreatedAt time.Time `firestore:"createdAt,serverTimestamp"`
	SeenBy    []string  `firestore:"seenBy"`
	StarredBy []string  `firestore:"starredBy"`
	Deleted   bool      `firestore:"deleted"`
}

func (d *messageDoc) toModel(chatID, id string) *model.Message {
	return (&model.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  d.SenderID,
		Text:      d.Text,
		ImageURL:  d.ImageURL,
		CreatedAt: d.CreatedAt,
		SeenBy:    d.SeenBy,
		StarredBy: d.StarredBy,
		Deleted:   d.Deleted,
	}).Normalize()
}

// candidateDoc ICE 候选数组元素
type candidateDoc struct {
	Candidate string `firestore:"candidate"`
	UserID    string `firestore:"userId"`
}

// callDoc calls/{callId}
type callDoc struct {
	ChatID     string         `firestore:"chatId"`
	CallerID   string         `firestore:"callerId"`
	CalleeID   string         `firestore:"calleeId"`
	Type       string         `firestore:"type"`
	Offer      string         `firestore:"offer"`
	Answer     string         `firestore:"answer"`
	Candidates []candidateDoc `firestore:"iceCandidates"`
	Status     string         `firestore:"status"`
	CreatedAt  time.Time      `firestore:"createdAt,serverTimestamp"`
}

func (d *callDoc) toModel(id string) *model.CallSession {
	c := &model.CallSession{
		ID:         id,
		ChatID:     d.ChatID,
		CallerID:   d.CallerID,
		CalleeID:   d.CalleeID,
		Type:       model.MediaType(d.Type),
		Offer:      d.Offer,
		Answer:     d.Answer,
		Candidates: make([]model.Candidate, 0, len(d.Candidates)),
		Status:     model.CallStatus(d.Status),
		CreatedAt:  d.CreatedAt,
	}
	for _, cand := range d.Candidates {
		c.Candidates = append(c.Candidates, model.Candidate{Candidate: cand.Candidate, UserID: cand.UserID})
	}
	return c.Normalize()
}

func callDocFrom(c *model.CallSession) *callDoc {
	d := &callDoc{
		ChatID:     c.ChatID,
		CallerID:   c.CallerID,
		CalleeID:   c.CalleeID,
		Type:       string(c.Type),
		Offer:      c.Offer,
		Answer:     c.Answer,
		Candidates: make([]candidateDoc, 0, len(c.Candidates)),
		Status:     string(c.Status),
		CreatedAt:  c.CreatedAt,
	}
	for _, cand := range c.Candidates {
		d.Candidates = append(d.Candidates, candidateDoc{Candidate: cand.Candidate, UserID: cand.UserID})
	}
	return d
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
