package redis

import "fmt"

const (
	// KeyPrefix 所有 Key 的公共前缀
	KeyPrefix = "cs:"

	// UsersKey 全部用户 ID 集合
	UsersKey = KeyPrefix + "users"

	// GroupsKey 全部群聊 ID 集合
	GroupsKey = KeyPrefix + "groups"

	// AdminsKey 管理员 UID 集合
	AdminsKey = KeyPrefix + "admins"
)

// BuildUserKey 用户资料 Hash
// Key: cs:user:{uid}
func BuildUserKey(uid string) string {
	return fmt.Sprintf("%suser:%s", KeyPrefix, uid)
}

// BuildUserPinnedKey 用户置顶会话集合
// Key: cs:user:{uid}:pinned
func BuildUserPinnedKey(uid string) string {
	return BuildUserKey(uid) + ":pinned"
}

// BuildUserArchivedKey 用户归档会话集合
// Key: cs:user:{uid}:archived
func BuildUserArchivedKey(uid string) string {
	return BuildUserKey(uid) + ":archived"
}

// BuildUserChatsKey 用户参与的会话集合
// Key: cs:user:{uid}:chats
func BuildUserChatsKey(uid string) string {
	return BuildUserKey(uid) + ":chats"
}

// BuildUserIncomingKey 用户振铃中的来电集合
// Key: cs:user:{uid}:incoming
func BuildUserIncomingKey(uid string) string {
	return BuildUserKey(uid) + ":incoming"
}

// BuildChatKey 会话 Hash
// Key: cs:chat:{chatId}
func BuildChatKey(chatID string) string {
	return fmt.Sprintf("%schat:%s", KeyPrefix, chatID)
}

// BuildChatUnreadKey 会话未读计数 Hash（field: uid）
// Key: cs:chat:{chatId}:unread
func BuildChatUnreadKey(chatID string) string {
	return BuildChatKey(chatID) + ":unread"
}

// BuildChatMessagesKey 会话消息索引 ZSET（score: 服务端时间戳）
// Key: cs:chat:{chatId}:msgs
func BuildChatMessagesKey(chatID string) string {
	return BuildChatKey(chatID) + ":msgs"
}

// BuildDirectIndexKey 单聊去重索引（value: chatId）
// Key: cs:direct:{uidA}:{uidB}，uid 按字典序排列
func BuildDirectIndexKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%sdirect:%s:%s", KeyPrefix, a, b)
}

// BuildMessageKey 消息 Hash
// Key: cs:msg:{chatId}:{msgId}
func BuildMessageKey(chatID, msgID string) string {
	return fmt.Sprintf("%smsg:%s:%s", KeyPrefix, chatID, msgID)
}

// BuildMessageSeenKey 消息已读用户集合
func BuildMessageSeenKey(chatID, msgID string) string {
	return BuildMessageKey(chatID, msgID) + ":seen"
}

// BuildMessageStarredKey 消息收藏用户集合
func BuildMessageStarredKey(chatID, msgID string) string {
	return BuildMessageKey(chatID, msgID) + ":starred"
}

// BuildCallKey 通话 Hash
// Key: cs:call:{callId}
func BuildCallKey(callID string) string {
	return fmt.Sprintf("%scall:%s", KeyPrefix, callID)
}

// BuildCallCandidatesKey 通话 ICE 候选 List（RPUSH 追加）
func BuildCallCandidatesKey(callID string) string {
	return BuildCallKey(callID) + ":candidates"
}

// BuildSessionKey 登录会话（value: uid）
// Key: cs:session:{sid}
func BuildSessionKey(sid string) string {
	return fmt.Sprintf("%ssession:%s", KeyPrefix, sid)
}

// BuildUserSessionsKey 用户的登录会话集合
// Key: cs:user:{uid}:sessions
func BuildUserSessionsKey(uid string) string {
	return BuildUserKey(uid) + ":sessions"
}
