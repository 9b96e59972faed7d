package nats

// NATS Subject 常量定义
// 自建存储（Redis）每次写入后向以下 Subject 发布变更通知，订阅方收到后重新读取完整快照
const (
	// SubjectPrefix 变更通知 Subject 前缀
	SubjectPrefix = "chatsync."

	// SubjectUserPrefix 用户资料/在线状态变更
	// 完整格式: chatsync.user.{uid}
	SubjectUserPrefix = SubjectPrefix + "user."

	// SubjectChatListPrefix 用户会话列表变更
	// 完整格式: chatsync.chats.{uid}
	SubjectChatListPrefix = SubjectPrefix + "chats."

	// SubjectMessagesPrefix 会话消息变更
	// 完整格式: chatsync.messages.{chatId}
	SubjectMessagesPrefix = SubjectPrefix + "messages."

	// SubjectCallPrefix 通话信令文档变更
	// 完整格式: chatsync.call.{callId}
	SubjectCallPrefix = SubjectPrefix + "call."

	// SubjectIncomingPrefix 用户来电列表变更
	// 完整格式: chatsync.incoming.{uid}
	SubjectIncomingPrefix = SubjectPrefix + "incoming."

	// SubjectAll 订阅全部变更（调试用）
	SubjectAll = SubjectPrefix + ">"
)

// BuildUserSubject 构建用户变更 Subject
func BuildUserSubject(uid string) string {
	return SubjectUserPrefix + uid
}

// BuildChatListSubject 构建会话列表变更 Subject
func BuildChatListSubject(uid string) string {
	return SubjectChatListPrefix + uid
}

// BuildMessagesSubject 构建消息变更 Subject
func BuildMessagesSubject(chatID string) string {
	return SubjectMessagesPrefix + chatID
}

// BuildCallSubject 构建通话变更 Subject
func BuildCallSubject(callID string) string {
	return SubjectCallPrefix + callID
}

// BuildIncomingSubject 构建来电变更 Subject
func BuildIncomingSubject(uid string) string {
	return SubjectIncomingPrefix + uid
}
