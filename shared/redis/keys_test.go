package redis

import "testing"

func TestBuildKeys(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"user", BuildUserKey("a1"), "cs:user:a1"},
		{"pinned", BuildUserPinnedKey("a1"), "cs:user:a1:pinned"},
		{"archived", BuildUserArchivedKey("a1"), "cs:user:a1:archived"},
		{"user chats", BuildUserChatsKey("a1"), "cs:user:a1:chats"},
		{"incoming", BuildUserIncomingKey("b1"), "cs:user:b1:incoming"},
		{"chat", BuildChatKey("c1"), "cs:chat:c1"},
		{"unread", BuildChatUnreadKey("c1"), "cs:chat:c1:unread"},
		{"messages", BuildChatMessagesKey("c1"), "cs:chat:c1:msgs"},
		{"message", BuildMessageKey("c1", "m1"), "cs:msg:c1:m1"},
		{"seen", BuildMessageSeenKey("c1", "m1"), "cs:msg:c1:m1:seen"},
		{"starred", BuildMessageStarredKey("c1", "m1"), "cs:msg:c1:m1:starred"},
		{"call", BuildCallKey("k"), "cs:call:k"},
		{"candidates", BuildCallCandidatesKey("k"), "cs:call:k:candidates"},
		{"session", BuildSessionKey("s1"), "cs:session:s1"},
		{"user sessions", BuildUserSessionsKey("a1"), "cs:user:a1:sessions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.got)
			}
		})
	}
}

func TestBuildDirectIndexKey_Unordered(t *testing.T) {
	if BuildDirectIndexKey("b1", "a1") != BuildDirectIndexKey("a1", "b1") {
		t.Error("Direct index key must not depend on argument order")
	}
	if got := BuildDirectIndexKey("b1", "a1"); got != "cs:direct:a1:b1" {
		t.Errorf("Unexpected key %s", got)
	}
}
