package presence

import "fmt"

func connsKey(principalID string) string {
	return fmt.Sprintf("presence:%s:conns", principalID)
}

func lastSeenKey(principalID string) string {
	return fmt.Sprintf("presence:%s:last_seen", principalID)
}

func currentRoomKey(principalID string) string {
	return fmt.Sprintf("presence:%s:room", principalID)
}

// unreadKey is a hash of room id -> unread count. A missing hash means
// the counters were lost and must be reseeded from the durable store.
func unreadKey(principalID string) string {
	return fmt.Sprintf("unread:%s", principalID)
}

const seededField = "_seeded"

func recentKey(roomID string) string {
	return fmt.Sprintf("room:%s:recent", roomID)
}

func typingKey(roomID, principalID string) string {
	return fmt.Sprintf("typing:%s:%s", roomID, principalID)
}

func typingIndexKey(roomID string) string {
	return fmt.Sprintf("typing:%s:users", roomID)
}
