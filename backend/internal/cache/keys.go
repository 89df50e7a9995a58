package cache

import "fmt"

// 键语义：
// - roomKey(roomID):             房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):            房间内 userId→userName 映射（Hash）
// - cursorKey(roomID, userID):   最近一次光标（String，带 TTL）
// - fanoutChannel(roomID):       多实例广播频道（Pub/Sub）

const (
	keyRoomPrefix = "presence:room:"
	keyRoomFmt    = "presence:room:{room:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt   = "presence:room:names:{room:%s}" // Hash<userId -> userName>
	keyCursorFmt  = "presence:cursor:{room:%s}:%s"
	chanFanoutFmt = "canvas:fanout:{room:%s}"
	chanFanoutAll = "canvas:fanout:*"
)

func roomKey(roomID string) string           { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string          { return fmt.Sprintf(keyNamesFmt, roomID) }
func cursorKey(roomID, userID string) string { return fmt.Sprintf(keyCursorFmt, roomID, userID) }
func FanoutChannel(roomID string) string     { return fmt.Sprintf(chanFanoutFmt, roomID) }
func FanoutPattern() string                  { return chanFanoutAll }
