package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, roomID, userID, userName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetRooms(ctx context.Context) ([]string, error)
	GetAliveMembers(ctx context.Context, roomID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, roomID, userID string, data []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, roomID, userID string) ([]byte, error)
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

type PresenceMember struct {
	UserID   string
	UserName string
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 过期清理：score=expireAt（Unix 秒），expireAt <= now 视为过期
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 加入或续期，刷新 TTL 也直接调用它
func (p *redisPresence) AddMember(ctx context.Context, roomID, userID, userName string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(roomID), userID, userName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), userID)
	tx.HDel(ctx, namesKey(roomID), userID)
	tx.Del(ctx, cursorKey(roomID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	iter := p.rdb.Scan(ctx, 0, keyRoomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也是 presence:room: 开头，过滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		id := strings.TrimPrefix(k, keyRoomPrefix+"{room:")
		id = strings.TrimSuffix(id, "}")
		if id != "" {
			rooms = append(rooms, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, roomID, userID string, data []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(roomID, userID), data, ttl).Err()
}

// GetCursor 没有记录时返回 nil, nil
func (p *redisPresence) GetCursor(ctx context.Context, roomID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(roomID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (p *redisPresence) GetAliveMembers(ctx context.Context, roomID string) ([]PresenceMember, error) {
	now := p.now().Unix()
	// step1: 清理过期成员
	if err := sweepScript.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: aliveIDs[i], UserName: name})
	}
	return members, nil
}
