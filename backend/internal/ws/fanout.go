package ws

import (
	"context"
	"encoding/json"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"canvasCollab/backend/internal/cache"
)

// Fanout 用 redis pub/sub 把帧转发给服务同一房间的其他中继实例
type Fanout struct {
	rdb        redis.UniversalClient
	instanceID string
	log        zerolog.Logger
	ready      chan struct{}
}

type fanoutEnvelope struct {
	Origin string `json:"origin"`
	Room   string `json:"room"`
	Frame  []byte `json:"frame"`
}

func NewFanout(rdb redis.UniversalClient, instanceID string, log zerolog.Logger) *Fanout {
	return &Fanout{rdb: rdb, instanceID: instanceID, log: log, ready: make(chan struct{})}
}

// Ready 订阅确认后关闭
func (f *Fanout) Ready() <-chan struct{} { return f.ready }

func (f *Fanout) Publish(ctx context.Context, roomID string, frame []byte) error {
	b, err := json.Marshal(fanoutEnvelope{Origin: f.instanceID, Room: roomID, Frame: frame})
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, cache.FanoutChannel(roomID), b).Err()
}

// Run 订阅所有房间频道，直到 ctx 结束；自己发出的帧直接丢弃。只能调用一次
func (f *Fanout) Run(ctx context.Context, deliver func(ctx context.Context, roomID string, frame []byte)) error {
	sub := f.rdb.PSubscribe(ctx, cache.FanoutPattern())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	close(f.ready)
	f.log.Info().Str("instance", f.instanceID).Msg("fanout subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.log.Debug().Err(err).Str("channel", msg.Channel).Msg("drop bad fanout payload")
				continue
			}
			if env.Origin == f.instanceID || strings.TrimSpace(env.Room) == "" {
				continue
			}
			deliver(ctx, env.Room, env.Frame)
		}
	}
}
