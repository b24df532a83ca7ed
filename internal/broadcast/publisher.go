package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher is the narrow fire-and-forget capability stage workers depend
// on. Publish succeeds or is ignored; nothing in the pipeline depends on
// subscriber presence.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// RedisPublisher publishes JSON payloads on Redis pub/sub channels.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.rdb.Publish(ctx, topic, data).Err()
}

// Topic helpers shared by the fanout and the websocket bridge.

func JobTopic(jobID string) string    { return "jobs:" + jobID }
func TrackTopic(trackID uint) string  { return fmt.Sprintf("tracks:%d", trackID) }
func RecipeTopic(runID string) string { return "recipes:" + runID }
func UserTopic(userID string) string  { return "users:" + userID }
