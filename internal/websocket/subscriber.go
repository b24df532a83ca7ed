package websocket

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Subscriber bridges Redis pub/sub into the hub so events published by any
// process instance reach clients connected to this one.
type Subscriber struct {
	rdb *redis.Client
	hub *Hub
	log *logrus.Entry
}

func NewSubscriber(rdb *redis.Client, hub *Hub) *Subscriber {
	return &Subscriber{
		rdb: rdb,
		hub: hub,
		log: logrus.WithField("component", "ws-subscriber"),
	}
}

// Run subscribes to every event channel and relays messages to the hub
// until the context is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	pubsub := s.rdb.PSubscribe(ctx, "jobs:*", "tracks:*", "recipes:*", "users:*")
	defer pubsub.Close()

	s.log.Info("relaying pub/sub events to websocket clients")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.hub.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}
