package pubsub

import (
	"context"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(opts RedisOptions, logger *zap.Logger) *redis.Client {
	sugar := logger.Sugar()
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			sugar.Infof("redis connected to host[%v] db[%v]", opts.Addr, opts.DB)
			return nil
		},
	})
}

// RedisBus maps topics onto Redis PUBLISH channels.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}
