package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis publishes alerts on a pub/sub channel and keeps the latest one per camera.
type Redis struct {
	client  *redis.Client
	channel string
	log     logrus.FieldLogger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (*Redis, error) {
	log.WithField("addr", cfg.Addr).Info("Connecting to Redis")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client, channel: cfg.Channel, log: log}, nil
}

// LatestKey is where the most recent alert for a camera is kept.
func (r *Redis) LatestKey(cameraID string) string {
	return r.channel + ":latest:" + cameraID
}

func (r *Redis) Notify(ctx context.Context, alert Alert) error {
	payload, err := alert.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Publish(ctx, r.channel, payload)
	if alert.CameraID != "" {
		pipe.Set(ctx, r.LatestKey(alert.CameraID), payload, 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	r.log.WithFields(logrus.Fields{"channel": r.channel, "id": alert.ID}).Debug("Alert published")
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
