package worker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cvboard/internal/metrics"
	"cvboard/internal/notify"
)

// notifyPublisher 是发布通知所需的最小 Redis 能力，便于测试替换。
type notifyPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// publishJobStatus 将一条 job_status 帧发布到用户的通知频道。
// 帧结构与客户端解码协议一致，API 侧只做透传。
func publishJobStatus(ctx context.Context, pub notifyPublisher, userID uint, payload notify.JobStatusPayload) error {
	frame, err := notify.EncodeJobStatus(payload)
	if err != nil {
		return fmt.Errorf("encode job_status frame: %w", err)
	}
	channel := notify.ChannelForUser(userID)
	if err := pub.Publish(ctx, channel, frame).Err(); err != nil {
		return fmt.Errorf("publish notification to %q: %w", channel, err)
	}
	metrics.NotifyPublished(string(payload.Status))
	return nil
}
