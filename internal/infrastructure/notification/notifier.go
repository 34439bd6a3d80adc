// Package notification 提供用户通知的投递与推送实现
package notification

import (
	"context"

	"go.opentelemetry.io/otel"

	"artisan-gen-api/internal/infrastructure/messaging"
	"artisan-gen-api/pkg/logger"
	"artisan-gen-api/pkg/metrics"
)

var tracer = otel.Tracer("notification")

// StreamNotifier 将通知写入 Redis Stream，由 notify-worker 异步推送。
// 通知是尽力而为的旁路动作，入流失败只记录告警，不影响主流程。
type StreamNotifier struct {
	producer *messaging.Producer
}

// NewStreamNotifier 创建流通知器
func NewStreamNotifier(producer *messaging.Producer) *StreamNotifier {
	return &StreamNotifier{producer: producer}
}

// Notify 投递用户通知
func (n *StreamNotifier) Notify(ctx context.Context, userID, requestID, notifyType, title, body string) {
	ctx, span := tracer.Start(ctx, "notification.Notify")
	defer span.End()

	_, err := n.producer.PublishNotification(ctx, &messaging.NotificationMessage{
		UserID:    userID,
		RequestID: requestID,
		Type:      notifyType,
		Title:     title,
		Body:      body,
	})
	if err != nil {
		span.RecordError(err)
		logger.FromContext(ctx).Warn("failed to enqueue notification",
			"error", err,
			"user_id", userID,
			"type", notifyType,
		)
		metrics.NotificationsTotal.WithLabelValues(notifyType, "enqueue_error").Inc()
		return
	}

	metrics.NotificationsTotal.WithLabelValues(notifyType, "enqueued").Inc()
}
