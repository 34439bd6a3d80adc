// Package notification 提供用户通知的投递与推送实现
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"artisan-gen-api/internal/config"
	"artisan-gen-api/internal/infrastructure/messaging"
	"artisan-gen-api/pkg/metrics"
)

// PushSender 将通知推送到下游推送网关
type PushSender struct {
	endpoint   string
	httpClient *http.Client
}

// NewPushSender 创建推送客户端
func NewPushSender(cfg *config.NotificationConfig) *PushSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushSender{
		endpoint: strings.TrimRight(cfg.PushEndpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send 推送单条通知。返回错误时由消费者按退避重试。
func (s *PushSender) Send(ctx context.Context, notify *messaging.NotificationMessage) error {
	ctx, span := tracer.Start(ctx, "notification.Send",
		trace.WithAttributes(
			attribute.String("notify.user_id", notify.UserID),
			attribute.String("notify.type", notify.Type),
		))
	defer span.End()

	if s.endpoint == "" {
		return fmt.Errorf("push endpoint is empty")
	}

	body, err := json.Marshal(notify)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		metrics.NotificationsTotal.WithLabelValues(notify.Type, "push_error").Inc()
		return fmt.Errorf("push request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		metrics.NotificationsTotal.WithLabelValues(notify.Type, "push_error").Inc()
		return fmt.Errorf("push request failed: status=%d", httpResp.StatusCode)
	}

	metrics.NotificationsTotal.WithLabelValues(notify.Type, "pushed").Inc()
	return nil
}
