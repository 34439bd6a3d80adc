// Package creditledger 提供信用点账本服务客户端
package creditledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"artisan-gen-api/internal/config"
	apperrors "artisan-gen-api/pkg/errors"
	"artisan-gen-api/pkg/logger"
	"artisan-gen-api/pkg/metrics"
)

var tracer = otel.Tracer("creditledger")

// Client 账本服务 HTTP 客户端
type Client struct {
	baseURL      string
	sharedSecret string
	httpClient   *http.Client
}

type deductRequest struct {
	UserID      string `json:"user_id"`
	ReferenceID string `json:"reference_id"`
	Amount      int64  `json:"amount"`
	ActionType  string `json:"action_type"`
}

type refundRequest struct {
	UserID      string `json:"user_id"`
	ReferenceID string `json:"reference_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
}

type ledgerResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Balance int64  `json:"balance,omitempty"`
}

// NewClient 创建账本服务客户端
func NewClient(cfg *config.LedgerConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		sharedSecret: cfg.SharedSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Deduct 按动作类型扣减信用点。余额不足返回 ErrInsufficientCredits，
// 账本不可达或 5xx 返回 ErrLedgerUnavailable。
// 账本侧以 (reference_id, action_type) 幂等，同一请求重复扣减只生效一次。
func (c *Client) Deduct(ctx context.Context, userID, referenceID string, amount int64, actionType string) error {
	ctx, span := tracer.Start(ctx, "creditledger.Deduct",
		trace.WithAttributes(
			attribute.String("ledger.user_id", userID),
			attribute.String("ledger.reference_id", referenceID),
			attribute.Int64("ledger.amount", amount),
			attribute.String("ledger.action_type", actionType),
		))
	defer span.End()

	err := c.post(ctx, "/v1/credits/deduct", &deductRequest{
		UserID:      userID,
		ReferenceID: referenceID,
		Amount:      amount,
		ActionType:  actionType,
	})
	if err != nil {
		span.RecordError(err)
		if apperrors.Is(err, apperrors.CodeInsufficientCredits) {
			metrics.CreditOperationsTotal.WithLabelValues("deduct", "insufficient").Inc()
		} else {
			metrics.CreditOperationsTotal.WithLabelValues("deduct", "error").Inc()
		}
		return err
	}

	metrics.CreditOperationsTotal.WithLabelValues("deduct", "ok").Inc()
	return nil
}

// Refund 退还信用点。退款失败不可让调用方的失败处理中断，
// 由调用方记录告警后继续。
func (c *Client) Refund(ctx context.Context, userID, referenceID string, amount int64, reason string) error {
	ctx, span := tracer.Start(ctx, "creditledger.Refund",
		trace.WithAttributes(
			attribute.String("ledger.user_id", userID),
			attribute.String("ledger.reference_id", referenceID),
			attribute.Int64("ledger.amount", amount),
		))
	defer span.End()

	err := c.post(ctx, "/v1/credits/refund", &refundRequest{
		UserID:      userID,
		ReferenceID: referenceID,
		Amount:      amount,
		Reason:      reason,
	})
	if err != nil {
		span.RecordError(err)
		metrics.CreditOperationsTotal.WithLabelValues("refund", "error").Inc()
		return err
	}

	metrics.CreditOperationsTotal.WithLabelValues("refund", "ok").Inc()
	return nil
}

// post 发送账本请求并归一化错误
func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	if c.baseURL == "" {
		return apperrors.ErrLedgerUnavailable.WithDetail("ledger base url is empty")
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create ledger request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.sharedSecret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.sharedSecret)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.ErrLedgerUnavailable.WithError(err)
	}
	defer httpResp.Body.Close()

	var resp ledgerResponse
	if decodeErr := json.NewDecoder(httpResp.Body).Decode(&resp); decodeErr != nil && httpResp.StatusCode < 300 {
		logger.FromContext(ctx).Warn("failed to decode ledger response", "error", decodeErr)
	}

	switch {
	case httpResp.StatusCode >= 200 && httpResp.StatusCode < 300:
		return nil
	case httpResp.StatusCode == http.StatusPaymentRequired:
		return apperrors.ErrInsufficientCredits.WithDetail(resp.Message)
	case httpResp.StatusCode >= 500:
		return apperrors.ErrLedgerUnavailable.WithDetail(fmt.Sprintf("status=%d message=%s", httpResp.StatusCode, resp.Message))
	default:
		return apperrors.New(apperrors.CodeLedgerError,
			fmt.Sprintf("ledger request rejected: status=%d message=%s", httpResp.StatusCode, resp.Message))
	}
}
