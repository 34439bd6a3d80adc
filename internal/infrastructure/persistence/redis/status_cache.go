// Package redis 提供 Redis 缓存和消息流实现
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"artisan-gen-api/internal/domain/entity"
)

var cacheTracer = otel.Tracer("redis.cache")

// statusCacheKey 生成请求状态缓存键
func statusCacheKey(requestID string) string {
	return "genreq:status:" + requestID
}

// StatusCache 生成请求状态读缓存。
// 状态轮询是读热点，短 TTL 加写后失效保证轮询端
// 不会长期看到陈旧状态。
type StatusCache struct {
	client *Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewStatusCache 创建状态缓存
func NewStatusCache(client *Client, ttl time.Duration) *StatusCache {
	return &StatusCache{
		client: client,
		ttl:    ttl,
	}
}

// GetOrLoad Read-Through 读取，使用 singleflight 合并并发回源
func (c *StatusCache) GetOrLoad(ctx context.Context, requestID string, loader func() (*entity.GenerationRequest, error)) (*entity.GenerationRequest, error) {
	ctx, span := cacheTracer.Start(ctx, "statuscache.GetOrLoad",
		trace.WithAttributes(attribute.String("cache.request_id", requestID)))
	defer span.End()

	key := statusCacheKey(requestID)

	val, err := c.client.rdb.Get(ctx, key).Bytes()
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		var req entity.GenerationRequest
		if err := json.Unmarshal(val, &req); err == nil {
			return &req, nil
		}
		// 缓存内容损坏时回源覆盖
	} else if err != redis.Nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("cache.hit", false))

	result, err, shared := c.group.Do(key, func() (interface{}, error) {
		// 再次检查缓存（可能已被并发请求填充）
		val, err := c.client.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var req entity.GenerationRequest
			if err := json.Unmarshal(val, &req); err == nil {
				return &req, nil
			}
		}

		req, err := loader()
		if err != nil {
			return nil, err
		}
		if req == nil {
			return (*entity.GenerationRequest)(nil), nil
		}

		bytes, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		// 缓存写入失败不影响返回结果
		_ = c.client.rdb.Set(ctx, key, bytes, c.ttl).Err()

		return req, nil
	})

	span.SetAttributes(attribute.Bool("cache.shared", shared))

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.(*entity.GenerationRequest), nil
}

// Invalidate 在状态变更提交后使缓存失效
func (c *StatusCache) Invalidate(ctx context.Context, requestID string) error {
	ctx, span := cacheTracer.Start(ctx, "statuscache.Invalidate",
		trace.WithAttributes(attribute.String("cache.request_id", requestID)))
	defer span.End()

	return c.client.rdb.Del(ctx, statusCacheKey(requestID)).Err()
}
