package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/dataveil/dataveil/internal/model"
)

// Config contains cache configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Cache is a Redis read-through cache for the latest detection result and
// risk report per dataset. A nil *Cache is valid and always misses, so
// callers need no enabled checks. Cache failures degrade to store reads,
// never to request failures.
type Cache struct {
	client *redis.Client
	config *Config
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(config *Config, logger *zap.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	c := &Cache{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Duration("default_ttl", config.DefaultTTL))

	return c, nil
}

// GetDetection returns the cached latest detection result for a dataset.
func (c *Cache) GetDetection(ctx context.Context, datasetID int64) (*model.DetectionResult, bool) {
	if c == nil {
		return nil, false
	}
	var r model.DetectionResult
	if !c.get(ctx, c.detectionKey(datasetID), &r) {
		return nil, false
	}
	return &r, true
}

// SetDetection caches the latest detection result for a dataset.
func (c *Cache) SetDetection(ctx context.Context, r *model.DetectionResult) {
	if c == nil {
		return
	}
	c.set(ctx, c.detectionKey(r.DatasetID), r)
}

// GetReport returns the cached latest risk report for a dataset.
func (c *Cache) GetReport(ctx context.Context, datasetID int64) (*model.RiskReport, bool) {
	if c == nil {
		return nil, false
	}
	var r model.RiskReport
	if !c.get(ctx, c.reportKey(datasetID), &r) {
		return nil, false
	}
	return &r, true
}

// SetReport caches the latest risk report for a dataset.
func (c *Cache) SetReport(ctx context.Context, r *model.RiskReport) {
	if c == nil {
		return
	}
	c.set(ctx, c.reportKey(r.DatasetID), r)
}

// InvalidateDetection drops the cached detection result for a dataset.
// Called when a new classification run supersedes the cached one.
func (c *Cache) InvalidateDetection(ctx context.Context, datasetID int64) {
	if c == nil {
		return
	}
	c.del(ctx, c.detectionKey(datasetID))
}

// InvalidateReport drops the cached risk report for a dataset.
func (c *Cache) InvalidateReport(ctx context.Context, datasetID int64) {
	if c == nil {
		return
	}
	c.del(ctx, c.reportKey(datasetID))
}

func (c *Cache) get(ctx context.Context, key string, out interface{}) bool {
	if c == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		c.logger.Warn("Corrupt cache entry, dropping", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, value interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Failed to marshal cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) del(ctx context.Context, key string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) detectionKey(datasetID int64) string {
	return fmt.Sprintf("%s:detect:%d", c.config.KeyPrefix, datasetID)
}

func (c *Cache) reportKey(datasetID int64) string {
	return fmt.Sprintf("%s:risk:%d", c.config.KeyPrefix, datasetID)
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// maskRedisURL masks the password in a Redis URL for logging.
func maskRedisURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
