package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 流水的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Key 是存放流水的 hash 键名。
	Key string
}

// Redis 将流水保存在一个 Redis hash 中，字段为任务 ID，值为 JSON 编码的 Entry。
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis 创建 Redis 流水实例。
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "orca:payments"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Redis{client: client, key: key}, nil
}

// RecordFunded 实现 Journal。使用 HSetNX 保证同一任务只登记一次。
func (r *Redis) RecordFunded(ctx context.Context, entry Entry) error {
	entry.Status = StatusFunded
	entry.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("编码流水记录失败: %w", err)
	}
	if err := r.client.HSetNX(ctx, r.key, entry.TaskID, payload).Err(); err != nil {
		return fmt.Errorf("写入流水记录失败: %w", err)
	}
	return nil
}

// RecordSettled 实现 Journal。
func (r *Redis) RecordSettled(ctx context.Context, taskID, txHash string) error {
	entry, err := r.Lookup(ctx, taskID)
	if err != nil {
		return err
	}
	entry.Status = StatusSettled
	entry.TxHash = txHash
	entry.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("编码流水记录失败: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, taskID, payload).Err(); err != nil {
		return fmt.Errorf("更新流水记录失败: %w", err)
	}
	return nil
}

// Lookup 实现 Journal。
func (r *Redis) Lookup(ctx context.Context, taskID string) (Entry, error) {
	raw, err := r.client.HGet(ctx, r.key, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("读取流水记录失败: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, fmt.Errorf("解码流水记录失败: %w", err)
	}
	return entry, nil
}

// IsFunded 实现 Journal。
func (r *Redis) IsFunded(ctx context.Context, taskID string) (bool, error) {
	exists, err := r.client.HExists(ctx, r.key, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("查询流水记录失败: %w", err)
	}
	return exists, nil
}

// Close 实现 Journal。
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Journal = (*Redis)(nil)
