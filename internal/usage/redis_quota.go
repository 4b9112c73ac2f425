package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	quotaKeyPrefix = "promptcleaner:quota:"
	// quotaTTL はカウンターキーの有効期限。日付をまたいだ後に自然に消える長さにする。
	quotaTTL = 25 * time.Hour
)

// RedisQuota はサーバー側で無料プランの利用回数を数える。
// 対象（クライアントIPなど）とUTCの日付ごとにカウンターを持つ。
// 複数インスタンスから同じRedisを共有できる。
type RedisQuota struct {
	client *redis.Client
	limit  int
	nowFn  func() time.Time
}

// Reservation は確保した利用枠。返却時は確保したときと同じ日付のカウンターに戻す。
type Reservation struct {
	Key   string // 確保したカウンターのキー
	Count int64  // 確保後の利用回数
}

// NewRedisQuota はRedisQuotaを生成する。limitが0以下の場合はデフォルト値を使う。
func NewRedisQuota(client *redis.Client, limit int) *RedisQuota {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &RedisQuota{client: client, limit: limit, nowFn: time.Now}
}

// OpenRedis はURLからRedisクライアントを生成し、疎通を確認する。
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Limit は1日あたりの利用上限を返す。
func (q *RedisQuota) Limit() int {
	return q.limit
}

// Reserve は対象の今日の利用枠を1つ確保する。
// 上限を超える場合は確保せず ErrDailyLimitReached を返す。
func (q *RedisQuota) Reserve(ctx context.Context, subject string) (Reservation, error) {
	key := q.key(subject)

	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, quotaTTL)
		return nil
	})
	if err != nil {
		return Reservation{}, fmt.Errorf("redis incr: %w", err)
	}

	count := incr.Val()
	if count > int64(q.limit) {
		if err := q.client.Decr(ctx, key).Err(); err != nil {
			return Reservation{}, fmt.Errorf("redis decr: %w", err)
		}
		return Reservation{Key: key, Count: count - 1}, ErrDailyLimitReached
	}
	return Reservation{Key: key, Count: count}, nil
}

// Release は Reserve で確保した利用枠を1つ返却する。
// LLM呼び出しが失敗した場合に呼び出す。日付が変わっていても確保した日のカウンターに戻す。
func (q *RedisQuota) Release(ctx context.Context, r Reservation) error {
	if r.Key == "" {
		return nil
	}

	count, err := q.client.Decr(ctx, r.Key).Result()
	if err != nil {
		return fmt.Errorf("redis decr: %w", err)
	}
	if count < 0 {
		if err := q.client.Set(ctx, r.Key, 0, quotaTTL).Err(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

// Used は対象の今日の利用回数を返す。
func (q *RedisQuota) Used(ctx context.Context, subject string) (int64, error) {
	n, err := q.client.Get(ctx, q.key(subject)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (q *RedisQuota) key(subject string) string {
	return quotaKeyPrefix + q.nowFn().UTC().Format(dayLayout) + ":" + subject
}
