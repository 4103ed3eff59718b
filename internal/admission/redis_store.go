package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript 在 Redis 內原子地完成「檢查再遞增」
// 已達上限時直接回傳 0，不遞增計數
// KEYS[1] = 視窗 key，ARGV[1] = 視窗毫秒，ARGV[2] = 上限
var takeScript = redis.NewScript(`
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c >= tonumber(ARGV[2]) then
  return 0
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// DefaultRedisPrefix Redis key 前綴
const DefaultRedisPrefix = "numgate:admission:"

// RedisStore 以 Redis 為後端的視窗表，讓多個 gateway 行程共用限額
//
// 視窗的到期交給 Redis 的 PEXPIRE，所以 Take 忽略 now 參數，
// 視窗邊界以 Redis 伺服器時間為準。
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore 建立 RedisStore，prefix 為空時使用 DefaultRedisPrefix
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Take 執行 takeScript
func (s *RedisStore) Take(ctx context.Context, key string, _ time.Time, window time.Duration, max int) (bool, error) {
	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	n, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, ms, max).Int()
	if err != nil {
		return false, fmt.Errorf("redis admission take: %w", err)
	}
	return n == 1, nil
}
