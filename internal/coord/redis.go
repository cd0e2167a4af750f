package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mastery-signals/internal/config"
	"mastery-signals/internal/models"
)

const defaultWakeCap = 64

// Coordinator carries the cross-process hints the signal queue uses: wake-ups
// for idle workers and short named locks for fleet-wide maintenance cycles.
// The database stays the source of truth; losing Redis only costs latency.
type Coordinator struct {
	client     *redis.Client
	wakePrefix string
	lockPrefix string
	wakeCap    int64
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// New wraps an existing client.
func New(client *redis.Client) *Coordinator {
	return &Coordinator{
		client:     client,
		wakePrefix: "signals:wake:",
		lockPrefix: "signals:lock:",
		wakeCap:    defaultWakeCap,
	}
}

// Dial connects and pings Redis. It returns nil without error when no
// address is configured.
func Dial(ctx context.Context, cfg config.Config) (*Coordinator, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	c := New(NewClient(cfg))
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return c, nil
}

func (c *Coordinator) Client() *redis.Client {
	return c.client
}

func (c *Coordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Coordinator) Close() error {
	return c.client.Close()
}

func (c *Coordinator) wakeKey(window models.WindowType) string {
	return c.wakePrefix + string(window)
}

func (c *Coordinator) lockKey(name string) string {
	return c.lockPrefix + name
}

// Wake nudges one idle worker waiting on the window. The list is capped so a
// burst of producers with no consumers cannot grow it without bound.
func (c *Coordinator) Wake(ctx context.Context, window models.WindowType) error {
	key := c.wakeKey(window)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, time.Now().UnixMilli())
	pipe.LTrim(ctx, key, -c.wakeCap, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks until a wake-up arrives for any of the windows or the timeout
// passes. It reports whether a wake-up was consumed.
func (c *Coordinator) Wait(ctx context.Context, timeout time.Duration, windows ...models.WindowType) (bool, error) {
	if len(windows) == 0 {
		windows = models.WindowTypes
	}
	keys := make([]string, 0, len(windows))
	for _, w := range windows {
		keys = append(keys, c.wakeKey(w))
	}
	_, err := c.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Pending reports how many wake-ups are queued per window.
func (c *Coordinator) Pending(ctx context.Context) (map[models.WindowType]int64, error) {
	pipe := c.client.Pipeline()
	cmds := make(map[models.WindowType]*redis.IntCmd, len(models.WindowTypes))
	for _, w := range models.WindowTypes {
		cmds[w] = pipe.LLen(ctx, c.wakeKey(w))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[models.WindowType]int64, len(cmds))
	for w, cmd := range cmds {
		out[w] = cmd.Val()
	}
	return out, nil
}

// AcquireLock takes the named lock for holder if nobody holds it.
func (c *Coordinator) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	return c.client.SetNX(ctx, c.lockKey(name), holder, ttl).Result()
}

// ReleaseLock deletes the lock only if holder still owns it.
func (c *Coordinator) ReleaseLock(ctx context.Context, name, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{c.lockKey(name)}, holder).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RunLocked runs fn while holding the named lock. It returns false without
// calling fn when another holder owns the lock.
func (c *Coordinator) RunLocked(ctx context.Context, name, holder string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	ok, err := c.AcquireLock(ctx, name, holder, ttl)
	if err != nil || !ok {
		return false, err
	}
	runErr := fn(ctx)
	// release even when ctx is already cancelled
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := c.ReleaseLock(releaseCtx, name, holder); err != nil && runErr == nil {
		runErr = fmt.Errorf("release lock %s: %w", name, err)
	}
	return true, runErr
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
