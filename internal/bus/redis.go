package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenAgent-Hub/internal/errors"
	"OpenAgent-Hub/pkg/logger"
)

// RedisConfig 描述 Redis 消息通道的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	BlockWait time.Duration
	ReplyTTL  time.Duration
}

// RedisChannel 使用 Redis list 作为每个 agent 实例的收件箱，
// 响应写入以请求 ID 命名的回复列表。
type RedisChannel struct {
	client   *redis.Client
	prefix   string
	wait     time.Duration
	replyTTL time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

var _ Channel = (*RedisChannel)(nil)
var _ Server = (*RedisChannel)(nil)

// NewRedisChannel 创建 Redis 消息通道并检查连通性。
func NewRedisChannel(ctx context.Context, cfg RedisConfig) (*RedisChannel, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Address,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisChannelWithClient(client, cfg), nil
}

// NewRedisChannelWithClient 复用已有的 Redis 客户端。
func NewRedisChannelWithClient(client *redis.Client, cfg RedisConfig) *RedisChannel {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agenthub"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = time.Second
	}
	ttl := cfg.ReplyTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisChannel{
		client:   client,
		prefix:   prefix,
		wait:     wait,
		replyTTL: ttl,
		logger:   logger.Named("bus.redis"),
		inflight: make(map[string]context.CancelFunc),
	}
}

func (c *RedisChannel) inboxKey(instanceID string) string {
	return c.prefix + ":inbox:" + instanceID
}

func (c *RedisChannel) replyKey(messageID string) string {
	return c.prefix + ":reply:" + messageID
}

func (c *RedisChannel) deadLetterKey() string {
	return c.prefix + ":deadletter"
}

// Send 将消息写入接收方收件箱；request 会阻塞等待回复列表。
func (c *RedisChannel) Send(ctx context.Context, msg Message) (*Message, error) {
	if err := validate(&msg); err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "序列化消息失败")
	}
	if err := c.client.LPush(ctx, c.inboxKey(msg.To), body).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "Redis 投递消息失败")
	}
	if msg.Type != TypeRequest {
		return nil, nil
	}

	wait := msg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); wait <= 0 || remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		wait = c.replyTTL
	}
	// BRPOP 的超时粒度为秒，亚秒级的剩余部分由 waitCtx 截止，
	// 客户端需开启 ContextTimeoutEnabled。
	blockFor := ((wait + time.Second - 1) / time.Second) * time.Second
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	values, err := c.client.BRPop(waitCtx, blockFor, c.replyKey(msg.ID)).Result()
	switch {
	case errors.Is(err, redis.Nil), err != nil && ctx.Err() == nil && waitCtx.Err() != nil:
		return nil, xerrors.New(xerrors.CodeStepTimeout, "等待 agent 响应超时",
			xerrors.WithMetadata("instance", msg.To),
			xerrors.WithMetadata("step_id", msg.StepID))
	case err != nil && ctx.Err() != nil:
		return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "请求已取消")
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "Redis 读取响应失败")
	}
	if len(values) != 2 {
		return nil, xerrors.New(xerrors.CodeDispatchFailure, "Redis 响应格式异常")
	}

	var resp Message
	if err := json.Unmarshal([]byte(values[1]), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "解析响应失败")
	}
	if resp.Type == TypeError {
		return &resp, resp.Err()
	}
	return &resp, nil
}

// Serve 通过 BRPOP 消费实例收件箱。request 并发处理，cancel-step
// 会取消对应步骤正在执行的 handler。
func (c *RedisChannel) Serve(ctx context.Context, instanceID string, handler Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := c.client.BRPop(ctx, c.wait, c.inboxKey(instanceID)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			c.logger.Warn("Redis 取消息失败", "instance", instanceID, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.wait):
			}
			continue
		}
		if len(values) != 2 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(values[1]), &msg); err != nil {
			c.deadLetter(ctx, values[1], "decode: "+err.Error())
			continue
		}

		switch msg.Type {
		case TypeCancelStep:
			c.cancelInflight(msg)
		case TypeRequest:
			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				c.handle(ctx, msg, handler)
			}(msg)
		case TypeEvent:
			if _, err := handler(ctx, msg); err != nil {
				c.logger.Debug("event handler failed", "instance", instanceID, "error", err)
			}
		default:
			c.deadLetter(ctx, values[1], "unexpected message type "+string(msg.Type))
		}
	}
}

func (c *RedisChannel) handle(ctx context.Context, msg Message, handler Handler) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if msg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, msg.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	key := stepKey(msg.WorkflowID, msg.StepID)
	c.mu.Lock()
	c.inflight[key] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		cancel()
	}()

	var resp Message
	payload, err := handler(callCtx, msg)
	if err != nil {
		resp = msg.Fail(err)
	} else {
		resp = msg.Reply(payload)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("序列化响应失败", "message_id", msg.ID, "error", err)
		return
	}
	// 回复使用独立 context，避免 agent 关闭时丢失已完成的结果。
	replyCtx, replyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer replyCancel()
	pipe := c.client.TxPipeline()
	pipe.LPush(replyCtx, c.replyKey(msg.ID), body)
	pipe.Expire(replyCtx, c.replyKey(msg.ID), c.replyTTL)
	if _, err := pipe.Exec(replyCtx); err != nil {
		c.logger.Error("写入响应失败", "message_id", msg.ID, "error", err)
	}
}

func (c *RedisChannel) cancelInflight(msg Message) {
	key := stepKey(msg.WorkflowID, msg.StepID)
	c.mu.Lock()
	cancel, ok := c.inflight[key]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *RedisChannel) deadLetter(ctx context.Context, raw, reason string) {
	entry, _ := json.Marshal(map[string]string{"reason": reason, "message": raw})
	if err := c.client.LPush(ctx, c.deadLetterKey(), entry).Err(); err != nil {
		c.logger.Warn("写入死信队列失败", "error", err)
	}
}

// DeadLetters 读取最近的死信记录。
func (c *RedisChannel) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.client.LRange(ctx, c.deadLetterKey(), 0, limit-1).Result()
}

// Close 关闭 Redis 连接。
func (c *RedisChannel) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
