package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// entry is one stream entry read through a consumer group.
type entry struct {
	ID      string
	Message string
	// HasMessage is false when the entry has no "message" field, e.g. it was
	// deleted after being delivered.
	HasMessage bool
}

type pendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

type groupInfo struct {
	Name string
	Lag  int64
}

// streamClient is the set of stream and sorted-set commands the connection
// uses. It is satisfied by the go-redis adapter below and by test fakes.
type streamClient interface {
	CreateGroup(ctx context.Context, stream, group string) error
	Groups(ctx context.Context, stream string) ([]groupInfo, error)
	Add(ctx context.Context, stream string, maxLen int64, message string) (string, error)
	// ReadGroup reads at most one entry; it returns nil when nothing arrived.
	ReadGroup(ctx context.Context, group, consumer, stream, id string, block time.Duration) (*entry, error)
	// OldestPending returns the first entry of the group's pending list, or nil.
	OldestPending(ctx context.Context, stream, group string) (*pendingEntry, error)
	ClaimJustID(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]string, error)
	// AckDelete acknowledges id and, when del is set, deletes it in the same
	// transaction.
	AckDelete(ctx context.Context, stream, group, id string, del bool) error
	DelayAdd(ctx context.Context, key, member string, dueMs int64) error
	DelayCountDue(ctx context.Context, key string, nowMs int64) (int64, error)
	// DelayPopMin pops the member with the lowest due time; ok is false when
	// the set is empty.
	DelayPopMin(ctx context.Context, key string) (member string, dueMs int64, ok bool, err error)
	Close() error
}

// goRedisClient adapts a go-redis UniversalClient.
type goRedisClient struct {
	rdb goredis.UniversalClient
}

func newGoRedisClient(rdb goredis.UniversalClient) *goRedisClient {
	return &goRedisClient{rdb: rdb}
}

func (c *goRedisClient) CreateGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (c *goRedisClient) Groups(ctx context.Context, stream string) ([]groupInfo, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, err
	}
	out := make([]groupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupInfo{Name: g.Name, Lag: g.Lag})
	}
	return out, nil
}

func (c *goRedisClient) Add(ctx context.Context, stream string, maxLen int64, message string) (string, error) {
	args := &goredis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"message": message},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return c.rdb.XAdd(ctx, args).Result()
}

func (c *goRedisClient) ReadGroup(ctx context.Context, group, consumer, stream, id string, block time.Duration) (*entry, error) {
	args := &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    1,
		Block:    block,
	}
	// go-redis treats Block 0 as "wait forever" and a negative value as no BLOCK
	if block <= 0 {
		args.Block = -1
	}
	streams, err := c.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		for _, m := range s.Messages {
			raw, ok := m.Values["message"]
			e := &entry{ID: m.ID}
			if str, isString := raw.(string); ok && isString {
				e.Message = str
				e.HasMessage = true
			}
			return e, nil
		}
	}
	return nil, nil
}

func (c *goRedisClient) OldestPending(ctx context.Context, stream, group string) (*pendingEntry, error) {
	pending, err := c.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	p := pending[0]
	return &pendingEntry{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle}, nil
}

func (c *goRedisClient) ClaimJustID(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]string, error) {
	return c.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
}

func (c *goRedisClient) AckDelete(ctx context.Context, stream, group, id string, del bool) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAck(ctx, stream, group, id)
		if del {
			pipe.XDel(ctx, stream, id)
		}
		return nil
	})
	return err
}

func (c *goRedisClient) DelayAdd(ctx context.Context, key, member string, dueMs int64) error {
	added, err := c.rdb.ZAddNX(ctx, key, goredis.Z{Score: float64(dueMs), Member: member}).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return errors.New("could not add a message to the redis delay queue")
	}
	return nil
}

func (c *goRedisClient) DelayCountDue(ctx context.Context, key string, nowMs int64) (int64, error) {
	return c.rdb.ZCount(ctx, key, "0", formatScore(nowMs)).Result()
}

func (c *goRedisClient) DelayPopMin(ctx context.Context, key string) (string, int64, bool, error) {
	popped, err := c.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(popped) == 0 {
		return "", 0, false, nil
	}
	member, _ := popped[0].Member.(string)
	return member, int64(popped[0].Score), true, nil
}

func (c *goRedisClient) Close() error { return c.rdb.Close() }

func formatScore(ms int64) string { return strconv.FormatInt(ms, 10) }
