package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout (all under the configured prefix):
//
//	conns:<user>    hash  connID -> node
//	node:<node>     hash  connID -> user
//	online          set   users with at least one connection
//	lastseen:<user> string unix millis of the last offline transition
//
// Every mutation runs as a Lua script so the connection hash, the node index
// and the online set change together.

var registerScript = redis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return redis.call('SADD', KEYS[2], ARGV[3])
`)

// The node hash key is derived from the stored node, so this script is not
// cluster-safe; presence lives on a single Redis (or a primary/replica pair).
var unregisterScript = redis.NewScript(`
local node = redis.call('HGET', KEYS[1], ARGV[1])
if not node then
	return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', ARGV[4] .. node, ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
	redis.call('SET', KEYS[3], ARGV[3])
	return 1
end
return 0
`)

// RedisRegistry is a Registry shared by every node through Redis.
type RedisRegistry struct {
	client *redis.Client
	node   string
	prefix string
	now    func() time.Time
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a registry for node. The client is owned by the
// caller unless Close is called.
func NewRedisRegistry(client *redis.Client, node, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "presence:"
	}
	return &RedisRegistry{client: client, node: node, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) connsKey(userID string) string { return r.prefix + "conns:" + userID }
func (r *RedisRegistry) nodeKey(nodeID string) string { return r.prefix + "node:" + nodeID }
func (r *RedisRegistry) onlineKey() string { return r.prefix + "online" }
func (r *RedisRegistry) lastSeenKey(userID string) string { return r.prefix + "lastseen:" + userID }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (r *RedisRegistry) Register(ctx context.Context, userID, connID string) (bool, error) {
	added, err := registerScript.Run(ctx, r.client,
		[]string{r.connsKey(userID), r.onlineKey(), r.nodeKey(r.node)},
		connID, r.node, userID,
	).Int()
	if err != nil {
		return false, unavailable("register", err)
	}
	return added == 1, nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, userID, connID string) (bool, error) {
	return r.unregister(ctx, userID, connID)
}

func (r *RedisRegistry) unregister(ctx context.Context, userID, connID string) (bool, error) {
	flipped, err := unregisterScript.Run(ctx, r.client,
		[]string{r.connsKey(userID), r.onlineKey(), r.lastSeenKey(userID)},
		connID, userID, r.now().UnixMilli(), r.prefix+"node:",
	).Int()
	if err != nil {
		return false, unavailable("unregister", err)
	}
	return flipped == 1, nil
}

func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.onlineKey(), userID).Result()
	if err != nil {
		return false, unavailable("is online", err)
	}
	return ok, nil
}

func (r *RedisRegistry) ListOnline(ctx context.Context) ([]string, error) {
	users, err := r.client.SMembers(ctx, r.onlineKey()).Result()
	if err != nil {
		return nil, unavailable("list online", err)
	}
	sort.Strings(users)
	return users, nil
}

func (r *RedisRegistry) Connections(ctx context.Context, userID string) ([]Connection, error) {
	all, err := r.client.HGetAll(ctx, r.connsKey(userID)).Result()
	if err != nil {
		return nil, unavailable("connections", err)
	}
	out := make([]Connection, 0, len(all))
	for id, node := range all {
		out = append(out, Connection{ID: id, Node: node})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisRegistry) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	raw, err := r.client.Get(ctx, r.lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, unavailable("last seen", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("presence: corrupt last seen for %s: %w", userID, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (r *RedisRegistry) PurgeNode(ctx context.Context, nodeID string) ([]string, error) {
	conns, err := r.client.HGetAll(ctx, r.nodeKey(nodeID)).Result()
	if err != nil {
		return nil, unavailable("purge node", err)
	}

	var offline []string
	for connID, userID := range conns {
		flipped, err := r.unregister(ctx, userID, connID)
		if err != nil {
			return offline, err
		}
		if flipped {
			offline = append(offline, userID)
		}
	}
	if err := r.client.Del(ctx, r.nodeKey(nodeID)).Err(); err != nil {
		return offline, unavailable("purge node", err)
	}
	sort.Strings(offline)
	return offline, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
