package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	clientKeyPrefix = "monstermq:client:"
	lockKeyPrefix   = "monstermq:lock:"
	leaderKey       = "monstermq:leader"
	membersKey      = "monstermq:members"
	leaderTTL       = 15 * time.Second
	memberTTL       = 15 * time.Second
)

// Redis coordinates nodes through a shared Redis: client placement in plain
// keys, locks and leadership via SET NX with a TTL.
type Redis struct {
	nodeID string
	rdb    *redis.Client
	done   chan struct{}
}

var _ Coordinator = (*Redis)(nil)

// NewRedis connects to addr and starts the leadership keepalive loop.
func NewRedis(nodeID, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	r := &Redis{nodeID: nodeID, rdb: rdb, done: make(chan struct{})}
	r.heartbeat(context.Background())
	go r.keepLeadership()
	return r, nil
}

// heartbeat refreshes this node's membership entry.
func (r *Redis) heartbeat(ctx context.Context) {
	now := float64(time.Now().Unix())
	r.rdb.ZAdd(ctx, membersKey, redis.Z{Score: now, Member: r.nodeID})
	r.rdb.ZRemRangeByScore(ctx, membersKey, "-inf", fmt.Sprintf("%f", now-memberTTL.Seconds()))
}

// members lists the nodes seen alive within the membership TTL.
func (r *Redis) members(ctx context.Context) ([]string, error) {
	min := fmt.Sprintf("%f", float64(time.Now().Unix())-memberTTL.Seconds())
	return r.rdb.ZRangeByScore(ctx, membersKey, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
}

// Responsible answers whether this node is the rendezvous owner of id over
// the live members. An empty membership (bootstrap) falls back to true.
func (r *Redis) Responsible(ctx context.Context, id string) (bool, error) {
	nodes, err := r.members(ctx)
	if err != nil {
		return false, err
	}
	if len(nodes) == 0 {
		return true, nil
	}
	return rendezvousOwner(nodes, id) == r.nodeID, nil
}

// rendezvousOwner picks the member with the highest hash of (member, id),
// giving every node the same answer without coordination.
func rendezvousOwner(members []string, id string) string {
	var owner string
	var best uint64
	for _, m := range members {
		h := fnv.New64a()
		h.Write([]byte(m))
		h.Write([]byte{0})
		h.Write([]byte(id))
		if s := h.Sum64(); owner == "" || s > best {
			owner, best = m, s
		}
	}
	return owner
}

func (r *Redis) NodeID() string { return r.nodeID }

func (r *Redis) SetNodeForClient(ctx context.Context, clientID, nodeID string) error {
	return r.rdb.Set(ctx, clientKeyPrefix+clientID, nodeID, 0).Err()
}

func (r *Redis) NodeForClient(ctx context.Context, clientID string) (string, error) {
	v, err := r.rdb.Get(ctx, clientKeyPrefix+clientID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *Redis) RemoveClient(ctx context.Context, clientID string) error {
	return r.rdb.Del(ctx, clientKeyPrefix+clientID).Err()
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, lockKeyPrefix+name, r.nodeID, ttl).Result()
}

// unlockScript releases a lock only when this node still holds it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (r *Redis) Unlock(ctx context.Context, name string) error {
	return unlockScript.Run(ctx, r.rdb, []string{lockKeyPrefix + name}, r.nodeID).Err()
}

func (r *Redis) IsLeader(ctx context.Context) (bool, error) {
	v, err := r.rdb.Get(ctx, leaderKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == r.nodeID, nil
}

// keepLeadership contends for the leader key and refreshes it while held.
func (r *Redis) keepLeadership() {
	tick := time.NewTicker(leaderTTL / 3)
	defer tick.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			r.heartbeat(ctx)
			held, err := r.IsLeader(ctx)
			if err == nil {
				if held {
					r.rdb.Expire(ctx, leaderKey, leaderTTL)
				} else {
					r.rdb.SetNX(ctx, leaderKey, r.nodeID, leaderTTL)
				}
			}
			cancel()
		}
	}
}

func (r *Redis) Close() error {
	close(r.done)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unlockScript.Run(ctx, r.rdb, []string{leaderKey}, r.nodeID)
	r.rdb.ZRem(ctx, membersKey, r.nodeID)
	return r.rdb.Close()
}
