// Package redisstore keeps retained messages in Redis so every node of a
// cluster sees the same retained state.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/monstermq/monstermq"
	"github.com/monstermq/monstermq/topic"
)

const retainedPrefix = "monstermq:retained:"

// Retained implements monstermq.RetainedStore on Redis. One key per topic;
// messages with an expiry get a matching Redis TTL so they vanish on their
// own.
type Retained struct {
	rdb *redis.Client
}

var _ monstermq.RetainedStore = (*Retained)(nil)

func New(addr, password string, db int) (*Retained, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Retained{rdb: rdb}, nil
}

// NewFromClient wraps an existing client, sharing it with the cluster
// coordinator.
func NewFromClient(rdb *redis.Client) *Retained { return &Retained{rdb: rdb} }

func (r *Retained) Set(ctx context.Context, t string, msg *monstermq.BrokerMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	var ttl time.Duration
	if msg.Expiry != monstermq.NoExpiry {
		ttl = time.Duration(msg.Expiry) * time.Second
	}
	return r.rdb.Set(ctx, retainedPrefix+t, data, ttl).Err()
}

func (r *Retained) Delete(ctx context.Context, t string) error {
	return r.rdb.Del(ctx, retainedPrefix+t).Err()
}

func (r *Retained) Get(ctx context.Context, t string) (*monstermq.BrokerMessage, error) {
	data, err := r.rdb.Get(ctx, retainedPrefix+t).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return monstermq.DecodeBrokerMessage(data)
}

// Match scans the retained keyspace and returns every message whose topic
// satisfies filter. SCAN keeps the server responsive on large keyspaces.
func (r *Retained) Match(ctx context.Context, filter string) ([]*monstermq.RetainedMessage, error) {
	var out []*monstermq.RetainedMessage
	iter := r.rdb.Scan(ctx, 0, retainedPrefix+"*", 500).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		t := iter.Val()[len(retainedPrefix):]
		if !topic.Match(filter, t) {
			continue
		}
		msg, err := r.Get(ctx, t)
		if err != nil {
			return nil, err
		}
		if msg == nil || msg.Expired(now) {
			continue
		}
		out = append(out, &monstermq.RetainedMessage{Topic: t, Message: msg})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Retained) Close() error { return r.rdb.Close() }
