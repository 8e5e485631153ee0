package serverstate

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/devgate/internal/redisx"
)

const redisKey = "devgate:state"

type redisStore struct {
	client redis.UniversalClient
	key    string
	ctx    context.Context
}

// NewRedisStore connects to the given Redis URL and returns a Store.
// The key is initialized to not_ready if it does not exist.
func NewRedisStore(addr string) (Store, error) {
	ctx := context.Background()
	c, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	rs := &redisStore{client: c, key: redisKey, ctx: ctx}
	b, _ := json.Marshal(State{Status: StatusNotReady})
	_ = c.SetNX(ctx, rs.key, b, 0).Err()
	return rs, nil
}

func (r *redisStore) Load() State {
	b, err := r.client.Get(r.ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{Status: StatusNotReady}
		}
		return State{Status: "unknown"}
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{Status: "unknown"}
	}
	return st
}

func (r *redisStore) Store(s State) {
	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = r.client.Set(r.ctx, r.key, b, 0).Err()
}
