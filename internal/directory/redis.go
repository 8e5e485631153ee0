package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/devgate/internal/redisx"
)

const (
	recordPrefix = "devgate:device:"
	indexKey     = "devgate:devices"
)

type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the given Redis URL. Records are JSON values
// under devgate:device:<id>; the set devgate:devices indexes them.
func NewRedisStore(ctx context.Context, addr string) (Store, error) {
	c, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: c}, nil
}

func (s *redisStore) Put(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, recordPrefix+r.ClientID, b, 0)
		p.SAdd(ctx, indexKey, r.ClientID)
		return nil
	})
	return err
}

func (s *redisStore) Get(ctx context.Context, id string) (Record, error) {
	b, err := s.client.Get(ctx, recordPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var r Record
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, recordPrefix+id)
		p.SRem(ctx, indexKey, id)
		return nil
	})
	return err
}

func (s *redisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
