// Package redisstore keeps the per-user unread counters. Counts live in a
// hash per user keyed by conversation id; losing them degrades list badges
// to zero, never the chat itself.
package redisstore

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func unreadKey(userID uint64) string {
	return "chat:unread:" + strconv.FormatUint(userID, 10)
}

func (s *Store) Incr(ctx context.Context, userID uint64, conversationID string) error {
	return s.rdb.HIncrBy(ctx, unreadKey(userID), conversationID, 1).Err()
}

func (s *Store) Clear(ctx context.Context, userID uint64, conversationID string) error {
	return s.rdb.HDel(ctx, unreadKey(userID), conversationID).Err()
}

func (s *Store) Get(ctx context.Context, userID uint64, conversationID string) (int64, error) {
	v, err := s.rdb.HGet(ctx, unreadKey(userID), conversationID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *Store) All(ctx context.Context, userID uint64) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for conv, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[conv] = n
	}
	return out, nil
}
