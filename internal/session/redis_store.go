package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tickets in Redis with the ticket lifetime as key TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses redisURL and checks the server answers.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "ticket:",
	}
}

func (s *RedisStore) key(ticketHash string) string {
	return s.prefix + ticketHash
}

func (s *RedisStore) Save(ctx context.Context, ticketHash string, data TicketData, expiresAt time.Time) error {
	ttl, err := expiryTTL(expiresAt)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	if err := s.client.Set(ctx, s.key(ticketHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

// Take uses GETDEL so two connections racing on one ticket cannot both win.
func (s *RedisStore) Take(ctx context.Context, ticketHash string) (TicketData, error) {
	payload, err := s.client.GetDel(ctx, s.key(ticketHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return TicketData{}, ErrTicketNotFound
	}
	if err != nil {
		return TicketData{}, fmt.Errorf("take ticket: %w", err)
	}
	var data TicketData
	if err := json.Unmarshal(payload, &data); err != nil {
		return TicketData{}, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ Store = (*RedisStore)(nil)
