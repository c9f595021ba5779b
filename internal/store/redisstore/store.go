package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/convsync/internal/logger"
)

const (
	defaultPrefix  = "convsync"
	defaultChannel = "convsync:turns"
	// held drafts and restoration slots expire if a browser never comes back
	defaultTTL = 7 * 24 * time.Hour
)

type Store struct {
	RDB     *redis.Client
	log     *logger.Logger
	prefix  string
	channel string
	ttl     time.Duration
}

type Option func(*Store)

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l.With("component", "redisstore") }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// New connects and pings.
func New(addr, password string, db int, opts ...Option) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(rdb, opts...), nil
}

func NewFromClient(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		RDB:     rdb,
		log:     logger.Nop(),
		prefix:  defaultPrefix,
		channel: defaultChannel,
		ttl:     defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	if s == nil || s.RDB == nil {
		return nil
	}
	return s.RDB.Close()
}

func (s *Store) draftsKey(clientID string) string {
	return s.prefix + ":drafts:" + clientID
}

func (s *Store) activeKey(clientID string) string {
	return s.prefix + ":active:" + clientID
}
