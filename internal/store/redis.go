package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tabwire/tabwire/internal/recording"
)

const (
	redisKeyPrefix = "tabwire:recording:"
	redisIndexKey  = "tabwire:recordings"
)

// RedisStore keeps recordings in Redis, one value per name plus a set
// indexing known names.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the given Redis address or URL and verifies
// the connection with a ping.
func NewRedisStore(addr string) (*RedisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: c}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests.
func NewRedisStoreFromClient(c redis.UniversalClient) *RedisStore {
	return &RedisStore{client: c}
}

// parseRedisURL accepts a plain host:port or a redis:// / rediss:// URL
// with optional credentials and database index.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	switch u.Scheme {
	case "redis", "rediss":
		if p := strings.TrimPrefix(u.Path, "/"); p != "" {
			db, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
			opts.DB = db
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}

func (s *RedisStore) Save(ctx context.Context, rec recording.Recording) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recording %q: %w", rec.Name, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.Name, b, 0).Err(); err != nil {
		return fmt.Errorf("store recording %q: %w", rec.Name, err)
	}
	return s.client.SAdd(ctx, redisIndexKey, rec.Name).Err()
}

func (s *RedisStore) Get(ctx context.Context, name string) (recording.Recording, error) {
	var rec recording.Recording
	b, err := s.client.Get(ctx, redisKeyPrefix+name).Bytes()
	if err != nil {
		if err == redis.Nil {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("read recording %q: %w", name, err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("decode recording %q: %w", name, err)
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	names, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		rec, err := s.Get(ctx, name)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:      rec.Name,
			OriginURL: rec.OriginURL,
			CreatedAt: rec.CreatedAt.Format(time.RFC3339),
			Actions:   len(rec.Actions),
		})
	}
	return infos, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	n, err := s.client.Del(ctx, redisKeyPrefix+name).Result()
	if err != nil {
		return fmt.Errorf("delete recording %q: %w", name, err)
	}
	_ = s.client.SRem(ctx, redisIndexKey, name).Err()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
