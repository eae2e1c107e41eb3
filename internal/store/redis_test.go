package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	return NewRedisStoreFromClient(c)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestRedis(t)

	if err := s.Save(ctx, sample("t1")); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.OriginURL != "https://example.com" || len(rec.Actions) != 2 {
		t.Fatalf("unexpected recording: %+v", rec)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Actions != 2 {
		t.Fatalf("unexpected listing: %+v", infos)
	}

	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "t1"); err != ErrNotFound {
		t.Fatalf("double delete: %v", err)
	}
}

func TestRedisStoreMissing(t *testing.T) {
	s := newTestRedis(t)
	if _, err := s.Get(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, err := parseRedisURL("localhost:6379")
	if err != nil || opts.Addrs[0] != "localhost:6379" {
		t.Fatalf("plain addr: %+v, %v", opts, err)
	}
	opts, err = parseRedisURL("redis://user:pw@host:6379/2")
	if err != nil {
		t.Fatal(err)
	}
	if opts.Username != "user" || opts.Password != "pw" || opts.DB != 2 {
		t.Fatalf("url fields: %+v", opts)
	}
	if opts, err = parseRedisURL("rediss://host:6380"); err != nil || opts.TLSConfig == nil {
		t.Fatalf("tls: %+v, %v", opts, err)
	}
	if _, err = parseRedisURL("http://host"); err == nil {
		t.Fatal("expected scheme error")
	}
}
