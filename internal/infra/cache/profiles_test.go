package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"marketchat/internal/domain/chat"
)

type sourceFunc func(ctx context.Context, userID string) (chat.Profile, error)

func (f sourceFunc) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	return f(ctx, userID)
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestProfilesFallBackWhenRedisIsDown(t *testing.T) {
	calls := 0
	source := sourceFunc(func(_ context.Context, userID string) (chat.Profile, error) {
		calls++
		return chat.Profile{UserID: userID, DisplayName: "Dana"}, nil
	})
	profiles := NewProfiles(unreachableRedis(t), source, time.Minute, nil)

	got, err := profiles.GetProfile(context.Background(), "u-1")
	if err != nil || got.DisplayName != "Dana" || calls != 1 {
		t.Fatalf("profile = %+v, %v (calls %d)", got, err, calls)
	}
}

func TestProfilesPropagateSourceErrors(t *testing.T) {
	source := sourceFunc(func(context.Context, string) (chat.Profile, error) {
		return chat.Profile{}, chat.ErrNotFound
	})
	profiles := NewProfiles(unreachableRedis(t), source, 0, nil)
	if _, err := profiles.GetProfile(context.Background(), "ghost"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
