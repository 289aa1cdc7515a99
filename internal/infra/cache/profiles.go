package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"marketchat/internal/domain/chat"
)

const profilePrefix = "marketchat:profile:"

// ProfileSource is the authoritative profile lookup behind the cache.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (chat.Profile, error)
}

// Profiles is a read-through Redis cache of display profiles. Redis failures fall back
// to the source.
type Profiles struct {
	rdb    *redis.Client
	source ProfileSource
	ttl    time.Duration
	logger *slog.Logger
}

func NewProfiles(rdb *redis.Client, source ProfileSource, ttl time.Duration, logger *slog.Logger) *Profiles {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Profiles{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

func (p *Profiles) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	key := profilePrefix + userID
	raw, err := p.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var profile chat.Profile
		if jsonErr := json.Unmarshal(raw, &profile); jsonErr == nil {
			return profile, nil
		}
	case !errors.Is(err, redis.Nil):
		p.warn("profile cache read failed", userID, err)
	}

	profile, err := p.source.GetProfile(ctx, userID)
	if err != nil {
		return chat.Profile{}, err
	}
	if data, err := json.Marshal(profile); err == nil {
		if err := p.rdb.Set(ctx, key, data, p.ttl).Err(); err != nil {
			p.warn("profile cache write failed", userID, err)
		}
	}
	return profile, nil
}

// Forget drops a cached profile.
func (p *Profiles) Forget(ctx context.Context, userID string) error {
	return p.rdb.Del(ctx, profilePrefix+userID).Err()
}

func (p *Profiles) warn(msg, userID string, err error) {
	if p.logger != nil {
		p.logger.Warn(msg, "user_id", userID, "error", err)
	}
}
