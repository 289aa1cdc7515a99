package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/domain/chat"
)

// AvatarResolver turns a stored object key into a URL the client can load.
type AvatarResolver interface {
	AvatarURL(ctx context.Context, key string) (string, error)
}

// ProfileStore reads marketplace profiles from the "profiles" collection.
type ProfileStore struct {
	col     *mongo.Collection
	avatars AvatarResolver
}

func NewProfileStore(db *mongo.Database, avatars AvatarResolver) *ProfileStore {
	return &ProfileStore{col: db.Collection("profiles"), avatars: avatars}
}

type profileDocument struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	AvatarKey   string    `bson:"avatar_key,omitempty"`
	AvatarURL   string    `bson:"avatar_url,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d profileDocument) toProfile() chat.Profile {
	name := strings.TrimSpace(d.DisplayName)
	if name == "" {
		name = d.ID
	}
	return chat.Profile{UserID: d.ID, DisplayName: name, AvatarURL: d.AvatarURL}
}

// GetProfile returns chat.ErrNotFound for unknown users. An avatar that cannot be
// resolved leaves AvatarURL empty.
func (s *ProfileStore) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	var doc profileDocument
	if err := s.col.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, chat.ErrNotFound)
		}
		return chat.Profile{}, err
	}
	profile := doc.toProfile()
	if doc.AvatarKey != "" && s.avatars != nil {
		if url, err := s.avatars.AvatarURL(ctx, doc.AvatarKey); err == nil {
			profile.AvatarURL = url
		}
	}
	return profile, nil
}

// UpsertProfile stores a profile, keeping avatarKey when it is empty.
func (s *ProfileStore) UpsertProfile(ctx context.Context, profile chat.Profile, avatarKey string) error {
	set := bson.M{"display_name": profile.DisplayName, "updated_at": time.Now().UTC()}
	if avatarKey != "" {
		set["avatar_key"] = avatarKey
	}
	if profile.AvatarURL != "" {
		set["avatar_url"] = profile.AvatarURL
	}
	_, err := s.col.UpdateByID(ctx, profile.UserID, bson.M{"$set": set}, options.Update().SetUpsert(true))
	return err
}
