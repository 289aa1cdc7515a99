package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/domain/chat"
)

// RequestStore serves read-only request summaries from the "requests" collection.
type RequestStore struct {
	col *mongo.Collection
}

func NewRequestStore(db *mongo.Database) *RequestStore {
	return &RequestStore{col: db.Collection("requests")}
}

func (s *RequestStore) GetRequestSummary(ctx context.Context, requestID string) (chat.RequestSummary, error) {
	var doc struct {
		ID     string `bson:"_id"`
		Title  string `bson:"title"`
		Status string `bson:"status"`
	}
	opts := options.FindOne().SetProjection(bson.M{"title": 1, "status": 1})
	if err := s.col.FindOne(ctx, bson.M{"_id": requestID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return chat.RequestSummary{}, fmt.Errorf("request %s: %w", requestID, chat.ErrNotFound)
		}
		return chat.RequestSummary{}, err
	}
	return chat.RequestSummary{RequestID: doc.ID, Title: doc.Title, Status: doc.Status}, nil
}
