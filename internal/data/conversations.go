// Package data provides DB models and stores for the conversation core.
package data

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/careerlink/messaging/internal/normalize"
)

// ThreadStore owns conversations and their messages. The conversation
// exclusively owns its messages; all counter and flag mutations happen
// through atomic updates here, never read-modify-write at a caller.
type ThreadStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

// NewThreadStore returns a ThreadStore using the given collections.
func NewThreadStore(conversations, messages *mongo.Collection) *ThreadStore {
	return &ThreadStore{conversations: conversations, messages: messages}
}

// GetOrCreateConversation finds the conversation between two users,
// creating it if it does not exist. The pair is normalized first, so both
// call orders return the same document. The upsert races against the
// unique pair_key index, so concurrent calls from both participants
// converge on a single conversation.
func (s *ThreadStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	lo, hi := normalize.Pair(userA, userB)
	if lo == "" || lo == hi {
		return nil, fmt.Errorf("invalid participant pair (%q, %q)", userA, userB)
	}

	now := time.Now().UTC()
	filter := bson.M{"pair_key": normalize.PairKey(lo, hi)}
	update := bson.M{
		"$setOnInsert": bson.M{
			"pair_key":       normalize.PairKey(lo, hi),
			"participants":   []string{lo, hi},
			"last_message":   "",
			"last_sender_id": "",
			"last_activity":  now,
			"unread":         map[string]int64{lo: 0, hi: 0},
			"created_at":     now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var conv Conversation
	if err := s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv); err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	return &conv, nil
}

// GetConversation loads a conversation by id.
func (s *ThreadStore) GetConversation(ctx context.Context, id bson.ObjectID) (*Conversation, error) {
	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversationsFor returns the user's conversations ordered by most
// recent activity.
func (s *ThreadStore) ListConversationsFor(ctx context.Context, userID string) ([]*Conversation, error) {
	userID = normalize.ID(userID)
	opts := options.Find().SetSort(bson.M{"last_activity": -1})

	cursor, err := s.conversations.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// UnreadTotal sums the user's unread counters across all conversations,
// used for the badge count in the navigation bar.
func (s *ThreadStore) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	userID = normalize.ID(userID)

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "participants", Value: userID}}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$unread." + userID}}},
		}}},
	}

	cursor, err := s.conversations.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, err
	}
	defer cursor.Close(ctx)

	var results []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].Total, nil
}
