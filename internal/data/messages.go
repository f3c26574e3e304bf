package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/careerlink/messaging/internal/normalize"
)

const previewLength = 120

// MessageInput carries the caller-supplied fields of a new message.
// ClientMsgID is an optional client-generated correlation id echoed back
// on the live channel so senders can reconcile optimistic messages.
type MessageInput struct {
	Content     string
	MessageType string
	FileURL     string
	ClientMsgID string
}

// AppendMessage validates the sender against the conversation's
// participants, persists the message and updates the conversation's last
// message pointer and the receiver's unread counter.
//
// SentAt is the ordering key within the conversation. The slot is
// claimed by atomically advancing last_activity: the update takes the
// wall clock when it is ahead, otherwise last_activity plus one
// millisecond. Document-level locking serializes concurrent appends on
// the same conversation, so each one observes the previous value and
// every sent_at is strictly greater than the last.
func (s *ThreadStore) AppendMessage(ctx context.Context, conversationID bson.ObjectID, senderID string, in MessageInput) (*Message, error) {
	senderID = normalize.ID(senderID)

	content := strings.TrimSpace(in.Content)
	if content == "" && in.FileURL == "" {
		return nil, ErrEmptyMessage
	}
	msgType := in.MessageType
	if msgType == "" {
		msgType = MessageTypeText
	}

	now := time.Now().UTC()
	bump := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{{Key: "last_activity", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$lt", Value: bson.A{"$last_activity", now}}},
			now,
			bson.D{{Key: "$add", Value: bson.A{"$last_activity", 1}}},
		}}}}}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var conv Conversation
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{
		"_id":          conversationID,
		"participants": senderID,
	}, bump, opts).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		// distinguish "no such conversation" from "not yours"
		if _, gerr := s.GetConversation(ctx, conversationID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("claim append slot: %w", err)
	}
	receiverID := conv.Peer(senderID)
	sentAt := conv.LastActivity

	msg := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		MessageType:    msgType,
		FileURL:        in.FileURL,
		ClientMsgID:    in.ClientMsgID,
		SentAt:         sentAt,
		CreatedAt:      now,
		IsRead:         false,
	}

	result, err := s.messages.InsertOne(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	msg.ID = result.InsertedID.(bson.ObjectID)

	preview := content
	if preview == "" {
		preview = "[attachment]"
	}
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}

	_, err = s.conversations.UpdateByID(ctx, conversationID, bson.M{
		"$set": bson.M{
			"last_message":   preview,
			"last_sender_id": senderID,
		},
		"$inc": bson.M{"unread." + receiverID: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("update conversation after append: %w", err)
	}

	return msg, nil
}

// ListMessages returns up to limit messages strictly older than before,
// newest first. A zero before means "latest page". Because pagination is
// keyed on the sent_at cursor rather than an offset, concurrent inserts
// never shift a page that has already been fetched.
func (s *ThreadStore) ListMessages(ctx context.Context, conversationID bson.ObjectID, before time.Time, limit int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	filter := bson.M{
		"conversation_id": conversationID,
		"deleted":         bson.M{"$ne": true},
	}
	if !before.IsZero() {
		filter["sent_at"] = bson.M{"$lt": before}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)

	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListMessagesPage is the offset-based variant backing the REST
// `?page&limit` surface. Page numbers start at 1.
func (s *ThreadStore) ListMessagesPage(ctx context.Context, conversationID bson.ObjectID, page, limit int64) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip((page - 1) * limit).
		SetLimit(limit)

	cursor, err := s.messages.Find(ctx, bson.M{
		"conversation_id": conversationID,
		"deleted":         bson.M{"$ne": true},
	}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead flags every unread message addressed to reader in the
// conversation as read and zeroes the reader's unread counter. Calling it
// again is a no-op.
func (s *ThreadStore) MarkRead(ctx context.Context, conversationID bson.ObjectID, reader string) error {
	reader = normalize.ID(reader)

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(reader) {
		return ErrNotParticipant
	}

	_, err = s.messages.UpdateMany(ctx, bson.M{
		"conversation_id": conversationID,
		"receiver_id":     reader,
		"is_read":         false,
	}, bson.M{
		"$set": bson.M{"is_read": true},
	})
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	_, err = s.conversations.UpdateByID(ctx, conversationID, bson.M{
		"$set": bson.M{"unread." + reader: int64(0)},
	})
	if err != nil {
		return fmt.Errorf("reset unread counter: %w", err)
	}
	return nil
}

// SoftDeleteMessage marks a message as deleted. Only the sender may
// delete; the document is kept so history pagination stays stable.
func (s *ThreadStore) SoftDeleteMessage(ctx context.Context, messageID bson.ObjectID, requester string) error {
	requester = normalize.ID(requester)

	result, err := s.messages.UpdateOne(ctx, bson.M{
		"_id":       messageID,
		"sender_id": requester,
	}, bson.M{
		"$set": bson.M{"deleted": true},
	})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		// distinguish "no such message" from "not yours"
		count, err := s.messages.CountDocuments(ctx, bson.M{"_id": messageID})
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrNotParticipant
	}
	return nil
}
