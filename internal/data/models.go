package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// User maps to the users collection. The wider platform owns registration;
// the messaging core only reads users to validate message recipients.
type User struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	Email       string        `bson:"email"`
	DisplayName string        `bson:"display_name"`
	Role        string        `bson:"role"` // "seeker" or "recruiter"
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
}

// Conversation is the durable two-party thread. It is uniquely identified
// by PairKey, the normalized unordered pair of its participants, and keeps
// one unread counter per participant.
type Conversation struct {
	ID           bson.ObjectID    `bson:"_id,omitempty"`
	PairKey      string           `bson:"pair_key"`
	Participants []string         `bson:"participants"` // always two, sorted
	LastMessage  string           `bson:"last_message"`
	LastSenderID string           `bson:"last_sender_id"`
	LastActivity time.Time        `bson:"last_activity"`
	Unread       map[string]int64 `bson:"unread"` // participant id -> unread count
	CreatedAt    time.Time        `bson:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant of the conversation. It returns ""
// when userID is not a participant.
func (c *Conversation) Peer(userID string) string {
	if len(c.Participants) != 2 || !c.HasParticipant(userID) {
		return ""
	}
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message types carried on the wire and stored with each message.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Message belongs to exactly one conversation. Immutable once created
// except for the read flag and the soft-delete marker. SentAt is the
// ordering key within the conversation and increases monotonically.
type Message struct {
	ID             bson.ObjectID `bson:"_id,omitempty"`
	ConversationID bson.ObjectID `bson:"conversation_id"`
	SenderID       string        `bson:"sender_id"`
	ReceiverID     string        `bson:"receiver_id"`
	Content        string        `bson:"content"`
	MessageType    string        `bson:"message_type"`
	FileURL        string        `bson:"file_url,omitempty"`
	ClientMsgID    string        `bson:"client_msg_id,omitempty"`
	SentAt         time.Time     `bson:"sent_at"`
	CreatedAt      time.Time     `bson:"created_at"`
	IsRead         bool          `bson:"is_read"`
	Deleted        bool          `bson:"deleted"`
}
