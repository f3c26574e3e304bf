package realtime

import (
	"encoding/json"
	"time"

	"github.com/careerlink/messaging/internal/data"
)

// Live-channel wire contract. Every frame is a JSON object with an event
// name and an event-specific data payload.

// Client -> server events.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventMarkRead         = "mark_messages_read"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
)

// Server -> client events.
const (
	EventNewMessage         = "new_message"
	EventMessagesRead       = "messages_read"
	EventUserTyping         = "user_typing"
	EventOnlineUsers        = "online_users"
	EventUserOffline        = "user_offline"
	EventConversationJoined = "conversation_joined"
	EventMessageSent        = "message_sent"
	EventError              = "error"
)

// Frame is the envelope for every message on the live channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an event and payload into wire bytes.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// JoinPayload is the data of join_conversation and conversation_joined.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the data of send_message. ConversationID may be
// empty on the very first message to a user; the conversation is then
// created lazily from ReceiverID. ClientMsgID is an optional
// client-generated correlation id echoed back in new_message and
// message_sent so optimistic sends can be reconciled.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	FileURL        string `json:"fileUrl,omitempty"`
	ClientMsgID    string `json:"clientMsgId,omitempty"`
}

// MarkReadPayload is the data of mark_messages_read.
type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the data of typing_start and typing_stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessagePayload is the message representation sent to clients.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	FileURL        string    `json:"fileUrl,omitempty"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
	SentAt         time.Time `json:"sentAt"`
	IsRead         bool      `json:"isRead"`
}

// ToMessagePayload converts a stored message to its wire form.
func ToMessagePayload(m *data.Message) MessagePayload {
	return MessagePayload{
		ID:             m.ID.Hex(),
		ConversationID: m.ConversationID.Hex(),
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		MessageType:    m.MessageType,
		FileURL:        m.FileURL,
		ClientMsgID:    m.ClientMsgID,
		SentAt:         m.SentAt,
		IsRead:         m.IsRead,
	}
}

// MessageSentPayload acknowledges a send to the issuing connection.
// Delivered is true only once the message has been pushed to every live
// connection of the recipient, not merely persisted.
type MessageSentPayload struct {
	Message   MessagePayload `json:"message"`
	Delivered bool           `json:"delivered"`
}

// MessagesReadPayload tells a sender that the peer read the conversation.
type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

// UserTypingPayload is the transient typing indicator.
type UserTypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// UserOfflinePayload announces that a peer's last connection closed.
type UserOfflinePayload struct {
	UserID string `json:"userId"`
}

// Error codes carried in error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeBadRequest      = "bad_request"
	CodeUnavailable     = "unavailable"
	CodeRateLimited     = "rate_limited"
)

// ErrorPayload reports a failed operation to the issuing connection only.
// ClientMsgID is set for failed sends so the client can mark the exact
// optimistic message as failed instead of dropping it silently.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}
