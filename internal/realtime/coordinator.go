// Package realtime bridges the durable thread store and the live channel.
// It owns the per-connection session state machine, conversation rooms
// and the fan-out of messages, read receipts, typing signals and
// presence changes.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/time/rate"

	"github.com/careerlink/messaging/internal/data"
	"github.com/careerlink/messaging/internal/presence"
)

// ThreadStore is the subset of the durable store the coordinator needs.
type ThreadStore interface {
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*data.Conversation, error)
	GetConversation(ctx context.Context, id bson.ObjectID) (*data.Conversation, error)
	AppendMessage(ctx context.Context, conversationID bson.ObjectID, senderID string, in data.MessageInput) (*data.Message, error)
	MarkRead(ctx context.Context, conversationID bson.ObjectID, reader string) error
}

// UserDirectory validates that message recipients exist.
type UserDirectory interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// Notifier records messages that could not be delivered live and clears
// them once the target reads the conversation.
type Notifier interface {
	NotifyUndelivered(ctx context.Context, targetUser, conversationID, senderID, preview string) error
	ClearUndelivered(ctx context.Context, targetUser, conversationID string) error
}

// Session is the server-side state of one authenticated live connection.
// A Session can only be constructed with a verified identity, so every
// operation that reaches the coordinator is authenticated by
// construction; the pre-auth "connecting" phase exists only inside the
// websocket handshake.
type Session struct {
	UserID string

	sender  presence.Sender
	connID  int64
	limiter *rate.Limiter

	mu       sync.Mutex
	joined   map[string]string // conversation id (hex) -> peer user id
	detached bool
}

// NewSession wraps an authenticated connection. sender is the outbound
// half of the connection (a *Conn in production, a fake in tests).
func NewSession(userID string, sender presence.Sender) *Session {
	return &Session{
		UserID:  userID,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(25), 50),
		joined:  make(map[string]string),
	}
}

func (s *Session) rememberRoom(conversationID, peer string) {
	s.mu.Lock()
	s.joined[conversationID] = peer
	s.mu.Unlock()
}

// peerFor returns the cached peer for a joined conversation. Typing
// signals rely on this cache so they never touch the thread store.
func (s *Session) peerFor(conversationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.joined[conversationID]
	return peer, ok
}

func (s *Session) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.joined))
	for id := range s.joined {
		rooms = append(rooms, id)
	}
	return rooms
}

// Coordinator routes live-channel events between connected participants.
type Coordinator struct {
	store    ThreadStore
	users    UserDirectory
	presence *presence.Tracker
	notifier Notifier

	opTimeout time.Duration

	mu    sync.RWMutex
	rooms map[string]map[*Session]struct{} // conversation id -> joined sessions
}

// NewCoordinator wires the coordinator with its collaborators. The
// presence tracker is injected rather than owned so its lifecycle is
// controlled at process start and it can be shared and faked.
func NewCoordinator(store ThreadStore, users UserDirectory, tracker *presence.Tracker, notifier Notifier) *Coordinator {
	return &Coordinator{
		store:     store,
		users:     users,
		presence:  tracker,
		notifier:  notifier,
		opTimeout: 5 * time.Second,
		rooms:     make(map[string]map[*Session]struct{}),
	}
}

// Attach registers the session's connection and announces the updated
// online-user set to every connected client.
func (c *Coordinator) Attach(s *Session) {
	s.connID = c.presence.Register(s.UserID, s.sender)
	c.broadcastOnlineUsers()
}

// Detach removes the session from its rooms and from presence. When this
// was the user's last connection, peers that share a joined conversation
// receive user_offline and everyone gets a refreshed online-user list.
func (c *Coordinator) Detach(s *Session) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	s.mu.Unlock()

	rooms := s.joinedRooms()

	c.mu.Lock()
	for _, id := range rooms {
		if members, ok := c.rooms[id]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(c.rooms, id)
			}
		}
	}
	c.mu.Unlock()

	// Unregister before broadcasting so no frame is ever routed to the
	// connection that just went away.
	wentOffline := c.presence.Unregister(s.UserID, s.connID)
	if !wentOffline {
		return
	}

	if payload, err := EncodeFrame(EventUserOffline, UserOfflinePayload{UserID: s.UserID}); err == nil {
		for _, id := range rooms {
			for _, member := range c.roomMembers(id) {
				if member.UserID != s.UserID {
					_ = member.sender.Send(payload)
				}
			}
		}
	}
	c.broadcastOnlineUsers()
}

func (c *Coordinator) roomMembers(conversationID string) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := make([]*Session, 0, len(c.rooms[conversationID]))
	for s := range c.rooms[conversationID] {
		members = append(members, s)
	}
	return members
}

func (c *Coordinator) broadcastOnlineUsers() {
	users := c.presence.OnlineUsers()
	payload, err := EncodeFrame(EventOnlineUsers, users)
	if err != nil {
		return
	}
	for _, u := range users {
		_ = c.presence.SendToUser(u, payload)
	}
}

// Dispatch decodes one inbound frame and routes it. All errors are
// reported to the issuing connection only.
func (c *Coordinator) Dispatch(ctx context.Context, s *Session, raw []byte) {
	if !s.limiter.Allow() {
		c.sendError(s, CodeRateLimited, "too many events, slow down", "")
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError(s, CodeBadRequest, "invalid frame", "")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	switch frame.Event {
	case EventJoinConversation:
		var p JoinPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendError(s, CodeBadRequest, "invalid join_conversation payload", "")
			return
		}
		c.handleJoin(ctx, s, p)
	case EventSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendError(s, CodeBadRequest, "invalid send_message payload", "")
			return
		}
		c.handleSendMessage(ctx, s, p)
	case EventMarkRead:
		var p MarkReadPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendError(s, CodeBadRequest, "invalid mark_messages_read payload", "")
			return
		}
		c.handleMarkRead(ctx, s, p)
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			c.sendError(s, CodeBadRequest, "invalid typing payload", "")
			return
		}
		c.handleTyping(s, p.ConversationID, frame.Event == EventTypingStart)
	default:
		c.sendError(s, CodeBadRequest, "unknown event "+frame.Event, "")
	}
}

// handleJoin subscribes the connection to the conversation's broadcast
// group. Membership is checked here; state-changing operations recheck it
// in the store.
func (c *Coordinator) handleJoin(ctx context.Context, s *Session, p JoinPayload) {
	oid, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		c.sendError(s, CodeBadRequest, "invalid conversation id", "")
		return
	}

	conv, err := c.store.GetConversation(ctx, oid)
	if err != nil {
		c.sendStoreError(s, err, "")
		return
	}
	if !conv.HasParticipant(s.UserID) {
		c.sendError(s, CodeForbidden, "not a participant of this conversation", "")
		return
	}

	c.mu.Lock()
	members := c.rooms[p.ConversationID]
	if members == nil {
		members = make(map[*Session]struct{})
		c.rooms[p.ConversationID] = members
	}
	members[s] = struct{}{}
	c.mu.Unlock()

	s.rememberRoom(p.ConversationID, conv.Peer(s.UserID))

	if payload, err := EncodeFrame(EventConversationJoined, JoinPayload{ConversationID: p.ConversationID}); err == nil {
		_ = s.sender.Send(payload)
	}
}

// handleSendMessage appends durably, then fans out to the recipient, then
// acknowledges the sender. That order is what makes the "delivered" ack
// honest and keeps broadcast order equal to append order.
func (c *Coordinator) handleSendMessage(ctx context.Context, s *Session, p SendMessagePayload) {
	var conv *data.Conversation
	var err error

	if p.ConversationID == "" {
		// first message between two users creates the conversation lazily
		if p.ReceiverID == "" {
			c.sendError(s, CodeBadRequest, "receiverId is required", p.ClientMsgID)
			return
		}
		exists, err := c.users.UserExists(ctx, p.ReceiverID)
		if err != nil {
			c.sendError(s, CodeUnavailable, "recipient lookup failed", p.ClientMsgID)
			return
		}
		if !exists {
			c.sendError(s, CodeNotFound, "recipient not found", p.ClientMsgID)
			return
		}
		conv, err = c.store.GetOrCreateConversation(ctx, s.UserID, p.ReceiverID)
		if err != nil {
			c.sendStoreError(s, err, p.ClientMsgID)
			return
		}
	} else {
		oid, idErr := bson.ObjectIDFromHex(p.ConversationID)
		if idErr != nil {
			c.sendError(s, CodeBadRequest, "invalid conversation id", p.ClientMsgID)
			return
		}
		conv, err = c.store.GetConversation(ctx, oid)
		if err != nil {
			c.sendStoreError(s, err, p.ClientMsgID)
			return
		}
	}

	msg, err := c.store.AppendMessage(ctx, conv.ID, s.UserID, data.MessageInput{
		Content:     p.Content,
		MessageType: p.MessageType,
		FileURL:     p.FileURL,
		ClientMsgID: p.ClientMsgID,
	})
	if err != nil {
		// durable append failed: no broadcast, the sender sees the error
		// and decides whether to retry
		c.sendStoreError(s, err, p.ClientMsgID)
		return
	}

	delivered := c.deliverToPeer(ctx, msg)

	ack, err := EncodeFrame(EventMessageSent, MessageSentPayload{Message: ToMessagePayload(msg), Delivered: delivered})
	if err == nil {
		_ = s.sender.Send(ack)
	}
}

// Deliver fans out a message appended outside the live channel (the
// REST send path) exactly like a live send: push to every recipient
// connection or record a notification. Returns whether live delivery
// fully succeeded.
func (c *Coordinator) Deliver(ctx context.Context, msg *data.Message) bool {
	return c.deliverToPeer(ctx, msg)
}

// deliverToPeer pushes the message to every live connection of the
// recipient, or hands it to the notification fan-out when the recipient
// has none. Returns whether live delivery fully succeeded.
func (c *Coordinator) deliverToPeer(ctx context.Context, msg *data.Message) bool {
	payload, err := EncodeFrame(EventNewMessage, ToMessagePayload(msg))
	if err != nil {
		return false
	}

	delivered := false
	wasOnline := c.presence.IsOnline(msg.ReceiverID)
	if wasOnline {
		delivered = c.presence.SendToUser(msg.ReceiverID, payload) == nil
	}

	// The notification decision sticks with the first check: a recipient
	// who connects right after it still gets a record, and clears it when
	// they read. Failed sends unregister their connections, so a
	// recipient whose sockets all just died is offline on the recheck and
	// gets a record too.
	if !wasOnline || !c.presence.IsOnline(msg.ReceiverID) {
		preview := msg.Content
		if preview == "" {
			preview = "[attachment]"
		}
		if err := c.notifier.NotifyUndelivered(ctx, msg.ReceiverID, msg.ConversationID.Hex(), msg.SenderID, preview); err != nil {
			log.Printf("record undelivered notification for %s failed: %v", msg.ReceiverID, err)
		}
	}
	return delivered
}

// handleMarkRead marks the conversation read for the session's user,
// clears any pending notification record and tells the peer's
// connections. The reader's own other tabs are deliberately not notified;
// they converge on their next history fetch.
func (c *Coordinator) handleMarkRead(ctx context.Context, s *Session, p MarkReadPayload) {
	oid, err := bson.ObjectIDFromHex(p.ConversationID)
	if err != nil {
		c.sendError(s, CodeBadRequest, "invalid conversation id", "")
		return
	}

	conv, err := c.store.GetConversation(ctx, oid)
	if err != nil {
		c.sendStoreError(s, err, "")
		return
	}
	if !conv.HasParticipant(s.UserID) {
		c.sendError(s, CodeForbidden, "not a participant of this conversation", "")
		return
	}

	if err := c.store.MarkRead(ctx, oid, s.UserID); err != nil {
		c.sendStoreError(s, err, "")
		return
	}

	if err := c.notifier.ClearUndelivered(ctx, s.UserID, p.ConversationID); err != nil {
		log.Printf("clear undelivered notification for %s failed: %v", s.UserID, err)
	}

	if payload, err := EncodeFrame(EventMessagesRead, MessagesReadPayload{ConversationID: p.ConversationID, ReadBy: s.UserID}); err == nil {
		// peer only; ignore "not connected"
		_ = c.presence.SendToUser(conv.Peer(s.UserID), payload)
	}
}

// handleTyping forwards a transient typing signal to the peer. It uses
// the peer cached at join time and never touches the thread store.
func (c *Coordinator) handleTyping(s *Session, conversationID string, isTyping bool) {
	peer, ok := s.peerFor(conversationID)
	if !ok {
		c.sendError(s, CodeBadRequest, "join the conversation before sending typing signals", "")
		return
	}

	payload, err := EncodeFrame(EventUserTyping, UserTypingPayload{
		ConversationID: conversationID,
		UserID:         s.UserID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return
	}
	_ = c.presence.SendToUser(peer, payload)
}

func (c *Coordinator) sendStoreError(s *Session, err error, clientMsgID string) {
	switch {
	case errors.Is(err, data.ErrNotFound):
		c.sendError(s, CodeNotFound, "conversation not found", clientMsgID)
	case errors.Is(err, data.ErrNotParticipant):
		c.sendError(s, CodeForbidden, "not a participant of this conversation", clientMsgID)
	case errors.Is(err, data.ErrEmptyMessage):
		c.sendError(s, CodeBadRequest, err.Error(), clientMsgID)
	default:
		c.sendError(s, CodeUnavailable, "store temporarily unavailable", clientMsgID)
	}
}

func (c *Coordinator) sendError(s *Session, code, message, clientMsgID string) {
	payload, err := EncodeFrame(EventError, ErrorPayload{Code: code, Message: message, ClientMsgID: clientMsgID})
	if err != nil {
		return
	}
	_ = s.sender.Send(payload)
}
