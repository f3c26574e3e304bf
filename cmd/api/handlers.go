package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/careerlink/messaging/internal/data"
	"github.com/careerlink/messaging/internal/files"
	"github.com/careerlink/messaging/internal/middleware"
	"github.com/careerlink/messaging/internal/notify"
	"github.com/careerlink/messaging/internal/realtime"
)

// threadStore is the slice of the durable store the REST surface needs.
type threadStore interface {
	GetConversation(ctx context.Context, id bson.ObjectID) (*data.Conversation, error)
	ListConversationsFor(ctx context.Context, userID string) ([]*data.Conversation, error)
	UnreadTotal(ctx context.Context, userID string) (int64, error)
	AppendMessage(ctx context.Context, conversationID bson.ObjectID, senderID string, in data.MessageInput) (*data.Message, error)
	ListMessages(ctx context.Context, conversationID bson.ObjectID, before time.Time, limit int64) ([]*data.Message, error)
	ListMessagesPage(ctx context.Context, conversationID bson.ObjectID, page, limit int64) ([]*data.Message, error)
	MarkRead(ctx context.Context, conversationID bson.ObjectID, reader string) error
	SoftDeleteMessage(ctx context.Context, messageID bson.ObjectID, requester string) error
}

// deliverer fans a freshly appended message out to live connections.
type deliverer interface {
	Deliver(ctx context.Context, msg *data.Message) bool
}

// pendingLister reads and clears pending notification records.
type pendingLister interface {
	ListPending(ctx context.Context, userID string) ([]notify.Record, error)
	Clear(ctx context.Context, userID, conversationID string) error
}

type server struct {
	store       threadStore
	coordinator deliverer
	pending     pendingLister
	uploads     files.Store
}

func newServer(store threadStore, coordinator deliverer, pending pendingLister, uploads files.Store) *server {
	return &server{store: store, coordinator: coordinator, pending: pending, uploads: uploads}
}

// conversationResponse is the REST shape of a conversation, with the
// unread counter narrowed to the caller's side.
type conversationResponse struct {
	ID           string    `json:"id"`
	Peer         string    `json:"peer"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	LastSenderID string    `json:"lastSenderId,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	Unread       int64     `json:"unread"`
}

func (s *server) listConversations(c *gin.Context) {
	userID := middleware.UserID(c)

	convs, err := s.store.ListConversationsFor(c.Request.Context(), userID)
	if err != nil {
		s.storeError(c, err)
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conversationResponse{
			ID:           conv.ID.Hex(),
			Peer:         conv.Peer(userID),
			LastMessage:  conv.LastMessage,
			LastSenderID: conv.LastSenderID,
			LastActivity: conv.LastActivity,
			Unread:       conv.Unread[userID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// listMessages serves one history page, newest first. Clients may page
// with either a sent-at cursor (?before=RFC3339) or page numbers
// (?page&limit); the cursor form is stable under concurrent inserts.
func (s *server) listMessages(c *gin.Context) {
	userID := middleware.UserID(c)

	oid, err := bson.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	conv, err := s.store.GetConversation(c.Request.Context(), oid)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
		return
	}

	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	var msgs []*data.Message
	if beforeRaw := c.Query("before"); beforeRaw != "" {
		before, perr := time.Parse(time.RFC3339Nano, beforeRaw)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		msgs, err = s.store.ListMessages(c.Request.Context(), oid, before, limit)
	} else if c.Query("page") != "" {
		page, _ := strconv.ParseInt(c.Query("page"), 10, 64)
		msgs, err = s.store.ListMessagesPage(c.Request.Context(), oid, page, limit)
	} else {
		msgs, err = s.store.ListMessages(c.Request.Context(), oid, time.Time{}, limit)
	}
	if err != nil {
		s.storeError(c, err)
		return
	}

	out := make([]realtime.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, realtime.ToMessagePayload(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// postMessage appends a message over REST, used for attachment uploads
// the live channel cannot carry. Delivery to the recipient's live
// connections happens exactly as for a live send.
func (s *server) postMessage(c *gin.Context) {
	userID := middleware.UserID(c)

	oid, err := bson.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	in := data.MessageInput{
		Content:     c.PostForm("content"),
		MessageType: c.PostForm("messageType"),
		ClientMsgID: c.PostForm("clientMsgId"),
	}

	if file, ferr := c.FormFile("file"); ferr == nil {
		url, serr := s.uploads.Save(file)
		if serr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": serr.Error()})
			return
		}
		in.FileURL = url
		if in.MessageType == "" || in.MessageType == data.MessageTypeText {
			in.MessageType = files.TypeForExt(url)
		}
	}

	msg, err := s.store.AppendMessage(c.Request.Context(), oid, userID, in)
	if err != nil {
		if in.FileURL != "" {
			// the upload belongs to a message that was never stored
			_ = s.uploads.Remove(in.FileURL)
		}
		s.storeError(c, err)
		return
	}

	delivered := s.coordinator.Deliver(c.Request.Context(), msg)
	c.JSON(http.StatusCreated, gin.H{
		"message":   realtime.ToMessagePayload(msg),
		"delivered": delivered,
	})
}

func (s *server) markRead(c *gin.Context) {
	userID := middleware.UserID(c)

	oid, err := bson.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	if err := s.store.MarkRead(c.Request.Context(), oid, userID); err != nil {
		s.storeError(c, err)
		return
	}
	if err := s.pending.Clear(c.Request.Context(), userID, oid.Hex()); err != nil {
		// badge cleanup only; the read state itself is already durable
		c.JSON(http.StatusOK, gin.H{"read": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

func (s *server) deleteMessage(c *gin.Context) {
	userID := middleware.UserID(c)

	oid, err := bson.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	if err := s.store.SoftDeleteMessage(c.Request.Context(), oid, userID); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listNotifications returns the caller's pending undelivered-message
// records along with their total unread count across conversations.
func (s *server) listNotifications(c *gin.Context) {
	userID := middleware.UserID(c)

	records, err := s.pending.ListPending(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification store unavailable"})
		return
	}
	total, err := s.store.UnreadTotal(c.Request.Context(), userID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": records, "unreadTotal": total})
}

func (s *server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, data.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, data.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this conversation"})
	case errors.Is(err, data.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store temporarily unavailable"})
	}
}

// routes mounts the REST surface and the live-channel endpoint.
func (s *server) routes(r *gin.Engine, authn gin.HandlerFunc, limit gin.HandlerFunc, ws gin.HandlerFunc) {
	r.GET("/ws", ws)

	api := r.Group("/api/v1", authn, limit)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.postMessage)
	api.PUT("/conversations/:id/read", s.markRead)
	api.DELETE("/messages/:id", s.deleteMessage)
	api.GET("/notifications", s.listNotifications)
}
