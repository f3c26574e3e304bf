// Package client implements the per-client state machine that keeps an
// ordered, paginated view of one conversation in sync with the live
// channel: optimistic sends, history pagination, typing debounce and
// reconnection with gap reconciliation.
package client

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careerlink/messaging/internal/realtime"
)

// State of the controller's history view.
type State int

const (
	StateIdle State = iota
	StateLoadingHistory
	StateReady
)

// MessageStatus tracks a message's lifecycle in the local view.
type MessageStatus int

const (
	// StatusPending marks an optimistic message awaiting confirmation.
	StatusPending MessageStatus = iota
	// StatusSent marks a server-confirmed message.
	StatusSent
	// StatusFailed marks a send the server rejected or that never made
	// it out; it stays visible so the user can see it and retry.
	StatusFailed
)

// ViewMessage is one entry of the local conversation view.
type ViewMessage struct {
	ID          string // server id; empty while pending
	ClientMsgID string
	SenderID    string
	Content     string
	MessageType string
	FileURL     string
	SentAt      time.Time
	IsRead      bool
	Status      MessageStatus
}

// FrameConn is one live-channel connection from the client's side.
type FrameConn interface {
	ReadFrame() (realtime.Frame, error)
	WriteFrame(event string, data any) error
	Close() error
}

// Transport establishes live-channel connections.
type Transport interface {
	Dial(ctx context.Context) (FrameConn, error)
}

// HistoryFetcher loads pages of persisted messages, newest first,
// strictly older than before (zero before means the latest page).
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]realtime.MessagePayload, error)
}

const (
	defaultPageSize    = 30
	typingQuietPeriod  = 2 * time.Second
	peerTypingExpiry   = 4 * time.Second
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 15 * time.Second
)

// Controller drives one active conversation for one client.
type Controller struct {
	transport Transport
	history   HistoryFetcher

	userID         string
	conversationID string
	receiverID     string
	pageSize       int

	mu           sync.Mutex
	state        State
	connected    bool
	conn         FrameConn
	messages     []ViewMessage // oldest first; pending/failed entries at the tail
	oldest       time.Time     // cursor for backward pagination
	hasMore      bool
	pageInFlight bool

	retryDelay time.Duration

	typingActive bool
	typingTimer  *time.Timer
	typingQuiet  time.Duration
	peerTyping   bool
	peerTimer    *time.Timer
	peerExpiry   time.Duration

	done chan struct{}
}

// NewController builds a controller for one conversation. receiverID is
// the peer, needed for the first message when the conversation does not
// exist server-side yet.
func NewController(transport Transport, history HistoryFetcher, userID, conversationID, receiverID string) *Controller {
	return &Controller{
		transport:      transport,
		history:        history,
		userID:         userID,
		conversationID: conversationID,
		receiverID:     receiverID,
		pageSize:       defaultPageSize,
		hasMore:        true,
		retryDelay:     reconnectBaseDelay,
		typingQuiet:    typingQuietPeriod,
		peerExpiry:     peerTypingExpiry,
		done:           make(chan struct{}),
	}
}

// Start connects, joins the conversation, loads the newest history page
// and begins processing live events. It returns once the view is ready.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateLoadingHistory
	c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	// a controller opened with only a receiver has no conversation to
	// fetch yet; the view starts empty and the id arrives with the first
	// send ack
	var page []realtime.MessagePayload
	if c.conversationID != "" {
		page, err = c.history.FetchMessages(ctx, c.conversationID, time.Time{}, c.pageSize)
		if err != nil {
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mergeLocked(page)
	c.state = StateReady
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

// Stop tears the controller down.
func (c *Controller) Stop() {
	close(c.done)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// State returns the history-view state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the live channel is currently up. The view
// state is independent: a READY view stays usable while disconnected.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PeerTyping reports whether the peer is currently typing. The flag
// expires on its own if no further signal arrives.
func (c *Controller) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// currentConversationID reads the conversation id under the lock; it is
// written by the first send ack when the conversation is created lazily.
func (c *Controller) currentConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Messages returns a copy of the current ordered view.
func (c *Controller) Messages() []ViewMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ViewMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// Send appends an optimistic pending message and pushes it over the live
// channel. The returned correlation id identifies the pending entry; if
// the write fails immediately the entry is marked failed, not removed.
func (c *Controller) Send(content string) string {
	corrID := uuid.NewString()

	c.mu.Lock()
	c.messages = append(c.messages, ViewMessage{
		ClientMsgID: corrID,
		SenderID:    c.userID,
		Content:     content,
		MessageType: "text",
		Status:      StatusPending,
	})
	conn := c.conn
	connected := c.connected
	convID := c.conversationID
	c.mu.Unlock()

	payload := realtime.SendMessagePayload{
		ConversationID: convID,
		ReceiverID:     c.receiverID,
		Content:        content,
		MessageType:    "text",
		ClientMsgID:    corrID,
	}
	if !connected || conn == nil {
		c.markFailed(corrID)
		return corrID
	}
	if err := conn.WriteFrame(realtime.EventSendMessage, payload); err != nil {
		c.markFailed(corrID)
	}
	return corrID
}

// LoadOlder fetches the next older page when the viewport hits the top.
// Concurrent calls are suppressed: only one page request is ever in
// flight.
func (c *Controller) LoadOlder(ctx context.Context) error {
	c.mu.Lock()
	if c.pageInFlight || !c.hasMore || c.state != StateReady {
		c.mu.Unlock()
		return nil
	}
	c.pageInFlight = true
	before := c.oldest
	convID := c.conversationID
	c.mu.Unlock()

	page, err := c.history.FetchMessages(ctx, convID, before, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageInFlight = false
	if err != nil {
		return err
	}
	if len(page) < c.pageSize {
		c.hasMore = false
	}
	c.mergeLocked(page)
	return nil
}

// MarkRead tells the server the user has read the conversation.
func (c *Controller) MarkRead() {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	convID := c.conversationID
	c.mu.Unlock()
	if connected && conn != nil && convID != "" {
		_ = conn.WriteFrame(realtime.EventMarkRead, realtime.MarkReadPayload{ConversationID: convID})
	}
}

// Keystroke implements the trailing-edge typing debounce: typing_start
// goes out at most once per burst, typing_stop fires after a quiet
// period, and every keystroke resets the timer.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return
	}
	if !c.typingActive {
		c.typingActive = true
		_ = c.conn.WriteFrame(realtime.EventTypingStart, realtime.TypingPayload{ConversationID: c.conversationID})
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.typingQuiet, c.typingStopped)
}

func (c *Controller) typingStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.typingActive {
		return
	}
	c.typingActive = false
	if c.connected && c.conn != nil {
		_ = c.conn.WriteFrame(realtime.EventTypingStop, realtime.TypingPayload{ConversationID: c.conversationID})
	}
}

func (c *Controller) connect(ctx context.Context) (FrameConn, error) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if convID := c.currentConversationID(); convID != "" {
		if err := conn.WriteFrame(realtime.EventJoinConversation, realtime.JoinPayload{ConversationID: convID}); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (c *Controller) readLoop(ctx context.Context, conn FrameConn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.reconnect(ctx)
			return
		}
		c.handleFrame(frame)
	}
}

// reconnect re-dials with backoff, rejoins and force-refetches the most
// recent page to close any gap caused by events missed while offline.
func (c *Controller) reconnect(ctx context.Context) {
	delay := c.retryDelay
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := c.connect(ctx)
		if err == nil {
			var page []realtime.MessagePayload
			var ferr error
			if convID := c.currentConversationID(); convID != "" {
				page, ferr = c.history.FetchMessages(ctx, convID, time.Time{}, c.pageSize)
			}
			if ferr == nil {
				c.mu.Lock()
				c.conn = conn
				c.connected = true
				c.mergeLocked(page)
				c.mu.Unlock()
				go c.readLoop(ctx, conn)
				return
			}
			conn.Close()
			err = ferr
		}
		log.Printf("reconnect failed: %v", err)

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *Controller) handleFrame(frame realtime.Frame) {
	switch frame.Event {
	case realtime.EventNewMessage:
		if msg, ok := decode[realtime.MessagePayload](frame); ok {
			c.mu.Lock()
			c.mergeLocked([]realtime.MessagePayload{msg})
			c.mu.Unlock()
		}
	case realtime.EventMessageSent:
		if ack, ok := decode[realtime.MessageSentPayload](frame); ok {
			c.mu.Lock()
			if c.conversationID == "" {
				// first message created the conversation lazily
				c.conversationID = ack.Message.ConversationID
			}
			c.mergeLocked([]realtime.MessagePayload{ack.Message})
			c.mu.Unlock()
		}
	case realtime.EventMessagesRead:
		if receipt, ok := decode[realtime.MessagesReadPayload](frame); ok && receipt.ReadBy != c.userID {
			c.mu.Lock()
			for i := range c.messages {
				if c.messages[i].SenderID == c.userID {
					c.messages[i].IsRead = true
				}
			}
			c.mu.Unlock()
		}
	case realtime.EventUserTyping:
		if typing, ok := decode[realtime.UserTypingPayload](frame); ok && typing.UserID != c.userID {
			c.setPeerTyping(typing.IsTyping)
		}
	case realtime.EventError:
		if errp, ok := decode[realtime.ErrorPayload](frame); ok && errp.ClientMsgID != "" {
			c.markFailed(errp.ClientMsgID)
		}
	}
}

func (c *Controller) setPeerTyping(isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerTyping = isTyping
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	if isTyping {
		c.peerTimer = time.AfterFunc(c.peerExpiry, func() {
			c.mu.Lock()
			c.peerTyping = false
			c.mu.Unlock()
		})
	}
}

func (c *Controller) markFailed(corrID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ClientMsgID == corrID && c.messages[i].Status == StatusPending {
			c.messages[i].Status = StatusFailed
		}
	}
}

// mergeLocked folds server messages into the view: confirmed messages
// reconcile pending entries by correlation id (last write wins), ids
// dedupe refetched pages, and the confirmed portion stays sorted by
// sent-at. Pending and failed entries keep their place at the tail.
func (c *Controller) mergeLocked(page []realtime.MessagePayload) {
	for _, msg := range page {
		if c.reconcileLocked(msg) {
			continue
		}
		c.messages = append(c.messages, ViewMessage{
			ID:          msg.ID,
			ClientMsgID: msg.ClientMsgID,
			SenderID:    msg.SenderID,
			Content:     msg.Content,
			MessageType: msg.MessageType,
			FileURL:     msg.FileURL,
			SentAt:      msg.SentAt,
			IsRead:      msg.IsRead,
			Status:      StatusSent,
		})
	}
	c.sortLocked()
}

// reconcileLocked updates an existing entry matching the incoming
// message, returning false when the message is new to the view.
func (c *Controller) reconcileLocked(msg realtime.MessagePayload) bool {
	for i := range c.messages {
		if msg.ID != "" && c.messages[i].ID == msg.ID {
			c.messages[i].IsRead = msg.IsRead
			return true
		}
		if msg.ClientMsgID != "" && c.messages[i].ClientMsgID == msg.ClientMsgID {
			c.messages[i].ID = msg.ID
			c.messages[i].SentAt = msg.SentAt
			c.messages[i].IsRead = msg.IsRead
			c.messages[i].Status = StatusSent
			return true
		}
	}
	return false
}

func (c *Controller) sortLocked() {
	confirmed := c.messages[:0:0]
	var tail []ViewMessage
	for _, m := range c.messages {
		if m.Status == StatusSent {
			confirmed = append(confirmed, m)
		} else {
			tail = append(tail, m)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].SentAt.Before(confirmed[j].SentAt)
	})
	c.messages = append(confirmed, tail...)
	if len(confirmed) > 0 {
		c.oldest = confirmed[0].SentAt
	}
}

func decode[T any](frame realtime.Frame) (T, bool) {
	var v T
	if err := json.Unmarshal(frame.Data, &v); err != nil {
		return v, false
	}
	return v, true
}
