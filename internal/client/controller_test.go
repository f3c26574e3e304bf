package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/careerlink/messaging/internal/realtime"
)

type fakeFrameConn struct {
	mu       sync.Mutex
	written  []realtime.Frame
	writeErr error

	incoming chan realtime.Frame
	closed   chan struct{}
	once     sync.Once
}

func newFakeFrameConn() *fakeFrameConn {
	return &fakeFrameConn{
		incoming: make(chan realtime.Frame, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeFrameConn) ReadFrame() (realtime.Frame, error) {
	select {
	case fr := <-f.incoming:
		return fr, nil
	case <-f.closed:
		return realtime.Frame{}, io.EOF
	}
}

func (f *fakeFrameConn) WriteFrame(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.written = append(f.written, realtime.Frame{Event: event, Data: raw})
	return nil
}

func (f *fakeFrameConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// deliver pushes a server frame into the connection's read loop.
func (f *fakeFrameConn) deliver(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.incoming <- realtime.Frame{Event: event, Data: raw}
}

func (f *fakeFrameConn) writes(event string) []realtime.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []realtime.Frame
	for _, fr := range f.written {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeFrameConn
	dials int
}

func (f *fakeTransport) Dial(ctx context.Context) (FrameConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dials >= len(f.conns) {
		return nil, errors.New("no more connections scripted")
	}
	conn := f.conns[f.dials]
	f.dials++
	return conn, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type fakeHistory struct {
	mu    sync.Mutex
	pages [][]realtime.MessagePayload
	calls int
	block chan struct{} // when set, FetchMessages waits on it
}

func (f *fakeHistory) FetchMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]realtime.MessagePayload, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call >= len(f.pages) {
		return nil, nil
	}
	return f.pages[call], nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func srvMsg(id, sender, content string, at time.Time) realtime.MessagePayload {
	return realtime.MessagePayload{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Content:        content,
		MessageType:    "text",
		SentAt:         at,
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func startController(t *testing.T, transport *fakeTransport, history *fakeHistory) *Controller {
	t.Helper()
	c := NewController(transport, history, "alice", "conv-1", "bob")
	c.retryDelay = 10 * time.Millisecond
	c.typingQuiet = 30 * time.Millisecond
	c.peerExpiry = 50 * time.Millisecond
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestStartLoadsNewestPageAndJoins(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Millisecond)
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	history := &fakeHistory{pages: [][]realtime.MessagePayload{{
		srvMsg("m2", "bob", "second", base.Add(time.Second)),
		srvMsg("m1", "alice", "first", base),
	}}}

	c := startController(t, transport, history)

	if c.State() != StateReady {
		t.Fatalf("expected ready state, got %v", c.State())
	}
	if !c.Connected() {
		t.Fatal("expected connected after start")
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages not in oldest-first order: %s, %s", msgs[0].ID, msgs[1].ID)
	}

	joins := conn.writes(realtime.EventJoinConversation)
	if len(joins) != 1 {
		t.Fatalf("expected 1 join frame, got %d", len(joins))
	}
}

func TestOptimisticSendReconciledByCorrelationID(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	c := startController(t, transport, &fakeHistory{})

	corrID := c.Send("hello bob")

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusPending {
		t.Fatalf("expected one pending message, got %+v", msgs)
	}
	if msgs[0].ClientMsgID != corrID {
		t.Fatalf("pending message correlation id mismatch")
	}

	sends := conn.writes(realtime.EventSendMessage)
	if len(sends) != 1 {
		t.Fatalf("expected 1 send frame, got %d", len(sends))
	}

	ack := srvMsg("m1", "alice", "hello bob", time.Now().UTC())
	ack.ClientMsgID = corrID
	conn.deliver(t, realtime.EventMessageSent, realtime.MessageSentPayload{Message: ack, Delivered: true})

	waitFor(t, "ack reconciliation", func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].Status == StatusSent && msgs[0].ID == "m1"
	})
}

func TestRejectedSendMarkedFailedNotDropped(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	c := startController(t, transport, &fakeHistory{})

	corrID := c.Send("")
	conn.deliver(t, realtime.EventError, realtime.ErrorPayload{Code: realtime.CodeBadRequest, Message: "empty message", ClientMsgID: corrID})

	waitFor(t, "failed status", func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].Status == StatusFailed
	})
}

func TestSendWhileWriteFailsMarkedFailed(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	c := startController(t, transport, &fakeHistory{})

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	c.Send("lost")

	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Fatalf("expected failed message kept in view, got %+v", msgs)
	}
}

func TestIncomingMessageDedupedByID(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	c := startController(t, transport, &fakeHistory{})

	msg := srvMsg("m1", "bob", "hey", time.Now().UTC())
	conn.deliver(t, realtime.EventNewMessage, msg)
	conn.deliver(t, realtime.EventNewMessage, msg)

	waitFor(t, "message arrival", func() bool { return len(c.Messages()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := len(c.Messages()); n != 1 {
		t.Fatalf("duplicate message not deduped: %d entries", n)
	}
}

func TestLoadOlderIsSingleFlight(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Millisecond)
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}

	var page []realtime.MessagePayload
	for i := 0; i < defaultPageSize; i++ {
		page = append(page, srvMsg(fmt.Sprintf("m%02d", i), "bob", "x", base.Add(time.Duration(i)*time.Second)))
	}
	history := &fakeHistory{pages: [][]realtime.MessagePayload{page}}
	c := startController(t, transport, history)

	block := make(chan struct{})
	history.mu.Lock()
	history.block = block
	history.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() { c.LoadOlder(context.Background()); done <- struct{}{} }()
	waitFor(t, "first page request", func() bool { return history.callCount() == 2 })

	// second request while the first is in flight is a no-op
	go func() { c.LoadOlder(context.Background()); done <- struct{}{} }()
	<-done
	close(block)
	<-done

	if history.callCount() != 2 {
		t.Fatalf("expected single in-flight page request, got %d calls", history.callCount())
	}

	// the short (empty) page exhausted history
	if err := c.LoadOlder(context.Background()); err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if history.callCount() != 2 {
		t.Fatal("pagination should stop once a short page is returned")
	}
}

func TestTypingDebounce(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	c := startController(t, transport, &fakeHistory{})

	for i := 0; i < 5; i++ {
		c.Keystroke()
		time.Sleep(5 * time.Millisecond)
	}

	if n := len(conn.writes(realtime.EventTypingStart)); n != 1 {
		t.Fatalf("expected exactly 1 typing_start per burst, got %d", n)
	}
	if n := len(conn.writes(realtime.EventTypingStop)); n != 0 {
		t.Fatalf("typing_stop fired before quiet period: %d", n)
	}

	waitFor(t, "typing_stop after quiet period", func() bool {
		return len(conn.writes(realtime.EventTypingStop)) == 1
	})

	// a new burst starts over
	c.Keystroke()
	if n := len(conn.writes(realtime.EventTypingStart)); n != 2 {
		t.Fatalf("expected new typing_start after quiet period, got %d", n)
	}
}

func TestPeerTypingExpiresOnItsOwn(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	c := startController(t, transport, &fakeHistory{})

	conn.deliver(t, realtime.EventUserTyping, realtime.UserTypingPayload{ConversationID: "conv-1", UserID: "bob", IsTyping: true})
	waitFor(t, "peer typing on", func() bool { return c.PeerTyping() })
	waitFor(t, "peer typing expiry", func() bool { return !c.PeerTyping() })
}

func TestReadReceiptMarksOwnMessages(t *testing.T) {
	base := time.Now().UTC()
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	history := &fakeHistory{pages: [][]realtime.MessagePayload{{
		srvMsg("m2", "bob", "their message", base.Add(time.Second)),
		srvMsg("m1", "alice", "my message", base),
	}}}
	c := startController(t, transport, history)

	conn.deliver(t, realtime.EventMessagesRead, realtime.MessagesReadPayload{ConversationID: "conv-1", ReadBy: "bob"})

	waitFor(t, "own message marked read", func() bool {
		for _, m := range c.Messages() {
			if m.ID == "m1" && m.IsRead {
				return true
			}
		}
		return false
	})
	for _, m := range c.Messages() {
		if m.ID == "m2" && m.IsRead {
			t.Fatal("peer's message should not be marked read by their receipt")
		}
	}
}

func TestReconnectRejoinsAndBackfills(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Millisecond)
	conn1 := newFakeFrameConn()
	conn2 := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn1, conn2}}
	history := &fakeHistory{pages: [][]realtime.MessagePayload{
		{srvMsg("m1", "bob", "before drop", base)},
		{
			srvMsg("m2", "bob", "missed while offline", base.Add(time.Second)),
			srvMsg("m1", "bob", "before drop", base),
		},
	}}
	c := startController(t, transport, history)

	conn1.Close()

	waitFor(t, "reconnect", func() bool { return c.Connected() && transport.dialCount() == 2 })
	waitFor(t, "backfilled message", func() bool {
		msgs := c.Messages()
		return len(msgs) == 2 && msgs[1].ID == "m2"
	})

	if n := len(conn2.writes(realtime.EventJoinConversation)); n != 1 {
		t.Fatalf("expected rejoin on new connection, got %d join frames", n)
	}
}

func TestLazyConversationIDAdoptedFromAck(t *testing.T) {
	conn := newFakeFrameConn()
	transport := &fakeTransport{conns: []*fakeFrameConn{conn}}
	history := &fakeHistory{}
	c := NewController(transport, history, "alice", "", "bob")
	c.retryDelay = 10 * time.Millisecond
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)

	// without a conversation there is nothing to join and no history
	// page to request; the view starts empty and ready
	if n := len(conn.writes(realtime.EventJoinConversation)); n != 0 {
		t.Fatalf("unexpected join frame before conversation exists: %d", n)
	}
	if n := history.callCount(); n != 0 {
		t.Fatalf("history fetched for nonexistent conversation: %d calls", n)
	}
	if c.State() != StateReady {
		t.Fatalf("expected ready state, got %v", c.State())
	}

	corrID := c.Send("first contact")
	sends := conn.writes(realtime.EventSendMessage)
	if len(sends) != 1 {
		t.Fatalf("expected 1 send frame, got %d", len(sends))
	}
	sent, ok := decode[realtime.SendMessagePayload](sends[0])
	if !ok || sent.ConversationID != "" || sent.ReceiverID != "bob" {
		t.Fatalf("first send should carry only the receiver: %+v", sent)
	}

	ack := srvMsg("m1", "alice", "first contact", time.Now().UTC())
	ack.ClientMsgID = corrID
	conn.deliver(t, realtime.EventMessageSent, realtime.MessageSentPayload{Message: ack, Delivered: false})

	waitFor(t, "conversation id adoption", func() bool {
		return c.currentConversationID() == "conv-1"
	})
}
