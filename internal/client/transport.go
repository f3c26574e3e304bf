package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careerlink/messaging/internal/realtime"
)

// WSTransport dials the live channel over websocket, authenticating with
// a bearer token on the handshake.
type WSTransport struct {
	URL   string // ws:// or wss:// endpoint
	Token string
}

// Dial opens a websocket connection and wraps it as a FrameConn.
func (t *WSTransport) Dial(ctx context.Context) (FrameConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: status %d: %w", t.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial %s: %w", t.URL, err)
	}
	return &wsFrameConn{conn: conn}, nil
}

type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame() (realtime.Frame, error) {
	var frame realtime.Frame
	if err := c.conn.ReadJSON(&frame); err != nil {
		return realtime.Frame{}, err
	}
	return frame, nil
}

func (c *wsFrameConn) WriteFrame(event string, data any) error {
	raw, err := realtime.EncodeFrame(event, data)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}

// HTTPHistory fetches message pages from the REST surface.
type HTTPHistory struct {
	BaseURL string // e.g. http://localhost:8080
	Token   string
	Client  *http.Client
}

// FetchMessages loads one page of messages for the conversation, newest
// first, strictly older than before when before is non-zero.
func (h *HTTPHistory) FetchMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]realtime.MessagePayload, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	u := fmt.Sprintf("%s/api/v1/conversations/%s/messages?%s", h.BaseURL, url.PathEscape(conversationID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch messages: status %d", resp.StatusCode)
	}

	var body struct {
		Messages []realtime.MessagePayload `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("client: decode messages: %w", err)
	}
	return body.Messages, nil
}
