package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/careerlink/messaging/internal/auth"
)

const (
	readTimeout  = 60 * time.Second
	maxFrameSize = 1 << 20 // 1MB payload cap
)

// TokenVerifier validates the identity token presented at handshake time.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from the web app's origin; same-host
		// deployments terminate TLS in front of us. Tighten when the
		// frontend origin list is configured.
		return true
	},
}

// Handler returns the websocket endpoint. The connection must present a
// valid identity token (Authorization header or ?token=) before the
// upgrade completes; a session only exists for authenticated identities,
// so no event from an unauthenticated socket can ever reach the store.
func Handler(verifier TokenVerifier, coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity token"})
			return
		}
		claims, err := verifier.VerifyToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid identity token"})
			return
		}

		ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response; nothing more to do.
			return
		}

		conn := NewConn(ws)
		conn.Start()

		session := NewSession(claims.UserID, conn)
		coordinator.Attach(session)
		defer func() {
			coordinator.Detach(session)
			conn.Close(websocket.CloseNormalClosure, "session closed")
		}()

		ws.SetReadLimit(maxFrameSize)
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})

		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			coordinator.Dispatch(c.Request.Context(), session, raw)
		}
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		token, _ := auth.BearerToken(h)
		return token
	}
	return strings.TrimSpace(c.Query("token"))
}
