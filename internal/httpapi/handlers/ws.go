package handlers

import (
	"log"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/chat-relay/internal/relay"
)

// wsChannel adapts a websocket connection to the presence.Channel interface.
// gorilla/websocket allows one concurrent writer, so Send serializes writes;
// reads stay on the connection's own loop.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsChannel) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// Chat upgrades the request and pumps inbound frames into the relay router.
// One goroutine per connection; frames from one channel are processed in
// receipt order.
func (h *Handler) Chat(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	ch := &wsChannel{conn: conn}
	client := relay.NewClient(ch, c.ClientIP())
	log.Printf("[ws] client=%s connected from %s", client.ID, client.RemoteIP)

	defer func() {
		h.Relay.Disconnect(client)
		_ = conn.Close()
	}()

	ctx := c.Request.Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] client=%s read error: %v", client.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.Relay.HandleFrame(ctx, client, data)
	}
}
