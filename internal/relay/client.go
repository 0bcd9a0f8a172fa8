package relay

import (
	"encoding/json"
	"log"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/presence"
)

// Client is the per-connection state of one live channel. The identity fields
// are written only by the connection's own read loop, so they need no lock;
// everything shared across connections lives in the presence registry.
type Client struct {
	ID       string // for logs only
	RemoteIP string

	ch presence.Channel

	announced bool
	role      chat.Role
	userID    uint64
}

func NewClient(ch presence.Channel, remoteIP string) *Client {
	id, err := common.NewULID()
	if err != nil {
		id = "client-unknown"
	}
	return &Client{ID: id, RemoteIP: remoteIP, ch: ch}
}

func (c *Client) Channel() presence.Channel { return c.ch }

// Identity returns the announced identity, if any.
func (c *Client) Identity() (chat.UserKey, bool) {
	if !c.announced {
		return chat.UserKey{}, false
	}
	return chat.UserKey{Role: c.role, UserID: c.userID}, true
}

func (c *Client) setIdentity(role chat.Role, userID uint64) {
	c.announced = true
	c.role = role
	c.userID = userID
}

// send marshals and writes a reply to the originating channel. A failed write
// means the channel is dying; the read loop will notice and clean up, so the
// error is only logged here.
func (c *Client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("[relay] client=%s marshal reply failed: %v", c.ID, err)
		return
	}
	if err := c.ch.Send(b); err != nil {
		log.Printf("[relay] client=%s reply send failed: %v", c.ID, err)
	}
}
