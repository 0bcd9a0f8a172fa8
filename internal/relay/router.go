// Package relay is the message-routing engine: it resolves effective
// sender/receiver identities for each inbound frame, persists messages, and
// fans them out over live channels with a push-notification fallback.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"

	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/presence"
	"github.com/suPer8Hu/chat-relay/internal/push"
)

const wireTimeLayout = "2006-01-02 15:04:05"

// wire is one outbound JSON payload. Fields are assembled conditionally, so a
// map reads better than a struct full of omitempties.
type wire map[string]any

type Router struct {
	repo       *chat.Repo
	presence   *presence.Registry
	push       push.Dispatcher
	previewLen int
}

func NewRouter(repo *chat.Repo, reg *presence.Registry, dispatcher push.Dispatcher, previewLen int) *Router {
	if previewLen <= 0 {
		previewLen = 100
	}
	return &Router{repo: repo, presence: reg, push: dispatcher, previewLen: previewLen}
}

// HandleFrame processes one inbound frame from a client. Frames from a single
// channel are handled in receipt order because each connection's read loop
// calls this serially. Errors are reported back over the same channel; the
// channel itself stays open.
func (rt *Router) HandleFrame(ctx context.Context, c *Client, raw []byte) {
	op, err := Decode(raw)
	if err != nil {
		if errors.Is(err, errIgnoreFrame) {
			return
		}
		c.send(wire{"action": "error", "message": err.Error()})
		return
	}

	switch op := op.(type) {
	case ConnectOp:
		err = rt.handleConnect(ctx, c, op)
	case SendMessageOp:
		err = rt.handleSend(ctx, c, op)
	case GetMessagesOp:
		err = rt.handleHistory(ctx, c, op)
	case MarkReadOp:
		err = rt.handleMarkRead(ctx, c, op)
	case ReportUserOp:
		err = rt.handleReport(ctx, c, op)
	case CreateChatUserOp:
		err = rt.handleCreateChatUser(ctx, c, op)
	}
	if err != nil {
		if errors.Is(err, errIgnoreFrame) {
			return
		}
		c.send(wire{"action": "error", "message": errorMessage(err)})
	}
}

func errorMessage(err error) string {
	var (
		protoErr    *ProtocolError
		validateErr *ValidationError
		identErr    *IdentityResolutionError
		partyErr    *UnresolvedPartyError
		storeErr    *PersistenceError
	)
	switch {
	case errors.As(err, &protoErr),
		errors.As(err, &validateErr),
		errors.As(err, &identErr),
		errors.As(err, &partyErr),
		errors.As(err, &storeErr):
		return err.Error()
	}
	return "Server error: " + err.Error()
}

// handleConnect resolves (creating on first use) the announced identity and
// registers its live channel.
func (rt *Router) handleConnect(ctx context.Context, c *Client, op ConnectOp) error {
	if !op.UserType.Valid() {
		return &IdentityResolutionError{Msg: `Invalid user_type. Must be "staff" or "student"`}
	}

	user, _, err := rt.repo.GetOrCreateUser(ctx, op.UserType, op.UserID, "")
	if err != nil {
		return &IdentityResolutionError{Msg: "Failed to resolve chat user"}
	}

	c.setIdentity(user.Role, user.ExternalID)
	rt.presence.Register(user.Key(), c.Channel())
	log.Printf("[relay] client=%s connected user=%d (%s)", c.ID, user.ExternalID, user.Role)

	c.send(wire{
		"action":  "connected",
		"user_id": user.ExternalID,
		"status":  "success",
	})
	return nil
}

// handleSend is the central delivery algorithm. In a support thread any staff
// sender is substituted by the Support identity outward, while the real staff
// id is retained as an audit attribute and shown to other staff.
func (rt *Router) handleSend(ctx context.Context, c *Client, op SendMessageOp) error {
	senderRole := op.SenderType
	if key, ok := c.Identity(); ok {
		senderRole = key.Role
	}
	if !senderRole.Valid() {
		senderRole = chat.RoleStaff
	}

	sender, err := rt.repo.GetUser(ctx, senderRole, op.SenderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &UnresolvedPartyError{Side: "sender", Msg: "Sender chat user not found. Create the chat user first."}
		}
		return err
	}

	support, err := rt.repo.SupportUser(ctx)
	if err != nil {
		return err
	}

	conn, err := rt.repo.GetConnection(ctx, op.ConnectionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &UnresolvedPartyError{Side: "receiver", Msg: "Receiver chat user not found. Invalid chat_connection_id."}
		}
		return err
	}

	connIsSupport := conn.Contains(support.ID)
	adminAsSupport := connIsSupport && sender.Role == chat.RoleStaff && sender.ID != support.ID

	effSender := sender
	var receiverID uint64
	if adminAsSupport {
		effSender = support
		receiverID = conn.Other(support.ID)
	} else {
		if !conn.Contains(sender.ID) {
			return &UnresolvedPartyError{Side: "receiver", Msg: "Receiver chat user not found. Invalid chat_connection_id."}
		}
		receiverID = conn.Other(sender.ID)
	}

	receiver, err := rt.repo.GetUserByID(ctx, receiverID)
	if err != nil {
		return &UnresolvedPartyError{Side: "receiver", Msg: "Receiver chat user not found. Invalid chat_connection_id."}
	}

	attachment := ""
	switch op.Type {
	case chat.MessageImage:
		attachment = op.ImageURL
	case chat.MessageDocument:
		attachment = op.DocumentURL
		if attachment == "" {
			attachment = op.ImageURL
		}
	}

	msg := &chat.Message{
		ConnectionID:  conn.ID,
		ReceiverID:    receiver.ID,
		Body:          op.Body,
		Type:          op.Type,
		AttachmentURL: attachment,
		SenderIP:      c.RemoteIP,
	}
	if adminAsSupport {
		actual := sender.ExternalID
		msg.ActualSenderStaffID = &actual
	}
	if err := rt.repo.InsertMessage(ctx, msg); err != nil {
		return &PersistenceError{Msg: "Failed to save message to database", Err: err}
	}

	// Display context: the real staff name when writing as Support, the
	// student's name when writing into the Support inbox.
	senderName := ""
	if adminAsSupport {
		senderName = sender.DisplayName
	} else if receiver.IsSupport() && sender.Role == chat.RoleStudent {
		senderName = sender.DisplayName
	}

	base := wire{
		"action":             "new_message",
		"message_id":         msg.ID,
		"chat_connection_id": conn.ID,
		"chat_user_id":       receiver.ID,
		"message":            msg.Body,
		"message_type":       msg.Type,
		"sender_id":          effSender.ExternalID,
		"created_at":         msg.CreatedAt.Format(wireTimeLayout),
	}
	if attachment != "" {
		base["image_url"] = attachment
		if msg.Type == chat.MessageDocument {
			base["document_url"] = attachment
		}
	}
	if adminAsSupport {
		base["actual_sender_staff_id"] = sender.ExternalID
	}
	if senderName != "" {
		base["sender_display_name"] = senderName
	}

	if key, ok := c.Identity(); ok && key.Role == chat.RoleStaff {
		rt.presence.SetViewing(c.Channel(), conn.ID)
	}

	// Delivery fan-out. Each leg is independent; a failed leg is logged and
	// swallowed because the message is already durable.
	receiverOnline := false
	if receiver.IsSupport() {
		// shared Support inbox: every live staff channel gets it
		staffPayload := cloneWire(base)
		staffPayload["sender_id"] = sender.ExternalID
		n := rt.presence.BroadcastToAgents(mustMarshal(staffPayload), nil)
		log.Printf("[relay] client=%s msg=%d broadcast to %d staff (support inbox)", c.ID, msg.ID, n)
	} else {
		ch, ok := rt.presence.Lookup(receiver.Key())
		receiverOnline = ok
		if ok {
			if err := ch.Send(mustMarshal(base)); err != nil {
				log.Printf("[relay] client=%s msg=%d delivery to user=%d failed, pruning: %v", c.ID, msg.ID, receiver.ExternalID, err)
				rt.presence.Unregister(ch)
			}
		}
	}

	if adminAsSupport {
		// support thread behaves like a small group chat: staff viewing the
		// thread see each other's replies live, minus their own echo
		staffPayload := cloneWire(base)
		staffPayload["sender_id"] = sender.ExternalID
		payload := mustMarshal(staffPayload)
		for _, ch := range rt.presence.AgentsViewing(conn.ID, c.Channel()) {
			if err := ch.Send(payload); err != nil {
				rt.presence.Unregister(ch)
			}
		}
	}

	rt.pushFallback(ctx, c, msg, conn, sender, effSender, receiver, receiverOnline, senderName)

	ack := wire{
		"action":     "message_sent",
		"message_id": msg.ID,
		"status":     "success",
	}
	if senderName != "" {
		ack["sender_display_name"] = senderName
	}
	if adminAsSupport {
		ack["actual_sender_staff_id"] = sender.ExternalID
	}
	c.send(ack)
	return nil
}

// pushFallback queues a push notification when the receiver has no live
// channel. A Support receiver is special: all staff devices are notified
// regardless of live state, so the inbox reaches staff with the app closed.
func (rt *Router) pushFallback(ctx context.Context, c *Client, msg *chat.Message, conn *chat.Connection, sender, effSender, receiver *chat.ChatUser, receiverOnline bool, senderName string) {
	title := senderName
	if title == "" {
		title = effSender.DisplayName
	}
	if title == "" {
		title = "New message"
	}
	data := map[string]string{
		"chatId":   strconv.FormatUint(conn.ID, 10),
		"senderId": strconv.FormatUint(effSender.ExternalID, 10),
		"message":  msg.Body,
	}
	preview := truncate(msg.Body, rt.previewLen)

	var err error
	switch {
	case receiver.IsSupport():
		err = rt.push.PushToAllStaff(ctx, title, preview, data)
	case !receiverOnline:
		err = rt.push.PushTo(ctx, receiver.Role, receiver.ExternalID, title, preview, data)
	default:
		return
	}
	if err != nil {
		log.Printf("[relay] client=%s msg=%d push dispatch failed: %v", c.ID, msg.ID, err)
	}
}

// handleHistory replies with a reverse-chronological page of messages. For a
// staff caller it also records which thread the channel is viewing, which
// targets the in-thread fan-out of later support replies.
func (rt *Router) handleHistory(ctx context.Context, c *Client, op GetMessagesOp) error {
	if key, ok := c.Identity(); ok && key.Role == chat.RoleStaff {
		rt.presence.SetViewing(c.Channel(), op.ConnectionID)
	}

	conn, err := rt.repo.GetConnection(ctx, op.ConnectionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.send(wire{
				"action":             "messages",
				"chat_connection_id": op.ConnectionID,
				"messages":           []wire{},
				"has_more":           false,
			})
			return nil
		}
		return err
	}

	msgs, hasMore, err := rt.repo.ListMessagesPaginated(ctx, conn.ID, op.Limit, op.BeforeID)
	if err != nil {
		return err
	}

	parties := map[uint64]*chat.ChatUser{}
	for _, id := range []uint64{conn.UserOneID, conn.UserTwoID} {
		if u, err := rt.repo.GetUserByID(ctx, id); err == nil {
			parties[id] = u
		}
	}

	out := make([]wire, 0, len(msgs))
	for i := range msgs {
		out = append(out, rt.historyRow(ctx, conn, &msgs[i], parties))
	}

	c.send(wire{
		"action":             "messages",
		"chat_connection_id": conn.ID,
		"messages":           out,
		"has_more":           hasMore,
	})
	return nil
}

func (rt *Router) historyRow(ctx context.Context, conn *chat.Connection, m *chat.Message, parties map[uint64]*chat.ChatUser) wire {
	row := wire{
		"id":                 m.ID,
		"chat_connection_id": m.ConnectionID,
		"chat_user_id":       m.ReceiverID,
		"message":            m.Body,
		"message_type":       m.Type,
		"is_read":            m.IsRead,
		"created_at":         m.CreatedAt.Format(wireTimeLayout),
	}
	if m.AttachmentURL != "" {
		row["image_url"] = m.AttachmentURL
	}

	senderName := ""
	if sender := parties[conn.Other(m.ReceiverID)]; sender != nil {
		row["sender_id"] = sender.ExternalID
		senderName = sender.DisplayName
	}
	if m.ActualSenderStaffID != nil {
		row["actual_sender_staff_id"] = *m.ActualSenderStaffID
		if staff, err := rt.repo.GetUser(ctx, chat.RoleStaff, *m.ActualSenderStaffID); err == nil && staff.DisplayName != "" {
			senderName = staff.DisplayName
		}
	}
	if senderName != "" {
		row["sender_display_name"] = senderName
	}
	return row
}

// handleMarkRead marks every message of the connection addressed to the
// announced caller as read.
func (rt *Router) handleMarkRead(ctx context.Context, c *Client, op MarkReadOp) error {
	key, ok := c.Identity()
	if !ok {
		return errIgnoreFrame
	}
	reader, err := rt.repo.GetUser(ctx, key.Role, key.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// no chat-user row means nothing addressed to them; ack anyway
			c.send(wire{
				"action":             "messages_marked_read",
				"chat_connection_id": op.ConnectionID,
			})
			return nil
		}
		return err
	}
	if err := rt.repo.MarkMessagesRead(ctx, op.ConnectionID, reader.ID); err != nil {
		return &PersistenceError{Msg: "Failed to mark messages as read", Err: err}
	}
	c.send(wire{
		"action":             "messages_marked_read",
		"chat_connection_id": op.ConnectionID,
	})
	return nil
}

func (rt *Router) handleReport(ctx context.Context, c *Client, op ReportUserOp) error {
	key, ok := c.Identity()
	if !ok {
		return &ValidationError{Msg: "Missing or invalid report data"}
	}

	id, err := common.NewULID()
	if err != nil {
		return err
	}
	rep := &chat.Report{
		ID:           id,
		ReporterRole: key.Role,
		ReporterID:   key.UserID,
		ReportedRole: op.ReportedRole,
		ReportedID:   op.ReportedID,
		ConnectionID: op.ConnectionID,
		Reason:       op.Reason,
	}
	if err := rt.repo.InsertReport(ctx, rep); err != nil {
		return &PersistenceError{Msg: "Failed to submit report", Err: err}
	}

	c.send(wire{
		"action":  "report_submitted",
		"message": "Report submitted successfully",
	})
	return nil
}

func (rt *Router) handleCreateChatUser(ctx context.Context, c *Client, op CreateChatUserOp) error {
	user, isNew, err := rt.repo.GetOrCreateUser(ctx, op.UserType, op.UserID, "")
	if err != nil {
		return &PersistenceError{Msg: "Failed to create chat user entry", Err: err}
	}
	c.send(wire{
		"action":       "chat_user_created",
		"chat_user_id": user.ID,
		"is_new":       isNew,
		"status":       "success",
	})
	return nil
}

// Disconnect runs the cleanup for a closed channel. Safe to call for a
// channel that never announced.
func (rt *Router) Disconnect(c *Client) {
	rt.presence.Unregister(c.Channel())
	if key, ok := c.Identity(); ok {
		log.Printf("[relay] client=%s user=%d (%s) disconnected", c.ID, key.UserID, key.Role)
	}
}

func cloneWire(w wire) wire {
	out := make(wire, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func mustMarshal(w wire) []byte {
	b, err := json.Marshal(w)
	if err != nil {
		log.Printf("[relay] marshal payload failed: %v", err)
		return []byte("{}")
	}
	return b
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
