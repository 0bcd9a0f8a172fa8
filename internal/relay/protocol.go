package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/chat-relay/internal/chat"
)

// FlexID accepts both 42 and "42" on the wire; the mobile client is not
// consistent about numeric types.
type FlexID uint64

// invalidIDError marks an id field that parsed as JSON but not as a number.
// Decode maps it to a ValidationError: the frame itself is well-formed.
type invalidIDError struct {
	raw string
}

func (e *invalidIDError) Error() string { return fmt.Sprintf("invalid id %q", e.raw) }

func (f *FlexID) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(b), `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return &invalidIDError{raw: s}
	}
	*f = FlexID(n)
	return nil
}

// Op is the closed set of inbound operations. Every frame is decoded exactly
// once into one of these; handlers switch over the concrete type.
type Op interface{ isOp() }

type ConnectOp struct {
	UserID   uint64
	UserType chat.Role
}

type SendMessageOp struct {
	ConnectionID uint64
	Body         string
	SenderID     uint64
	SenderType   chat.Role // optional; the announced identity wins
	Type         chat.MessageType
	ImageURL     string
	DocumentURL  string
}

type GetMessagesOp struct {
	ConnectionID uint64
	Limit        int
	BeforeID     uint64
}

type MarkReadOp struct {
	ConnectionID uint64
}

type ReportUserOp struct {
	ReportedID   uint64
	ReportedRole chat.Role
	Reason       string
	ConnectionID *uint64
}

type CreateChatUserOp struct {
	UserID   uint64
	UserType chat.Role
}

func (ConnectOp) isOp()        {}
func (SendMessageOp) isOp()    {}
func (GetMessagesOp) isOp()    {}
func (MarkReadOp) isOp()       {}
func (ReportUserOp) isOp()     {}
func (CreateChatUserOp) isOp() {}

type envelope struct {
	Action string `json:"action"`

	UserID   *FlexID `json:"user_id"`
	UserType string  `json:"user_type"`

	ConnectionID *FlexID `json:"chat_connection_id"`
	Message      *string `json:"message"`
	SenderID     *FlexID `json:"sender_id"`
	MessageType  string  `json:"message_type"`
	ImageURL     string  `json:"image_url"`
	DocumentURL  string  `json:"document_url"`

	Limit    *int    `json:"limit"`
	BeforeID *FlexID `json:"before_id"`

	ReportedUserID   *FlexID `json:"reported_user_id"`
	ReportedUserType string  `json:"reported_user_type"`
	Reason           string  `json:"reason"`
}

// Decode parses one inbound frame into an Op. Malformed JSON and unknown
// actions come back as *ProtocolError, field problems as *ValidationError,
// and frames the protocol drops silently as errIgnoreFrame.
func Decode(raw []byte) (Op, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var idErr *invalidIDError
		if errors.As(err, &idErr) {
			return nil, &ValidationError{Msg: "Invalid id value: " + strconv.Quote(idErr.raw)}
		}
		return nil, &ProtocolError{Msg: "Invalid JSON format: " + err.Error()}
	}

	switch env.Action {
	case "connect":
		// missing fields are dropped without a reply
		if env.UserID == nil {
			return nil, errIgnoreFrame
		}
		role := roleOrDefault(env.UserType)
		return ConnectOp{UserID: uint64(*env.UserID), UserType: role}, nil

	case "send_message":
		if env.ConnectionID == nil || env.Message == nil || *env.Message == "" || env.SenderID == nil {
			return nil, &ValidationError{Msg: "Missing required fields: chat_connection_id, message, sender_id"}
		}
		mt := chat.MessageType(strings.TrimSpace(env.MessageType))
		if !mt.Valid() {
			mt = chat.MessageText
		}
		return SendMessageOp{
			ConnectionID: uint64(*env.ConnectionID),
			Body:         *env.Message,
			SenderID:     uint64(*env.SenderID),
			SenderType:   chat.Role(strings.TrimSpace(env.UserType)),
			Type:         mt,
			ImageURL:     strings.TrimSpace(env.ImageURL),
			DocumentURL:  strings.TrimSpace(env.DocumentURL),
		}, nil

	case "get_messages":
		if env.ConnectionID == nil {
			return nil, errIgnoreFrame
		}
		op := GetMessagesOp{ConnectionID: uint64(*env.ConnectionID)}
		if env.Limit != nil {
			op.Limit = *env.Limit
		}
		if env.BeforeID != nil {
			op.BeforeID = uint64(*env.BeforeID)
		}
		return op, nil

	case "mark_messages_read":
		if env.ConnectionID == nil {
			return nil, errIgnoreFrame
		}
		return MarkReadOp{ConnectionID: uint64(*env.ConnectionID)}, nil

	case "report_user":
		role := chat.Role(strings.TrimSpace(env.ReportedUserType))
		if role == "" {
			role = chat.RoleStudent
		}
		if env.ReportedUserID == nil || !role.Valid() {
			return nil, &ValidationError{Msg: "Missing or invalid report data"}
		}
		op := ReportUserOp{
			ReportedID:   uint64(*env.ReportedUserID),
			ReportedRole: role,
			Reason:       env.Reason,
		}
		if env.ConnectionID != nil {
			id := uint64(*env.ConnectionID)
			op.ConnectionID = &id
		}
		return op, nil

	case "create_chat_user":
		if env.UserID == nil || *env.UserID == 0 {
			return nil, &ValidationError{Msg: "Missing user_id"}
		}
		role := roleOrDefault(env.UserType)
		if !role.Valid() {
			return nil, &ValidationError{Msg: `Invalid user_type. Must be "staff" or "student"`}
		}
		return CreateChatUserOp{UserID: uint64(*env.UserID), UserType: role}, nil

	default:
		return nil, &ProtocolError{Msg: "Unknown action: " + env.Action}
	}
}

func roleOrDefault(raw string) chat.Role {
	r := chat.Role(strings.TrimSpace(raw))
	if r == "" {
		return chat.RoleStaff
	}
	return r
}
