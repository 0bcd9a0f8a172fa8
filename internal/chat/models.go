package chat

import "time"

type Role string

const (
	RoleStaff   Role = "staff"
	RoleStudent Role = "student"
)

func (r Role) Valid() bool { return r == RoleStaff || r == RoleStudent }

// SupportStaffID is the external id of the virtual Support user. Students chat
// with Support; any staff member may reply on its behalf.
const SupportStaffID uint64 = 0

// UserKey identifies a chat participant by role + external id. It is the
// presence-registry key, so two users with the same numeric id but different
// roles never collide.
type UserKey struct {
	Role   Role
	UserID uint64
}

type ChatUser struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"chat_user_id"`
	Role        Role   `gorm:"type:varchar(16);not null;index:uniq_chat_user_ref,unique,priority:1" json:"user_type"`
	ExternalID  uint64 `gorm:"not null;index:uniq_chat_user_ref,unique,priority:2" json:"user_id"`
	DisplayName string `gorm:"type:varchar(128)" json:"display_name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ChatUser) TableName() string { return "chat_users" }

func (u *ChatUser) Key() UserKey { return UserKey{Role: u.Role, UserID: u.ExternalID} }

func (u *ChatUser) IsSupport() bool {
	return u.Role == RoleStaff && u.ExternalID == SupportStaffID
}

// Connection pairs two chat users. The pair is unique regardless of stored
// order; rows are written normalized (UserOneID <= UserTwoID) but looked up in
// both orders. ClaimedBy is informational metadata for the staff UI and is
// never consulted when routing messages.
type Connection struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserOneID uint64  `gorm:"not null;index:uniq_chat_conn_pair,unique,priority:1" json:"chat_user_one"`
	UserTwoID uint64  `gorm:"not null;index:uniq_chat_conn_pair,unique,priority:2" json:"chat_user_two"`
	ClaimedBy *uint64 `gorm:"index" json:"claimed_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Connection) TableName() string { return "chat_connections" }

// Contains reports whether the given chat user id is one of the two parties.
func (c *Connection) Contains(chatUserID uint64) bool {
	return c.UserOneID == chatUserID || c.UserTwoID == chatUserID
}

// Other returns the counterpart of the given party, or 0 when the id is not a
// member of this connection.
func (c *Connection) Other(chatUserID uint64) uint64 {
	switch chatUserID {
	case c.UserOneID:
		return c.UserTwoID
	case c.UserTwoID:
		return c.UserOneID
	}
	return 0
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage || t == MessageDocument
}

// Message is receiver-addressed: ReceiverID is the chat user the message was
// delivered to; the sender is the other party of the connection. Append-only
// except for IsRead. ActualSenderStaffID records which staff member really
// typed a message sent under the Support identity.
type Message struct {
	ID                  uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID        uint64      `gorm:"not null;index:idx_chat_msg_conn_id,priority:1" json:"chat_connection_id"`
	ReceiverID          uint64      `gorm:"not null;index" json:"chat_user_id"`
	Body                string      `gorm:"type:text;not null" json:"message"`
	Type                MessageType `gorm:"type:varchar(16);not null" json:"message_type"`
	AttachmentURL       string      `gorm:"type:varchar(512)" json:"image_url,omitempty"`
	ActualSenderStaffID *uint64     `gorm:"index" json:"actual_sender_staff_id,omitempty"`
	SenderIP            string      `gorm:"type:varchar(45)" json:"-"`
	IsRead              bool        `gorm:"not null;default:false" json:"is_read"`

	CreatedAt time.Time `gorm:"index:idx_chat_msg_conn_id,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportResolved ReportStatus = "resolved"
)

type Report struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	ReporterRole Role   `gorm:"type:varchar(16);not null"`
	ReporterID   uint64 `gorm:"not null;index"`
	ReportedRole Role   `gorm:"type:varchar(16);not null"`
	ReportedID   uint64 `gorm:"not null;index"`

	ConnectionID *uint64      `gorm:"index"`
	Reason       string       `gorm:"type:text"`
	Status       ReportStatus `gorm:"type:varchar(16);not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Report) TableName() string { return "chat_reports" }
