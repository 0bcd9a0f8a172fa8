package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetUser(ctx context.Context, role Role, externalID uint64) (*ChatUser, error) {
	var u ChatUser
	if err := r.db.WithContext(ctx).
		Where("role = ? AND external_id = ?", role, externalID).
		First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetUserByID(ctx context.Context, chatUserID uint64) (*ChatUser, error) {
	var u ChatUser
	if err := r.db.WithContext(ctx).First(&u, chatUserID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetOrCreateUser resolves the chat user for (role, external id), creating it
// on first use. The unique index on (role, external_id) makes concurrent
// first-use races collapse onto a single row.
func (r *Repo) GetOrCreateUser(ctx context.Context, role Role, externalID uint64, displayName string) (*ChatUser, bool, error) {
	u := &ChatUser{Role: role, ExternalID: externalID, DisplayName: displayName}
	err := r.db.WithContext(ctx).Create(u).Error
	if err == nil {
		return u, true, nil
	}

	existing, getErr := r.GetUser(ctx, role, externalID)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// SupportUser resolves the virtual Support identity (staff, external id 0),
// creating it on first use.
func (r *Repo) SupportUser(ctx context.Context) (*ChatUser, error) {
	u, _, err := r.GetOrCreateUser(ctx, RoleStaff, SupportStaffID, "Support")
	return u, err
}

func (r *Repo) GetConnection(ctx context.Context, id uint64) (*Connection, error) {
	var conn Connection
	if err := r.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// GetOrCreateConnection returns the connection pairing the two chat users,
// creating it on first contact. The pair is matched in either stored order and
// written normalized so the unique index holds.
func (r *Repo) GetOrCreateConnection(ctx context.Context, aID, bID uint64) (*Connection, bool, error) {
	existing, err := r.findConnectionBetween(ctx, aID, bID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	one, two := aID, bID
	if one > two {
		one, two = two, one
	}
	conn := &Connection{UserOneID: one, UserTwoID: two}
	if createErr := r.db.WithContext(ctx).Create(conn).Error; createErr != nil {
		// lost a creation race: the pair exists now
		existing, err = r.findConnectionBetween(ctx, aID, bID)
		if err == nil {
			return existing, false, nil
		}
		return nil, false, createErr
	}
	return conn, true, nil
}

func (r *Repo) findConnectionBetween(ctx context.Context, aID, bID uint64) (*Connection, error) {
	var conn Connection
	if err := r.db.WithContext(ctx).
		Where("(user_one_id = ? AND user_two_id = ?) OR (user_one_id = ? AND user_two_id = ?)",
			aID, bID, bID, aID).
		First(&conn).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListConnectionsForUser returns every connection the chat user is a party of,
// newest first.
func (r *Repo) ListConnectionsForUser(ctx context.Context, chatUserID uint64) ([]Connection, error) {
	var conns []Connection
	if err := r.db.WithContext(ctx).
		Where("user_one_id = ? OR user_two_id = ?", chatUserID, chatUserID).
		Order("created_at DESC").
		Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// ClaimConnection records which staff member claimed a support thread. Claim
// state is surfaced to the staff UI only; routing never filters on it.
func (r *Repo) ClaimConnection(ctx context.Context, connectionID, staffExternalID uint64) error {
	res := r.db.WithContext(ctx).Model(&Connection{}).
		Where("id = ?", connectionID).
		Update("claimed_by", staffExternalID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if !m.Type.Valid() {
		m.Type = MessageText
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessagesPaginated returns up to limit messages of a connection in
// reverse-chronological order, strictly older than beforeID when given. It
// fetches one extra row to derive hasMore and discards it.
func (r *Repo) ListMessagesPaginated(ctx context.Context, connectionID uint64, limit int, beforeID uint64) (msgs []Message, hasMore bool, err error) {
	if limit <= 0 {
		limit = 30
	}
	if limit > 100 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	if err := q.Find(&msgs).Error; err != nil {
		return nil, false, err
	}
	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// MarkMessagesRead flips is_read on every message of the connection addressed
// to the reader. Zero affected rows is not an error.
func (r *Repo) MarkMessagesRead(ctx context.Context, connectionID, readerChatUserID uint64) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("connection_id = ? AND receiver_id = ? AND is_read = ?", connectionID, readerChatUserID, false).
		Update("is_read", true).Error
}

func (r *Repo) InsertReport(ctx context.Context, rep *Report) error {
	if rep.Status == "" {
		rep.Status = ReportPending
	}
	return r.db.WithContext(ctx).Create(rep).Error
}
