package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

type userRef struct {
	UserID   uint64    `json:"user_id"`
	UserType chat.Role `json:"user_type"`
}

type createConnectionReq struct {
	UserOne userRef `json:"user_one" binding:"required"`
	UserTwo userRef `json:"user_two" binding:"required"`
}

// CreateConnection resolves both parties and returns the connection pairing
// them, creating users and pairing on first contact.
func (h *Handler) CreateConnection(c *gin.Context) {
	var req createConnectionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !req.UserOne.UserType.Valid() || !req.UserTwo.UserType.Valid() {
		common.Fail(c, http.StatusBadRequest, 10002, `user_type must be "staff" or "student"`)
		return
	}

	ctx := c.Request.Context()
	one, _, err := h.Repo.GetOrCreateUser(ctx, req.UserOne.UserType, req.UserOne.UserID, "")
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to resolve user_one")
		return
	}
	two, _, err := h.Repo.GetOrCreateUser(ctx, req.UserTwo.UserType, req.UserTwo.UserID, "")
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to resolve user_two")
		return
	}
	if one.ID == two.ID {
		common.Fail(c, http.StatusBadRequest, 10003, "cannot pair a user with itself")
		return
	}

	conn, isNew, err := h.Repo.GetOrCreateConnection(ctx, one.ID, two.ID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to create connection")
		return
	}

	common.OK(c, gin.H{
		"connection_id": conn.ID,
		"is_new":        isNew,
		"chat_user_one": conn.UserOneID,
		"chat_user_two": conn.UserTwoID,
	})
}

// ListConnections returns every connection for a chat user, with the
// counterpart resolved for display.
func (h *Handler) ListConnections(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid user_id")
		return
	}
	role := chat.Role(c.Query("user_type"))
	if !role.Valid() {
		common.Fail(c, http.StatusBadRequest, 10002, `user_type must be "staff" or "student"`)
		return
	}

	ctx := c.Request.Context()
	user, err := h.Repo.GetUser(ctx, role, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.OK(c, gin.H{"connections": []gin.H{}})
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	conns, err := h.Repo.ListConnectionsForUser(ctx, user.ID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	out := make([]gin.H, 0, len(conns))
	for i := range conns {
		conn := &conns[i]
		row := gin.H{
			"id":            conn.ID,
			"chat_user_one": conn.UserOneID,
			"chat_user_two": conn.UserTwoID,
			"claimed_by":    conn.ClaimedBy,
			"created_at":    conn.CreatedAt,
		}
		if other, err := h.Repo.GetUserByID(ctx, conn.Other(user.ID)); err == nil {
			row["other_user_id"] = other.ExternalID
			row["other_user_type"] = other.Role
			row["other_display_name"] = other.DisplayName
		}
		out = append(out, row)
	}

	common.OK(c, gin.H{"connections": out})
}

type claimConnectionReq struct {
	StaffID uint64 `json:"staff_id" binding:"required"`
}

// ClaimConnection records which staff member is handling a support thread.
// Claim state is display metadata only; delivery never filters on it.
func (h *Handler) ClaimConnection(c *gin.Context) {
	connID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid connection id")
		return
	}

	var req claimConnectionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if err := h.Repo.ClaimConnection(c.Request.Context(), connID, req.StaffID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "connection not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	common.OK(c, gin.H{"connection_id": connID, "claimed_by": req.StaffID})
}
