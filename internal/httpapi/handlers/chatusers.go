package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

type ensureChatUserReq struct {
	UserID      uint64    `json:"user_id" binding:"required"`
	UserType    chat.Role `json:"user_type" binding:"required"`
	DisplayName string    `json:"display_name"`
}

// EnsureChatUser resolves (creating on first use) the chat user for an
// external reference and refreshes its display name.
func (h *Handler) EnsureChatUser(c *gin.Context) {
	var req ensureChatUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !req.UserType.Valid() {
		common.Fail(c, http.StatusBadRequest, 10002, `user_type must be "staff" or "student"`)
		return
	}

	user, isNew, err := h.Repo.GetOrCreateUser(c.Request.Context(), req.UserType, req.UserID, req.DisplayName)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chat user")
		return
	}

	if !isNew && req.DisplayName != "" && req.DisplayName != user.DisplayName {
		if err := h.DB.Model(user).Update("display_name", req.DisplayName).Error; err == nil {
			user.DisplayName = req.DisplayName
		}
	}

	common.OK(c, gin.H{
		"chat_user_id": user.ID,
		"is_new":       isNew,
		"display_name": user.DisplayName,
	})
}
