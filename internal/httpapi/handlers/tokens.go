package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

type saveDeviceTokenReq struct {
	UserID   uint64    `json:"user_id" binding:"required"`
	UserType chat.Role `json:"user_type"`
	FCMToken string    `json:"fcm_token" binding:"required"`
}

// SaveDeviceToken registers the FCM token the push worker will deliver to
// when the user has no live channel.
func (h *Handler) SaveDeviceToken(c *gin.Context) {
	var req saveDeviceTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "missing required fields: user_id and fcm_token")
		return
	}
	if req.UserType == "" {
		req.UserType = chat.RoleStaff
	}
	if !req.UserType.Valid() {
		common.Fail(c, http.StatusBadRequest, 10002, `user_type must be "staff" or "student"`)
		return
	}

	if err := h.Redis.SaveDeviceToken(c.Request.Context(), req.UserType, req.UserID, req.FCMToken); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to save device token")
		return
	}

	common.OK(c, gin.H{"saved": true})
}
