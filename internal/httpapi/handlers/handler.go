package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/common"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/presence"
	"github.com/suPer8Hu/chat-relay/internal/push"
	"github.com/suPer8Hu/chat-relay/internal/relay"
	"github.com/suPer8Hu/chat-relay/internal/store/redisstore"
)

type Handler struct {
	DB       *gorm.DB
	Cfg      config.Config
	Redis    *redisstore.Store
	Repo     *chat.Repo
	Presence *presence.Registry
	Relay    *relay.Router

	upgrader websocket.Upgrader
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, pub push.Publisher) *Handler {
	repo := chat.NewRepo(db)
	reg := presence.NewRegistry()
	router := relay.NewRouter(repo, reg, push.NewQueueDispatcher(pub), cfg.PushPreviewLen)

	return &Handler{
		DB:       db,
		Cfg:      cfg,
		Redis:    rds,
		Repo:     repo,
		Presence: reg,
		Relay:    router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the mobile client has no meaningful origin
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
