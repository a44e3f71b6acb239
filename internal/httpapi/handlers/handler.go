package handlers

import (
	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/config"
	"github.com/alumnihub/chat-service/internal/users"
)

type Handler struct {
	Cfg       config.Config
	Users     *users.Service
	UsersRepo *users.Repo
	ChatSvc   *chat.Service
}

// NewHandler takes already-wired services: the realtime gateway shares the
// same chat.Service instance, so construction happens once in main.
func NewHandler(cfg config.Config, usersSvc *users.Service, usersRepo *users.Repo, chatSvc *chat.Service) *Handler {
	return &Handler{
		Cfg:       cfg,
		Users:     usersSvc,
		UsersRepo: usersRepo,
		ChatSvc:   chatSvc,
	}
}
