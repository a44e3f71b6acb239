package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/alumnihub/chat-service/internal/chat"
	"github.com/alumnihub/chat-service/internal/common"
)

type openConversationReq struct {
	PeerID uint64 `json:"peer_id" binding:"required"`
}

func (h *Handler) OpenConversation(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req openConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if _, err := h.Users.GetByID(c.Request.Context(), req.PeerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	conv, err := h.ChatSvc.FindOrCreateConversation(c.Request.Context(), uid, req.PeerID)
	if err != nil {
		if errors.Is(err, chat.ErrSelfConversation) {
			common.Fail(c, http.StatusBadRequest, 10006, "cannot open a conversation with yourself")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to open conversation")
		return
	}

	common.OK(c, gin.H{"conversation": conv})
}

// ListConversations returns the caller's threads newest-activity-first,
// each joined with the peer's public profile and the unread count.
func (h *Handler) ListConversations(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	views, err := h.ChatSvc.ListConversations(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list conversations")
		return
	}

	peerIDs := make([]uint64, 0, len(views))
	for _, v := range views {
		peerIDs = append(peerIDs, v.PeerID)
	}
	peers, err := h.UsersRepo.GetManyByID(c.Request.Context(), peerIDs)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	type entry struct {
		chat.ConversationView
		PeerUsername string `json:"peer_username"`
		PeerFullName string `json:"peer_full_name"`
	}
	out := make([]entry, 0, len(views))
	for _, v := range views {
		e := entry{ConversationView: v}
		if p, ok := peers[v.PeerID]; ok {
			e.PeerUsername = p.Username
			e.PeerFullName = p.FullName
		}
		out = append(out, e)
	}

	common.OK(c, gin.H{"conversations": out})
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	conversationID := c.Param("id")
	limit, _ := strconv.Atoi(c.Query("limit"))
	beforeID := c.Query("before_id")

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, conversationID, limit, beforeID)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotParticipant):
			common.Fail(c, http.StatusNotFound, 40402, "conversation not found")
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40402, "conversation not found")
		default:
			common.Fail(c, http.StatusInternalServerError, 50003, "failed to list messages")
		}
		return
	}

	var nextBeforeID string
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
