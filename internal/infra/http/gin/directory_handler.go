package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/domain/chat"
)

type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (chat.Profile, error)
}

type RequestSource interface {
	GetRequestSummary(ctx context.Context, requestID string) (chat.RequestSummary, error)
}

// DirectoryHandler serves the identity and transaction collaborators.
type DirectoryHandler struct {
	Profiles ProfileSource
	Requests RequestSource
	Logger   *slog.Logger
}

func (h DirectoryHandler) GetProfile(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if h.Profiles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "profiles unavailable"})
		return
	}
	profile, err := h.Profiles.GetProfile(c.Request.Context(), id)
	if err != nil {
		h.respond(c, err, "get profile", id)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h DirectoryHandler) GetRequestSummary(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if h.Requests == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "requests unavailable"})
		return
	}
	summary, err := h.Requests.GetRequestSummary(c.Request.Context(), id)
	if err != nil {
		h.respond(c, err, "get request summary", id)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h DirectoryHandler) respond(c *gin.Context, err error, action, id string) {
	if errors.Is(err, chat.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if h.Logger != nil {
		h.Logger.Error("directory lookup failed", "action", action, "id", id, "error", err)
	}
	_ = c.Error(err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "lookup failed"})
}

var _ DirectoryHTTP = (*DirectoryHandler)(nil)
