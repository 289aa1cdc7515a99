package ginserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/realtime"
)

// RealtimeHandler upgrades /ws requests onto the hub.
type RealtimeHandler struct {
	Hub *realtime.Hub
}

func (h RealtimeHandler) Serve(c *gin.Context) {
	userID := strings.TrimSpace(c.GetHeader(obs.UserIDHeader))
	if userID == "" {
		userID = strings.TrimSpace(c.Query("user_id"))
	}
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user_id is required"})
		return
	}
	c.Set(userKey, userID)
	h.Hub.ServeWS(c.Writer, c.Request, userID)
}

var _ RealtimeHTTP = (*RealtimeHandler)(nil)

var changePrefix = chat.ChangeTopic(chat.MessagesTable, chat.ConversationFilter(""))

// TopicAuthorizer allows the shared presence topic and per-conversation topics to participants.
func TopicAuthorizer(conversations interface {
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
}) realtime.Authorizer {
	return func(ctx context.Context, userID, topic string) error {
		if topic == chat.PresenceTopic {
			return nil
		}
		var conversationID string
		switch {
		case strings.HasPrefix(topic, changePrefix):
			conversationID = strings.TrimPrefix(topic, changePrefix)
		case strings.HasPrefix(topic, chat.TypingTopic("")):
			conversationID = strings.TrimPrefix(topic, chat.TypingTopic(""))
		default:
			return fmt.Errorf("%w: %s", realtime.ErrForbidden, topic)
		}
		conv, err := conversations.GetConversation(ctx, conversationID)
		if errors.Is(err, chat.ErrNotFound) {
			return fmt.Errorf("%w: %s", realtime.ErrForbidden, topic)
		}
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return fmt.Errorf("%w: %s", realtime.ErrForbidden, topic)
		}
		return nil
	}
}
