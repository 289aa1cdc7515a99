package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketchat/internal/domain/chat"
)

// ReadCursors records when the viewer last looked at a conversation and derives unread counts.
type ReadCursors struct {
	api        DataAPI
	viewer     string
	logger     *slog.Logger
	invalidate func()
}

// NewReadCursors builds a tracker. invalidate is called after every stored cursor.
func NewReadCursors(api DataAPI, viewer string, logger *slog.Logger, invalidate func()) *ReadCursors {
	return &ReadCursors{api: api, viewer: viewer, logger: logger, invalidate: invalidate}
}

// MarkRead upserts last_read_at = now() for the viewer. It is best-effort: callers
// may ignore the error, the next mount retries implicitly.
func (r *ReadCursors) MarkRead(ctx context.Context, conversationID string) error {
	if _, err := r.api.UpsertReadCursor(ctx, conversationID, r.viewer); err != nil {
		if r.logger != nil {
			r.logger.Warn("mark read failed", "conversation_id", conversationID, "error", err)
		}
		return fmt.Errorf("mark read: %w", err)
	}
	if r.invalidate != nil {
		r.invalidate()
	}
	return nil
}

// Unread counts other-party messages after the viewer's cursor, or all of them when
// the viewer never opened the conversation.
func (r *ReadCursors) Unread(ctx context.Context, conv chat.Conversation) (int, error) {
	var cursor *chat.ReadCursor
	rc, err := r.api.GetReadCursor(ctx, conv.ID, r.viewer)
	switch {
	case err == nil:
		cursor = &rc
	case errors.Is(err, chat.ErrNotFound):
	default:
		return 0, fmt.Errorf("read cursor %s: %w", conv.ID, err)
	}
	q, ok := chat.UnreadQuery(conv, r.viewer, cursor)
	if !ok {
		return 0, nil
	}
	n, err := r.api.CountMessages(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("count unread %s: %w", conv.ID, err)
	}
	return n, nil
}
