// Package gatewayclient talks to the chat gateway on behalf of one signed-in user:
// request/response calls over HTTP and the change feed, typing and presence over
// the realtime socket.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/obs"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 4 << 10
)

// API implements the chatsync data, identity and transaction ports over the gateway's /api/v1 routes.
type API struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewAPI builds a client for baseURL (for example http://localhost:8080) acting as userID.
func NewAPI(baseURL, userID string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &API{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1",
		userID:     userID,
		httpClient: httpClient,
	}
}

// UserID is the identity sent with every request.
func (a *API) UserID() string { return a.userID }

type conversationList struct {
	Items      []chat.Conversation `json:"items"`
	NextCursor string              `json:"next_cursor"`
}

type messageList struct {
	Items []chat.Message `json:"items"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *API) FindConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	key = key.Normalize()
	query := url.Values{}
	query.Set("client_id", key.ClientID)
	query.Set("provider_id", key.ProviderID)
	if key.RequestID != "" {
		query.Set("request_id", key.RequestID)
	}
	var conv chat.Conversation
	err := a.do(ctx, http.MethodGet, "/conversations/lookup", query, nil, &conv)
	return conv, err
}

// CreateConversation answers chat.ErrConversationExists when another caller created the key first.
func (a *API) CreateConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	key = key.Normalize()
	body := map[string]string{
		"client_id":   key.ClientID,
		"provider_id": key.ProviderID,
		"request_id":  key.RequestID,
	}
	var conv chat.Conversation
	err := a.do(ctx, http.MethodPost, "/conversations", nil, body, &conv)
	return conv, err
}

func (a *API) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := a.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, &conv)
	return conv, err
}

// ListConversations follows next_cursor until the gateway reports the last page.
func (a *API) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if userID != a.userID {
		return nil, fmt.Errorf("%w: list conversations of %s as %s", chat.ErrNotParticipant, userID, a.userID)
	}
	var (
		all    []chat.Conversation
		cursor string
	)
	seen := make(map[string]int)
	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(chat.PageSize))
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var page conversationList
		if err := a.do(ctx, http.MethodGet, "/conversations", query, nil, &page); err != nil {
			return nil, err
		}
		// a conversation that moved ahead between pages is listed again; keep the newer copy
		for _, conv := range page.Items {
			if i, ok := seen[conv.ID]; ok {
				all[i] = conv
				continue
			}
			seen[conv.ID] = len(all)
			all = append(all, conv)
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func (a *API) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(chat.NormalizeLimit(limit)))
	if !before.IsZero() {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var page messageList
	if err := a.do(ctx, http.MethodGet, messagesPath(conversationID), query, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// InsertMessage sends as the API's user; params.SenderID is decided by the gateway.
func (a *API) InsertMessage(ctx context.Context, params chat.NewMessageParams) (chat.Message, error) {
	body := map[string]any{
		"id":        params.ID,
		"text":      params.Text,
		"is_system": params.IsSystem,
	}
	var msg chat.Message
	err := a.do(ctx, http.MethodPost, messagesPath(params.ConversationID), nil, body, &msg)
	return msg, err
}

func (a *API) GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	if userID != a.userID {
		return chat.ReadCursor{}, fmt.Errorf("%w: read cursor of %s", chat.ErrNotParticipant, userID)
	}
	var cursor chat.ReadCursor
	err := a.do(ctx, http.MethodGet, readPath(conversationID), nil, nil, &cursor)
	return cursor, err
}

func (a *API) UpsertReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	if userID != a.userID {
		return chat.ReadCursor{}, fmt.Errorf("%w: read cursor of %s", chat.ErrNotParticipant, userID)
	}
	var cursor chat.ReadCursor
	err := a.do(ctx, http.MethodPut, readPath(conversationID), nil, nil, &cursor)
	return cursor, err
}

func (a *API) CountMessages(ctx context.Context, q chat.CountQuery) (int, error) {
	query := url.Values{}
	if q.ExcludeSender != "" {
		query.Set("exclude_sender", q.ExcludeSender)
	}
	if !q.After.IsZero() {
		query.Set("after", q.After.UTC().Format(time.RFC3339Nano))
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := a.do(ctx, http.MethodGet, messagesPath(q.ConversationID)+"/count", query, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (a *API) GetProfile(ctx context.Context, userID string) (chat.Profile, error) {
	var profile chat.Profile
	err := a.do(ctx, http.MethodGet, "/profiles/"+url.PathEscape(userID), nil, nil, &profile)
	return profile, err
}

func (a *API) GetRequestSummary(ctx context.Context, requestID string) (chat.RequestSummary, error) {
	var summary chat.RequestSummary
	err := a.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(requestID)+"/summary", nil, nil, &summary)
	return summary, err
}

func messagesPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func readPath(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/read"
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(obs.UserIDHeader, a.userID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", chat.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode == http.StatusConflict {
		return chat.ErrConversationExists
	}
	return nil
}

// validation sentinels travel as their message text
var badRequestSentinels = []error{
	chat.ErrTextRequired,
	chat.ErrParticipantsRequired,
	chat.ErrSelfConversation,
}

func statusError(status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	message := strings.TrimSpace(body.Error)
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusNotFound:
		return chat.ErrNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", chat.ErrNotParticipant, message)
	case http.StatusBadRequest:
		for _, sentinel := range badRequestSentinels {
			if message == sentinel.Error() {
				return sentinel
			}
		}
		return fmt.Errorf("%w: %s", chat.ErrInvalidArgument, message)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", chat.ErrUnavailable, message)
	default:
		return errors.New("gateway: " + strconv.Itoa(status) + " " + message)
	}
}
