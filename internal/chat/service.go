package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"aicsl/realtime/internal/agent"
	"aicsl/realtime/internal/hub"
	"aicsl/realtime/internal/room"
	"aicsl/realtime/internal/search"
	"aicsl/realtime/internal/store"
	"aicsl/realtime/internal/util"
)

// AssistantID is the reserved sender id for agent-authored messages.
// Clients must never be issued this identity.
const AssistantID = "assistant"

const historyLimit = 50

type Store interface {
	InsertChatMessage(ctx context.Context, msg store.ChatMessage) error
	RecentChatMessages(ctx context.Context, projectID string, limit int) ([]store.ChatMessage, error)
}

// Broadcaster fans an event out to a room; satisfied by the hub.
type Broadcaster interface {
	Broadcast(roomID, event string, data any, excludeSessionID string)
}

// Index is the chat search facade. Optional; a nil index disables the
// search operation but never blocks messaging.
type Index interface {
	IndexMessage(rec search.MessageRecord)
	Search(ctx context.Context, q search.Query) search.Response
}

// Service handles the chat module's operations on the event channel:
// persistence, fan-out, history, search, and the assistant trigger.
type Service struct {
	store Store
	hub   Broadcaster
	index Index
	agent agent.Streamer

	assistantName string
	keywords      []string
	log           *slog.Logger
}

func New(st Store, b Broadcaster, index Index, ag agent.Streamer, assistantName string, keywords []string, log *slog.Logger) *Service {
	return &Service{
		store:         st,
		hub:           b,
		index:         index,
		agent:         ag,
		assistantName: assistantName,
		keywords:      keywords,
		log:           log,
	}
}

type messageData struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

type sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type messagePayload struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
	Sender   sender   `json:"sender"`
}

type searchData struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type historyEvent struct {
	RoomID   string              `json:"roomId"`
	Messages []store.ChatMessage `json:"messages"`
}

type typingEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func (s *Service) HandleOperation(ctx context.Context, sess *hub.Session, op hub.Envelope) error {
	switch op.Type {
	case "message":
		return s.handleMessage(ctx, sess, op)
	case "history":
		return s.pushHistory(ctx, sess, op.RoomID)
	case "search":
		return s.handleSearch(ctx, sess, op)
	default:
		// Typing indicators and other ephemeral chat ops pass through.
		s.hub.Broadcast(op.RoomID, "operation", op, sess.ID)
		return nil
	}
}

// HandleJoin pushes recent history to a session entering a chat room.
func (s *Service) HandleJoin(ctx context.Context, sess *hub.Session, roomID string) {
	if err := s.pushHistory(ctx, sess, roomID); err != nil {
		s.log.Warn("history push failed", "room_id", roomID, "error", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, sess *hub.Session, op hub.Envelope) error {
	var data messageData
	if err := json.Unmarshal(op.Data, &data); err != nil {
		return fmt.Errorf("decoding message data: %w", err)
	}
	if strings.TrimSpace(data.Content) == "" {
		return nil
	}
	_, projectID := room.Parse(op.RoomID)
	if projectID == "" {
		return fmt.Errorf("chat message outside a scoped room: %q", op.RoomID)
	}

	msg := store.ChatMessage{
		ID:        util.NewID("msg"),
		ProjectID: projectID,
		UserID:    sess.User.ID,
		Content:   data.Content,
		Mentions:  data.Mentions,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertChatMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting chat message: %w", err)
	}

	enriched, err := json.Marshal(messagePayload{
		ID:       msg.ID,
		Content:  msg.Content,
		Mentions: msg.Mentions,
		Sender: sender{
			ID:       sess.User.ID,
			Username: sess.User.Username,
			Avatar:   sess.User.AvatarURL,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding chat payload: %w", err)
	}
	out := op
	out.ID = msg.ID
	out.Data = enriched
	out.Timestamp = msg.CreatedAt.Format(time.RFC3339)
	s.hub.Broadcast(op.RoomID, "operation", out, sess.ID)

	if s.index != nil {
		s.index.IndexMessage(search.MessageRecord{
			ID:        msg.ID,
			ProjectID: msg.ProjectID,
			UserID:    msg.UserID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}

	if s.agent != nil && s.mentionsAssistant(data) {
		go s.respond(op.RoomID, projectID, data.Content)
	}
	return nil
}

// mentionsAssistant triggers on an explicit structured mention of the
// reserved id or on any configured keyword in the text.
func (s *Service) mentionsAssistant(data messageData) bool {
	for _, m := range data.Mentions {
		if m == AssistantID {
			return true
		}
	}
	lower := strings.ToLower(data.Content)
	for _, kw := range s.keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// respond runs the assistant turn off the dispatch path. Every failure is
// logged and swallowed; the user's own message already went through.
func (s *Service) respond(roomID, projectID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s.hub.Broadcast(roomID, "typing_start", typingEvent{
		RoomID: roomID, UserID: AssistantID, Name: s.assistantName,
	}, "")
	defer s.hub.Broadcast(roomID, "typing_stop", typingEvent{
		RoomID: roomID, UserID: AssistantID, Name: s.assistantName,
	}, "")

	reply, err := s.agent.Stream(ctx, projectID, prompt)
	if err != nil {
		s.log.Error("assistant turn failed", "room_id", roomID, "error", err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	msg := store.ChatMessage{
		ID:        util.NewID("msg"),
		ProjectID: projectID,
		UserID:    AssistantID,
		Content:   reply,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertChatMessage(ctx, msg); err != nil {
		s.log.Error("persisting assistant message failed", "room_id", roomID, "error", err)
		// Still broadcast: the room sees the reply even if history misses it.
	}

	payload, err := json.Marshal(messagePayload{
		ID:      msg.ID,
		Content: msg.Content,
		Sender:  sender{ID: AssistantID, Username: s.assistantName},
	})
	if err != nil {
		s.log.Error("encoding assistant payload failed", "error", err)
		return
	}
	s.hub.Broadcast(roomID, "operation", hub.Envelope{
		ID:        msg.ID,
		Module:    "chat",
		RoomID:    roomID,
		Type:      "message",
		Data:      payload,
		Timestamp: msg.CreatedAt.Format(time.RFC3339),
	}, "")

	if s.index != nil {
		s.index.IndexMessage(search.MessageRecord{
			ID:        msg.ID,
			ProjectID: msg.ProjectID,
			UserID:    msg.UserID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
}

func (s *Service) pushHistory(ctx context.Context, sess *hub.Session, roomID string) error {
	_, projectID := room.Parse(roomID)
	if projectID == "" {
		return nil
	}
	msgs, err := s.store.RecentChatMessages(ctx, projectID, historyLimit)
	if err != nil {
		return fmt.Errorf("loading chat history: %w", err)
	}
	// Stored newest-first; clients want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	sess.Send("chat_history", historyEvent{RoomID: roomID, Messages: msgs})
	return nil
}

func (s *Service) handleSearch(ctx context.Context, sess *hub.Session, op hub.Envelope) error {
	if s.index == nil {
		sess.Send("chat_search_results", search.Response{})
		return nil
	}
	var data searchData
	if err := json.Unmarshal(op.Data, &data); err != nil {
		return fmt.Errorf("decoding search data: %w", err)
	}
	_, projectID := room.Parse(op.RoomID)
	resp := s.index.Search(ctx, search.Query{
		ProjectID: projectID,
		Text:      data.Query,
		Limit:     data.Limit,
	})
	sess.Send("chat_search_results", resp)
	return nil
}
