package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hallabot/regubot/internal/chat"
	"github.com/hallabot/regubot/internal/domain"
	"github.com/hallabot/regubot/internal/storage"
)

// TurnStreamer runs one chat turn and emits its stream events.
type TurnStreamer interface {
	StreamTurn(ctx context.Context, req chat.Request, emit chat.Emit) (*chat.Result, error)
}

// ChatHandler serves the streaming chat endpoint and persists completed
// turns.
type ChatHandler struct {
	chat   TurnStreamer
	turns  storage.TurnStore
	logger *slog.Logger
}

// NewChatHandler creates the chat endpoint handler. turns may be nil to
// disable persistence.
func NewChatHandler(streamer TurnStreamer, turns storage.TurnStore, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chat: streamer, turns: turns, logger: logger}
}

// Mount registers the chat routes.
func (h *ChatHandler) Mount(s *Server) {
	s.Router.Post("/api/chat/stream", h.handleStream)
	s.Router.Get("/healthz", handleHealth)
}

type chatStreamRequest struct {
	Message        string           `json:"message"`
	ConversationID string           `json:"conversation_id,omitempty"`
	History        []historyMessage `json:"message_history,omitempty"`
	Language       string           `json:"language,omitempty"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleStream runs a turn and writes newline-delimited JSON events.
// Once streaming has begun, failures surface as an error event rather
// than an HTTP status.
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalidRequest("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, domain.ErrInvalidRequest("message is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.ErrServer("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	emit := func(event domain.StreamEvent) error {
		line, err := event.MarshalNDJSON()
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := h.chat.StreamTurn(r.Context(), chat.Request{
		Message:  req.Message,
		History:  toDomainHistory(req.History),
		Language: req.Language,
	}, emit)
	if err != nil {
		// The error event is already on the wire (or the client is gone).
		AddError(r.Context(), err)
		return
	}

	if h.turns != nil {
		h.persistTurn(r.Context(), &req, result)
	}
}

// persistTurn saves the completed turn. The client may disconnect right
// after done, so the save is detached from the request's cancellation.
func (h *ChatHandler) persistTurn(ctx context.Context, req *chatStreamRequest, result *chat.Result) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	record := &storage.TurnRecord{
		ConversationID:   conversationID,
		UserMessage:      req.Message,
		AssistantMessage: result.Completed,
		Language:         req.Language,
		Metadata:         result.Metadata,
	}
	if err := h.turns.SaveTurn(context.WithoutCancel(ctx), record); err != nil {
		h.logger.Error("failed to persist turn",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()))
	}
}

func toDomainHistory(history []historyMessage) []domain.Message {
	if len(history) == 0 {
		return nil
	}
	msgs := make([]domain.Message, 0, len(history))
	for _, m := range history {
		role := domain.Role(m.Role)
		switch role {
		case domain.RoleSystem, domain.RoleUser, domain.RoleAssistant:
		default:
			continue
		}
		msgs = append(msgs, domain.Message{Role: role, Content: m.Content})
	}
	return msgs
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		apiErr = domain.ErrServer(err.Error())
	}
	writeJSON(w, apiErr.HTTPStatusCode(), map[string]any{"error": apiErr})
}
