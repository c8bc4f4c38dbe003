package httpapi

import (
	"net/http"
	"time"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

type historyBody struct {
	PersonaID     string              `json:"npc_id"`
	UserID        string              `json:"user_id"`
	History       []chatstore.Message `json:"history"`
	TotalMessages int                 `json:"total_messages"`
}

type userConversationsBody struct {
	UserID        string                          `json:"user_id"`
	Conversations []chatstore.ConversationSummary `json:"conversations"`
	Total         int                             `json:"total"`
}

type conversationStatsBody struct {
	PersonaID *string         `json:"npc_id"`
	Stats     chatstore.Stats `json:"stats"`
}

type statsBody struct {
	Personas      chatstore.PersonaCounts `json:"npcs"`
	Conversations chatstore.Stats         `json:"conversations"`
	Timestamp     time.Time               `json:"timestamp"`
}

type healthBody struct {
	Status     string    `json:"status"`
	NPCsLoaded int       `json:"npcs_loaded"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	personaID := r.PathValue("persona_id")
	user := s.userOr(r.URL.Query().Get("user_id"))

	msgs, err := s.deps.Dialogue.History(r.Context(), personaID, user, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyBody{
		PersonaID:     personaID,
		UserID:        user,
		History:       msgs,
		TotalMessages: len(msgs),
	})
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	user := s.userOr(r.URL.Query().Get("user_id"))
	if err := s.deps.Dialogue.EndConversation(r.Context(), r.PathValue("persona_id"), user); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "Conversation deleted successfully"})
}

func (s *Server) handleUserConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultUserConversations)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user := r.PathValue("user_id")
	convs, err := s.deps.Store.UserConversations(r.Context(), user, limit)
	s.deps.Metrics.RecordStoreOp(r.Context(), "user_conversations", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if convs == nil {
		convs = []chatstore.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, userConversationsBody{UserID: user, Conversations: convs, Total: len(convs)})
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	personaID := r.URL.Query().Get("npc_id")
	st, err := s.deps.Store.Stats(r.Context(), personaID)
	s.deps.Metrics.RecordStoreOp(r.Context(), "stats", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := conversationStatsBody{Stats: st}
	if personaID != "" {
		body.PersonaID = &personaID
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ps, err := s.listPersonas(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.deps.Store.Stats(r.Context(), "")
	s.deps.Metrics.RecordStoreOp(r.Context(), "stats", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsBody{
		Personas:      chatstore.SummarizePersonas(ps),
		Conversations: st,
		Timestamp:     s.now(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ps, err := s.listPersonas(r)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthBody{
			Status:    "unhealthy",
			Timestamp: s.now(),
			Error:     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthBody{Status: "healthy", NPCsLoaded: len(ps), Timestamp: s.now()})
}
