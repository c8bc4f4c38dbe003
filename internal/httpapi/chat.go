package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/tavern/internal/dialogue"
	"github.com/MrWong99/tavern/internal/observe"
)

// turnRequest is the chat turn body. include_history defaults to true.
type turnRequest struct {
	Message        string `json:"message"`
	UserID         string `json:"user_id"`
	IncludeHistory *bool  `json:"include_history"`
}

func (t turnRequest) toDialogue(personaID, user string) dialogue.TurnRequest {
	return dialogue.TurnRequest{
		PersonaID:   personaID,
		UserID:      user,
		Message:     t.Message,
		OmitHistory: t.IncludeHistory != nil && !*t.IncludeHistory,
	}
}

type turnResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.deps.Dialogue.Turn(r.Context(), req.toDialogue(r.PathValue("persona_id"), s.userOr(req.UserID)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{Reply: res.Reply})
}

// wsFrame is one server-to-client websocket message.
type wsFrame struct {
	Reply          string `json:"reply,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Failed         bool   `json:"failed,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleWebsocket runs chat turns over a websocket. Each client text frame is
// a turn request; each turn is answered by exactly one frame carrying the
// full reply. The user id comes from the user_id query parameter.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	personaID := r.PathValue("persona_id")
	user := s.userOr(r.URL.Query().Get("user_id"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cors.wsPatterns(),
	})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	s.deps.Metrics.ActiveWSClients.Add(ctx, 1)
	defer s.deps.Metrics.ActiveWSClients.Add(context.WithoutCancel(ctx), -1)

	log := observe.Logger(ctx).With("persona_id", personaID, "user_id", user)
	log.Debug("websocket opened")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			log.Debug("websocket read ended", "err", err)
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		frame := s.wsTurn(ctx, personaID, user, data)
		out, err := json.Marshal(frame)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode failure")
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			log.Debug("websocket write failed", "err", err)
			return
		}
	}
}

func (s *Server) wsTurn(ctx context.Context, personaID, user string, data []byte) wsFrame {
	var req turnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wsFrame{Error: "invalid JSON frame: " + err.Error()}
	}
	if req.UserID != "" && req.UserID != user {
		return wsFrame{Error: "user_id is fixed for the connection"}
	}
	res, err := s.deps.Dialogue.Turn(ctx, req.toDialogue(personaID, user))
	if err != nil {
		return wsFrame{Error: err.Error()}
	}
	return wsFrame{Reply: res.Reply, ConversationID: res.ConversationID, Failed: res.Failed}
}
