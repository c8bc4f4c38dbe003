package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/tavern/pkg/chatstore"
)

type personaList struct {
	Personas  []chatstore.Persona `json:"npcs"`
	Total     int                 `json:"total"`
	Timestamp time.Time           `json:"timestamp"`
}

type chatList struct {
	Chats     []chatstore.Persona `json:"chats"`
	Total     int                 `json:"total"`
	Timestamp time.Time           `json:"timestamp"`
}

type personaBody struct {
	Message string             `json:"message"`
	Persona *chatstore.Persona `json:"npc"`
}

type searchHit struct {
	Persona chatstore.Persona `json:"npc"`
	Score   float64           `json:"score"`
	Exact   bool              `json:"exact"`
}

type searchResult struct {
	Query   string      `json:"query"`
	Results []searchHit `json:"results"`
	Total   int         `json:"total"`
}

// personaUpdate is the PUT body: any subset of the persona fields. An id, if
// present, must match the path.
type personaUpdate struct {
	ID *string `json:"id,omitempty"`
	chatstore.PersonaPatch
}

func (s *Server) listPersonas(r *http.Request) ([]chatstore.Persona, error) {
	ps, err := s.deps.Store.ListPersonas(r.Context())
	s.deps.Metrics.RecordStoreOp(r.Context(), "list_personas", err)
	if ps == nil && err == nil {
		ps = []chatstore.Persona{}
	}
	return ps, err
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	ps, err := s.listPersonas(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chatList{Chats: ps, Total: len(ps), Timestamp: s.now()})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	ps, err := s.listPersonas(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, personaList{Personas: ps, Total: len(ps), Timestamp: s.now()})
}

func (s *Server) handleSearchPersonas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, fmt.Errorf("%w: query parameter q is required", errBadRequest))
		return
	}
	ps, err := s.listPersonas(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ranked := s.deps.Matcher.Rank(q, ps)
	hits := make([]searchHit, 0, len(ranked))
	for _, c := range ranked {
		hits = append(hits, searchHit{Persona: c.Persona, Score: c.Score, Exact: c.Exact})
	}
	writeJSON(w, http.StatusOK, searchResult{Query: q, Results: hits, Total: len(hits)})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.deps.Store.GetPersona(r.Context(), id)
	s.deps.Metrics.RecordStoreOp(r.Context(), "get_persona", err)
	if err == nil && p == nil {
		err = fmt.Errorf("persona %q: %w", id, chatstore.ErrNotFound)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var p chatstore.Persona
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, err)
		return
	}
	err := s.deps.Store.CreatePersona(r.Context(), &p)
	s.deps.Metrics.RecordStoreOp(r.Context(), "create_persona", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, personaBody{Message: "NPC added successfully", Persona: &p})
}

func (s *Server) handleUpdatePersona(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body personaUpdate
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ID != nil && *body.ID != id {
		writeError(w, r, fmt.Errorf("%w: body id %q does not match path id %q", errBadRequest, *body.ID, id))
		return
	}
	p, err := s.deps.Store.UpdatePersona(r.Context(), id, body.PersonaPatch)
	s.deps.Metrics.RecordStoreOp(r.Context(), "update_persona", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, personaBody{Message: "NPC updated successfully", Persona: p})
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Store.DeletePersona(r.Context(), r.PathValue("id"))
	s.deps.Metrics.RecordStoreOp(r.Context(), "delete_persona", err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: "NPC deleted successfully"})
}
