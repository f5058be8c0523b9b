package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type RoomPresenceResponse struct {
	RoomID string   `json:"roomId"`
	Online []string `json:"online"`
	Typing []string `json:"typing"`
}

// RoomPresence lists the room's online participants and who is typing.
// Presence failures degrade to empty lists.
func (h *Handler) RoomPresence(w http.ResponseWriter, r *http.Request) {
	room, err := h.chat.Room(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	resp := RoomPresenceResponse{RoomID: room.ID, Online: []string{}, Typing: []string{}}
	online, err := h.presence.OnlineAmong(r.Context(), room.Participants)
	if err != nil {
		h.log.Warn().Err(err).Str("room", room.ID).Msg("failed to fetch presence")
	}
	for _, p := range room.Participants {
		if online[p] {
			resp.Online = append(resp.Online, p)
		}
	}
	typing, err := h.presence.TypingUsers(r.Context(), room.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("room", room.ID).Msg("failed to fetch typing users")
	}
	for _, p := range typing {
		if room.HasParticipant(p) {
			resp.Typing = append(resp.Typing, p)
		}
	}
	h.JSON(w, http.StatusOK, resp)
}

type UserPresenceResponse struct {
	PrincipalID string     `json:"principalId"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

func (h *Handler) UserPresence(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "id")
	online, err := h.presence.IsOnline(r.Context(), principalID)
	if err != nil {
		h.Error(w, http.StatusServiceUnavailable, "unavailable", "presence is unavailable")
		return
	}
	resp := UserPresenceResponse{PrincipalID: principalID, Online: online}
	if seen, ok, err := h.presence.LastSeen(r.Context(), principalID); err == nil && ok {
		resp.LastSeen = &seen
	}
	h.JSON(w, http.StatusOK, resp)
}
