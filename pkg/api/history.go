package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/schoolchat/pkg/model"
)

type HistoryResponse struct {
	RoomID   string          `json:"roomId"`
	Messages []model.Message `json:"messages"`
}

// History serves GET /rooms/{id}/messages?limit=&offset=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	q := r.URL.Query()

	limit, offset := 0, 0
	var err error
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			h.Error(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			h.Error(w, http.StatusBadRequest, "bad_request", "invalid offset")
			return
		}
	}

	msgs, err := h.chat.History(r.Context(), caller(r), roomID, limit, offset)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, HistoryResponse{RoomID: roomID, Messages: msgs})
}
