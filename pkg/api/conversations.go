package api

import (
	"net/http"

	"github.com/mahaj/schoolchat/pkg/model"
)

type UnreadResponse struct {
	Total  int64            `json:"total"`
	ByRoom map[string]int64 `json:"byRoom"`
}

func (h *Handler) Unread(w http.ResponseWriter, r *http.Request) {
	byRoom, err := h.chat.UnreadByRoom(r.Context(), caller(r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	resp := UnreadResponse{ByRoom: byRoom}
	for _, n := range byRoom {
		resp.Total += n
	}
	if resp.ByRoom == nil {
		resp.ByRoom = map[string]int64{}
	}
	h.JSON(w, http.StatusOK, resp)
}

func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.chat.Conversations(r.Context(), caller(r))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	h.JSON(w, http.StatusOK, convs)
}
