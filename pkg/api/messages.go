package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/schoolchat/pkg/chat"
	"github.com/mahaj/schoolchat/pkg/model"
)

type SendDirectRequest struct {
	RecipientID   string     `json:"recipientId"`
	RecipientRole model.Role `json:"recipientRole"`
	chat.Content
}

func (h *Handler) SendDirect(w http.ResponseWriter, r *http.Request) {
	var req SendDirectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RecipientID == "" {
		h.Error(w, http.StatusBadRequest, "bad_request", "recipientId is required")
		return
	}
	msg, err := h.chat.SendDirect(r.Context(), caller(r), req.RecipientID, req.RecipientRole, req.Content)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}

type BroadcastRequest struct {
	Audience      chat.AudienceKind `json:"audience"`
	GradeLevelIDs []string          `json:"gradeLevelIds,omitempty"`
	chat.Content
}

func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.chat.Broadcast(r.Context(), caller(r),
		chat.Audience{Kind: req.Audience, GradeLevelIDs: req.GradeLevelIDs}, req.Content)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, res)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "bad_request", "invalid message id")
		return
	}
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))

	ok, err := h.chat.DeleteMessage(r.Context(), caller(r), id, hard)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}
