package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MarkRead serves POST /rooms/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ok, err := h.chat.MarkRead(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"read": ok})
}
