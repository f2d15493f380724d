package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/xleven/ask-sspai/internal/history"
)

const listDefaultLimit = 50

// historyHandler serves saved conversations. All routes require a registered
// identity; anonymous preview users have no history to read.
type historyHandler struct {
	logger     *slog.Logger
	store      ConversationStore
	hmacSecret []byte
}

func (h *historyHandler) list(w http.ResponseWriter, r *http.Request) {
	uid := userID(r, h.hmacSecret)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", h.logger)
		return
	}

	items, err := h.store.List(r.Context(), uid, listDefaultLimit)
	if err != nil {
		h.logger.Error("listing conversations", "error", err, "owner", uid)
		writeError(w, http.StatusInternalServerError, "listing conversations failed", h.logger)
		return
	}
	if items == nil {
		items = []history.Summary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"chats": items}, h.logger)
}

func (h *historyHandler) get(w http.ResponseWriter, r *http.Request) {
	uid := userID(r, h.hmacSecret)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", h.logger)
		return
	}

	conv, err := h.store.Get(r.Context(), r.PathValue("id"), uid)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("loading conversation", "error", err, "owner", uid)
		writeError(w, http.StatusInternalServerError, "loading conversation failed", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, conv, h.logger)
}

func (h *historyHandler) delete(w http.ResponseWriter, r *http.Request) {
	uid := userID(r, h.hmacSecret)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", h.logger)
		return
	}

	err := h.store.Delete(r.Context(), r.PathValue("id"), uid)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("deleting conversation", "error", err, "owner", uid)
		writeError(w, http.StatusInternalServerError, "deleting conversation failed", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
