package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xleven/ask-sspai/internal/chat"
	"github.com/xleven/ask-sspai/internal/ratelimit"
)

// maxRequestBody bounds the decoded chat payload.
const maxRequestBody = 1024 * 1024

// chatRequest is the POST /api/chat payload.
type chatRequest struct {
	Messages     []chat.Message `json:"messages"`
	ID           string         `json:"id,omitempty"`
	PreviewToken string         `json:"previewToken,omitempty"`
}

// chatHandler orchestrates one chat request: identity, admission, retrieval,
// generation, and persistence.
type chatHandler struct {
	logger            *slog.Logger
	responder         Responder
	history           ConversationStore
	registered        ratelimit.Limiter
	anonymous         ratelimit.Limiter
	resolveCredential func(previewToken string) (string, error)
	hmacSecret        []byte
	trustProxy        bool
	saveTimeout       time.Duration
}

// respond handles POST /api/chat.
//
// Order matters: identity is checked before admission, and admission before
// any retrieval or generation work, so an unauthenticated or over-quota
// request never reaches the model.
func (h *chatHandler) respond(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", h.logger)
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", h.logger)
		return
	}
	question := req.Messages[len(req.Messages)-1].Content

	uid := userID(r, h.hmacSecret)
	if uid == "" && req.PreviewToken == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", h.logger)
		return
	}

	// A preview token puts the request in the anonymous class keyed by
	// client IP, even when a uid cookie is also present; only token-less
	// requests are metered by identity.
	var decision ratelimit.Decision
	if req.PreviewToken != "" {
		decision = h.anonymous.Check(clientIP(r, h.trustProxy))
	} else {
		decision = h.registered.Check(uid)
	}
	if !decision.Allowed {
		retryAfter := int(time.Until(decision.Reset).Seconds() + 1)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many requests", h.logger)
		return
	}

	credential, err := h.resolveCredential(req.PreviewToken)
	if err != nil {
		h.logger.Error("resolving model credential", "error", err)
		writeError(w, http.StatusInternalServerError, "model credential unavailable", h.logger)
		return
	}

	conversationID := req.ID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	pipelineReq := chat.Request{
		Question:   question,
		Credential: credential,
	}
	if uid != "" {
		messages := req.Messages
		pipelineReq.OnCompletion = func(completion string) {
			h.saveConversation(r.Context(), conversationID, uid, messages, completion)
		}
	}

	started := false
	relay := func(token string) error {
		if !started {
			started = true
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		}
		if _, err := w.Write([]byte(token)); err != nil {
			return err
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return nil
	}

	if err := h.responder.Respond(r.Context(), pipelineReq, relay); err != nil {
		h.streamError(w, r, started, err)
		return
	}

	if !started {
		// Model produced no tokens; still a successful empty response.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

// streamError reports a pipeline failure. Before the first token this is a
// plain 500; once streaming has begun the same JSON payload is appended to
// the body, which is all that remains possible.
func (h *chatHandler) streamError(w http.ResponseWriter, r *http.Request, started bool, err error) {
	if r.Context().Err() != nil {
		h.logger.Info("client disconnected", "error", err)
		return
	}

	h.logger.Error("chat pipeline failed", "error", err, "mid_stream", started)

	if !started {
		writeError(w, http.StatusInternalServerError, errorMessage(err), h.logger)
		return
	}

	payload, marshalErr := json.Marshal(errorPayload{
		Error:  errorMessage(err),
		Status: http.StatusInternalServerError,
	})
	if marshalErr != nil {
		return
	}
	if _, err := w.Write(payload); err != nil {
		h.logger.Debug("failed to append stream error", "error", err)
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// errorMessage maps pipeline errors to client-safe text.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrTemplateUnavailable):
		return "prompt template unavailable"
	case errors.Is(err, chat.ErrMissingCredential):
		return "model credential unavailable"
	default:
		return "generating response failed"
	}
}

// saveConversation persists the finished exchange for a registered user.
// Runs on a context detached from the request so a client that hangs up
// right after the last token does not lose its history. Failures are
// logged and swallowed: the response has already been delivered.
func (h *chatHandler) saveConversation(reqCtx context.Context, id, ownerID string, messages []chat.Message, completion string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), h.saveTimeout)
	defer cancel()

	conv := chat.NewConversation(id, ownerID, messages, completion, time.Now())
	if err := h.history.Save(ctx, conv); err != nil {
		h.logger.Error("saving conversation", "error", err, "id", id, "owner", ownerID)
	}
}
