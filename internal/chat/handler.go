// Package chat is the HTTP surface of the chat turns.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vaultbot/internal/turn"
	"vaultbot/pkg/middleware"
	"vaultbot/pkg/problems"
)

type Handler struct {
	turns   *turn.Controller
	limiter Limiter
	log     *zap.SugaredLogger
}

func NewHandler(c *turn.Controller, l Limiter, log *zap.SugaredLogger) *Handler {
	if l == nil {
		l = Unlimited{}
	}
	return &Handler{turns: c, limiter: l, log: log}
}

// TurnView is what clients see of a turn.
type TurnView struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	State     turn.State      `json:"state"`
	Interrupt *turn.Interrupt `json:"interrupt,omitempty"`
	Deferred  []string        `json:"deferred,omitempty"`
	Resumes   int             `json:"resumes"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func view(t turn.Turn) TurnView {
	return TurnView{ID: t.ID, ThreadID: t.ThreadID, State: t.State, Interrupt: t.Interrupt,
		Deferred: t.Deferred, Resumes: t.Resumes, UpdatedAt: t.UpdatedAt}
}

// Register mounts the chat routes. Callers wrap r with session auth.
//
//	POST /api/chat                   {thread_id?, message}  -> SSE
//	POST /api/chat/{turnID}/resume                           -> SSE
//	GET  /api/chat/{turnID}
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/chat", h.start)
	r.Post("/api/chat/{turnID}/resume", h.resume)
	r.Get("/api/chat/{turnID}", h.get)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThreadID string `json:"thread_id"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		problems.WriteError(w, http.StatusBadRequest, problems.CodeInvalidRequest, "message is required")
		return
	}
	user := middleware.ActorSub(r.Context())
	if body.ThreadID != "" {
		if err := h.turns.CheckThread(r.Context(), user, body.ThreadID); errors.Is(err, turn.ErrThreadForbidden) {
			problems.WriteError(w, http.StatusForbidden, problems.CodeForbidden, "thread belongs to another user")
			return
		} else if err != nil {
			h.log.Errorw("check thread", "thread", body.ThreadID, "err", err)
			problems.WriteError(w, http.StatusInternalServerError, problems.CodeServerError, "internal error")
			return
		}
	}
	ok, remaining, err := h.limiter.Allow(r.Context(), user)
	if err != nil {
		// Limiter outages do not block chatting.
		h.log.Warnw("daily limit check failed", "user", user, "err", err)
	} else if !ok {
		problems.WriteError(w, http.StatusTooManyRequests, problems.CodeRateLimited, "daily message limit reached")
		return
	}
	if remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	}
	stream, err := turn.NewStream(w)
	if err != nil {
		problems.WriteError(w, http.StatusInternalServerError, problems.CodeServerError, err.Error())
		return
	}
	t, err := h.turns.Start(r.Context(), user, body.ThreadID, body.Message, stream.Emit)
	h.finished("start", t, err)
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	user := middleware.ActorSub(r.Context())
	id := chi.URLParam(r, "turnID")
	t, err := h.turns.Get(r.Context(), user, id)
	if errors.Is(err, turn.ErrNotFound) {
		problems.WriteError(w, http.StatusNotFound, problems.CodeNotFound, "turn not found")
		return
	}
	if err != nil {
		h.log.Errorw("load turn", "turn", id, "err", err)
		problems.WriteError(w, http.StatusInternalServerError, problems.CodeServerError, "internal error")
		return
	}
	if t.State != turn.Interrupted {
		problems.WriteError(w, http.StatusConflict, problems.CodeNotResumable, "turn is "+string(t.State))
		return
	}
	stream, err := turn.NewStream(w)
	if err != nil {
		problems.WriteError(w, http.StatusInternalServerError, problems.CodeServerError, err.Error())
		return
	}
	t, err = h.turns.Resume(r.Context(), user, id, stream.Emit)
	if errors.Is(err, turn.ErrInvalidTransition) || errors.Is(err, turn.ErrStateConflict) {
		_ = stream.Emit(turn.Event{Type: "error", Data: map[string]string{"message": "turn is no longer waiting for authorization"}})
		return
	}
	h.finished("resume", t, err)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	t, err := h.turns.Get(r.Context(), middleware.ActorSub(r.Context()), chi.URLParam(r, "turnID"))
	if errors.Is(err, turn.ErrNotFound) {
		problems.WriteError(w, http.StatusNotFound, problems.CodeNotFound, "turn not found")
		return
	}
	if err != nil {
		problems.WriteError(w, http.StatusInternalServerError, problems.CodeServerError, "internal error")
		return
	}
	problems.WriteJSON(w, http.StatusOK, view(t))
}

// finished logs the end of a streamed turn. The stream already carried
// whatever the client needs to see.
func (h *Handler) finished(op string, t turn.Turn, err error) {
	switch {
	case err == nil:
		h.log.Debugw("turn "+op, "turn", t.ID, "state", t.State)
	case errors.Is(err, context.Canceled):
		h.log.Infow("turn abandoned by client", "turn", t.ID)
	case errors.Is(err, turn.ErrTooManyResumes):
		h.log.Infow("turn failed after resume limit", "turn", t.ID)
	default:
		h.log.Errorw("turn "+op+" failed", "turn", t.ID, "state", t.State, "err", err)
	}
}
