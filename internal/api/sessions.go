package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/models"
	ptymgr "github.com/peterje/popper/internal/pty"
)

// Manager is what the sessions API drives. List fails only when the
// sessions live in an unreachable shepherd.
type Manager interface {
	ptymgr.SessionManager
	List() ([]ptymgr.Info, error)
}

type SessionsHandler struct {
	manager Manager
	log     *zap.Logger
}

func NewSessionsHandler(manager Manager, log *zap.Logger) *SessionsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionsHandler{manager: manager, log: log}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	sessions, err := h.manager.List()
	if err != nil {
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	if sessions == nil {
		sessions = []ptymgr.Info{}
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.StartRequest
	if !decode(w, r, &body, true) {
		return
	}

	id, err := h.manager.Start(body.Cols, body.Rows)
	if err != nil {
		h.log.Warn("start session failed", zap.Error(err))
		WriteError(w, StatusFor(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, models.StartResponse{SessionID: id})
}

func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body models.InputRequest
	if !decode(w, r, &body, false) {
		return
	}

	if err := h.manager.Write(r.PathValue("id"), []byte(body.Data)); err != nil {
		WriteError(w, StatusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body models.ResizeRequest
	if !decode(w, r, &body, false) {
		return
	}

	if err := h.manager.Resize(r.PathValue("id"), body.Cols, body.Rows); err != nil {
		WriteError(w, StatusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.manager.Terminate(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	WriteError(w, http.StatusBadRequest, "invalid JSON")
	return false
}
