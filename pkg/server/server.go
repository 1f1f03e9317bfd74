package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	goerrors "github.com/go-errors/errors"
	"github.com/gorilla/mux"
	"github.com/gymdock/gymdock/pkg/batch"
	"github.com/gymdock/gymdock/pkg/config"
	"github.com/gymdock/gymdock/pkg/hooks"
	"github.com/gymdock/gymdock/pkg/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Stable error codes carried in the error envelope
const (
	codeNotFound       = "SESSION_NOT_FOUND"
	codeNoSlots        = "NO_SLOTS_AVAILABLE"
	codeAlreadyDone    = "SESSION_ALREADY_DONE"
	codeContainerError = "CONTAINER_ERROR"
	codeInternalError  = "INTERNAL_ERROR"
	codeInvalidRequest = "INVALID_REQUEST"
)

// Server is the HTTP adapter over the session manager and the batcher. It
// owns no session state of its own: handlers translate requests into
// manager and batcher calls and map domain errors onto the envelope.
type Server struct {
	Log     *logrus.Entry
	Config  *config.ServerConfig
	Manager *session.Manager
	Batcher *batch.Batcher
	Hooks   *hooks.Hooks
}

// NewServer wires the HTTP adapter
func NewServer(log *logrus.Entry, cfg *config.ServerConfig, manager *session.Manager, batcher *batch.Batcher, hookSet *hooks.Hooks) *Server {
	return &Server{
		Log:     log,
		Config:  cfg,
		Manager: manager,
		Batcher: batcher,
		Hooks:   hookSet,
	}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions", s.deleteAllSessions).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}/step", s.stepSession).Methods(http.MethodPost)
	router.HandleFunc("/environments", s.listEnvironments).Methods(http.MethodGet)
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	req := CreateSessionRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.writeInvalid(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	payload, err := s.Hooks.BuildInitPayload(req.EnvID, req.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.Manager.Create(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Manager.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, sessionResponse(sess))
}

func (s *Server) stepSession(w http.ResponseWriter, r *http.Request) {
	req := StepRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.writeInvalid(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Action == "" {
		s.writeInvalid(w, "action is required")
		return
	}

	sessionID := mux.Vars(r)["id"]
	sess, err := s.Manager.Get(sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess.IsDone() {
		s.writeError(w, session.NewAlreadyDoneError(sessionID))
		return
	}

	resp, err := s.Batcher.SubmitStep(r.Context(), sess, req.Action)
	if resp == nil {
		// the client went away before the drain fired, or the worker sent
		// a literal null
		if err == nil {
			err = session.NewContainerError("Step failed: empty worker response")
		}
		s.writeError(w, err)
		return
	}

	if status, _ := resp["status"].(string); status != "ok" {
		msg := "Step failed"
		if v, ok := resp["message"]; ok {
			msg = fmt.Sprintf("%v", v)
		}
		s.writeError(w, session.NewContainerError("%s", msg))
		return
	}

	done, _ := resp["done"].(bool)
	if done {
		sess.MarkDone()
	}

	observation, _ := resp["observation"].(string)
	s.writeJSON(w, http.StatusOK, StepResponse{
		SessionID:   sessionID,
		Observation: observation,
		Reward:      extractReward(resp),
		Done:        done,
		Info:        session.ExtractInfo(resp),
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := s.Manager.Delete(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, DeleteResponse{Status: "ok", SessionID: sessionID})
}

func (s *Server) deleteAllSessions(w http.ResponseWriter, r *http.Request) {
	deleted := s.Manager.DeleteAll(r.Context())
	s.writeJSON(w, http.StatusOK, DeleteAllResponse{
		Status:  "ok",
		Deleted: deleted,
		Count:   len(deleted),
	})
}

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, EnvironmentsResponse{
		Environments: s.Config.EnvFiles,
		Total:        len(s.Config.EnvFiles),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:                "ok",
		ActiveSessions:        s.Manager.Count(),
		MaxSessions:           s.Config.MaxSessions,
		AvailableEnvironments: len(s.Config.EnvFiles),
	})
}

func sessionResponse(sess *session.Session) SessionResponse {
	state := sess.Snapshot()
	return SessionResponse{
		SessionID:    sess.ID,
		EnvID:        sess.EnvID,
		Observation:  state.Observation,
		Info:         state.Info,
		Status:       state.Status,
		CreatedAt:    state.CreatedAt,
		LastActiveAt: state.LastActiveAt,
	}
}

// extractReward reads the reward, accepting score as a deprecated alias
func extractReward(resp map[string]interface{}) float64 {
	if v, ok := resp["reward"]; ok {
		f, _ := v.(float64)
		return f
	}
	if v, ok := resp["score"]; ok {
		f, _ := v.(float64)
		return f
	}
	return 0.0
}

// decodeBody reads a JSON request body into dst. An empty body is fine and
// leaves dst at its zero value.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == io.EOF {
		return nil
	}
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Log.WithError(err).Error("Failed to write response")
	}
}

func (s *Server) writeInvalid(w http.ResponseWriter, detail string) {
	s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Detail: detail, ErrorCode: codeInvalidRequest})
}

// writeError maps a domain error onto the envelope. Anything without a
// behaviour code is logged with a stack trace and flattened to a generic
// internal error so no internals leak to the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, codeInternalError
	detail := err.Error()

	switch {
	case session.HasCode(err, session.CodeNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case session.HasCode(err, session.CodeNoSlots):
		status, code = http.StatusServiceUnavailable, codeNoSlots
	case session.HasCode(err, session.CodeAlreadyDone):
		status, code = http.StatusConflict, codeAlreadyDone
	case session.HasCode(err, session.CodeContainer):
		status, code = http.StatusInternalServerError, codeContainerError
	default:
		s.Log.WithField("stack", goerrors.Wrap(err, 1).ErrorStack()).Error("Internal server error")
		detail = "Internal server error"
	}

	s.writeJSON(w, status, ErrorResponse{Detail: detail, ErrorCode: code})
}
