package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gymdock/gymdock/pkg/batch"
	"github.com/gymdock/gymdock/pkg/docker"
	"github.com/gymdock/gymdock/pkg/hooks"
	"github.com/gymdock/gymdock/pkg/session"
	"github.com/stretchr/testify/assert"
)

// newTestServer wires a server around a fake worker script. No Docker
// daemon is involved: the mock gateway serves every session over an
// in-memory pipe.
func newTestServer(handler func(cmd map[string]interface{}) map[string]interface{}) *Server {
	gw := session.NewMockGateway(handler)
	cfg := docker.NewDummyServerConfig()
	cfg.BatchWindowMS = 5
	cfg.CommandTimeoutS = 2.0
	cfg.EnvFiles = []string{"countdown"}
	log := docker.NewDummyLog()

	return NewServer(log, cfg,
		session.NewManager(log, cfg, gw),
		batch.NewBatcher(log, cfg),
		hooks.NewDefaultHooks(log, cfg))
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

// TestServerHappyPath walks create, step, delete and health in sequence
func TestServerHappyPath(t *testing.T) {
	srv := newTestServer(func(cmd map[string]interface{}) map[string]interface{} {
		switch cmd["cmd"] {
		case "init":
			return map[string]interface{}{"status": "ok", "observation": "hello", "reward": 0.0, "done": false}
		default:
			return map[string]interface{}{"status": "ok", "observation": "world", "reward": 1.5, "done": false, "extra": "x"}
		}
	})
	router := srv.Router()

	rec, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "application/json", rec.Header().Get("Content-Type"))
	assert.EqualValues(t, "active", body["status"])
	assert.EqualValues(t, "e1", body["env_id"])
	assert.EqualValues(t, "hello", body["observation"])
	sessionID, _ := body["session_id"].(string)
	assert.NotEmpty(t, sessionID)

	rec, body = doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"a"}`)
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, sessionID, body["session_id"])
	assert.EqualValues(t, "world", body["observation"])
	assert.EqualValues(t, 1.5, body["reward"])
	assert.EqualValues(t, false, body["done"])
	assert.EqualValues(t, map[string]interface{}{"extra": "x"}, body["info"])

	// the session snapshot still carries the init observation: steps
	// return their observation to the caller, they don't rewrite it
	rec, body = doRequest(t, router, http.MethodGet, "/sessions/"+sessionID, "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "hello", body["observation"])
	assert.EqualValues(t, "active", body["status"])

	rec, body = doRequest(t, router, http.MethodDelete, "/sessions/"+sessionID, "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "ok", body["status"])
	assert.EqualValues(t, sessionID, body["session_id"])

	rec, body = doRequest(t, router, http.MethodGet, "/health", "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0.0, body["active_sessions"])
}

// TestServerTerminalStep tests that done:true retires the session and the
// next step gets a conflict
func TestServerTerminalStep(t *testing.T) {
	srv := newTestServer(func(cmd map[string]interface{}) map[string]interface{} {
		if cmd["cmd"] == "init" {
			return map[string]interface{}{"status": "ok", "observation": "go", "reward": 0.0, "done": false}
		}
		return map[string]interface{}{"status": "ok", "observation": "end", "reward": 2.0, "done": true}
	})
	router := srv.Router()

	_, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	sessionID, _ := body["session_id"].(string)

	rec, body := doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"a"}`)
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, true, body["done"])
	assert.EqualValues(t, 2.0, body["reward"])

	rec, body = doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"a"}`)
	assert.EqualValues(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, "SESSION_ALREADY_DONE", body["error_code"])
	assert.EqualValues(t, "Session already done: "+sessionID, body["detail"])

	// the session is preserved for inspection
	rec, body = doRequest(t, router, http.MethodGet, "/sessions/"+sessionID, "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "done", body["status"])
}

// TestServerAdmissionCap tests the 503 at the session cap and recovery
// after a delete
func TestServerAdmissionCap(t *testing.T) {
	srv := newTestServer(nil)
	srv.Config.MaxSessions = 1
	srv.Manager = session.NewManager(srv.Log, srv.Config, session.NewMockGateway(nil))
	router := srv.Router()

	rec, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	assert.EqualValues(t, http.StatusOK, rec.Code)
	sessionID, _ := body["session_id"].(string)

	rec, body = doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	assert.EqualValues(t, http.StatusServiceUnavailable, rec.Code)
	assert.EqualValues(t, "NO_SLOTS_AVAILABLE", body["error_code"])
	assert.EqualValues(t, "No slots available (max 1 sessions)", body["detail"])

	rec, _ = doRequest(t, router, http.MethodDelete, "/sessions/"+sessionID, "")
	assert.EqualValues(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	assert.EqualValues(t, http.StatusOK, rec.Code)
}

// TestServerSessionNotFound tests the 404 envelope on every lookup route
func TestServerSessionNotFound(t *testing.T) {
	srv := newTestServer(nil)
	router := srv.Router()

	type scenario struct {
		testName string
		method   string
		path     string
		body     string
	}

	scenarios := []scenario{
		{"get", http.MethodGet, "/sessions/missing", ""},
		{"step", http.MethodPost, "/sessions/missing/step", `{"action":"a"}`},
		{"delete", http.MethodDelete, "/sessions/missing", ""},
	}

	for _, s := range scenarios {
		t.Run(s.testName, func(t *testing.T) {
			rec, body := doRequest(t, router, s.method, s.path, s.body)
			assert.EqualValues(t, http.StatusNotFound, rec.Code)
			assert.EqualValues(t, "SESSION_NOT_FOUND", body["error_code"])
			assert.EqualValues(t, "Session not found: missing", body["detail"])
		})
	}
}

// TestServerStepWorkerError tests that a worker error envelope surfaces as
// a container error without retiring the session
func TestServerStepWorkerError(t *testing.T) {
	srv := newTestServer(func(cmd map[string]interface{}) map[string]interface{} {
		if cmd["cmd"] == "init" {
			return map[string]interface{}{"status": "ok", "observation": "go", "reward": 0.0, "done": false}
		}
		if cmd["action"] == "silent" {
			return map[string]interface{}{"status": "error"}
		}
		return map[string]interface{}{"status": "error", "message": "boom"}
	})
	router := srv.Router()

	_, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	sessionID, _ := body["session_id"].(string)

	rec, body := doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"a"}`)
	assert.EqualValues(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, "CONTAINER_ERROR", body["error_code"])
	assert.EqualValues(t, "boom", body["detail"])

	rec, body = doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"silent"}`)
	assert.EqualValues(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, "Step failed", body["detail"])

	// a worker error is not terminal, the session stays active
	rec, body = doRequest(t, router, http.MethodGet, "/sessions/"+sessionID, "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "active", body["status"])
}

// TestServerStepTimeoutRetiresSession tests the poisoned stream rule end to
// end: a read timeout surfaces as a container error and the session is done
func TestServerStepTimeoutRetiresSession(t *testing.T) {
	srv := newTestServer(func(cmd map[string]interface{}) map[string]interface{} {
		if cmd["cmd"] == "init" {
			return map[string]interface{}{"status": "ok", "observation": "go", "reward": 0.0, "done": false}
		}
		return nil // hang on every step
	})
	srv.Config.CommandTimeoutS = 0.2
	router := srv.Router()

	_, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	sessionID, _ := body["session_id"].(string)

	rec, body := doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"a"}`)
	assert.EqualValues(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, "CONTAINER_ERROR", body["error_code"])
	assert.Contains(t, body["detail"], "Communication error")

	rec, body = doRequest(t, router, http.MethodPost, "/sessions/"+sessionID+"/step", `{"action":"a"}`)
	assert.EqualValues(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, "SESSION_ALREADY_DONE", body["error_code"])
}

// TestServerCreateInitFailure tests the 500 for a worker that rejects init
func TestServerCreateInitFailure(t *testing.T) {
	srv := newTestServer(func(cmd map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{"status": "error", "message": "no such env"}
	})
	router := srv.Router()

	rec, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	assert.EqualValues(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, "CONTAINER_ERROR", body["error_code"])
	assert.EqualValues(t, "Init failed: no such env", body["detail"])

	rec, body = doRequest(t, router, http.MethodGet, "/health", "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0.0, body["active_sessions"])
}

// TestServerInvalidBodies tests the 400 envelope for malformed requests
func TestServerInvalidBodies(t *testing.T) {
	srv := newTestServer(nil)
	router := srv.Router()

	t.Run("malformed create body", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodPost, "/sessions", `{not json`)
		assert.EqualValues(t, http.StatusBadRequest, rec.Code)
		assert.EqualValues(t, "INVALID_REQUEST", body["error_code"])
	})

	t.Run("empty create body is allowed", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodPost, "/sessions", "")
		assert.EqualValues(t, http.StatusOK, rec.Code)
		// the default hook drew the env from the catalogue
		assert.EqualValues(t, "countdown", body["env_id"])
	})

	t.Run("step without action", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodPost, "/sessions/any/step", `{}`)
		assert.EqualValues(t, http.StatusBadRequest, rec.Code)
		assert.EqualValues(t, "INVALID_REQUEST", body["error_code"])
		assert.EqualValues(t, "action is required", body["detail"])
	})

	t.Run("malformed step body", func(t *testing.T) {
		rec, body := doRequest(t, router, http.MethodPost, "/sessions/any/step", `{"action":`)
		assert.EqualValues(t, http.StatusBadRequest, rec.Code)
		assert.EqualValues(t, "INVALID_REQUEST", body["error_code"])
	})
}

// TestServerHookError tests that a failing create hook flattens to the
// generic internal envelope
func TestServerHookError(t *testing.T) {
	srv := newTestServer(nil)
	srv.Hooks = &hooks.Hooks{
		OnCreateSession: func(envID string, params map[string]interface{}) (map[string]interface{}, error) {
			return nil, assert.AnError
		},
	}
	router := srv.Router()

	rec, body := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
	assert.EqualValues(t, http.StatusInternalServerError, rec.Code)
	assert.EqualValues(t, "INTERNAL_ERROR", body["error_code"])
	assert.EqualValues(t, "Internal server error", body["detail"])
}

func TestServerEnvironments(t *testing.T) {
	srv := newTestServer(nil)
	srv.Config.EnvFiles = []string{"maze", "countdown"}
	router := srv.Router()

	rec, body := doRequest(t, router, http.MethodGet, "/environments", "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, []interface{}{"maze", "countdown"}, body["environments"])
	assert.EqualValues(t, 2.0, body["total"])
}

func TestServerDeleteAll(t *testing.T) {
	srv := newTestServer(nil)
	router := srv.Router()

	for i := 0; i < 2; i++ {
		rec, _ := doRequest(t, router, http.MethodPost, "/sessions", `{"env_id":"e1"}`)
		assert.EqualValues(t, http.StatusOK, rec.Code)
	}

	rec, body := doRequest(t, router, http.MethodDelete, "/sessions", "")
	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, "ok", body["status"])
	assert.EqualValues(t, 2.0, body["count"])
	assert.Len(t, body["deleted"], 2)

	rec, body = doRequest(t, router, http.MethodGet, "/health", "")
	assert.EqualValues(t, 0.0, body["active_sessions"])
}

func TestServerMetricsRoute(t *testing.T) {
	srv := newTestServer(nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.EqualValues(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gymdock_sessions_active")
}
