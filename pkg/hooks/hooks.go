package hooks

import (
	"context"
	"math/rand"

	"github.com/gymdock/gymdock/pkg/config"
	"github.com/sirupsen/logrus"
)

// Hooks are the extension points a deployment can swap out without touching
// the server itself. Every field is optional; nil fields fall back to the
// neutral behaviour of the wrapper methods below. Hooks that need the
// config or a logger close over them at construction time.
type Hooks struct {
	// OnStartup runs once after the gateway is connected and the orphan
	// sweep has finished, before the listener opens
	OnStartup func(ctx context.Context) error

	// OnShutdown runs during graceful shutdown, before sessions are torn down
	OnShutdown func(ctx context.Context) error

	// OnCreateSession turns a create request into the worker init payload.
	// An error here surfaces to the client as an internal error
	OnCreateSession func(envID string, params map[string]interface{}) (map[string]interface{}, error)
}

// NewDefaultHooks returns the stock hook set: when a create request doesn't
// name an environment, one is drawn at random from the configured env files.
func NewDefaultHooks(log *logrus.Entry, cfg *config.ServerConfig) *Hooks {
	return &Hooks{
		OnStartup: func(ctx context.Context) error {
			log.WithField("env_files", len(cfg.EnvFiles)).Debug("Hooks ready")
			return nil
		},
		OnCreateSession: func(envID string, params map[string]interface{}) (map[string]interface{}, error) {
			if envID == "" && len(cfg.EnvFiles) > 0 {
				envID = cfg.EnvFiles[rand.Intn(len(cfg.EnvFiles))]
			}
			return mergePayload(envID, params), nil
		},
	}
}

// Startup runs the startup hook if one is set
func (h *Hooks) Startup(ctx context.Context) error {
	if h == nil || h.OnStartup == nil {
		return nil
	}
	return h.OnStartup(ctx)
}

// Shutdown runs the shutdown hook if one is set
func (h *Hooks) Shutdown(ctx context.Context) error {
	if h == nil || h.OnShutdown == nil {
		return nil
	}
	return h.OnShutdown(ctx)
}

// BuildInitPayload turns a create request into the worker init payload,
// through the hook when one is set
func (h *Hooks) BuildInitPayload(envID string, params map[string]interface{}) (map[string]interface{}, error) {
	if h == nil || h.OnCreateSession == nil {
		return mergePayload(envID, params), nil
	}
	return h.OnCreateSession(envID, params)
}

func mergePayload(envID string, params map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{"env_id": envID}
	for k, v := range params {
		payload[k] = v
	}
	return payload
}
