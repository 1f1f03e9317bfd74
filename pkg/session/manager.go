package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gymdock/gymdock/pkg/config"
	"github.com/gymdock/gymdock/pkg/docker"
	"github.com/gymdock/gymdock/pkg/metrics"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// how often the background loop scans for idle sessions
const evictionInterval = 60 * time.Second

// Gateway is the container lifecycle surface the manager needs. Implemented
// by docker.Gateway; tests swap in a mock.
type Gateway interface {
	StartWorker(ctx context.Context, sessionID string) (string, error)
	AttachWorker(ctx context.Context, containerID string) (*docker.StreamConn, error)
	StopWorker(ctx context.Context, containerID string)
	KillWorker(ctx context.Context, containerID string)
	ListWorkers(ctx context.Context) ([]string, error)
}

// Manager owns the session table and every worker container behind it.
// Admission is capped by a slot semaphore: a create request that finds no
// free slot fails immediately rather than queueing behind running episodes.
type Manager struct {
	Log     *logrus.Entry
	Config  *config.ServerConfig
	Gateway Gateway

	mutex    deadlock.Mutex
	sessions map[string]*Session
	slots    chan struct{}
}

// NewManager builds a session manager around a container gateway
func NewManager(log *logrus.Entry, cfg *config.ServerConfig, gateway Gateway) *Manager {
	return &Manager{
		Log:      log,
		Config:   cfg,
		Gateway:  gateway,
		sessions: map[string]*Session{},
		slots:    make(chan struct{}, cfg.MaxSessions),
	}
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sessions)
}

// Get looks up a session by ID
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, NewNotFoundError(sessionID)
	}
	return sess, nil
}

// Create starts a worker container, runs the init exchange and returns the
// ready session. The init payload must carry at least "env_id"; extra keys
// pass through to the worker untouched.
func (m *Manager) Create(ctx context.Context, initPayload map[string]interface{}) (*Session, error) {
	select {
	case m.slots <- struct{}{}:
	default:
		return nil, NewNoSlotsError(m.Config.MaxSessions)
	}

	sess, err := m.startSession(ctx, initPayload)
	if err != nil {
		<-m.slots
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(m.Count()))
	return sess, nil
}

func (m *Manager) startSession(ctx context.Context, initPayload map[string]interface{}) (*Session, error) {
	envID, _ := initPayload["env_id"].(string)
	sessionID := uuid.New().String()
	log := m.Log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"env_id":     envID,
	})

	containerID, err := m.Gateway.StartWorker(ctx, sessionID)
	if err != nil {
		log.WithError(err).Error("Failed to start worker container")
		return nil, NewContainerError("Failed to create session: %v", err)
	}

	stream, err := m.Gateway.AttachWorker(ctx, containerID)
	if err != nil {
		log.WithError(err).Error("Failed to attach to worker container")
		return nil, NewContainerError("Failed to create session: %v", err)
	}

	sess := newSession(sessionID, envID, containerID, stream)
	m.mutex.Lock()
	m.sessions[sessionID] = sess
	m.mutex.Unlock()

	initCmd := map[string]interface{}{"cmd": "init"}
	for k, v := range initPayload {
		initCmd[k] = v
	}

	sess.Mutex.Lock()
	resp, _ := stream.Command(initCmd, m.Config.CommandTimeout())
	sess.Mutex.Unlock()

	if status, _ := resp["status"].(string); status != "ok" {
		m.Gateway.StopWorker(ctx, containerID)
		stream.Close()
		m.mutex.Lock()
		delete(m.sessions, sessionID)
		m.mutex.Unlock()

		msg := "unknown error"
		if v, ok := resp["message"]; ok {
			msg = fmt.Sprintf("%v", v)
		}
		return nil, NewContainerError("Init failed: %s", msg)
	}

	observation, _ := resp["observation"].(string)
	sess.SetObservation(observation, ExtractInfo(resp))

	log.WithField("container_id", containerID).Info("Session created")
	return sess, nil
}

// Delete removes a session and stops its container. Stop failures are
// swallowed: the container may already be gone, and auto-remove reaps it
// either way.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mutex.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mutex.Unlock()

	if !ok {
		return NewNotFoundError(sessionID)
	}

	m.Gateway.StopWorker(ctx, sess.ContainerID)
	sess.Stream.Close()
	<-m.slots

	metrics.SessionsActive.Set(float64(m.Count()))
	m.Log.WithField("session_id", sessionID).Info("Session deleted")
	return nil
}

// DeleteAll tears down every session and returns the IDs it removed
func (m *Manager) DeleteAll(ctx context.Context) []string {
	m.mutex.Lock()
	ids := lo.Keys(m.sessions)
	m.mutex.Unlock()

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := m.Delete(ctx, id); err == nil {
			deleted = append(deleted, id)
		}
	}
	return deleted
}

// StartEvictionLoop reclaims idle sessions in the background until the
// context is cancelled
func (m *Manager) StartEvictionLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(evictionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictIdle(ctx)
			}
		}
	}()
}

func (m *Manager) evictIdle(ctx context.Context) {
	idleLimit := m.Config.IdleTimeout()
	now := time.Now().UTC()

	m.mutex.Lock()
	expired := lo.FilterMap(lo.Values(m.sessions), func(sess *Session, _ int) (string, bool) {
		return sess.ID, now.Sub(sess.LastActive()) > idleLimit
	})
	m.mutex.Unlock()

	for _, id := range expired {
		m.Log.WithField("session_id", id).Info("Cleaning up idle session")
		if err := m.Delete(ctx, id); err != nil {
			// lost a race with an explicit delete, which is fine
			continue
		}
		metrics.SessionsEvicted.Inc()
	}
}

// CleanupOrphans kills every labelled container left over from a previous
// server run. Errors are logged, not returned: a failed sweep should not
// stop the server from starting.
func (m *Manager) CleanupOrphans(ctx context.Context) {
	m.killAllLabeled(ctx)
}

func (m *Manager) killAllLabeled(ctx context.Context) {
	ids, err := m.Gateway.ListWorkers(ctx)
	if err != nil {
		m.Log.WithError(err).Warn("Error cleaning up labeled containers")
		return
	}

	for _, id := range ids {
		m.Gateway.KillWorker(ctx, id)
		m.Log.WithField("container_id", id).Info("Killed orphaned container")
	}
}

// Shutdown drops the whole session table and kills every labelled container.
// The eviction loop is stopped separately by cancelling its context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mutex.Lock()
	sessions := lo.Values(m.sessions)
	m.sessions = map[string]*Session{}
	m.mutex.Unlock()

	for _, sess := range sessions {
		sess.Stream.Close()
	}

	m.killAllLabeled(ctx)
}

// ExtractInfo partitions worker response extras from the standard protocol
// keys into an info map
func ExtractInfo(response map[string]interface{}) map[string]interface{} {
	return lo.OmitByKeys(response, []string{
		"status", "observation", "reward", "score", "done", "cmd", "env_id",
	})
}
