package session

import (
	"errors"
	"time"

	"github.com/gymdock/gymdock/pkg/docker"
	"github.com/sasha-s/go-deadlock"
)

// Session status values
const (
	StatusActive = "active"
	StatusDone   = "done"
)

// Session is one live worker container and the state of its episode
type Session struct {
	ID          string
	EnvID       string
	ContainerID string
	Stream      *docker.StreamConn

	// Mutex serializes worker exchanges: exactly one command may be in
	// flight on the stream at a time
	Mutex deadlock.Mutex

	// StateMutex guards the mutable episode fields below. It is never held
	// across I/O, so state reads don't block behind a slow worker
	StateMutex   deadlock.Mutex
	Observation  string
	Info         map[string]interface{}
	Status       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

func newSession(id, envID, containerID string, stream *docker.StreamConn) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		EnvID:        envID,
		ContainerID:  containerID,
		Stream:       stream,
		Info:         map[string]interface{}{},
		Status:       StatusActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Step sends one step command to the worker, serialized against any other
// exchange on this session. A read timeout retires the session: a late reply
// would desynchronize the stream for every later exchange.
func (s *Session) Step(action string, timeout time.Duration) (map[string]interface{}, error) {
	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	resp, err := s.Stream.Command(map[string]interface{}{
		"cmd":    "step",
		"action": action,
	}, timeout)

	if errors.Is(err, docker.ErrReadTimeout) {
		s.MarkDone()
	}
	s.Touch()

	return resp, err
}

// Touch refreshes the idle clock
func (s *Session) Touch() {
	s.StateMutex.Lock()
	defer s.StateMutex.Unlock()
	s.LastActiveAt = time.Now().UTC()
}

// MarkDone retires the session's episode
func (s *Session) MarkDone() {
	s.StateMutex.Lock()
	defer s.StateMutex.Unlock()
	s.Status = StatusDone
}

// IsDone reports whether the episode has finished
func (s *Session) IsDone() bool {
	s.StateMutex.Lock()
	defer s.StateMutex.Unlock()
	return s.Status == StatusDone
}

// LastActive returns the idle clock's last reset time
func (s *Session) LastActive() time.Time {
	s.StateMutex.Lock()
	defer s.StateMutex.Unlock()
	return s.LastActiveAt
}

// SetObservation records the episode state returned by the worker
func (s *Session) SetObservation(observation string, info map[string]interface{}) {
	s.StateMutex.Lock()
	defer s.StateMutex.Unlock()
	s.Observation = observation
	s.Info = info
}

// State is a point-in-time copy of a session's mutable fields
type State struct {
	Observation  string
	Info         map[string]interface{}
	Status       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Snapshot copies the mutable fields for building a response
func (s *Session) Snapshot() State {
	s.StateMutex.Lock()
	defer s.StateMutex.Unlock()
	return State{
		Observation:  s.Observation,
		Info:         s.Info,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}
