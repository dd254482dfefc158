// Package notify implements best-effort push of job lifecycle events to a
// user's connected websocket sessions. The hub never blocks job processing;
// when a user has no sessions the event is dropped, and clients recover state
// by querying the job store.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/assessly/assess-api/internal/domain/model"
)

// Conn is the subset of a websocket connection the hub writes to. It is
// satisfied by *websocket.Conn and by test fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one registered client connection. Writes are serialized per
// session because websocket connections allow a single concurrent writer.
type Session struct {
	userID string
	conn   Conn
	mu     sync.Mutex
}

// HubOptions configures the notification hub.
type HubOptions struct {
	Logger *slog.Logger
	// EventsPerSecond throttles notifications per user; bursts of Burst are
	// allowed. Zero values fall back to defaults.
	EventsPerSecond float64
	Burst           int
}

const (
	defaultEventsPerSecond = 5.0
	defaultBurst           = 10
)

// Hub fans lifecycle events out to the sessions registered for each user.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
	limiters map[string]*rate.Limiter

	eventsPerSecond float64
	burst           int
	logger          *slog.Logger
	now             func() time.Time
}

// NewHub creates a new notification hub.
func NewHub(opts HubOptions) *Hub {
	eps := opts.EventsPerSecond
	if eps <= 0 {
		eps = defaultEventsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	return &Hub{
		sessions:        make(map[string]map[*Session]struct{}),
		limiters:        make(map[string]*rate.Limiter),
		eventsPerSecond: eps,
		burst:           burst,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

// Register adds a connection for the user and returns its session handle.
func (h *Hub) Register(userID string, c Conn) *Session {
	s := &Session{userID: userID, conn: c}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[userID] == nil {
		h.sessions[userID] = make(map[*Session]struct{})
	}
	h.sessions[userID][s] = struct{}{}

	if h.logger != nil {
		h.logger.Debug("session registered",
			"user_id", userID,
			"sessions", len(h.sessions[userID]),
		)
	}
	return s
}

// Unregister removes a session and closes its connection.
func (h *Hub) Unregister(s *Session) {
	if s == nil {
		return
	}

	h.mu.Lock()
	if set, ok := h.sessions[s.userID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.userID)
			delete(h.limiters, s.userID)
		}
	}
	h.mu.Unlock()

	_ = s.conn.Close()
}

// SessionCount returns the number of sessions registered for a user.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Notify pushes an event to every session the user has connected. Delivery is
// best effort: absent users are a no-op, throttled events are dropped, and
// failed sessions are evicted without surfacing an error.
func (h *Hub) Notify(userID string, n model.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = h.now().UTC()
	}

	h.mu.RLock()
	set := h.sessions[userID]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	limiter := h.limiterLocked(userID)
	h.mu.RUnlock()

	if !limiter.Allow() {
		if h.logger != nil {
			h.logger.Warn("notification throttled",
				"user_id", userID,
				"type", n.Type,
				"job_id", n.JobID,
			)
		}
		return
	}

	var failed []*Session
	for _, s := range targets {
		s.mu.Lock()
		err := s.conn.WriteJSON(n)
		s.mu.Unlock()
		if err != nil {
			failed = append(failed, s)
			if h.logger != nil {
				h.logger.Warn("notification write failed",
					"user_id", userID,
					"type", n.Type,
					"job_id", n.JobID,
					"error", err,
				)
			}
		}
	}

	for _, s := range failed {
		h.Unregister(s)
	}
}

// limiterLocked returns the user's limiter, creating it on first use. Callers
// must hold at least the read lock; limiter creation upgrades briefly.
func (h *Hub) limiterLocked(userID string) *rate.Limiter {
	if l, ok := h.limiters[userID]; ok {
		return l
	}

	// Drop the read lock to create the limiter under the write lock.
	h.mu.RUnlock()
	h.mu.Lock()
	l, ok := h.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.eventsPerSecond), h.burst)
		h.limiters[userID] = l
	}
	h.mu.Unlock()
	h.mu.RLock()
	return l
}
