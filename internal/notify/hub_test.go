package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assess-api/internal/domain/model"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []model.Notification
	writeErr error
	closed   bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if n, ok := v.(model.Notification); ok {
		f.written = append(f.written, n)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) notifications() []model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Notification, len(f.written))
	copy(out, f.written)
	return out
}

func TestHubNotify(t *testing.T) {
	t.Run("delivers to every session of the user", func(t *testing.T) {
		hub := NewHub(HubOptions{})
		first := &fakeConn{}
		second := &fakeConn{}
		hub.Register("user-1", first)
		hub.Register("user-1", second)

		hub.Notify("user-1", model.Notification{
			Type:  model.NotificationAnalysisComplete,
			JobID: "job-1",
		})

		require.Len(t, first.notifications(), 1)
		require.Len(t, second.notifications(), 1)
		got := first.notifications()[0]
		assert.Equal(t, model.NotificationAnalysisComplete, got.Type)
		assert.Equal(t, "job-1", got.JobID)
		assert.False(t, got.Timestamp.IsZero())
	})

	t.Run("absent user is a no-op", func(t *testing.T) {
		hub := NewHub(HubOptions{})
		hub.Notify("nobody", model.Notification{Type: model.NotificationAnalysisStarted})
	})

	t.Run("does not cross users", func(t *testing.T) {
		hub := NewHub(HubOptions{})
		mine := &fakeConn{}
		theirs := &fakeConn{}
		hub.Register("user-1", mine)
		hub.Register("user-2", theirs)

		hub.Notify("user-1", model.Notification{Type: model.NotificationAnalysisStarted, JobID: "j"})

		assert.Len(t, mine.notifications(), 1)
		assert.Empty(t, theirs.notifications())
	})

	t.Run("failed session is evicted and closed", func(t *testing.T) {
		hub := NewHub(HubOptions{})
		broken := &fakeConn{writeErr: errors.New("broken pipe")}
		hub.Register("user-1", broken)

		hub.Notify("user-1", model.Notification{Type: model.NotificationAnalysisFailed, JobID: "j"})

		assert.Equal(t, 0, hub.SessionCount("user-1"))
		assert.True(t, broken.closed)
	})

	t.Run("throttles beyond the burst", func(t *testing.T) {
		hub := NewHub(HubOptions{EventsPerSecond: 0.001, Burst: 2})
		conn := &fakeConn{}
		hub.Register("user-1", conn)

		for range 5 {
			hub.Notify("user-1", model.Notification{Type: model.NotificationAnalysisStarted, JobID: "j"})
		}

		assert.Len(t, conn.notifications(), 2)
	})
}

func TestHubUnregister(t *testing.T) {
	hub := NewHub(HubOptions{})
	conn := &fakeConn{}
	session := hub.Register("user-1", conn)
	require.Equal(t, 1, hub.SessionCount("user-1"))

	hub.Unregister(session)

	assert.Equal(t, 0, hub.SessionCount("user-1"))
	assert.True(t, conn.closed)

	// Unregistering twice is harmless.
	hub.Unregister(session)
}
