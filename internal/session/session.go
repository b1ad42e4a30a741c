// Package session owns the registry of tenant sessions and drives each one's
// connection lifecycle: start, reconnect with backoff, stop and logout.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/switchyard-chat/switchyard/internal/conn"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusStarting     Status = "starting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusStopping     Status = "stopping"
)

// Session is one tenant's connection slot. All fields are guarded by the
// owning Manager's mutex.
type Session struct {
	ID string

	conn       conn.Conn
	status     Status
	backoff    time.Duration
	restarting bool
	timer      *reconnectTimer

	// deleted marks a session removed by logout, unregister or a permanent
	// close. Goroutines still holding the pointer must not revive it.
	deleted bool
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID      string        `json:"id"`
	Status  Status        `json:"status"`
	Backoff time.Duration `json:"-"`
	Running bool          `json:"running"`
}

// MarshalJSON renders Backoff as a duration string.
func (i Info) MarshalJSON() ([]byte, error) {
	type alias Info
	return json.Marshal(struct {
		alias
		Backoff string `json:"backoff"`
	}{alias: alias(i), Backoff: i.Backoff.String()})
}

func (s *Session) info() Info {
	return Info{
		ID:      s.ID,
		Status:  s.status,
		Backoff: s.backoff,
		Running: s.conn != nil,
	}
}

// reconnectTimer fires fn once after a delay unless stopped first.
type reconnectTimer struct {
	cancel chan struct{}
	once   sync.Once
}

func newReconnectTimer() *reconnectTimer {
	return &reconnectTimer{cancel: make(chan struct{})}
}

func (t *reconnectTimer) start(d time.Duration, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			fn()
		case <-t.cancel:
		}
	}()
}

// Stop cancels the timer. Stopping a fired or stopped timer is a no-op.
func (t *reconnectTimer) Stop() {
	t.once.Do(func() { close(t.cancel) })
}
