package sessions

import (
	"github.com/jrsteele09/go-auth-client/users"
)

// Status is the session's lifecycle stage.
type Status string

const (
	StatusInitializing    Status = "initializing"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// State is a read-only snapshot. User is shared between snapshots and must not
// be modified.
type State struct {
	Status          Status
	User            *users.Profile
	IsAuthenticated bool
	IsLoading       bool
	// Error is the message of the last failed operation, empty once cleared.
	Error string
}

// HasRole reports whether the snapshot's user holds role name.
func (s State) HasRole(name string) bool {
	return s.User.HasRole(name)
}

// HasPermission reports whether the snapshot's user may perform action on resource.
func (s State) HasPermission(resource, action string) bool {
	return s.User.HasPermission(resource, action)
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// HasRole is false when nobody is logged in.
func (m *Manager) HasRole(name string) bool {
	return m.Snapshot().HasRole(name)
}

// HasPermission is false when nobody is logged in.
func (m *Manager) HasPermission(resource, action string) bool {
	return m.Snapshot().HasPermission(resource, action)
}

// ClearError empties Error without touching anything else.
func (m *Manager) ClearError() {
	m.update(func(s *State) {
		s.Error = ""
	})
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. A slow reader only misses intermediate snapshots, never the
// latest. Call the returned func to unsubscribe.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.state
	m.mu.Unlock()

	var once bool
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if once {
			return
		}
		once = true
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Manager) settle(status Status, user *users.Profile, errMsg string) {
	m.update(func(s *State) {
		*s = State{
			Status:          status,
			User:            user,
			IsAuthenticated: status == StatusAuthenticated && user != nil,
			Error:           errMsg,
		}
	})
}

func (m *Manager) startLoading() {
	m.update(func(s *State) {
		s.IsLoading = true
		s.Error = ""
	})
}

func (m *Manager) stopLoading() {
	m.update(func(s *State) {
		s.IsLoading = false
	})
}

// fail records err without changing the status.
func (m *Manager) fail(err error) {
	msg := errorMessage(err)
	m.update(func(s *State) {
		s.IsLoading = false
		s.Error = msg
	})
}

// update replaces the state under the lock and publishes the new snapshot.
// The observer is called under the same lock so transitions reach it in order.
func (m *Manager) update(fn func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state.Status
	next := m.state
	fn(&next)
	m.state = next
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	if m.observer != nil && next.Status != prev {
		m.observer.SessionTransition(string(next.Status))
	}
}
