// Package registry tracks every live session, enforces the
// one-active-session-per-peer supersede rule, and provides isolated
// broadcast to subsets of sessions. It generalizes the teacher's Hub
// (internal/hub/hub.go), which kept a flat set of TCP clients and
// broadcast CAN frames to all of them; a KVM host additionally needs to
// key sessions by peer identity so a reconnecting client replaces its
// own stale session rather than piling up duplicates (§4.5).
package registry

import (
	"sync"
	"time"

	"github.com/softkvm/softkvm/internal/logging"
	"github.com/softkvm/softkvm/internal/metrics"
	"github.com/softkvm/softkvm/internal/session"
)

const defaultSweepInterval = 60 * time.Second

// Registry owns the set of live sessions for one host process.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*session.Session
	byPeer      map[string]*session.Session
	sweepPeriod time.Duration

	stop chan struct{}
	once sync.Once
}

// New creates an empty Registry and starts its closed-session sweep
// goroutine.
func New() *Registry {
	r := &Registry{
		byID:        make(map[string]*session.Session),
		byPeer:      make(map[string]*session.Session),
		sweepPeriod: defaultSweepInterval,
		stop:        make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Add registers sess under peerKey, closing (superseding) any existing
// session already registered for that peer (§4.5, §8 scenario S4).
func (r *Registry) Add(peerKey string, sess *session.Session) {
	r.mu.Lock()
	prev, existed := r.byPeer[peerKey]
	r.byPeer[peerKey] = sess
	r.byID[string(sess.ID)] = sess
	count := len(r.byID)
	r.mu.Unlock()

	metrics.SetSessionsActive(count)
	if existed && prev != sess {
		logging.L().Info("session_superseded", "peer", peerKey, "old_session", prev.ID, "new_session", sess.ID)
		metrics.IncSessionSuperseded()
		prev.Close()
	}
}

// Remove unregisters sess if it is still the current session for its
// peer; safe to call more than once.
func (r *Registry) Remove(peerKey string, sess *session.Session) {
	r.mu.Lock()
	if cur, ok := r.byPeer[peerKey]; ok && cur == sess {
		delete(r.byPeer, peerKey)
	}
	delete(r.byID, string(sess.ID))
	count := len(r.byID)
	r.mu.Unlock()
	metrics.SetSessionsActive(count)
}

// Get returns the session for a given peerKey, if any.
func (r *Registry) Get(peerKey string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPeer[peerKey]
	return s, ok
}

// Snapshot returns a point-in-time copy of every registered session.
func (r *Registry) Snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Broadcast sends payload to every session for which filter returns true
// (or every session, if filter is nil). One sibling's send failure is
// logged and does not affect delivery to the others (§4.5, §8 property 5).
func (r *Registry) Broadcast(payload any, filter func(*session.Session) bool) int {
	sent := 0
	for _, s := range r.Snapshot() {
		if filter != nil && !filter(s) {
			continue
		}
		if err := s.Send(payload); err != nil {
			logging.L().Warn("registry_broadcast_send_failed", "session", s.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Close stops the sweep goroutine. It does not close individual sessions.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

// sweep removes any session that has fully closed, so a stale entry
// can't linger in byID/byPeer after its Run loop exited without calling
// Remove (e.g. a crash in caller wiring).
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peer, s := range r.byPeer {
		if s.State() == session.StateClosed {
			delete(r.byPeer, peer)
			delete(r.byID, string(s.ID))
		}
	}
	metrics.SetSessionsActive(len(r.byID))
}
