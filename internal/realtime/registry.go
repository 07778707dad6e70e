package realtime

import (
	"sync"

	"homematch/internal/app/identity"
)

// Session is the typed connection record: the authenticated identity bound to
// one live transport connection plus its room memberships. Nothing here is
// persisted; the registry is rebuilt empty on restart.
type Session struct {
	ID   string
	User identity.Principal

	send chan Outbound
	once sync.Once
	done chan struct{}
}

func newSession(id string, user identity.Principal, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:   id,
		User: user,
		send: make(chan Outbound, buffer),
		done: make(chan struct{}),
	}
}

// trySend enqueues without blocking. A false return means the consumer is too
// slow to keep up and the connection should be dropped.
func (s *Session) trySend(out Outbound) bool {
	select {
	case <-s.done:
		return true
	case s.send <- out:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Registry maps authenticated identities to live sessions and room
// memberships. A user may hold several simultaneous sessions (multi-device);
// Resolve returns all of them. All operations are O(1) amortized map work and
// never block on I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	rooms    map[string]map[string]*Session
	joined   map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register adds a session for its user.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	userSessions, ok := r.byUser[s.User.ID]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[s.User.ID] = userSessions
	}
	userSessions[s.ID] = s
}

// Unregister removes the session from the registry and from every room it had
// joined. Safe to call more than once; later calls are no-ops.
func (r *Registry) Unregister(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(r.sessions, sessionID)
	if userSessions, ok := r.byUser[sess.User.ID]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, sess.User.ID)
		}
	}
	for room := range r.joined[sessionID] {
		r.removeFromRoom(sessionID, room)
	}
	delete(r.joined, sessionID)
	return sess
}

// Resolve returns every live session of a user.
func (r *Registry) Resolve(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userSessions := r.byUser[userID]
	if len(userSessions) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		out = append(out, s)
	}
	return out
}

// JoinRoom adds a registered session to a room.
func (r *Registry) JoinRoom(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[sessionID] = sess
	joined, ok := r.joined[sessionID]
	if !ok {
		joined = make(map[string]struct{})
		r.joined[sessionID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// LeaveRoom removes a session from a room.
func (r *Registry) LeaveRoom(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromRoom(sessionID, room)
	if joined, ok := r.joined[sessionID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.joined, sessionID)
		}
	}
}

// MembersOf snapshots the sessions currently in a room.
func (r *Registry) MembersOf(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// InRoom reports whether the session joined the room.
func (r *Registry) InRoom(sessionID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][sessionID]
	return ok
}

// Sessions snapshots every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the live connection count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// removeFromRoom must run under the write lock.
func (r *Registry) removeFromRoom(sessionID, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}
