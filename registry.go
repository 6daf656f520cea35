package main

import (
	"sort"
	"sync"
	"time"
)

// session tracks aggregate state for one pairing room. The registry never
// holds connection objects; those belong to the gateway.
type session struct {
	connections  int
	lastActivity time.Time
}

// SessionInfo is the read-only view exposed by /api/sessions.
type SessionInfo struct {
	Room         string    `json:"room"`
	Connections  int       `json:"connections"`
	LastActivity time.Time `json:"lastActivity"`
}

// Registry owns the room code → session mapping. A room exists exactly while
// it has members, or until the sweeper evicts it. All mutation happens under
// a single mutex, including the sweep's scan-and-delete, so a join can never
// race an eviction.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

// join increments membership for room, creating it on first join, and
// returns the new count.
func (reg *Registry) join(room string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	s, ok := reg.sessions[room]
	if !ok {
		s = &session{}
		reg.sessions[room] = s
	}
	s.connections++
	s.lastActivity = time.Now()

	setRooms(len(reg.sessions))

	return s.connections
}

// leave decrements membership, floored at zero, and deletes the room
// eagerly once it empties. Unknown rooms are a no-op.
func (reg *Registry) leave(room string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	s, ok := reg.sessions[room]
	if !ok {
		return 0
	}

	if s.connections > 0 {
		s.connections--
	}
	s.lastActivity = time.Now()

	if s.connections == 0 {
		delete(reg.sessions, room)
		setRooms(len(reg.sessions))
		return 0
	}

	return s.connections
}

// touch refreshes a room's activity timestamp without changing membership.
func (reg *Registry) touch(room string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if s, ok := reg.sessions[room]; ok {
		s.lastActivity = time.Now()
	}
}

// count returns the current membership of room, zero if absent.
func (reg *Registry) count(room string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if s, ok := reg.sessions[room]; ok {
		return s.connections
	}
	return 0
}

// snapshot returns the current sessions, sorted by room code so the listing
// is stable across calls.
func (reg *Registry) snapshot() []SessionInfo {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]SessionInfo, 0, len(reg.sessions))
	for room, s := range reg.sessions {
		out = append(out, SessionInfo{
			Room:         room,
			Connections:  s.connections,
			LastActivity: s.lastActivity,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Room < out[j].Room
	})

	return out
}

// sweep removes every room whose last activity predates cutoff, even if it
// still reports members; this is the recovery path for connections that
// vanished without a close frame. Returns the evicted room codes.
func (reg *Registry) sweep(cutoff time.Time) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var evicted []string
	for room, s := range reg.sessions {
		if s.lastActivity.Before(cutoff) {
			delete(reg.sessions, room)
			evicted = append(evicted, room)
		}
	}

	if len(evicted) != 0 {
		setRooms(len(reg.sessions))
	}

	return evicted
}

// sweepLoop periodically evicts rooms idle longer than the configured TTL,
// stopping when done is closed.
func (reg *Registry) sweepLoop(cfg *Config, done <-chan struct{}) {
	ticker := time.NewTicker(cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, room := range reg.sweep(time.Now().Add(-cfg.sessionTTL)) {
				logf(cfg, "SWEEP: Evicted idle room %q", room)
			}
		}
	}
}
