package services

import (
	"chatrelay/internal/models"
	"log"
	"sync"
)

// ConnectionStats summarizes the live sessions
type ConnectionStats struct {
	Total   int            `json:"total"`
	Users   int            `json:"users"`
	ByState map[string]int `json:"by_state"`
}

// ConnectionManager tracks every live WebSocket session
type ConnectionManager struct {
	sessions map[string]*models.UserConnection
	mu       sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]*models.UserConnection),
	}
}

// Add registers a freshly opened session
func (cm *ConnectionManager) Add(session *models.UserConnection) {
	cm.mu.Lock()
	cm.sessions[session.ConnID] = session
	total := len(cm.sessions)
	cm.mu.Unlock()
	log.Printf("✅ [WS] Session opened: %s (live: %d)", session.ConnID, total)
}

// Remove closes and forgets a session. Shared caches are left alone since
// other sessions for the same user may still be live.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	session, ok := cm.sessions[connID]
	delete(cm.sessions, connID)
	total := len(cm.sessions)
	cm.mu.Unlock()

	if !ok {
		return
	}
	session.Close()
	log.Printf("👋 [WS] Session closed: %s user=%q (live: %d)", connID, session.UserID(), total)
}

// Get returns the session with connID
func (cm *ConnectionManager) Get(connID string) (*models.UserConnection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	session, ok := cm.sessions[connID]
	return session, ok
}

// Count returns the number of live sessions
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// ForUser returns every live session bound to userID
func (cm *ConnectionManager) ForUser(userID string) []*models.UserConnection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var out []*models.UserConnection
	for _, session := range cm.sessions {
		if session.UserID() == userID {
			out = append(out, session)
		}
	}
	return out
}

// Stats counts live sessions per lifecycle state and distinct bound users
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{Total: len(cm.sessions), ByState: make(map[string]int)}
	users := make(map[string]struct{})
	for _, session := range cm.sessions {
		stats.ByState[session.State().String()]++
		if id := session.UserID(); id != "" {
			users[id] = struct{}{}
		}
	}
	stats.Users = len(users)
	return stats
}
