package websocket

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"cronmesh/internal/models"
	"cronmesh/internal/services/metrics"
)

// Conn is the write side of a push connection.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one registered agent connection. Writes are serialised because
// a websocket connection supports a single concurrent writer.
type Session struct {
	ID      string
	AgentID uint

	conn Conn
	mu   sync.Mutex
}

func (s *Session) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Registry maps agent ids to their live push connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint]*Session)}
}

// Register binds agentID to conn. A previous connection for the same agent
// is closed; its serving loop will find itself replaced on exit.
func (r *Registry) Register(agentID uint, conn Conn) *Session {
	sess := &Session{ID: uuid.NewString(), AgentID: agentID, conn: conn}

	r.mu.Lock()
	old := r.sessions[agentID]
	r.sessions[agentID] = sess
	metrics.ConnectedAgents.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}
	return sess
}

// Unregister removes sess if it is still the agent's current session.
func (r *Registry) Unregister(sess *Session) bool {
	if sess == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sess.AgentID] != sess {
		return false
	}
	delete(r.sessions, sess.AgentID)
	metrics.ConnectedAgents.Set(float64(len(r.sessions)))
	return true
}

func (r *Registry) Lookup(agentID uint) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[agentID]
	return sess, ok
}

func (r *Registry) IsConnected(agentID uint) bool {
	_, ok := r.Lookup(agentID)
	return ok
}

// Connected returns a sorted snapshot of the agents with a live session.
func (r *Registry) Connected() []uint {
	r.mu.RLock()
	ids := make([]uint, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Dispatch sends job to the agent's live connection. A failed write drops
// the session.
func (r *Registry) Dispatch(agentID uint, job models.DispatchedJob) error {
	sess, ok := r.Lookup(agentID)
	if !ok {
		return fmt.Errorf("%w: agent %d", ErrAgentUnreachable, agentID)
	}
	if err := sess.Send(Envelope{Type: TypeRunJob, Job: &job}); err != nil {
		r.Unregister(sess)
		_ = sess.conn.Close()
		return fmt.Errorf("%w: agent %d: %v", ErrAgentUnreachable, agentID, err)
	}
	return nil
}

// DispatchJob reports whether the job reached a live connection.
func (r *Registry) DispatchJob(agentID uint, job models.DispatchedJob) bool {
	return r.Dispatch(agentID, job) == nil
}

// PingAll sends a keepalive to every session and drops the ones that fail.
func (r *Registry) PingAll() int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	dropped := 0
	for _, s := range sessions {
		if err := s.Send(Envelope{Type: TypePing}); err != nil {
			if r.Unregister(s) {
				dropped++
			}
			_ = s.conn.Close()
		}
	}
	return dropped
}
