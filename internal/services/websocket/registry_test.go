package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cronmesh/internal/models"
	"cronmesh/internal/services/store"
)

type fakeConn struct {
	inbox chan []byte

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, data := range c.written {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("written message not json: %s", data)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeAgents struct {
	mu      sync.Mutex
	owners  map[uint]uint
	touched map[uint]int
}

func newFakeAgents(ids ...uint) *fakeAgents {
	a := &fakeAgents{owners: map[uint]uint{}, touched: map[uint]int{}}
	for _, id := range ids {
		a.owners[id] = 1
	}
	return a
}

func (a *fakeAgents) GetAgent(_ context.Context, id uint) (*models.Agent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[id]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	return &models.Agent{ID: id, RegisteredBy: owner}, nil
}

func (a *fakeAgents) TouchLastSeen(_ context.Context, id uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.owners[id]; !ok {
		return store.ErrAgentNotFound
	}
	a.touched[id]++
	return nil
}

func (a *fakeAgents) touches(id uint) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.touched[id]
}

func TestDispatchWithoutConnection(t *testing.T) {
	r := NewRegistry()
	err := r.Dispatch(5, models.DispatchedJob{ID: 1})
	if !errors.Is(err, ErrAgentUnreachable) {
		t.Errorf("err = %v, want ErrAgentUnreachable", err)
	}
	if r.DispatchJob(5, models.DispatchedJob{ID: 1}) {
		t.Error("DispatchJob reported success without a connection")
	}
}

func TestDispatchSendsRunJob(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	r.Register(3, conn)

	if !r.DispatchJob(3, models.DispatchedJob{ID: 9, Command: "echo hi", Schedule: "* * * * *", RetryCount: 2}) {
		t.Fatal("dispatch failed")
	}
	envs := conn.envelopes(t)
	if len(envs) != 1 || envs[0].Type != TypeRunJob || envs[0].Job == nil {
		t.Fatalf("written = %+v", envs)
	}
	if j := envs[0].Job; j.ID != 9 || j.Command != "echo hi" || j.RetryCount != 2 {
		t.Errorf("job payload = %+v", j)
	}
}

func TestDispatchWriteFailureDropsSession(t *testing.T) {
	r := NewRegistry()
	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	r.Register(3, conn)

	if err := r.Dispatch(3, models.DispatchedJob{ID: 1}); !errors.Is(err, ErrAgentUnreachable) {
		t.Errorf("err = %v", err)
	}
	if _, ok := r.Lookup(3); ok {
		t.Error("dead session kept")
	}
	if !conn.isClosed() {
		t.Error("dead connection not closed")
	}
}

func TestReRegisterReplacesAndStaleUnregisterIsNoop(t *testing.T) {
	r := NewRegistry()
	oldConn, newConn := newFakeConn(), newFakeConn()

	oldSess := r.Register(1, oldConn)
	newSess := r.Register(1, newConn)

	if !oldConn.isClosed() {
		t.Error("replaced connection left open")
	}
	if r.Unregister(oldSess) {
		t.Error("stale session removed the live one")
	}
	if got, _ := r.Lookup(1); got != newSess {
		t.Error("live session lost")
	}
	if !r.Unregister(newSess) || r.Len() != 0 {
		t.Error("live session not removed")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		id := uint(i%4 + 1)
		go func() {
			defer wg.Done()
			s := r.Register(id, newFakeConn())
			r.Unregister(s)
		}()
		go func() {
			defer wg.Done()
			r.DispatchJob(id, models.DispatchedJob{ID: 1})
		}()
		go func() {
			defer wg.Done()
			_ = r.Connected()
			r.PingAll()
		}()
	}
	wg.Wait()
}

func TestServeRegistersSurvivesGarbageAndCleansUp(t *testing.T) {
	r := NewRegistry()
	agents := newFakeAgents(7)
	h := NewHandler(r, agents)
	h.Log = zerolog.Nop()
	conn := newFakeConn()

	done := make(chan struct{})
	go func() {
		h.Serve(context.Background(), conn, Principal{UserID: 1})
		close(done)
	}()

	conn.inbox <- []byte("not json at all")
	conn.inbox <- []byte(`{"type":"register"}`)
	conn.inbox <- []byte(`{"type":"register","agentId":99}`)
	conn.inbox <- []byte(`{"type":"register","agentId":7}`)
	conn.inbox <- []byte(`{"type":"pong","agentId":7}`)

	waitFor(t, func() bool { return agents.touches(7) == 2 })

	if _, ok := r.Lookup(99); ok {
		t.Error("unknown agent registered")
	}
	if !r.DispatchJob(7, models.DispatchedJob{ID: 1}) {
		t.Error("dispatch to registered agent failed")
	}
	if conn.isClosed() {
		t.Fatal("malformed message closed the connection")
	}

	close(conn.inbox)
	<-done

	if _, ok := r.Lookup(7); ok {
		t.Error("session kept after disconnect")
	}
}

func TestServeRejectsAgentOfAnotherUser(t *testing.T) {
	r := NewRegistry()
	agents := newFakeAgents(7)
	h := NewHandler(r, agents)
	h.Log = zerolog.Nop()

	intruder := newFakeConn()
	done := make(chan struct{})
	go func() {
		h.Serve(context.Background(), intruder, Principal{UserID: 2})
		close(done)
	}()
	intruder.inbox <- []byte(`{"type":"register","agentId":7}`)
	intruder.inbox <- []byte(`{"type":"pong","agentId":7}`)
	close(intruder.inbox)
	<-done

	if _, ok := r.Lookup(7); ok {
		t.Fatal("foreign user took over the agent session")
	}
	if n := agents.touches(7); n != 0 {
		t.Errorf("foreign connection refreshed lastSeen %d times", n)
	}

	admin := newFakeConn()
	go h.Serve(context.Background(), admin, Principal{UserID: 3, Admin: true})
	admin.inbox <- []byte(`{"type":"register","agentId":7}`)
	waitFor(t, func() bool { return agents.touches(7) == 1 })
	if _, ok := r.Lookup(7); !ok {
		t.Error("admin could not register the agent")
	}
	close(admin.inbox)
}

func TestParseEnvelope(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"type":"run_job"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("run_job without job: err = %v", err)
	}
	env, err := ParseEnvelope([]byte(`{"type":"pong","agentId":4}`))
	if err != nil || env.AgentID != 4 {
		t.Errorf("pong: env=%+v err=%v", env, err)
	}
	if _, err := ParseEnvelope([]byte(`{"agentId":4}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("missing type: err = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
