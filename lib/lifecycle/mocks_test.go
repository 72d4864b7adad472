package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/overlays"
	"github.com/onkernel/nodelab/lib/vmm"
)

// mockSupervisor tracks fake processes in memory.
type mockSupervisor struct {
	mu      sync.Mutex
	nextPID int
	live    map[string]*vmm.Handle

	startErr   error
	startCalls int
	stopCalls  int
}

func newMockSupervisor() *mockSupervisor {
	return &mockSupervisor{nextPID: 1000, live: make(map[string]*vmm.Handle)}
}

func (s *mockSupervisor) Start(ctx context.Context, req vmm.StartRequest) (*vmm.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCalls++
	if s.startErr != nil {
		return nil, s.startErr
	}
	if _, ok := s.live[req.NodeID]; ok {
		return nil, fmt.Errorf("%w: already running", vmm.ErrLaunch)
	}
	s.nextPID++
	h := &vmm.Handle{NodeID: req.NodeID, PID: s.nextPID, Port: req.Port, OverlayPath: req.OverlayPath}
	s.live[req.NodeID] = h
	return h, nil
}

func (s *mockSupervisor) Stop(ctx context.Context, h *vmm.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	if cur, ok := s.live[h.NodeID]; ok && cur == h {
		delete(s.live, h.NodeID)
	}
	return nil
}

func (s *mockSupervisor) IsAlive(h *vmm.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.live[h.NodeID]
	return ok && cur == h
}

func (s *mockSupervisor) Lookup(nodeID string) (*vmm.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.live[nodeID]
	return h, ok
}

// crash simulates the process exiting on its own.
func (s *mockSupervisor) crash(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, nodeID)
}

// adopt simulates a process surviving a service restart.
func (s *mockSupervisor) adopt(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPID++
	s.live[nodeID] = &vmm.Handle{NodeID: nodeID, PID: s.nextPID}
}

func (s *mockSupervisor) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// mockGateway records connections in memory.
type mockGateway struct {
	mu          sync.Mutex
	nextID      int
	connections map[string]string
	names       map[string]string

	registerErr    error
	deregisterErr  error
	beforeRegister func()
}

func newMockGateway() *mockGateway {
	return &mockGateway{connections: make(map[string]string), names: make(map[string]string)}
}

func (g *mockGateway) Register(ctx context.Context, name string, port int) (string, error) {
	return g.RegisterEndpoint(ctx, name, "127.0.0.1", port)
}

func (g *mockGateway) RegisterEndpoint(ctx context.Context, name, host string, port int) (string, error) {
	if g.beforeRegister != nil {
		g.beforeRegister()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registerErr != nil {
		return "", g.registerErr
	}
	g.nextID++
	id := fmt.Sprintf("conn-%d", g.nextID)
	g.connections[id] = fmt.Sprintf("%s:%d", host, port)
	g.names[id] = name
	return id, nil
}

func (g *mockGateway) Deregister(ctx context.Context, connectionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deregisterErr != nil {
		return g.deregisterErr
	}
	delete(g.connections, connectionID)
	delete(g.names, connectionID)
	return nil
}

func (g *mockGateway) DeregisterByName(ctx context.Context, name string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deregisterErr != nil {
		return 0, g.deregisterErr
	}
	removed := 0
	for id, n := range g.names {
		if n == name {
			delete(g.connections, id)
			delete(g.names, id)
			removed++
		}
	}
	return removed, nil
}

func (g *mockGateway) Links(name string) console.Links {
	return console.Links{ClientURL: "http://guac/#/client/test-" + console.SanitizeIdentifier(name)}
}

func (g *mockGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.connections)
}

// flakyStore wraps a real store and can be told to fail releases.
type flakyStore struct {
	overlays.Store
	mu         sync.Mutex
	releaseErr error
}

func (s *flakyStore) Release(ctx context.Context, overlayPath string) error {
	s.mu.Lock()
	err := s.releaseErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Release(ctx, overlayPath)
}

func (s *flakyStore) failReleases(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseErr = err
}

var errDiskFull = errors.New("no space left on device")
