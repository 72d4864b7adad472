package vmm

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// shellArgs runs script under /bin/sh, passing the QMP socket as $0 so the
// process command line references the node's run dir.
func shellArgs(script string) ArgsFunc {
	return func(cfg Config, req StartRequest, qmpSocket string) []string {
		return []string{"-c", script, qmpSocket}
	}
}

func newTestSupervisor(t *testing.T, runDir, script string) *Supervisor {
	t.Helper()
	if runDir == "" {
		runDir = t.TempDir()
	}
	s, err := NewSupervisor(Config{
		Binary:           "/bin/sh",
		RunDir:           runDir,
		StartGracePeriod: 200 * time.Millisecond,
		StopTimeout:      500 * time.Millisecond,
		KillTimeout:      2 * time.Second,
		ArgsFunc:         shellArgs(script),
	})
	require.NoError(t, err)
	return s
}

func startReq(id string) StartRequest {
	return StartRequest{NodeID: id, NodeName: id, OverlayPath: "/dev/null", Port: 5901}
}

func TestStartAndStop(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "", "exec sleep 30")

	h, err := s.Start(ctx, startReq("n1"))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, h.State())
	assert.True(t, s.IsAlive(h))
	assert.FileExists(t, filepath.Join(h.RunDir, pidFileName))

	got, ok := s.Lookup("n1")
	require.True(t, ok)
	assert.Same(t, h, got)

	require.NoError(t, s.Stop(ctx, h))
	assert.Equal(t, StateStopped, h.State())
	assert.False(t, s.IsAlive(h))
	assert.NoFileExists(t, filepath.Join(h.RunDir, pidFileName))

	_, ok = s.Lookup("n1")
	assert.False(t, ok)
}

func TestStartExitDuringGrace(t *testing.T) {
	s := newTestSupervisor(t, "", "echo boom >&2; exit 3")

	h, err := s.Start(context.Background(), startReq("n1"))
	require.ErrorIs(t, err, ErrLaunch)
	assert.Nil(t, h)
	assert.Contains(t, err.Error(), "boom")

	_, ok := s.Lookup("n1")
	assert.False(t, ok)
}

func TestStartMissingBinary(t *testing.T) {
	s, err := NewSupervisor(Config{
		Binary: filepath.Join(t.TempDir(), "no-such-qemu"),
		RunDir: t.TempDir(),
	})
	require.NoError(t, err)

	_, err = s.Start(context.Background(), startReq("n1"))
	require.ErrorIs(t, err, ErrLaunch)
}

func TestStartRejectsLowPort(t *testing.T) {
	s := newTestSupervisor(t, "", "exec sleep 30")

	req := startReq("n1")
	req.Port = 5000
	_, err := s.Start(context.Background(), req)
	require.ErrorIs(t, err, ErrLaunch)
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestStopEscalatesToKill(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "", "trap '' TERM; while :; do sleep 0.1; done")

	h, err := s.Start(ctx, startReq("stubborn"))
	require.NoError(t, err)

	begin := time.Now()
	require.NoError(t, s.Stop(ctx, h))
	assert.GreaterOrEqual(t, time.Since(begin), 500*time.Millisecond)
	assert.False(t, s.IsAlive(h))
	assert.Equal(t, StateStopped, h.State())
}

func TestStopAfterExternalKill(t *testing.T) {
	ctx := context.Background()
	s := newTestSupervisor(t, "", "exec sleep 30")

	h, err := s.Start(ctx, startReq("n1"))
	require.NoError(t, err)

	require.NoError(t, unix.Kill(h.PID, unix.SIGKILL))
	require.Eventually(t, func() bool { return !s.IsAlive(h) }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateStopped, h.State())

	require.NoError(t, s.Stop(ctx, h))
}

func TestStopNilHandle(t *testing.T) {
	s := newTestSupervisor(t, "", "exec sleep 30")
	require.NoError(t, s.Stop(context.Background(), nil))
	assert.False(t, s.IsAlive(nil))
}

func TestLookupAdoptsFromPidFile(t *testing.T) {
	ctx := context.Background()
	runDir := t.TempDir()
	first := newTestSupervisor(t, runDir, "exec sleep 30")

	h, err := first.Start(ctx, startReq("n1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Kill(h.PID, unix.SIGKILL) })

	second := newTestSupervisor(t, runDir, "exec sleep 30")
	adopted, ok := second.Lookup("n1")
	require.True(t, ok)
	assert.True(t, adopted.Adopted())
	assert.Equal(t, h.PID, adopted.PID)
	assert.True(t, second.IsAlive(adopted))

	require.NoError(t, second.Stop(ctx, adopted))
	assert.False(t, second.IsAlive(adopted))
}

func TestLookupIgnoresStalePidFile(t *testing.T) {
	runDir := t.TempDir()
	s := newTestSupervisor(t, runDir, "exec sleep 30")

	nodeDir := filepath.Join(runDir, "gone")
	require.NoError(t, os.MkdirAll(nodeDir, 0755))
	// pid 1 never references this run dir
	require.NoError(t, os.WriteFile(filepath.Join(nodeDir, pidFileName), []byte("1"), 0644))

	_, ok := s.Lookup("gone")
	assert.False(t, ok)

	_, ok = s.Lookup("never-started")
	assert.False(t, ok)
}

func TestQemuArgs(t *testing.T) {
	cfg := Config{MemoryMB: 2048, CPUs: 2, EnableKVM: true, VNCListen: "0.0.0.0", ExtraArgs: []string{"-nodefaults"}}
	args := QemuArgs(cfg, StartRequest{NodeID: "id1", NodeName: "router1", OverlayPath: "/o/id1.qcow2", Port: 5903}, "/run/id1/qmp.sock")

	assert.Equal(t, []string{
		"-name", "router1",
		"-m", "2048",
		"-smp", "2",
		"-enable-kvm", "-cpu", "host",
		"-drive", "file=/o/id1.qcow2,format=qcow2,if=virtio",
		"-vnc", "0.0.0.0:3",
		"-qmp", "unix:/run/id1/qmp.sock,server=on,wait=off",
		"-display", "none",
		"-nodefaults",
	}, args)
}

// fakeMonitor is a minimal QMP server that records the commands it receives.
type fakeMonitor struct {
	mu       sync.Mutex
	commands []string
}

func (m *fakeMonitor) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// serveQMP listens on socket, greets one client and acknowledges every command.
// onPowerdown runs after system_powerdown is acknowledged.
func serveQMP(t *testing.T, socket string, onPowerdown func()) *fakeMonitor {
	t.Helper()
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	m := &fakeMonitor{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		enc := json.NewEncoder(conn)
		dec := json.NewDecoder(conn)
		greeting := map[string]any{
			"QMP": map[string]any{
				"version":      map[string]any{"qemu": map[string]int{"major": 8, "minor": 2, "micro": 0}, "package": ""},
				"capabilities": []string{},
			},
		}
		if err := enc.Encode(greeting); err != nil {
			return
		}
		for {
			var cmd struct {
				Execute string `json:"execute"`
			}
			if err := dec.Decode(&cmd); err != nil {
				return
			}
			m.mu.Lock()
			m.commands = append(m.commands, cmd.Execute)
			m.mu.Unlock()

			if err := enc.Encode(map[string]any{"return": map[string]any{}}); err != nil {
				return
			}
			if cmd.Execute == "system_powerdown" && onPowerdown != nil {
				onPowerdown()
			}
		}
	}()
	return m
}

func TestPowerdownSendsSystemPowerdown(t *testing.T) {
	socket := filepath.Join(t.TempDir(), qmpSockName)
	mon := serveQMP(t, socket, nil)

	require.NoError(t, powerdown(socket))
	assert.Equal(t, []string{"qmp_capabilities", "system_powerdown"}, mon.received())
}

func TestPowerdownWithoutSocket(t *testing.T) {
	err := powerdown(filepath.Join(t.TempDir(), qmpSockName))
	require.Error(t, err)
}

func TestStopUsesQMPPowerdown(t *testing.T) {
	ctx := context.Background()
	// ignores SIGTERM, so only the powerdown path stops it before StopTimeout
	s := newTestSupervisor(t, "", "trap '' TERM; while :; do sleep 0.1; done")

	h, err := s.Start(ctx, startReq("n1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Kill(-h.PID, unix.SIGKILL) })

	mon := serveQMP(t, filepath.Join(h.RunDir, qmpSockName), func() {
		_ = signalGroup(h.PID, unix.SIGKILL)
	})

	begin := time.Now()
	require.NoError(t, s.Stop(ctx, h))
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Equal(t, []string{"qmp_capabilities", "system_powerdown"}, mon.received())
	assert.Equal(t, StateStopped, h.State())
	assert.False(t, s.IsAlive(h))
}
