// Package vmm spawns and supervises QEMU processes for nodes.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/onkernel/nodelab/lib/logger"
)

// VNCBasePort is the TCP port of VNC display 0.
const VNCBasePort = 5900

const (
	pidFileName = "qemu.pid"
	logFileName = "qemu.log"
	qmpSockName = "qmp.sock"
	logTailSize = 2048
)

// ArgsFunc builds the hypervisor command line.
type ArgsFunc func(cfg Config, req StartRequest, qmpSocket string) []string

// Config controls how hypervisor processes are launched and stopped.
type Config struct {
	Binary    string
	MemoryMB  int64
	CPUs      int
	EnableKVM bool
	VNCListen string
	ExtraArgs []string

	// RunDir holds one subdirectory per node with its pid file, log and QMP socket.
	RunDir string

	StartGracePeriod time.Duration
	StopTimeout      time.Duration
	KillTimeout      time.Duration

	ArgsFunc ArgsFunc
}

// StartRequest describes one node launch.
type StartRequest struct {
	NodeID      string
	NodeName    string
	OverlayPath string
	Port        int
}

// Supervisor starts, stops and tracks hypervisor processes.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewSupervisor applies defaults and prepares the run directory.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Binary == "" {
		cfg.Binary = "qemu-system-x86_64"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.VNCListen == "" {
		cfg.VNCListen = "0.0.0.0"
	}
	if cfg.StartGracePeriod <= 0 {
		cfg.StartGracePeriod = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.ArgsFunc == nil {
		cfg.ArgsFunc = QemuArgs
	}
	if cfg.RunDir == "" {
		return nil, fmt.Errorf("vmm: run dir is required")
	}
	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		return nil, fmt.Errorf("vmm: create run dir: %w", err)
	}
	return &Supervisor{
		cfg:     cfg,
		handles: make(map[string]*Handle),
	}, nil
}

// QemuArgs is the default command line for qemu-system.
func QemuArgs(cfg Config, req StartRequest, qmpSocket string) []string {
	name := req.NodeName
	if name == "" {
		name = req.NodeID
	}
	args := []string{
		"-name", name,
		"-m", strconv.FormatInt(cfg.MemoryMB, 10),
		"-smp", strconv.Itoa(cfg.CPUs),
	}
	if cfg.EnableKVM {
		args = append(args, "-enable-kvm", "-cpu", "host")
	}
	args = append(args,
		"-drive", "file="+req.OverlayPath+",format=qcow2,if=virtio",
		"-vnc", fmt.Sprintf("%s:%d", cfg.VNCListen, req.Port-VNCBasePort),
		"-qmp", "unix:"+qmpSocket+",server=on,wait=off",
		"-display", "none",
	)
	return append(args, cfg.ExtraArgs...)
}

// Start launches a hypervisor for the node and waits out the grace period.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	log := logger.FromContext(ctx)

	if req.Port < VNCBasePort {
		return nil, fmt.Errorf("%w: %w: %d", ErrLaunch, ErrInvalidPort, req.Port)
	}
	if existing, ok := s.Lookup(req.NodeID); ok && existing.alive() {
		return nil, fmt.Errorf("%w: node %s already has live process %d", ErrLaunch, req.NodeID, existing.PID)
	}

	runDir := filepath.Join(s.cfg.RunDir, req.NodeID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create run dir: %v", ErrLaunch, err)
	}
	qmpSocket := filepath.Join(runDir, qmpSockName)
	_ = os.Remove(qmpSocket)
	_ = os.Remove(filepath.Join(runDir, pidFileName))

	logFile, err := os.OpenFile(filepath.Join(runDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log: %v", ErrLaunch, err)
	}
	defer logFile.Close()

	args := s.cfg.ArgsFunc(s.cfg, req, qmpSocket)
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", ErrLaunch, s.cfg.Binary, err)
	}

	h := &Handle{
		NodeID:      req.NodeID,
		PID:         cmd.Process.Pid,
		Port:        req.Port,
		OverlayPath: req.OverlayPath,
		RunDir:      runDir,
		state:       StateStarting,
		done:        make(chan struct{}),
	}
	go s.watch(h, cmd)

	if err := os.WriteFile(filepath.Join(runDir, pidFileName), []byte(strconv.Itoa(h.PID)), 0644); err != nil {
		log.WarnContext(ctx, "failed to write pid file", "node_id", req.NodeID, "error", err)
	}

	grace := time.NewTimer(s.cfg.StartGracePeriod)
	defer grace.Stop()

	select {
	case <-h.done:
		h.transition(StateFailed)
		s.cleanupFiles(h)
		return nil, fmt.Errorf("%w: %s exited during startup (%v): %s", ErrLaunch, s.cfg.Binary, h.ExitErr(), tailLog(runDir))
	case <-ctx.Done():
		_ = signalGroup(h.PID, unix.SIGKILL)
		<-h.done
		h.transition(StateFailed)
		s.cleanupFiles(h)
		return nil, fmt.Errorf("%w: start cancelled: %v", ErrLaunch, ctx.Err())
	case <-grace.C:
	}

	if !h.transition(StateRunning) {
		// exited between the grace timer firing and now
		s.cleanupFiles(h)
		return nil, fmt.Errorf("%w: %s exited during startup: %s", ErrLaunch, s.cfg.Binary, tailLog(runDir))
	}

	s.mu.Lock()
	s.handles[req.NodeID] = h
	s.mu.Unlock()

	log.InfoContext(ctx, "hypervisor started", "node_id", req.NodeID, "pid", h.PID, "vnc_port", req.Port)
	return h, nil
}

// watch reaps an owned child and records how it exited.
func (s *Supervisor) watch(h *Handle, cmd *exec.Cmd) {
	err := cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	if h.state == StateRunning || h.state == StateStopping {
		h.state = StateStopped
	}
	h.mu.Unlock()
	close(h.done)
}

// IsAlive reports whether the handle's process is still running.
func (s *Supervisor) IsAlive(h *Handle) bool {
	if h == nil {
		return false
	}
	return h.alive()
}

// Stop shuts the process down gracefully, escalating to SIGKILL after StopTimeout.
// A process that is already gone counts as stopped.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	log := logger.FromContext(ctx)

	if !h.alive() {
		h.transition(StateStopped)
		s.forget(h)
		log.InfoContext(ctx, "hypervisor already exited", "node_id", h.NodeID, "pid", h.PID)
		return nil
	}

	h.transition(StateStopping)

	if err := powerdown(filepath.Join(h.RunDir, qmpSockName)); err != nil {
		log.DebugContext(ctx, "qmp powerdown unavailable, sending SIGTERM", "node_id", h.NodeID, "error", err)
		if err := signalGroup(h.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			log.WarnContext(ctx, "failed to send SIGTERM", "node_id", h.NodeID, "pid", h.PID, "error", err)
		}
	}

	if !s.waitExit(ctx, h, s.cfg.StopTimeout) {
		log.WarnContext(ctx, "graceful stop timed out, killing", "node_id", h.NodeID, "pid", h.PID, "timeout", s.cfg.StopTimeout)
		if err := signalGroup(h.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			log.WarnContext(ctx, "failed to send SIGKILL", "node_id", h.NodeID, "pid", h.PID, "error", err)
		}
		// bounded by KillTimeout regardless of ctx
		if !s.waitExit(context.Background(), h, s.cfg.KillTimeout) {
			return fmt.Errorf("%w: pid %d", ErrStopTimeout, h.PID)
		}
	}

	h.transition(StateStopped)
	s.forget(h)
	log.InfoContext(ctx, "hypervisor stopped", "node_id", h.NodeID, "pid", h.PID)
	return nil
}

// Lookup returns the tracked handle for a node, adopting a live process from its
// pid file when the supervisor has no record of it.
func (s *Supervisor) Lookup(nodeID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[nodeID]; ok {
		return h, true
	}

	runDir := filepath.Join(s.cfg.RunDir, nodeID)
	data, err := os.ReadFile(filepath.Join(runDir, pidFileName))
	if err != nil {
		return nil, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return nil, false
	}

	h := &Handle{
		NodeID:  nodeID,
		PID:     pid,
		RunDir:  runDir,
		state:   StateRunning,
		adopted: true,
	}
	if !h.alive() || !ownsProcess(pid, runDir) {
		return nil, false
	}
	s.handles[nodeID] = h
	return h, true
}

func (s *Supervisor) forget(h *Handle) {
	s.mu.Lock()
	if cur, ok := s.handles[h.NodeID]; ok && cur == h {
		delete(s.handles, h.NodeID)
	}
	s.mu.Unlock()
	s.cleanupFiles(h)
}

func (s *Supervisor) cleanupFiles(h *Handle) {
	_ = os.Remove(filepath.Join(h.RunDir, pidFileName))
	_ = os.Remove(filepath.Join(h.RunDir, qmpSockName))
}

// waitExit waits up to timeout for the process to exit.
func (s *Supervisor) waitExit(ctx context.Context, h *Handle, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if h.done != nil {
		select {
		case <-h.done:
			return true
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return !h.alive()
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !h.alive() {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !h.alive()
		case <-ctx.Done():
			return !h.alive()
		}
	}
}

// signalGroup signals the process group led by pid. Processes are started with
// Setsid, so the group id equals the pid.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err != nil {
		return unix.Kill(pid, sig)
	}
	return nil
}

// ownsProcess checks that pid's command line references the node's run dir,
// guarding against pid reuse. Without /proc the pid file is trusted.
func ownsProcess(pid int, runDir string) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	return strings.Contains(string(data), runDir)
}

func tailLog(runDir string) string {
	f, err := os.Open(filepath.Join(runDir, logFileName))
	if err != nil {
		return ""
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > logTailSize {
		_, _ = f.Seek(-logTailSize, io.SeekEnd)
	}
	data, _ := io.ReadAll(f)
	return strings.TrimSpace(string(data))
}
