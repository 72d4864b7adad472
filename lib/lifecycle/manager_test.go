package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/db"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/nodes"
	"github.com/onkernel/nodelab/lib/overlays"
	"github.com/onkernel/nodelab/lib/ports"
	"github.com/onkernel/nodelab/lib/vmm"
)

type testEnv struct {
	mgr        Manager
	registry   nodes.Registry
	catalog    images.Manager
	store      *flakyStore
	overlayDir string
	pool       *ports.Pool
	sup        *mockSupervisor
	gateway    *mockGateway
	baseImage  *images.Image
}

func writeOverlay(ctx context.Context, backing, backingFormat, dest string) error {
	return os.WriteFile(dest, []byte(backing), 0644)
}

func setupEnv(t *testing.T, portMin, portMax int) *testEnv {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	imageDir := filepath.Join(root, "images")
	overlayDir := filepath.Join(root, "overlays")
	require.NoError(t, os.MkdirAll(imageDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(imageDir, "base.qcow2"), []byte("base"), 0644))

	gdb, err := db.Open(ctx, db.Config{
		Driver: db.DriverSQLite,
		DSN:    db.SQLiteDSN(filepath.Join(root, "test.db")),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, db.Migrate(ctx, gdb, &images.Image{}, &nodes.Node{}))

	catalog, err := images.NewManager(gdb, imageDir, nil)
	require.NoError(t, err)
	base, err := catalog.CreateImage(ctx, images.CreateImageRequest{Name: "base", Path: "base.qcow2"})
	require.NoError(t, err)

	realStore, err := overlays.NewStore(overlayDir, overlays.WithCreator(writeOverlay))
	require.NoError(t, err)
	store := &flakyStore{Store: realStore}

	pool, err := ports.NewPool(portMin, portMax)
	require.NoError(t, err)

	env := &testEnv{
		registry:   nodes.NewRegistry(gdb),
		catalog:    catalog,
		store:      store,
		overlayDir: overlayDir,
		pool:       pool,
		sup:        newMockSupervisor(),
		gateway:    newMockGateway(),
		baseImage:  base,
	}
	env.mgr, err = NewManager(env.registry, catalog, store, pool, env.sup, env.gateway, nil, nil)
	require.NoError(t, err)
	return env
}

func (e *testEnv) overlayFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.overlayDir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func (e *testEnv) createNode(t *testing.T, name string) *Node {
	t.Helper()
	n, err := e.mgr.CreateNode(context.Background(), CreateNodeRequest{Name: name, ImageID: e.baseImage.ID})
	require.NoError(t, err)
	return n
}

// assertConsistent checks status and console consistency of every node.
func (e *testEnv) assertConsistent(t *testing.T) {
	t.Helper()
	all, err := e.registry.List(context.Background())
	require.NoError(t, err)

	seenOverlays := map[string]bool{}
	seenPorts := map[int]bool{}
	for _, n := range all {
		assert.False(t, seenOverlays[n.InstanceOverlayPath], "duplicate overlay %s", n.InstanceOverlayPath)
		seenOverlays[n.InstanceOverlayPath] = true

		if n.Status == nodes.StatusRunning {
			require.NotNil(t, n.VNCPort, n.Name)
			require.NotNil(t, n.GuacamoleConnectionID, n.Name)
			assert.False(t, seenPorts[*n.VNCPort], "duplicate port %d", *n.VNCPort)
			seenPorts[*n.VNCPort] = true
			assert.GreaterOrEqual(t, *n.VNCPort, e.pool.Min())
			assert.LessOrEqual(t, *n.VNCPort, e.pool.Max())
		} else {
			assert.Nil(t, n.VNCPort, n.Name)
			assert.Nil(t, n.GuacamoleConnectionID, n.Name)
		}
	}
	assert.Equal(t, len(seenPorts), e.pool.InUse())
}

func TestCreateNode(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)

	n := env.createNode(t, "router1")
	assert.Equal(t, nodes.StatusStopped, n.Status)
	assert.Equal(t, env.baseImage.ID, n.ImageID)
	assert.Equal(t, n.ID+".qcow2", n.InstanceOverlayPath)
	assert.Nil(t, n.Console)
	assert.Equal(t, []string{n.InstanceOverlayPath}, env.overlayFiles(t))

	got, err := env.mgr.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.Name, got.Name)
}

func TestCreateNodeErrors(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	env.createNode(t, "taken")

	tests := []struct {
		name string
		req  CreateNodeRequest
		kind error
	}{
		{"invalid name", CreateNodeRequest{Name: "../bad", ImageID: env.baseImage.ID}, ErrInvalidRequest},
		{"unknown image", CreateNodeRequest{Name: "fresh", ImageID: "missing"}, ErrNotFound},
		{"duplicate name", CreateNodeRequest{Name: "taken", ImageID: env.baseImage.ID}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.CreateNode(ctx, tt.req)
			require.ErrorIs(t, err, tt.kind)
		})
	}
	assert.Len(t, env.overlayFiles(t), 1)
}

func TestCreateDistinctOverlays(t *testing.T) {
	env := setupEnv(t, 5900, 5909)
	a := env.createNode(t, "a")
	b := env.createNode(t, "b")
	assert.NotEqual(t, a.InstanceOverlayPath, b.InstanceOverlayPath)
	env.assertConsistent(t)
}

func TestRunStopCycle(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")

	running, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusRunning, running.Status)
	require.NotNil(t, running.VNCPort)
	assert.Equal(t, 5900, *running.VNCPort)
	require.NotNil(t, running.Console)
	assert.Contains(t, running.Console.ClientURL, "router1")
	assert.Equal(t, 1, env.sup.liveCount())
	assert.Equal(t, 1, env.gateway.count())
	env.assertConsistent(t)

	stopped, err := env.mgr.StopNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, stopped.Status)
	assert.Nil(t, stopped.VNCPort)
	assert.Nil(t, stopped.Console)
	assert.Equal(t, 0, env.sup.liveCount())
	assert.Equal(t, 0, env.gateway.count())
	assert.Equal(t, 0, env.pool.InUse())
	env.assertConsistent(t)

	// a stopped node can run again
	_, err = env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)
}

func TestRunRequiresStopped(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")

	_, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)

	_, err = env.mgr.RunNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, nodes.ErrConflict)
	assert.Equal(t, 1, env.sup.startCalls)

	_, err = env.mgr.RunNode(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentRunExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")

	const callers = 8
	var (
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := env.mgr.RunNode(ctx, n.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 1, env.sup.liveCount())
	assert.Equal(t, 1, env.pool.InUse())
	env.assertConsistent(t)
}

func TestRunPortsAreUnique(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5904)

	for i := 0; i < 5; i++ {
		n := env.createNode(t, fmt.Sprintf("n%d", i))
		_, err := env.mgr.RunNode(ctx, n.ID)
		require.NoError(t, err)
	}
	env.assertConsistent(t)

	extra := env.createNode(t, "extra")
	_, err := env.mgr.RunNode(ctx, extra.ID)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, ports.ErrExhausted)

	got, err := env.mgr.GetNode(ctx, extra.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, got.Status)
	assert.Equal(t, 5, env.sup.startCalls)
	env.assertConsistent(t)
}

func TestRunGatewayFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	env.gateway.registerErr = fmt.Errorf("%w: status 500", console.ErrGateway)

	_, err := env.mgr.RunNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrGateway)

	got, err := env.mgr.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, got.Status)
	assert.Nil(t, got.VNCPort)
	assert.Equal(t, 0, env.pool.InUse())
	assert.Equal(t, 0, env.sup.liveCount())
	assert.Equal(t, 1, env.sup.stopCalls)
	env.assertConsistent(t)
}

func TestRunLaunchFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	env.sup.startErr = fmt.Errorf("%w: exited during startup", vmm.ErrLaunch)

	_, err := env.mgr.RunNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrLaunch)

	got, err := env.mgr.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, got.Status)
	assert.Equal(t, 0, env.pool.InUse())
	assert.Equal(t, 0, env.gateway.count())
	assert.Equal(t, 0, env.sup.stopCalls)
}

func TestRunRollbackSurvivesCancel(t *testing.T) {
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the caller goes away while the console is being registered
	env.gateway.beforeRegister = cancel
	env.gateway.registerErr = fmt.Errorf("%w: %w", console.ErrGateway, context.Canceled)

	_, err := env.mgr.RunNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrGateway)

	got, err := env.mgr.GetNode(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, got.Status)
	assert.Equal(t, 0, env.pool.InUse())
	assert.Equal(t, 0, env.sup.liveCount())
}

func TestStopRequiresRunning(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")

	_, err := env.mgr.StopNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrConflict)

	_, err = env.mgr.StopNode(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStopIgnoresGatewayFailure(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	_, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)

	env.gateway.deregisterErr = fmt.Errorf("%w: unreachable", console.ErrGateway)

	stopped, err := env.mgr.StopNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, stopped.Status)
	assert.Equal(t, 0, env.sup.liveCount())
	assert.Equal(t, 0, env.pool.InUse())
}

func TestStopAfterCrash(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	_, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)

	env.sup.crash(n.ID)

	stopped, err := env.mgr.StopNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, stopped.Status)
	assert.Equal(t, 0, env.pool.InUse())
	assert.Equal(t, 0, env.gateway.count())
	env.assertConsistent(t)
}

func TestListReconcilesDeadNodes(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	a := env.createNode(t, "a")
	b := env.createNode(t, "b")
	for _, id := range []string{a.ID, b.ID} {
		_, err := env.mgr.RunNode(ctx, id)
		require.NoError(t, err)
	}

	env.sup.crash(a.ID)

	list, err := env.mgr.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	byName := map[string]Node{}
	for _, n := range list {
		byName[n.Name] = n
	}
	assert.Equal(t, nodes.StatusStopped, byName["a"].Status)
	assert.Nil(t, byName["a"].Console)
	assert.Equal(t, nodes.StatusRunning, byName["b"].Status)
	assert.NotNil(t, byName["b"].Console)
	assert.Equal(t, 1, env.pool.InUse())
	assert.Equal(t, 1, env.gateway.count())
	env.assertConsistent(t)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	_, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)

	require.NoError(t, env.mgr.Reconcile(ctx))
	got, err := env.registry.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusRunning, got.Status)

	env.sup.crash(n.ID)
	require.NoError(t, env.mgr.Reconcile(ctx))

	got, err = env.registry.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, got.Status)
	assert.Equal(t, 0, env.pool.InUse())
	env.assertConsistent(t)
}

func TestRunReconcilerStopsOnCancel(t *testing.T) {
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	_, err := env.mgr.RunNode(context.Background(), n.ID)
	require.NoError(t, err)
	env.sup.crash(n.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.mgr.RunReconciler(ctx, 20*time.Millisecond) }()

	require.Eventually(t, func() bool {
		got, err := env.registry.Get(context.Background(), n.ID)
		return err == nil && got.Status == nodes.StatusStopped
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestWipeNode(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	_, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)

	require.ErrorIs(t, env.mgr.WipeNode(ctx, n.ID), ErrConflict)

	_, err = env.mgr.StopNode(ctx, n.ID)
	require.NoError(t, err)
	require.NoError(t, env.mgr.WipeNode(ctx, n.ID))

	_, err = env.mgr.GetNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, env.overlayFiles(t))
	assert.Equal(t, 0, env.pool.InUse())
	assert.Equal(t, 0, env.gateway.count())

	require.ErrorIs(t, env.mgr.WipeNode(ctx, n.ID), ErrNotFound)
}

func TestWipeStorageFailureKeepsNode(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")
	env.store.failReleases(fmt.Errorf("%w: %w", overlays.ErrStorage, errDiskFull))

	err := env.mgr.WipeNode(ctx, n.ID)
	require.ErrorIs(t, err, ErrStorage)

	got, err := env.mgr.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, nodes.StatusStopped, got.Status)

	env.store.failReleases(nil)
	require.NoError(t, env.mgr.WipeNode(ctx, n.ID))
	assert.Empty(t, env.overlayFiles(t))
}

func TestImageDeleteBlockedByNode(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)
	n := env.createNode(t, "router1")

	err := env.catalog.DeleteImage(ctx, env.baseImage.ID)
	require.ErrorIs(t, Classify(err), ErrConflict)

	require.NoError(t, env.mgr.WipeNode(ctx, n.ID))
	require.NoError(t, env.catalog.DeleteImage(ctx, env.baseImage.ID))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)

	alive := env.createNode(t, "alive")
	dead := env.createNode(t, "dead")
	starting := env.createNode(t, "starting")
	stopping := env.createNode(t, "stopping")
	wiping := env.createNode(t, "wiping")

	_, err := env.registry.Transition(ctx, alive.ID, nodes.StatusStopped, nodes.StatusRunning, nodes.WithConsole(5903, "conn-a"))
	require.NoError(t, err)
	_, err = env.registry.Transition(ctx, dead.ID, nodes.StatusStopped, nodes.StatusRunning, nodes.WithConsole(5904, "conn-b"))
	require.NoError(t, err)
	_, err = env.registry.Transition(ctx, starting.ID, nodes.StatusStopped, nodes.StatusStarting)
	require.NoError(t, err)
	_, err = env.registry.Transition(ctx, stopping.ID, nodes.StatusStopped, nodes.StatusStopping, nodes.WithConsole(5905, "conn-c"))
	require.NoError(t, err)
	_, err = env.registry.Transition(ctx, wiping.ID, nodes.StatusStopped, nodes.StatusWiping)
	require.NoError(t, err)

	env.sup.adopt(alive.ID)
	// registered by the interrupted run before its id could be recorded
	_, err = env.gateway.Register(ctx, starting.Name, 5906)
	require.NoError(t, err)
	_, err = env.gateway.Register(ctx, alive.Name, 5903)
	require.NoError(t, err)

	require.NoError(t, env.mgr.Recover(ctx))

	status := func(id string) nodes.Status {
		n, err := env.registry.Get(ctx, id)
		require.NoError(t, err)
		return n.Status
	}
	assert.Equal(t, nodes.StatusRunning, status(alive.ID))
	assert.Equal(t, nodes.StatusStopped, status(dead.ID))
	assert.Equal(t, nodes.StatusStopped, status(starting.ID))
	assert.Equal(t, nodes.StatusStopped, status(stopping.ID))
	_, err = env.registry.Get(ctx, wiping.ID)
	require.ErrorIs(t, err, nodes.ErrNotFound)

	assert.True(t, env.pool.IsReserved(5903))
	assert.Equal(t, 1, env.pool.InUse())
	assert.Equal(t, 1, env.gateway.count())
	env.assertConsistent(t)

	// the next run must not collide with the adopted port
	n := env.createNode(t, "fresh")
	running, err := env.mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)
	assert.NotEqual(t, 5903, *running.VNCPort)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	env := setupEnv(t, 5900, 5909)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	mgr, err := NewManager(env.registry, env.catalog, env.store, env.pool, env.sup, env.gateway, provider.Meter("test"), nil)
	require.NoError(t, err)

	n, err := mgr.CreateNode(ctx, CreateNodeRequest{Name: "router1", ImageID: env.baseImage.ID})
	require.NoError(t, err)
	_, err = mgr.RunNode(ctx, n.ID)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{
		"nodelab_nodes_create_duration_seconds",
		"nodelab_nodes_run_duration_seconds",
		"nodelab_nodes_state_transitions_total",
		"nodelab_nodes_total",
		"nodelab_vnc_ports_in_use",
	} {
		assert.True(t, names[want], want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind error
	}{
		{images.ErrNotFound, ErrNotFound},
		{nodes.ErrConflict, ErrConflict},
		{images.ErrInUse, ErrConflict},
		{overlays.ErrExists, ErrConflict},
		{overlays.ErrStorage, ErrStorage},
		{ports.ErrExhausted, ErrExhausted},
		{vmm.ErrLaunch, ErrLaunch},
		{console.ErrGateway, ErrGateway},
		{nodes.ErrInvalidName, ErrInvalidRequest},
		{errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.kind, Kind(wrapped))
			if tt.kind != nil {
				classified := Classify(wrapped)
				assert.ErrorIs(t, classified, tt.kind)
				assert.ErrorIs(t, classified, tt.err)
			}
		})
	}
	assert.Nil(t, Classify(nil))
}
