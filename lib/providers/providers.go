package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/onkernel/nodelab/cmd/api/config"
	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/db"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/lifecycle"
	"github.com/onkernel/nodelab/lib/logger"
	"github.com/onkernel/nodelab/lib/nodes"
	"github.com/onkernel/nodelab/lib/otel"
	"github.com/onkernel/nodelab/lib/overlays"
	"github.com/onkernel/nodelab/lib/paths"
	"github.com/onkernel/nodelab/lib/ports"
	"github.com/onkernel/nodelab/lib/vmm"
)

// ProvideConfig loads and validates the application configuration
func ProvideConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ProvideOtel initializes telemetry and flushes it on cleanup
func ProvideOtel(cfg *config.Config) (*otel.Provider, func(), error) {
	p, err := otel.Init(context.Background(), otel.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		Insecure:    cfg.OtelInsecure,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
	}
	return p, cleanup, nil
}

// ProvideLogger provides the lifecycle logger and installs it as the slog default
func ProvideLogger(p *otel.Provider) *slog.Logger {
	log := logger.NewSubsystemLogger(logger.SubsystemLifecycle, logger.NewConfig(), p.LogHandler)
	slog.SetDefault(log)
	return log
}

// ProvideContext provides a base context carrying the logger
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvidePaths provides the on-disk layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir, cfg.ImageDir, cfg.OverlayDir)
}

// ProvideDB opens the database, migrates the schema and closes it on cleanup
func ProvideDB(ctx context.Context, cfg *config.Config, p *paths.Paths) (*gorm.DB, func(), error) {
	dsn := cfg.DatabaseURL
	if cfg.DatabaseDriver == db.DriverSQLite {
		path := cfg.SQLitePath
		if path == "" {
			if err := os.MkdirAll(p.DataDir(), 0755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
			path = p.SQLiteDB()
		}
		dsn = db.SQLiteDSN(path)
	}

	gdb, err := db.Open(ctx, db.Config{Driver: cfg.DatabaseDriver, DSN: dsn})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(ctx, gdb, &images.Image{}, &nodes.Node{}); err != nil {
		_ = db.Close(gdb)
		return nil, nil, err
	}
	cleanup := func() {
		if err := db.Close(gdb); err != nil {
			logger.FromContext(ctx).ErrorContext(ctx, "failed to close database", "error", err)
		}
	}
	return gdb, cleanup, nil
}

// ProvideImageManager provides the image catalog
func ProvideImageManager(gdb *gorm.DB, p *paths.Paths, otelProvider *otel.Provider) (images.Manager, error) {
	return images.NewManager(gdb, p.ImageDir(), otelProvider.Meter())
}

// ProvideNodeRegistry provides the node registry
func ProvideNodeRegistry(gdb *gorm.DB) nodes.Registry {
	return nodes.NewRegistry(gdb)
}

// ProvideOverlayStore provides the overlay store
func ProvideOverlayStore(cfg *config.Config, p *paths.Paths) (overlays.Store, error) {
	return overlays.NewStore(p.OverlayDir(), overlays.WithQemuImg(cfg.QemuImgBinary))
}

// ProvidePortPool provides the VNC port pool
func ProvidePortPool(cfg *config.Config) (*ports.Pool, error) {
	return ports.NewPool(cfg.VNCPortMin, cfg.VNCPortMax)
}

// ProvideSupervisor provides the QEMU process supervisor
func ProvideSupervisor(cfg *config.Config, p *paths.Paths) (*vmm.Supervisor, error) {
	return vmm.NewSupervisor(vmm.Config{
		Binary:           cfg.QemuBinary,
		MemoryMB:         cfg.QemuMemoryMB(),
		CPUs:             cfg.QemuCPUs,
		EnableKVM:        cfg.QemuKVM,
		VNCListen:        cfg.VNCListen,
		ExtraArgs:        cfg.QemuExtraArgs,
		RunDir:           p.RunDir(),
		StartGracePeriod: cfg.StartGracePeriod,
		StopTimeout:      cfg.StopTimeout,
		KillTimeout:      cfg.KillTimeout,
	})
}

// ProvideGateway provides the Guacamole console gateway
func ProvideGateway(cfg *config.Config) (console.Gateway, error) {
	return console.NewGateway(console.Config{
		BaseURL:    cfg.GuacBaseURL,
		APIPath:    cfg.GuacAPIPath,
		TunnelPath: cfg.GuacTunnelPath,
		Prefix:     cfg.GuacConnectionPrefix,
		Username:   cfg.GuacUser,
		Password:   cfg.GuacPass,
		VNCHost:    cfg.VNCHost,
		Timeout:    cfg.GuacTimeout,
	})
}

// ProvideNodeManager provides the lifecycle orchestrator
func ProvideNodeManager(
	registry nodes.Registry,
	imageManager images.Manager,
	overlayStore overlays.Store,
	pool *ports.Pool,
	sup *vmm.Supervisor,
	gateway console.Gateway,
	otelProvider *otel.Provider,
) (lifecycle.Manager, error) {
	return lifecycle.NewManager(registry, imageManager, overlayStore, pool, sup, gateway, otelProvider.Meter(), otelProvider.Tracer())
}
