package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/fx"

	"github.com/webitel/syncfabric/config"
	"github.com/webitel/syncfabric/internal/logging"
	"github.com/webitel/syncfabric/internal/mesh"
	"github.com/webitel/syncfabric/internal/observability"
	"github.com/webitel/syncfabric/internal/room"
	"github.com/webitel/syncfabric/internal/wireregistry"
	"github.com/webitel/syncfabric/internal/wires/wswire"

	// Blank-imported so each wire's init() registers itself into
	// wireregistry.Default.
	_ "github.com/webitel/syncfabric/internal/wires/brokerwire"
	_ "github.com/webitel/syncfabric/internal/wires/filewire"
	_ "github.com/webitel/syncfabric/internal/wires/memorywire"
	_ "github.com/webitel/syncfabric/internal/wires/pipewire"
)

// NewApp builds the fx.App that runs the synchronization fabric's
// server binary, with each component bound to process lifetime via
// fx.Lifecycle hooks.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			provideLogger,
			provideObservability,
			provideMetrics,
			provideRoomManager,
		),
		fx.Invoke(registerServer),
	)
}

func provideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	return logging.New(logging.Config{
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Level:       level,
		OtelBridge:  cfg.Log.OtelBridge,
		ServiceName: cfg.Otel.ServiceName,
	})
}

func provideObservability(lc fx.Lifecycle, cfg *config.Config) (*observability.Providers, error) {
	providers, err := observability.New(context.Background(), cfg.Otel.ServiceName)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return providers.Shutdown(ctx) },
	})
	return providers, nil
}

// provideMetrics builds the room/peer/update counters every Room
// reports against, registered on the meter provider
// provideObservability already installed process-wide.
func provideMetrics(cfg *config.Config, _ *observability.Providers) (*observability.Metrics, error) {
	m, err := observability.NewMetrics(observability.Meter("github.com/webitel/syncfabric/internal/room"))
	if err != nil {
		return nil, fmt.Errorf("cmd: build metrics: %w", err)
	}
	return m, nil
}

// meshFactory lets a live process swap the active room.Factory when
// the mesh manifest changes on disk, without tearing down rooms that
// already exist: new rooms simply pick up whichever factory is
// current at the moment Manager.GetOrCreate calls it.
type meshFactory struct {
	mu      sync.Mutex
	current room.Factory
}

func newMeshFactory(initial room.Factory) *meshFactory {
	return &meshFactory{current: initial}
}

func (m *meshFactory) Room(id string) *room.Room {
	m.mu.Lock()
	f := m.current
	m.mu.Unlock()
	return f(id)
}

func (m *meshFactory) set(f room.Factory) {
	m.mu.Lock()
	m.current = f
	m.mu.Unlock()
}

// buildMeshFactory resolves manifest into the room.Factory self should
// run with: the plain default, or mesh.NewRoomFactory dialing an
// upstream.
func buildMeshFactory(ctx context.Context, manifest *config.MeshManifest, selfIndex int, fallback room.Factory, logger *slog.Logger) (room.Factory, error) {
	if selfIndex >= len(manifest.Servers) {
		return nil, fmt.Errorf("cmd: mesh_self_index %d out of range for %d servers", selfIndex, len(manifest.Servers))
	}
	self := manifest.Servers[selfIndex]
	if self.UpstreamIndex == nil {
		return fallback, nil
	}
	if *self.UpstreamIndex >= len(manifest.Servers) {
		return nil, fmt.Errorf("cmd: mesh upstream index %d out of range for %d servers", *self.UpstreamIndex, len(manifest.Servers))
	}
	upstream := manifest.Servers[*self.UpstreamIndex]
	logger.Info("syncfabric: mesh federation enabled", "self_index", selfIndex, "upstream_host", upstream.Host, "upstream_port", upstream.Port)
	return mesh.NewRoomFactory(ctx, upstream.Host, upstream.Port, logger), nil
}

// provideRoomManager builds the RoomManager the configured wire's
// server attaches peers to. When cfg.Mesh points this process at a
// manifest entry with an upstream, rooms are produced by
// mesh.NewRoomFactory instead of the plain default: each such Room
// also dials the upstream server as a client, federating the two
// across processes. If cfg.Mesh.ManifestPath
// is set, the manifest is also watched via config.WatchMeshManifest so
// the mesh topology can change at runtime without a restart; the
// watcher and any federation dial loop it replaces are both bound to
// the fx.App's lifetime via lc.
func provideRoomManager(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*room.Manager, error) {
	base := room.DefaultFactory(logger, metrics)

	if cfg.Mesh.ManifestPath == "" || cfg.Mesh.SelfIndex < 0 {
		return room.NewManager(base, metrics), nil
	}

	manifest, err := config.LoadMeshManifest(cfg.Mesh.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("cmd: load mesh manifest: %w", err)
	}

	meshCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{OnStop: func(context.Context) error { cancel(); return nil }})

	initial, err := buildMeshFactory(meshCtx, manifest, cfg.Mesh.SelfIndex, base, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	mf := newMeshFactory(initial)

	watcher, err := config.WatchMeshManifest(cfg.Mesh.ManifestPath, func(manifest *config.MeshManifest) {
		f, err := buildMeshFactory(meshCtx, manifest, cfg.Mesh.SelfIndex, base, logger)
		if err != nil {
			logger.Warn("syncfabric: mesh manifest reload rejected", "err", err)
			return
		}
		mf.set(f)
		logger.Info("syncfabric: mesh manifest reloaded", "path", cfg.Mesh.ManifestPath)
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cmd: watch mesh manifest: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return watcher.Close() }})

	return room.NewManager(mf.Room, metrics), nil
}

// registerServer binds the configured wire's server to rooms for the
// process lifetime of the fx.App.
func registerServer(lc fx.Lifecycle, cfg *config.Config, rooms *room.Manager, logger *slog.Logger) {
	var srv wireregistry.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			opts, err := serverOptionsFor(cfg)
			if err != nil {
				return err
			}
			s, err := wireregistry.Default.Server(ctx, cfg.Server.Wire, opts, rooms)
			if err != nil {
				return err
			}
			srv = s
			logger.Info("syncfabric: server started", "wire", cfg.Server.Wire, "host", cfg.Server.Host, "port", cfg.Server.Port)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if srv == nil {
				return nil
			}
			return srv.Close()
		},
	})
}

func serverOptionsFor(cfg *config.Config) (any, error) {
	switch cfg.Server.Wire {
	case "websocket":
		return wswire.ServerOptions{Host: cfg.Server.Host, Port: cfg.Server.Port}, nil
	case "memory", "pipe":
		return nil, nil
	default:
		return nil, fmt.Errorf("cmd: unsupported server wire %q for the default server binary", cfg.Server.Wire)
	}
}
