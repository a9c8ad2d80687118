// rootbridged - Entry Point
//
// rootbridged is a privileged daemon for rooted Android-style devices. It
// detects which root provider is installed (APatch, KernelSU, or Magisk),
// answers per-uid authorization queries, and hands out mount-namespace
// descriptors with provider mounts selectively reverted.
//
// Configuration is loaded from /data/adb/rootbridge/config.yaml (or the path
// given by -config).
//
// Lifecycle:
//  1. Dispatch to namespace-worker mode if invoked as such
//  2. Load configuration, set up the JSON logger
//  3. Detect (or force, per config) the root provider
//  4. Bind the query socket, relabel it for the consumer domain
//  5. Notify systemd readiness, start the watchdog if configured
//  6. Serve until SIGTERM/SIGINT, then coordinated shutdown
//
// The namespace snapshot handles are exempt from shutdown: they are leaked
// so the kernel namespaces they pin survive as long as the daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/doughall/rootbridge/internal/config"
	"github.com/doughall/rootbridge/internal/logging"
	"github.com/doughall/rootbridge/internal/mountns"
	"github.com/doughall/rootbridge/internal/rootimpl"
	"github.com/doughall/rootbridge/internal/selinux"
	"github.com/doughall/rootbridge/internal/server"
	"github.com/doughall/rootbridge/internal/shutdown"
	"github.com/doughall/rootbridge/internal/sysprop"
	"github.com/doughall/rootbridge/internal/systemd"
	"github.com/doughall/rootbridge/internal/version"
)

// Default shutdown timeout - how long to wait for graceful shutdown
const shutdownTimeout = 10 * time.Second

// socketContext is the SELinux label consumers are allowed to connect to.
const socketContext = "u:object_r:magisk_file:s0"

func main() {
	// Worker mode must be dispatched before flag parsing: the hidden argv
	// is not part of the daemon's flag surface.
	if len(os.Args) > 1 && os.Args[1] == mountns.WorkerCommand {
		os.Exit(mountns.RunWorker(os.Args[2:]))
	}

	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Use basic stderr logging before logger is configured
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := logging.SetupLogger(cfg.LogLevel)

	logger.Info("daemon starting",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("build_time", version.BuildTime),
		slog.String("config_path", *configPath),
		slog.String("socket_path", cfg.SocketPath),
		slog.String("provider", cfg.Provider),
		slog.Bool("systemd", systemd.IsRunningUnderSystemd()),
	)
	if domain, err := selinux.Current(); err == nil {
		logger.Info("running in SELinux domain", slog.String("domain", domain))
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Platform identification, mostly for bug reports. Absent getprop (a
	// non-Android host) just leaves the fields out.
	props := sysprop.New()
	if sdk, err := props.Get(ctx, "ro.build.version.sdk"); err == nil {
		release, _ := props.Get(ctx, "ro.build.version.release")
		logger.Info("platform detected",
			slog.String("sdk", sdk),
			slog.String("release", release),
		)
	}

	// Provider detection happens exactly once per process. A forced provider
	// skips probing entirely; "auto" walks the candidates.
	registry := rootimpl.NewRegistry(logger)
	if cfg.Provider != config.ProviderAuto {
		impl, err := rootimpl.ParseImpl(cfg.Provider)
		if err != nil {
			logger.Error("invalid provider in configuration", "error", err)
			os.Exit(1)
		}
		registry.Force(impl)
	}
	logger.Info("root provider resolved", slog.String("impl", registry.Impl().String()))

	capturer, err := mountns.NewExecCapturer(logger)
	if err != nil {
		logger.Error("failed to create namespace capturer", "error", err)
		os.Exit(1)
	}
	cache := mountns.NewCache(capturer, registry, logger)

	srv := server.New(cfg.SocketPath, registry, cache, logger)

	// Label the socket at creation time: sockcreate is per-thread state, so
	// the bind must happen on the thread that set it. The post-bind chcon
	// below covers devices where writing sockcreate is denied.
	runtime.LockOSThread()
	if err := selinux.SetSockCreate(socketContext); err != nil {
		logger.Warn("failed to set socket creation context",
			slog.String("context", socketContext),
			slog.String("error", err.Error()),
		)
	}
	listenErr := srv.Listen()
	if err := selinux.SetSockCreate(""); err != nil {
		logger.Debug("failed to reset socket creation context",
			slog.String("error", err.Error()),
		)
	}
	runtime.UnlockOSThread()
	if listenErr != nil {
		logger.Error("failed to bind query socket", "error", listenErr)
		os.Exit(1)
	}

	// Relabel the socket so the consumer domain may connect. Devices without
	// an enforcing policy have no chcon to speak of; a failure is survivable
	// but worth a loud log.
	labeler := selinux.NewLabeler()
	if err := labeler.Chcon(ctx, cfg.SocketPath, socketContext); err != nil {
		logger.Warn("failed to relabel query socket",
			slog.String("context", socketContext),
			slog.String("error", err.Error()),
		)
	}

	coordinator := shutdown.NewCoordinator(logger)

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(ctx)
	}()
	coordinator.Register("server", shutdown.Func(func(ctx context.Context) error {
		// Serve unwinds once the signal context is cancelled; wait it out.
		select {
		case err := <-serveDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	systemd.NotifyReady()
	logger.Info("daemon ready")

	// The daemon is healthy as long as its socket is still bound.
	systemd.StartWatchdog(ctx, func() bool {
		_, err := os.Stat(cfg.SocketPath)
		return err == nil
	})

	<-ctx.Done()
	logger.Info("shutdown signal received, starting graceful shutdown")

	systemd.NotifyStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
