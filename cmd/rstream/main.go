// rstream replicates a rooted set of regular files from a source host to
// one or more target hosts, delivering incremental appends in near real
// time.
//
// One binary serves both roles: -l shares a directory as a source; without
// it the process mirrors the named sources under the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/rstream/rstream/internal/client"
	"github.com/rstream/rstream/internal/config"
	"github.com/rstream/rstream/internal/logging"
	"github.com/rstream/rstream/internal/metrics"
	"github.com/rstream/rstream/internal/resume"
	"github.com/rstream/rstream/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Println(ferr.Message)
			return 0
		}
		fmt.Fprintln(os.Stderr, "rstream:", err)
		return 1
	}

	if err := logging.Init(logging.Config{
		Level:  logging.VerbosityLevel(len(cfg.Verbose)),
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "rstream: logging init:", err)
		return 1
	}
	defer logging.Sync()

	if err := writePidFile(cfg.PidFile); err != nil {
		fmt.Fprintln(os.Stderr, "rstream: pid file:", err)
		return 1
	}
	defer os.Remove(cfg.PidFile)

	if !cfg.Foreground {
		// Detaching is delegated to the init system; the process itself
		// stays attached either way.
		logging.Info("running attached; use a process supervisor to detach")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logging.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if cfg.Server {
		return runServer(ctx, cfg)
	}
	return runClient(ctx, cfg)
}

func runServer(ctx context.Context, cfg *config.Config) int {
	eng, err := server.New(server.Config{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Root:      cfg.Dir,
		Include:   cfg.IncludeRE,
		Exclude:   cfg.ExcludeRE,
		Gzip:      cfg.Gzip,
		Checksums: cfg.Checksums,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "rstream:", err)
		return 1
	}
	logging.Info("serving",
		zap.String("root", cfg.Dir),
		zap.Int("port", cfg.Port),
		zap.Bool("gzip", cfg.Gzip),
		zap.Bool("checksums", cfg.Checksums))

	if err := eng.Run(ctx); err != nil {
		logging.Error("server engine failed", zap.Error(err))
		return 1
	}
	logging.Info("shut down cleanly")
	return 0
}

func runClient(ctx context.Context, cfg *config.Config) int {
	store, err := resume.Open(ctx, filepath.Join(cfg.Dir, ".rstream-state"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "rstream:", err)
		return 1
	}
	defer store.Close()

	eng, err := client.New(client.Config{
		Dir:     cfg.Dir,
		Port:    cfg.Port,
		Sources: cfg.Sources,
		Stdout:  cfg.Stdout,
		Store:   store,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "rstream:", err)
		return 1
	}
	logging.Info("mirroring",
		zap.Strings("sources", cfg.Sources),
		zap.String("dir", cfg.Dir),
		zap.Int("port", cfg.Port))

	if err := eng.Run(ctx); err != nil {
		logging.Error("client engine failed", zap.Error(err))
		return 1
	}
	logging.Info("shut down cleanly")
	return 0
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
