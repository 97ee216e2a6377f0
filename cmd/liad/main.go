// liad is the lia daemon: the local control plane for micro-VM task
// execution. It listens on an HTTP address and exposes the task API
// (§6): create, list, get, delete, resume, output, stream, logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/liaorch/lia/internal/allocator"
	"github.com/liaorch/lia/internal/api"
	"github.com/liaorch/lia/internal/config"
	"github.com/liaorch/lia/internal/fanout"
	"github.com/liaorch/lia/internal/relay"
	"github.com/liaorch/lia/internal/store"
	"github.com/liaorch/lia/internal/task"
	"github.com/liaorch/lia/internal/vmm"
)

func main() {
	var (
		httpAddr = flag.String("http", "", "override the API listen address")
		backend  = flag.String("backend", "", "override the hypervisor backend (microvm|sysemu)")
		apiKey   = flag.String("gateway-api-key", os.Getenv("LIA_GATEWAY_API_KEY"), "API key forwarded to guests at Init time")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "liad",
		Level: hclog.Info,
	})

	cfg := config.DefaultConfig()
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *backend != "" {
		cfg.Backend = config.Backend(*backend)
	}
	cfg.GatewayAPIKey = *apiKey
	cfg.ResolveBinaries()

	if err := cfg.EnsureDirs(); err != nil {
		logger.Error("create directories", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("store opened", "path", cfg.DBPath)

	alloc := allocator.New()

	var driver vmm.Driver
	switch cfg.Backend {
	case config.BackendSysemu:
		driver = vmm.NewSysemuDriver(cfg, logger)
	case config.BackendMicrovm:
		driver = vmm.NewMicrovmDriver(cfg, logger)
	default:
		logger.Error("unknown backend", "backend", cfg.Backend)
		os.Exit(1)
	}
	logger.Info("hypervisor backend selected", "backend", cfg.Backend)

	registry := fanout.New()
	rel := relay.New(logger)

	ctrl := task.New(st, alloc, driver, rel, registry, func() string { return cfg.GatewayAPIKey }, logger)

	server := api.NewServer(cfg, ctrl, st, registry, logger)
	if err := server.Start(); err != nil {
		logger.Error("start api server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Warn("graceful shutdown", "error", err)
	}
	fmt.Fprintln(os.Stderr, "liad stopped")
}
