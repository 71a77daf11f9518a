// Command hostagent runs the long-lived printer host agent: it
// authenticates against the coordination service, reconciles bot
// snapshots into worker lifecycles, and streams G-code to attached
// printers over the checksummed protocol engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/botqio/hostagent/internal/api"
	"github.com/botqio/hostagent/internal/botsource"
	"github.com/botqio/hostagent/internal/config"
	"github.com/botqio/hostagent/internal/downloader"
	"github.com/botqio/hostagent/internal/logging"
	"github.com/botqio/hostagent/internal/manager"
	"github.com/botqio/hostagent/internal/metrics"
	"github.com/botqio/hostagent/internal/model"
	"github.com/botqio/hostagent/internal/worker"
)

var (
	serverAddr  = flag.String("server", "", "coordination service base URL (overrides .env)")
	metricsAddr = flag.String("metrics-addr", "127.0.0.1:9090", "bind address for the internal /metrics endpoint")
	showVersion = flag.Bool("version", false, "print the agent version and exit")
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config.Load: %v", err)
	}
	if *serverAddr != "" {
		cfg.ServerAddr = *serverAddr
	}

	facade := api.New(cfg.ServerAddr)
	logger := logging.New(facade, cfg.LogDir)
	logger.Logf("hostagent %s starting, server=%s", Version, cfg.ServerAddr)

	go func() {
		if err := metrics.Serve(*metricsAddr); err != nil {
			logger.Logf("metrics server stopped: %v", err)
		}
	}()
	go logger.RunFlushLoop(time.Second)
	go runKeepAlive(logger)

	if err := ensureRegistered(facade, logger); err != nil {
		logger.Fatalf("registration failed: %v", err)
	}

	dl := downloader.New(cfg.LogDir+"/downloads", buildDownloaderBackends())

	ctx, cancel := context.WithCancel(context.Background())
	mgr := manager.New(ctx, facade, func(ctx context.Context, bot *model.Bot) manager.WorkerHandle {
		w := worker.New(bot.ID, facade, dl)
		if bot.Driver != nil {
			w.SeedDriver(bot.Driver)
		}
		go w.Run(ctx)
		return w
	})

	src := botsource.New(facade, mgr, &botsource.WebSocketPush{URL: cfg.ServerAddr, HostID: mustDeviceName()})
	go src.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Logf("shutting down")
	cancel()
	time.Sleep(time.Second) // best-effort grace period for worker joins
}

// ensureRegistered performs the one-time device registration flow on first
// run, persisting device.json for subsequent runs.
func ensureRegistered(facade *api.Façade, logger *logging.Logger) error {
	firstRun, err := config.IsFirstRun()
	if err != nil {
		return err
	}
	if !firstRun {
		return nil
	}
	pairingToken, err := config.ReadPairingToken()
	if err != nil {
		return fmt.Errorf("read pairing token: %w", err)
	}
	ctx := context.Background()
	raw, err := facade.CreateHostRequest(ctx, pairingToken)
	if err != nil {
		return fmt.Errorf("CreateHostRequest: %w", err)
	}
	var out struct {
		Cookie string `json:"cookie"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	return config.SaveDeviceCredential(out.Cookie)
}

// buildDownloaderBackends wires up the cloud backends that can actually be
// constructed in this environment (each requires ambient credentials);
// anything that fails to construct just leaves that scheme on the default
// HTTP backend.
func buildDownloaderBackends() map[string]downloader.Backend {
	backends := make(map[string]downloader.Backend)
	ctx := context.Background()
	if gcs, err := downloader.NewGCSBackend(ctx); err == nil {
		backends["https"] = gcs
	}
	if s3, err := downloader.NewS3Backend(ctx); err == nil {
		backends["s3"] = s3
	}
	return backends
}

func mustDeviceName() string {
	cred, err := config.ReadDeviceCredential()
	if err != nil {
		return "unknown-host"
	}
	return cred
}

func runKeepAlive(logger *logging.Logger) {
	for {
		time.Sleep(time.Minute)
		logger.Logf("keep-alive: %s", healthSummary())
	}
}

// healthSummary samples CPU/memory once per keep-alive tick so an operator
// reading logs after an incident has basic host health context without a
// separate metrics pull.
func healthSummary() string {
	pct, err := cpu.Percent(0, false)
	var cpuPct float64
	if err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	vm, err := mem.VirtualMemory()
	var memPct float64
	if err == nil && vm != nil {
		memPct = vm.UsedPercent
	}
	return fmt.Sprintf("cpu=%.1f%% mem=%.1f%%", cpuPct, memPct)
}
