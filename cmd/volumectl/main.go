// Command volumectl brings up a single llfsvolume Volume: a thin
// flag-driven wrapper around the library packages, not where any domain
// logic lives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llfsvolume/config"
	"llfsvolume/internal/events"
	"llfsvolume/internal/pagestore"
	"llfsvolume/internal/slotlog"
	"llfsvolume/internal/volmetrics"
	"llfsvolume/internal/volume"
)

var (
	homeDir = flag.String("home", "voldata", "Home directory for config, logs, and page index")
	name    = flag.String("name", "vol1", "Volume name")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: volumectl [-home dir] [-name name] <init|run|append|stats>")
		os.Exit(2)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	switch args[0] {
	case "init":
		runInit(logger)
	case "run":
		runServe(logger)
	case "append":
		runAppend(logger, args[1:])
	case "stats":
		runStats(logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func configPath() string {
	return filepath.Join(*homeDir, "volume.json")
}

func runInit(logger *slog.Logger) {
	cfg := config.Default(*name, *homeDir)
	if err := config.Save(configPath(), cfg); err != nil {
		logger.Error("failed to write config", "err", err)
		os.Exit(1)
	}
	fmt.Printf("Configuration written to %s\n", configPath())
}

func loadConfig(logger *slog.Logger) config.Options {
	cfg, err := config.Load(configPath())
	if err != nil {
		logger.Error("failed to load config, run 'init' first", "err", err)
		os.Exit(1)
	}
	return cfg
}

// cacheBackedDeleter drops recycled pages directly out of the MemCache it
// wraps; a richer PageDeleter would hand pages off to a real store engine
// for GC, but MemCache has no external backing store of its own.
type cacheBackedDeleter struct {
	cache *pagestore.MemCache
}

func (d *cacheBackedDeleter) DeletePages(ctx context.Context, pages []events.PageToRecycle, r pagestore.RecyclerHandle, batchSlot uint64, grant *slotlog.Grant) error {
	for _, p := range pages {
		if _, err := d.cache.DropPage(ctx, p.PageID); err != nil {
			return err
		}
	}
	return nil
}

func (d *cacheBackedDeleter) NotifyCaughtUp(r pagestore.RecyclerHandle, upper uint64) {}
func (d *cacheBackedDeleter) NotifyFailure(r pagestore.RecyclerHandle, err error)      {}

func openVolume(ctx context.Context, cfg config.Options, logger *slog.Logger) (*volume.Volume, *pagestore.MemCache, error) {
	cache, err := pagestore.NewMemCache(cfg.IndexDir(), []events.DeviceID{1})
	if err != nil {
		return nil, nil, fmt.Errorf("open page index: %w", err)
	}

	rootCap := cfg.RootLogCapacity
	params := volume.RecoverParams{
		Options: cfg.VolumeOptions(),
		Cache:   cache,
		RootLogFactory: func(scan slotlog.ScanFunc) (*slotlog.Log, error) {
			return slotlog.Open(cfg.RootLogPath(), rootCap, scan)
		},
		RecyclerOptions: cfg.RecyclerOptions(),
		RecyclerLogFactory: func(scan slotlog.ScanFunc) (*slotlog.Log, error) {
			return slotlog.Open(cfg.RecyclerLogPath(), cfg.RecyclerLogCapacityBytes(), scan)
		},
		PageDeleter:        &cacheBackedDeleter{cache: cache},
		Logger:             logger,
		TrimRetentionBytes: cfg.TrimRetentionBytes,
	}

	vol, err := volume.Recover(ctx, params)
	if err != nil {
		cache.Close()
		return nil, nil, fmt.Errorf("recover volume: %w", err)
	}
	return vol, cache, nil
}

func runServe(logger *slog.Logger) {
	cfg := loadConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vol, cache, err := openVolume(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open volume", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	vol.Start(ctx)

	if cfg.MetricsAddr != "" {
		startMetricsServer(cfg.MetricsAddr, vol, logger)
	}

	logger.Info("volume running", "name", cfg.Name, "uuid", vol.UUID())
	<-ctx.Done()
	logger.Info("shutting down")

	vol.Halt()
	vol.Join()
}

func startMetricsServer(addr string, vol *volume.Volume, logger *slog.Logger) {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(volmetrics.New(vol))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}()
}

func runAppend(logger *slog.Logger, args []string) {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	data := fs.String("data", "", "payload to append")
	fs.Parse(args)

	cfg := loadConfig(logger)
	ctx := context.Background()

	vol, cache, err := openVolume(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open volume", "err", err)
		os.Exit(1)
	}
	defer cache.Close()
	defer func() {
		vol.Halt()
		vol.Join()
	}()

	payload := []byte(*data)
	grant, err := vol.Reserve(ctx, uint64(len(payload)+64))
	if err != nil {
		logger.Error("reserve failed", "err", err)
		os.Exit(1)
	}
	rng, err := vol.AppendUser(ctx, grant, payload)
	if err != nil {
		logger.Error("append failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("appended slots [%d, %d)\n", rng.Lower, rng.Upper)
}

func runStats(logger *slog.Logger) {
	cfg := loadConfig(logger)
	ctx := context.Background()

	vol, cache, err := openVolume(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open volume", "err", err)
		os.Exit(1)
	}
	defer cache.Close()
	defer func() {
		vol.Halt()
		vol.Join()
	}()

	vs := vol.VolumeStats()
	rs := vol.RecyclerStats()
	fmt.Printf("durable_upper=%d trim_lower=%d commits=%d rollbacks=%d pending=%d\n",
		vs.DurableUpperBound, vs.TrimLowerBound, vs.CommitCount, vs.RollbackCount, vs.PendingJobs)
	fmt.Printf("recycler: pending=%d inserted=%d removed=%d task_grant=%d pool=%d trim_lower=%d\n",
		rs.PendingPages, rs.InsertCount, rs.RemoveCount, rs.TaskGrantSize, rs.GrantPoolSize, rs.TrimLowerBound)
}
