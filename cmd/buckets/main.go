package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/buckets/internal/config"
	"github.com/devrev/buckets/internal/erasure"
	"github.com/devrev/buckets/internal/health"
	"github.com/devrev/buckets/internal/metrics"
	"github.com/devrev/buckets/internal/multidisk"
	"github.com/devrev/buckets/internal/server"
	"github.com/devrev/buckets/internal/service"
	"github.com/devrev/buckets/internal/storage/diskmanager"
)

const usage = `usage: buckets <command> [args]

commands:
  format                         format the configured disks
  serve                          run background heal and the admin server
  selftest                       verify the erasure codec
  stats                          print disk and set status as JSON
  put <bucket> <object> <file>   store a file
  get <bucket> <object> [file]   read an object to file or stdout
  stat <bucket> <object>         print object info as JSON
  delete <bucket> <object>       remove an object
  heal <bucket> <object>         repair an object
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	if cmd == "selftest" {
		logger, _ := zap.NewDevelopment()
		if err := erasure.SelfTest(logger); err != nil {
			fmt.Fprintf(os.Stderr, "self-test failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("erasure self-test passed")
		return
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch cmd {
	case "format":
		err = runFormat(cfg, logger)
	case "serve":
		err = runServe(cfg, logger)
	case "stats":
		err = runStats(cfg, logger)
	case "put", "get", "stat", "delete", "heal":
		err = runObject(cfg, logger, cmd, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("Command failed", zap.String("command", cmd), zap.Error(err))
	}
}

func runFormat(cfg *config.Config, logger *zap.Logger) error {
	f, err := multidisk.FormatDisks(cfg.Disks.Paths, cfg.Disks.SetCount, cfg.Disks.DisksPerSet, logger)
	if err != nil {
		return err
	}
	logger.Info("Disks formatted",
		zap.String("deployment_id", f.ID),
		zap.Int("sets", cfg.Disks.SetCount),
		zap.Int("disks_per_set", cfg.Disks.DisksPerSet))
	return nil
}

// node bundles the components every long-lived command needs
type node struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	disks    *diskmanager.Manager
	coord    *multidisk.Coordinator
	objects  *service.ObjectService
}

func openNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.Node.ID, reg)

	// Disk manager thresholds are percentages
	tmpl := &diskmanager.DiskManagerConfig{
		CheckInterval:           cfg.DiskManager.CheckInterval,
		WarningThreshold:        cfg.DiskManager.WarningThreshold * 100,
		ThrottleThreshold:       cfg.DiskManager.ThrottleThreshold * 100,
		CircuitBreakerThreshold: cfg.DiskManager.CircuitBreakerThreshold * 100,
		Metrics:                 m,
	}
	disks, err := diskmanager.NewManager(cfg.Disks.Paths, tmpl, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	coord, err := multidisk.NewCoordinator(cfg.Disks.Paths, &multidisk.Config{
		RequireFormatQuorum: true,
		SelfTest:            cfg.Erasure.SelfTest,
		Metrics:             m,
		SpaceGuard:          disks,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open disks: %w", err)
	}

	objects, err := service.NewObjectService(coord, service.Config{
		DataChunks:      cfg.Erasure.DataChunks,
		ParityChunks:    cfg.Erasure.ParityChunks,
		InlineThreshold: cfg.Erasure.InlineThreshold,
	}, m, logger)
	if err != nil {
		coord.Close()
		return nil, err
	}

	return &node{registry: reg, metrics: m, disks: disks, coord: coord, objects: objects}, nil
}

func runServe(cfg *config.Config, logger *zap.Logger) error {
	n, err := openNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healSvc := service.NewHealService(ctx, n.objects, service.HealConfig{
		Workers:       cfg.Heal.Workers,
		QueueSize:     cfg.Heal.QueueSize,
		RatePerSecond: cfg.Heal.RatePerSecond,
		Burst:         cfg.Heal.Burst,
		MaxRetries:    cfg.Heal.MaxRetries,
		RetryBase:     cfg.Heal.RetryBase,
	}, n.metrics, logger)
	n.objects.OnDegradedRead(func(bucket, object string) { healSvc.Enqueue(bucket, object) })

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:   cfg.Node.ID,
		Interval: cfg.DiskManager.CheckInterval,
	}, n.coord, n.disks, logger)
	go checker.Start(ctx)

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(&server.AdminServerConfig{
			Port:            cfg.Admin.Port,
			ReadTimeout:     cfg.Admin.ReadTimeout,
			WriteTimeout:    cfg.Admin.WriteTimeout,
			CollectInterval: cfg.DiskManager.CheckInterval,
		}, n.registry, checker, server.Sources{
			Coordinator: n.coord,
			Heal:        healSvc,
			Objects:     n.objects,
			Disks:       n.disks,
		}, logger)
		if err := admin.Start(); err != nil {
			return err
		}
	}

	stats := n.coord.Stats()
	logger.Info("Buckets node started",
		zap.String("node_id", cfg.Node.ID),
		zap.String("deployment_id", stats.DeploymentID),
		zap.Int("online_disks", stats.OnlineDisks),
		zap.Int("total_disks", stats.TotalDisks))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop admin server", zap.Error(err))
		}
	}
	if err := healSvc.Stop(cfg.Admin.ShutdownTimeout); err != nil {
		logger.Warn("Heal workers did not stop in time", zap.Error(err))
	}
	cancel()
	return nil
}

func runStats(cfg *config.Config, logger *zap.Logger) error {
	n, err := openNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.coord.Close()

	return printJSON(server.StatsResponse{
		Timestamp: time.Now().UTC(),
		Cluster:   ptr(n.coord.Stats()),
		DiskUsage: n.disks.Usage(),
	})
}

func runObject(cfg *config.Config, logger *zap.Logger, cmd string, args []string) error {
	need := 2
	if cmd == "put" {
		need = 3
	}
	if len(args) < need {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	bucket, object := args[0], args[1]

	n, err := openNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.coord.Close()

	ctx := context.Background()
	switch cmd {
	case "put":
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		info, err := n.objects.PutObject(ctx, bucket, object, data, service.PutOptions{})
		if err != nil {
			return err
		}
		return printJSON(info)

	case "get":
		data, _, err := n.objects.GetObject(ctx, bucket, object)
		if err != nil {
			return err
		}
		if len(args) > 2 {
			return os.WriteFile(args[2], data, 0o644)
		}
		_, err = os.Stdout.Write(data)
		return err

	case "stat":
		info, err := n.objects.StatObject(ctx, bucket, object)
		if err != nil {
			return err
		}
		return printJSON(info)

	case "delete":
		return n.objects.DeleteObject(ctx, bucket, object)

	case "heal":
		res, err := n.objects.HealObject(ctx, bucket, object)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ptr[T any](v T) *T { return &v }

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
