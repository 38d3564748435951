package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pickupstack/pickup/internal/activegame"
	"github.com/pickupstack/pickup/internal/api"
	"github.com/pickupstack/pickup/internal/assigner"
	"github.com/pickupstack/pickup/internal/cli/common"
	"github.com/pickupstack/pickup/internal/coordinator"
	"github.com/pickupstack/pickup/internal/db"
	"github.com/pickupstack/pickup/internal/diagnostics"
	"github.com/pickupstack/pickup/internal/events"
	"github.com/pickupstack/pickup/internal/events/export"
	"github.com/pickupstack/pickup/internal/games"
	"github.com/pickupstack/pickup/internal/gameserver"
	"github.com/pickupstack/pickup/internal/gameserver/staticpool"
	"github.com/pickupstack/pickup/internal/logrelay"
	"github.com/pickupstack/pickup/internal/substitution"
	"github.com/pickupstack/pickup/internal/telemetry"
)

func main() {
	var cfgFile string
	root := &cobra.Command{
		Use:   "pickup-server",
		Short: "Pickup matchmaking backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			common.SetupLogger("info", "console", "", 0, 0, 0, false)
			viper.SetEnvPrefix("PICKUP")
			viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
			viper.AutomaticEnv()
			if cfgFile != "" {
				viper.SetConfigFile(cfgFile)
				if err := viper.ReadInConfig(); err != nil {
					slog.Warn("read config", "error", err)
				} else {
					slog.Info("config loaded", "file", viper.ConfigFileUsed())
				}
			}
			v := viper.GetViper()
			if sub := v.Sub("server"); sub != nil {
				v = sub
			}
			common.SetupLogger(
				v.GetString("log.level"),
				v.GetString("log.format"),
				v.GetString("log.file"),
				v.GetInt("log.max_size"),
				v.GetInt("log.max_backups"),
				v.GetInt("log.max_age"),
				v.GetBool("log.compress"),
			)
			return run(cmd.Context(), v)
		},
	}

	root.Flags().StringVar(&cfgFile, "config", "", "config file (yaml), e.g. configs/server.yaml")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(v.GetString("db.dsn"))
	if err != nil {
		slog.Error("open database", "error", err)
		return err
	}
	if err := games.AutoMigrate(gdb); err != nil {
		return err
	}
	if err := diagnostics.AutoMigrate(gdb); err != nil {
		return err
	}

	redisURL := v.GetString("redis.url")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	ropt, err := redis.ParseURL(redisURL)
	if err != nil {
		slog.Error("parse redis url", "error", err)
		return err
	}
	cache := redis.NewClient(ropt)
	defer cache.Close()
	active := activegame.New(cache)

	var metrics *telemetry.GameMetrics
	var tp *telemetry.Provider
	if v.GetBool("telemetry.enable_metrics") || v.GetBool("telemetry.enable_tracing") {
		tp, err = telemetry.NewProvider(ctx, telemetry.Config{
			ServiceName:    "pickup-server",
			ServiceVersion: v.GetString("telemetry.service_version"),
			Environment:    v.GetString("telemetry.environment"),
			CollectorURL:   v.GetString("telemetry.collector_url"),
			EnableTracing:  v.GetBool("telemetry.enable_tracing"),
			EnableMetrics:  v.GetBool("telemetry.enable_metrics"),
			SamplingRatio:  v.GetFloat64("telemetry.sampling_ratio"),
		})
		if err != nil {
			slog.Error("telemetry init", "error", err)
			return err
		}
		metrics = tp.Games
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(sctx); err != nil {
				slog.Error("telemetry shutdown", "error", err)
			}
		}()
	}

	bus := events.NewBus()
	defer bus.Close()

	queue := export.NewFromConfig(v)
	defer queue.Close()
	cancelExport := export.Attach(bus, queue)
	defer cancelExport()

	static := staticpool.New(staticpool.LineDialer)
	poolFile := v.GetString("pool.file")
	if poolFile == "" {
		poolFile = "configs/servers.yaml"
	}
	if err := static.Load(poolFile); err != nil {
		slog.Error("load server pool", "file", poolFile, "error", err)
		return err
	}
	if err := static.Watch(ctx, poolFile); err != nil {
		slog.Error("watch server pool", "file", poolFile, "error", err)
		return err
	}
	pool := gameserver.NewPool(static)

	repo := games.NewRepo(gdb)
	asgn := assigner.New(repo, pool, bus, metrics)
	coord := coordinator.New(repo, pool, bus, asgn, active, metrics, coordinator.Config{
		LogAddress:       v.GetString("coordinator.log_address"),
		ExecConfig:       v.GetString("coordinator.exec_config"),
		ConfigureTimeout: v.GetDuration("coordinator.configure_timeout"),
	})
	asgn.SetConfigurer(coord)
	asgn.Start(ctx)
	cancelCoord := coord.Start(ctx)
	defer cancelCoord()

	subs := substitution.New(repo, bus, active, metrics)

	var uploader logrelay.Uploader
	if uploadURL := v.GetString("logs.upload_url"); uploadURL != "" {
		uploader = logrelay.NewHTTPUploader(uploadURL, v.GetString("logs.upload_key"))
	}
	collector := logrelay.New(repo, logrelay.RedisCache{Cli: cache}, bus, uploader)
	cancelLogs := collector.Start(ctx)
	defer cancelLogs()

	logAddr := v.GetString("logs.listen_addr")
	if logAddr == "" {
		logAddr = ":9871"
	}
	receiver, err := logrelay.Listen(logAddr, collector)
	if err != nil {
		slog.Error("listen for server logs", "addr", logAddr, "error", err)
		return err
	}
	go receiver.Run(ctx)

	diag := diagnostics.NewService(gdb)
	apiSrv := api.NewServer(repo, coord, subs, pool, diag, bus)
	httpAddr := v.GetString("http_addr")
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("pickup-server listening", "http", httpAddr, "logs", logAddr, "pool_file", poolFile)
		errCh <- apiSrv.ListenAndServe(httpAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(sctx); err != nil {
			slog.Error("http shutdown", "error", err)
			return err
		}
		return nil
	case err := <-errCh:
		slog.Error("serve http", "error", err)
		return err
	}
}
