package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/compilebroker/internal/broker"
	"github.com/edirooss/compilebroker/internal/codecache"
	"github.com/edirooss/compilebroker/internal/config"
	"github.com/edirooss/compilebroker/internal/history"
	"github.com/edirooss/compilebroker/internal/http/handler"
	mw "github.com/edirooss/compilebroker/internal/http/middleware"
	"github.com/edirooss/compilebroker/internal/methods"
	"github.com/edirooss/compilebroker/internal/redis"
	"github.com/edirooss/compilebroker/internal/simcompiler"
	"github.com/edirooss/compilebroker/internal/sysmem"
)

var (
	configPath  = flag.String("config", config.DefaultPath, "path to the YAML configuration")
	printConfig = flag.Bool("print-config", false, "print the effective configuration and exit")
)

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	isDev := os.Getenv("ENV") == "dev"

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		spew.Fdump(os.Stdout, cfg)
		return
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Collaborators
	store := methods.New(log)
	cache, err := codecache.New(log, cfg.CodeCacheConfig())
	if err != nil {
		log.Fatal("code cache creation failed", zap.Error(err))
	}
	hist := history.NewManager(cfg.HistoryLines)

	compilers := make([]broker.Compiler, len(cfg.Tiers))
	for i, tc := range cfg.Tiers {
		compilers[i] = simcompiler.New(log, broker.Tier(i), tc.SimCompiler(), store)
	}

	sinks := []broker.Sink{hist}
	var statsSink *redis.StatsSink
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(cfg.Redis.Address, cfg.Redis.DB, log)
		defer rdb.Close()
		statsSink = redis.NewStatsSink(log, rdb, redis.SinkConfig{
			Prefix:     cfg.Redis.Prefix,
			FlushEvery: cfg.Redis.FlushEvery.D(),
			MaxEvents:  cfg.Redis.MaxEvents,
		})
		sinks = append(sinks, statsSink)
	}

	b, err := broker.New(log, cfg.Broker(), broker.Deps{
		Store:     store,
		CodeCache: cache,
		Memory:    sysmem.Probe{},
		Compilers: compilers,
		Sinks:     sinks,
	})
	if err != nil {
		log.Fatal("broker creation failed", zap.Error(err))
	}
	if err := b.Start(ctx); err != nil {
		log.Fatal("broker start failed", zap.Error(err))
	}

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()
	{
		r.Use(gin.Recovery())
		r.Use(mw.RequestID())
		r.Use(mw.AccessLog(log.Named("http")))
		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}
	handler.Mount(r, log, handler.Deps{
		Broker:    b,
		Store:     store,
		CodeCache: cache,
		History:   hist,
		NumTiers:  len(cfg.Tiers),

		MaxCompileRequests: cfg.HTTP.MaxCompileRequests,
		PauseTimeout:       cfg.HTTP.PauseTimeout.D(),
	})

	httpsrv := &http.Server{
		Addr:              cfg.HTTP.Address + ":" + cfg.HTTP.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // blocking compiles hold the response
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if statsSink != nil {
		g.Go(func() error { return statsSink.Run(gctx) })
	}
	if _, err := os.Stat(*configPath); err == nil {
		w := config.NewWatcher(log, *configPath, 0, func(next *config.Config) { applyLimits(log, b, next) })
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(httpsrv.Shutdown(sctx), b.Shutdown(sctx))
	})

	if err := g.Wait(); err != nil {
		log.Fatal("exited with error", zap.Error(err))
	}
	log.Info("server closed")
}

// applyLimits pushes reloaded worker limits into the running broker. Other
// settings take effect on restart.
func applyLimits(log *zap.Logger, b *broker.Broker, next *config.Config) {
	for i, tc := range next.Tiers {
		if !tc.Enabled {
			continue
		}
		tier := broker.Tier(i)
		if err := b.UpdateLimits(tier, tc.MinWorkers, tc.MaxWorkers); err != nil {
			log.Warn("limits not applied", zap.Stringer("tier", tier), zap.Error(err))
		}
	}
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("compilebrokerd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}

// loadConfig reads path. A missing file at the default path falls back to
// the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		return config.Default(), nil
	}
	return cfg, err
}
