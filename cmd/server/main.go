package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type cliFlags struct {
	config string
	debug  bool
	fs     *flag.FlagSet

	host       string
	port       int
	workers    int
	adapter    string
	app        string
	workerCmd  string
	workerPort int
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{fs: flag.NewFlagSet("hydra", flag.ContinueOnError)}
	def := defaultConfig()

	f.fs.StringVar(&f.config, "config", "", "path to hydra.json or hydra.yaml")
	f.fs.BoolVar(&f.debug, "debug", false, "human readable debug logging")
	f.fs.StringVar(&f.host, "host", def.Host, "client listener host address")
	f.fs.IntVar(&f.port, "port", def.Port, "client listener port")
	f.fs.IntVar(&f.workers, "workers", def.Instances, "number of gateway instances sharing the client port")
	f.fs.StringVar(&f.adapter, "adapter", def.Adapter, "worker adapter: raw, asgi or wsgi")
	f.fs.StringVar(&f.app, "app", "", "application passed to spawned workers")
	f.fs.StringVar(&f.workerCmd, "workercmd", "", "worker executable started once per instance")
	f.fs.IntVar(&f.workerPort, "worker-port", def.WorkerPortBase, "worker port of instance 0 (0 picks free ports)")

	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// apply copies flags given on the command line over the loaded config.
func (f *cliFlags) apply(cfg *HydraConfig) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "host":
			cfg.Host = f.host
		case "port":
			cfg.Port = f.port
		case "workers":
			cfg.Instances = f.workers
		case "adapter":
			cfg.Adapter = f.adapter
		case "app":
			cfg.App = f.app
		case "workercmd":
			cfg.WorkerCommand = f.workerCmd
		case "worker-port":
			cfg.WorkerPortBase = f.workerPort
		}
	})
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	log, err := newLogger(flags.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	root := getProjectRoot()
	cfg, err := loadConfig(flags.config, root, log)
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	flags.apply(cfg)
	cfg.validate(defaultConfig(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := newGateway(cfg, root, log)
	if err := gw.start(ctx); err != nil {
		log.Fatal("failed to start gateway", zap.Error(err))
	}

	// Startup banner / config summary
	log.Info("hydra gateway started",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Int("instances", cfg.Instances),
		zap.String("adapter", cfg.Adapter),
		zap.String("shard_policy", cfg.ShardPolicy),
		zap.Duration("response_budget", time.Duration(cfg.WaitIntervalMs*cfg.WaitAttempts)*time.Millisecond),
		zap.String("worker_command", cfg.WorkerCommand),
		zap.String("admin_addr", cfg.AdminAddr),
		zap.Bool("hot_reload", cfg.HotReload),
	)

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	log.Info("signal received, draining requests and shutting down", zap.String("signal", sig.String()))

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutMs)*time.Millisecond)
	defer stop()
	gw.shutdown(shutdownCtx)
	cancel()
	log.Info("shut down cleanly")
}
