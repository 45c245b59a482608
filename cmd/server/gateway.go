package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go-hydra/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// instance is one gateway instance with its two listeners and, optionally,
// the external worker process that connects to it.
type instance struct {
	name string
	srv  *server.Server

	clientLn   net.Listener
	workerLn   net.Listener
	clientHTTP *http.Server
	workerHTTP *http.Server
	workerPort int

	process *server.Process
}

// gateway runs every instance of the process plus the admin listener.
type gateway struct {
	cfg  *HydraConfig
	root string
	log  *zap.Logger

	registry *prometheus.Registry
	metrics  *server.Metrics

	instances []*instance
	admin     *http.Server
	adminLn   net.Listener
	reload    *server.HotReload

	wg sync.WaitGroup
}

func newGateway(cfg *HydraConfig, root string, log *zap.Logger) *gateway {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &gateway{
		cfg:      cfg,
		root:     root,
		log:      log,
		registry: reg,
		metrics:  server.NewMetrics(reg),
	}
}

// start binds every listener and begins serving. On error whatever was
// already started is shut down again.
func (g *gateway) start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			g.shutdown(context.Background())
		}
	}()

	clientAddr := net.JoinHostPort(g.cfg.Host, strconv.Itoa(g.cfg.Port))
	for i := 0; i < g.cfg.Instances; i++ {
		inst, err := g.startInstance(ctx, i, clientAddr)
		if err != nil {
			return err
		}
		// port 0 resolves on the first bind; the rest share that port
		clientAddr = inst.clientLn.Addr().String()
	}

	if g.cfg.HotReload {
		dir := g.cfg.HotReloadDir
		if dir == "" {
			dir = g.root
		}
		targets := make([]server.Restarter, 0, len(g.instances))
		for _, inst := range g.instances {
			if inst.process != nil {
				targets = append(targets, inst.process)
			}
		}
		g.reload, err = server.WatchReload(dir, 0, g.log, targets...)
		if err != nil {
			g.log.Warn("hot reload disabled", zap.Error(err))
			err = nil
		} else {
			g.log.Info("hot reload enabled", zap.String("dir", dir))
		}
	}

	if g.cfg.AdminAddr != "" {
		g.adminLn, err = net.Listen("tcp", g.cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		g.admin = &http.Server{Handler: g.adminHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.serve("admin", g.admin, g.adminLn)
	}
	return nil
}

func (g *gateway) startInstance(ctx context.Context, i int, clientAddr string) (*instance, error) {
	name := strconv.Itoa(i)
	log := g.log.With(zap.String("instance", name))

	cfg, err := g.cfg.serverConfig(name)
	if err != nil {
		return nil, err
	}

	inst := &instance{name: name, srv: server.New(cfg, g.log, g.metrics)}
	g.instances = append(g.instances, inst)

	inst.clientLn, err = server.ListenReusable(ctx, clientAddr)
	if err != nil {
		return nil, fmt.Errorf("instance %s: client listener: %w", name, err)
	}

	port := 0
	if g.cfg.WorkerPortBase > 0 {
		port = g.cfg.WorkerPortBase + i
	}
	inst.workerLn, err = net.Listen("tcp", net.JoinHostPort(g.cfg.WorkerHost, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("instance %s: worker listener: %w", name, err)
	}
	inst.workerPort = inst.workerLn.Addr().(*net.TCPAddr).Port

	inst.clientHTTP = &http.Server{Handler: inst.srv.ClientHandler(), ReadHeaderTimeout: 10 * time.Second}
	inst.workerHTTP = &http.Server{Handler: inst.srv.WorkerHandler(), ReadHeaderTimeout: 10 * time.Second}
	g.serve("client "+name, inst.clientHTTP, inst.clientLn)
	g.serve("worker "+name, inst.workerHTTP, inst.workerLn)

	log.Info("instance listening",
		zap.String("client_addr", inst.clientLn.Addr().String()),
		zap.String("worker_url", fmt.Sprintf("ws://%s%s", inst.workerLn.Addr(), server.WorkerPath)))

	if g.cfg.WorkerCommand != "" {
		inst.process = server.NewProcess(server.ProcessConfig{
			Command: g.cfg.WorkerCommand,
			Args:    g.cfg.workerArgs(inst.workerPort),
			Dir:     g.root,
		}, log)
		if err := inst.process.Start(ctx); err != nil {
			return nil, fmt.Errorf("instance %s: start worker: %w", name, err)
		}
	}
	return inst, nil
}

func (g *gateway) serve(what string, srv *http.Server, ln net.Listener) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("listener stopped", zap.String("listener", what), zap.Error(err))
		}
	}()
}

// shutdown stops accepting clients, lets in-flight requests finish within
// ctx, then stops workers and the admin listener.
func (g *gateway) shutdown(ctx context.Context) {
	if g.reload != nil {
		_ = g.reload.Close()
	}

	for _, inst := range g.instances {
		if inst.clientHTTP != nil {
			if err := inst.clientHTTP.Shutdown(ctx); err != nil {
				g.log.Warn("client listener shutdown", zap.String("instance", inst.name), zap.Error(err))
			}
		} else if inst.clientLn != nil {
			_ = inst.clientLn.Close()
		}
	}

	for _, inst := range g.instances {
		if inst.process != nil {
			inst.process.Stop()
		}
		_ = inst.srv.Close()
		if inst.workerHTTP != nil {
			_ = inst.workerHTTP.Shutdown(ctx)
		} else if inst.workerLn != nil {
			_ = inst.workerLn.Close()
		}
	}

	if g.admin != nil {
		_ = g.admin.Shutdown(ctx)
	}
	g.wg.Wait()
}

type processHealth struct {
	Instance string `json:"instance"`
	Running  bool   `json:"running"`
	Restarts uint64 `json:"restarts"`
}

type healthSummary struct {
	Instances []server.Health `json:"instances"`
	Processes []processHealth `json:"processes,omitempty"`
}

func (g *gateway) health() healthSummary {
	var h healthSummary
	for _, inst := range g.instances {
		h.Instances = append(h.Instances, inst.srv.Health())
		if inst.process != nil {
			h.Processes = append(h.Processes, processHealth{
				Instance: inst.name,
				Running:  inst.process.Running(),
				Restarts: inst.process.Restarts(),
			})
		}
	}
	return h
}

func (g *gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()

	// Health summary: shards and pending requests per instance
	mux.HandleFunc("/__hydra/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(g.health()); err != nil {
			http.Error(w, "Failed to encode health summary", http.StatusInternalServerError)
			return
		}
	})

	// Restart every external worker process
	mux.HandleFunc("/__hydra/restart", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		restarted := 0
		for _, inst := range g.instances {
			if inst.process == nil {
				continue
			}
			if err := inst.process.Restart(); err != nil {
				g.log.Warn("restart failed", zap.String("instance", inst.name), zap.Error(err))
				continue
			}
			restarted++
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"restarted": restarted,
		})
	})

	mux.Handle("/__hydra/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	return mux
}
