package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-hydra/server"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type HydraConfig struct {
	Host      string `mapstructure:"host" json:"host"`
	Port      int    `mapstructure:"port" json:"port"`
	Instances int    `mapstructure:"instances" json:"instances"`

	// WorkerPortBase is the worker port of instance 0; instance i listens on
	// base+i. 0 lets the OS pick a port for every instance.
	WorkerPortBase int    `mapstructure:"worker_port_base" json:"worker_port_base"`
	WorkerHost     string `mapstructure:"worker_host" json:"worker_host"`

	Adapter         string   `mapstructure:"adapter" json:"adapter"`
	App             string   `mapstructure:"app" json:"app"`
	WorkerCommand   string   `mapstructure:"worker_command" json:"worker_command"`
	WorkerArgs      []string `mapstructure:"worker_args" json:"worker_args"`
	WorkerAuthToken string   `mapstructure:"worker_auth_token" json:"-"`
	WorkerJWTSecret string   `mapstructure:"worker_jwt_secret" json:"-"`

	ShardPolicy  string             `mapstructure:"shard_policy" json:"shard_policy"`
	DefaultShard string             `mapstructure:"default_shard" json:"default_shard"`
	RouteRules   []server.RouteRule `mapstructure:"route_rules" json:"route_rules"`

	WaitIntervalMs    int    `mapstructure:"wait_interval_ms" json:"wait_interval_ms"`
	WaitAttempts      int    `mapstructure:"wait_attempts" json:"wait_attempts"`
	IdentifyTimeoutMs int    `mapstructure:"identify_timeout_ms" json:"identify_timeout_ms"`
	OutboundQueueSize int    `mapstructure:"outbound_queue_size" json:"outbound_queue_size"`
	MaxBodyBytes      int64  `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	MalformedFrames   string `mapstructure:"malformed_frames" json:"malformed_frames"`

	AdminAddr         string `mapstructure:"admin_addr" json:"admin_addr"`
	HotReload         bool   `mapstructure:"hot_reload" json:"hot_reload"`
	HotReloadDir      string `mapstructure:"hot_reload_dir" json:"hot_reload_dir"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown_timeout_ms" json:"shutdown_timeout_ms"`
}

var adapters = map[string]bool{"raw": true, "asgi": true, "wsgi": true}

// defaultConfig returns the settings used when hydra.json / hydra.yaml is
// missing or a value in it is invalid.
func defaultConfig() *HydraConfig {
	return &HydraConfig{
		Host:              "127.0.0.1",
		Port:              8080,
		Instances:         1,
		WorkerPortBase:    11234,
		WorkerHost:        "127.0.0.1",
		Adapter:           "raw",
		ShardPolicy:       "fixed",
		DefaultShard:      server.DefaultShard,
		WaitIntervalMs:    10,
		WaitAttempts:      1000, // 10s
		IdentifyTimeoutMs: 1000,
		OutboundQueueSize: 1024,
		MaxBodyBytes:      10 << 20,
		MalformedFrames:   server.MalformedSkip,
		AdminAddr:         "127.0.0.1:9180",
		ShutdownTimeoutMs: 10000,
	}
}

func setDefaults(v *viper.Viper, def *HydraConfig) {
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("instances", def.Instances)
	v.SetDefault("worker_port_base", def.WorkerPortBase)
	v.SetDefault("worker_host", def.WorkerHost)
	v.SetDefault("adapter", def.Adapter)
	v.SetDefault("app", def.App)
	v.SetDefault("worker_command", def.WorkerCommand)
	v.SetDefault("worker_args", def.WorkerArgs)
	v.SetDefault("worker_auth_token", def.WorkerAuthToken)
	v.SetDefault("worker_jwt_secret", def.WorkerJWTSecret)
	v.SetDefault("shard_policy", def.ShardPolicy)
	v.SetDefault("default_shard", def.DefaultShard)
	v.SetDefault("wait_interval_ms", def.WaitIntervalMs)
	v.SetDefault("wait_attempts", def.WaitAttempts)
	v.SetDefault("identify_timeout_ms", def.IdentifyTimeoutMs)
	v.SetDefault("outbound_queue_size", def.OutboundQueueSize)
	v.SetDefault("max_body_bytes", def.MaxBodyBytes)
	v.SetDefault("malformed_frames", def.MalformedFrames)
	v.SetDefault("admin_addr", def.AdminAddr)
	v.SetDefault("hot_reload", def.HotReload)
	v.SetDefault("hot_reload_dir", def.HotReloadDir)
	v.SetDefault("shutdown_timeout_ms", def.ShutdownTimeoutMs)
}

// loadConfig reads path, or hydra.{json,yaml} from projectRoot when path is
// empty. HYDRA_* environment variables override file values. A missing or
// unreadable file falls back to defaults; invalid values are replaced one by
// one.
func loadConfig(path, projectRoot string, log *zap.Logger) (*HydraConfig, error) {
	def := defaultConfig()

	v := viper.New()
	setDefaults(v, def)
	v.SetEnvPrefix("HYDRA")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hydra")
		v.AddConfigPath(projectRoot)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			log.Info("no hydra config file found, using defaults", zap.String("root", projectRoot), zap.String("path", path))
		default:
			log.Warn("invalid hydra config file, using defaults", zap.String("path", path), zap.Error(err))
		}
	} else {
		log.Info("loaded config", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg HydraConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.validate(def, log)
	return &cfg, nil
}

func (c *HydraConfig) validate(def *HydraConfig, log *zap.Logger) {
	if c.Host == "" {
		c.Host = def.Host
	}

	if c.Port < 0 || c.Port > 65535 {
		log.Warn("port is invalid, falling back", zap.Int("port", c.Port), zap.Int("default", def.Port))
		c.Port = def.Port
	}

	if c.Instances <= 0 {
		log.Warn("instances is invalid, falling back", zap.Int("instances", c.Instances), zap.Int("default", def.Instances))
		c.Instances = def.Instances
	}

	if c.WorkerPortBase < 0 || c.WorkerPortBase+c.Instances-1 > 65535 {
		log.Warn("worker_port_base is invalid, falling back", zap.Int("worker_port_base", c.WorkerPortBase), zap.Int("default", def.WorkerPortBase))
		c.WorkerPortBase = def.WorkerPortBase
	}

	if c.WorkerHost == "" {
		c.WorkerHost = def.WorkerHost
	}

	c.Adapter = strings.ToLower(c.Adapter)
	if !adapters[c.Adapter] {
		log.Warn("unknown adapter, falling back", zap.String("adapter", c.Adapter), zap.String("default", def.Adapter))
		c.Adapter = def.Adapter
	}

	if _, err := server.NewPolicy(c.ShardPolicy, c.DefaultShard, c.RouteRules); err != nil {
		log.Warn("shard_policy is invalid, falling back", zap.String("shard_policy", c.ShardPolicy), zap.String("default", def.ShardPolicy))
		c.ShardPolicy = def.ShardPolicy
	}

	if c.DefaultShard == "" {
		c.DefaultShard = def.DefaultShard
	}

	for i, rule := range c.RouteRules {
		if rule.Shard == "" {
			log.Warn("route rule without shard will send to the default shard", zap.Int("rule", i))
			c.RouteRules[i].Shard = c.DefaultShard
		}
		for j, prefix := range rule.RoutePrefixes {
			if !strings.HasPrefix(prefix, "/") {
				log.Info("route prefix does not start with '/', fixing", zap.Int("rule", i), zap.String("prefix", prefix))
				c.RouteRules[i].RoutePrefixes[j] = "/" + prefix
			}
		}
	}

	if c.WaitIntervalMs <= 0 {
		log.Warn("wait_interval_ms is invalid, falling back", zap.Int("wait_interval_ms", c.WaitIntervalMs), zap.Int("default", def.WaitIntervalMs))
		c.WaitIntervalMs = def.WaitIntervalMs
	}

	if c.WaitAttempts <= 0 {
		log.Warn("wait_attempts is invalid, falling back", zap.Int("wait_attempts", c.WaitAttempts), zap.Int("default", def.WaitAttempts))
		c.WaitAttempts = def.WaitAttempts
	}

	if c.IdentifyTimeoutMs <= 0 {
		log.Warn("identify_timeout_ms is invalid, falling back", zap.Int("identify_timeout_ms", c.IdentifyTimeoutMs), zap.Int("default", def.IdentifyTimeoutMs))
		c.IdentifyTimeoutMs = def.IdentifyTimeoutMs
	}

	if c.OutboundQueueSize <= 0 {
		log.Warn("outbound_queue_size is invalid, falling back", zap.Int("outbound_queue_size", c.OutboundQueueSize), zap.Int("default", def.OutboundQueueSize))
		c.OutboundQueueSize = def.OutboundQueueSize
	}

	if c.MaxBodyBytes < 0 {
		// 0 means unlimited
		log.Warn("max_body_bytes is invalid, falling back", zap.Int64("max_body_bytes", c.MaxBodyBytes), zap.Int64("default", def.MaxBodyBytes))
		c.MaxBodyBytes = def.MaxBodyBytes
	}

	c.MalformedFrames = strings.ToLower(c.MalformedFrames)
	if c.MalformedFrames != server.MalformedSkip && c.MalformedFrames != server.MalformedClose {
		log.Warn("malformed_frames is invalid, falling back", zap.String("malformed_frames", c.MalformedFrames), zap.String("default", def.MalformedFrames))
		c.MalformedFrames = def.MalformedFrames
	}

	if c.ShutdownTimeoutMs <= 0 {
		c.ShutdownTimeoutMs = def.ShutdownTimeoutMs
	}

	if c.HotReload && c.WorkerCommand == "" {
		log.Warn("hot_reload needs worker_command, disabling")
		c.HotReload = false
	}
}

// serverConfig builds the settings of instance name. Every instance gets
// its own policy so round-robin state is not shared.
func (c *HydraConfig) serverConfig(name string) (server.Config, error) {
	policy, err := server.NewPolicy(c.ShardPolicy, c.DefaultShard, c.RouteRules)
	if err != nil {
		return server.Config{}, err
	}

	return server.Config{
		Name:              name,
		Policy:            policy,
		WaitInterval:      time.Duration(c.WaitIntervalMs) * time.Millisecond,
		WaitAttempts:      c.WaitAttempts,
		IdentifyTimeout:   time.Duration(c.IdentifyTimeoutMs) * time.Millisecond,
		OutboundQueueSize: c.OutboundQueueSize,
		MaxBodyBytes:      c.MaxBodyBytes,
		MalformedFrames:   c.MalformedFrames,
		Auth: server.WorkerAuth{
			Token:     c.WorkerAuthToken,
			JWTSecret: []byte(c.WorkerJWTSecret),
		},
	}, nil
}

// workerArgs is the command line for the external worker of one instance.
func (c *HydraConfig) workerArgs(port int) []string {
	args := append([]string{}, c.WorkerArgs...)
	args = append(args, "--port", fmt.Sprint(port), "--adapter", c.Adapter)
	if c.App != "" {
		args = append(args, "--app", c.App)
	}
	return args
}

// getProjectRoot returns the nearest directory containing go.mod, or the
// working directory when there is none.
func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}
