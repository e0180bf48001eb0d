package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hewenyu/service-registry/internal/api"
	"github.com/hewenyu/service-registry/internal/balancer"
	"github.com/hewenyu/service-registry/internal/circuit"
	"github.com/hewenyu/service-registry/internal/config"
	"github.com/hewenyu/service-registry/internal/core/clock"
	"github.com/hewenyu/service-registry/internal/core/model"
	"github.com/hewenyu/service-registry/internal/discovery"
	"github.com/hewenyu/service-registry/internal/dns"
	"github.com/hewenyu/service-registry/internal/health"
	"github.com/hewenyu/service-registry/internal/metrics"
	"github.com/hewenyu/service-registry/internal/notify"
	"github.com/hewenyu/service-registry/internal/registry"
	"github.com/hewenyu/service-registry/internal/store/consul"
	"github.com/hewenyu/service-registry/internal/store/etcd"
	"github.com/hewenyu/service-registry/internal/store/kv"
	"github.com/hewenyu/service-registry/internal/store/memory"
	"github.com/hewenyu/service-registry/internal/sweeper"
)

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("注册中心异常退出", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger config.Logger) error {
	logger.Info("Service Registry Starting...",
		zap.String("version", "0.1.0"),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Int("api_port", cfg.API.Port),
		zap.Bool("dns_enabled", cfg.DNS.Enabled),
		zap.Bool("health_enabled", cfg.Health.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	// 指标
	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		gatherer = reg
	}

	realClock := clock.Real()
	probers := health.DefaultProbers(cfg.Health.ScriptEnabled)
	checkTypes := make([]model.CheckType, 0, len(probers))
	for t := range probers {
		checkTypes = append(checkTypes, t)
	}

	store := registry.NewStore(backend, registry.Options{
		Prefix: cfg.Store.Prefix,
		Defaults: model.Defaults{
			TTL:              cfg.Registry.DefaultTTL,
			Weight:           cfg.Registry.DefaultWeight,
			HealthInterval:   cfg.Health.DefaultInterval,
			HealthTimeout:    cfg.Health.DefaultTimeout,
			FailureThreshold: cfg.Health.FailureThreshold,
			SuccessThreshold: cfg.Health.SuccessThreshold,
		},
		LeaseMultiplier: cfg.Registry.LeaseMultiplier,
		CheckTypes:      checkTypes,
		Clock:           realClock,
		Logger:          logger.With(zap.String("component", "registry")),
		Metrics:         m,
	})

	breakers := circuit.NewManager(circuit.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		BaseBackoff:      cfg.Circuit.BaseBackoff,
		MaxBackoff:       cfg.Circuit.MaxBackoff,
		Multiplier:       cfg.Circuit.Multiplier,
		TrialTimeout:     cfg.Circuit.TrialTimeout,
	}, backend, cfg.Store.Prefix, realClock, logger.With(zap.String("component", "circuit")), m)

	defaultStrategy, err := balancer.ParseStrategy(cfg.Balancer.DefaultStrategy)
	if err != nil {
		return fmt.Errorf("负载均衡配置无效: %w", err)
	}
	services := make(map[string]balancer.Strategy, len(cfg.Balancer.Services))
	for name, raw := range cfg.Balancer.Services {
		strategy, err := balancer.ParseStrategy(raw)
		if err != nil {
			return fmt.Errorf("服务%s的负载均衡配置无效: %w", name, err)
		}
		services[name] = strategy
	}
	lb := balancer.New(balancer.Config{
		DefaultStrategy: defaultStrategy,
		Services:        services,
		VirtualNodes:    cfg.Balancer.VirtualNodes,
		StickyEnabled:   cfg.Balancer.Sticky.Enabled,
		StickyTTL:       cfg.Balancer.Sticky.TTL,
	}, realClock, logger.With(zap.String("component", "balancer")), m)

	var (
		monitor  *health.Monitor
		reporter discovery.HealthReporter
	)
	if cfg.Health.Enabled {
		monitor = health.NewMonitor(health.Config{
			MaxConcurrentProbes: cfg.Health.MaxConcurrentProbes,
			ProbeRateLimit:      cfg.Health.ProbeRateLimit,
			ProbeBurst:          cfg.Health.ProbeBurst,
		}, store, breakers, probers, realClock,
			logger.With(zap.String("component", "health")), m)
		reporter = monitor
	}

	engine := discovery.NewEngine(discovery.Config{
		CacheEnabled: cfg.Discovery.CacheEnabled,
		CacheMaxAge:  cfg.Discovery.CacheMaxAge,
		QueryTimeout: cfg.Discovery.QueryTimeout,
	}, store, breakers, lb, reporter, realClock, logger.With(zap.String("component", "discovery")), m)

	// 注册变更监听器
	store.AddListener(breakers)
	store.AddListener(lb)
	if monitor != nil {
		store.AddListener(monitor)
	}
	store.AddListener(engine)

	if cfg.Notify.NATS.Enabled {
		publisher, err := notify.Connect(cfg.Notify.NATS.URL, cfg.Notify.NATS.SubjectPrefix,
			logger.With(zap.String("component", "notify")))
		if err != nil {
			logger.Warn("变更事件推送不可用", zap.Error(err))
		} else {
			store.AddListener(publisher)
			defer publisher.Close()
		}
	}

	// 从持久化存储恢复状态，熔断器需要在实例恢复之后加载
	restored, err := store.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("恢复实例失败: %w", err)
	}
	circuits, err := breakers.Rehydrate(ctx, func(id string) bool {
		_, err := store.Get(ctx, id)
		return err == nil
	})
	if err != nil {
		logger.Warn("恢复熔断器状态失败", zap.Error(err))
	}
	logger.Info("状态恢复完成", zap.Int("instances", restored), zap.Int("circuits", circuits))

	sw := sweeper.New(store, cfg.Sweeper.Interval, realClock, logger.With(zap.String("component", "sweeper")), m, lb)
	sw.Start(ctx)
	defer sw.Stop()

	if monitor != nil {
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	server := api.NewServer(api.Options{
		ListenAddress: cfg.API.ListenAddress,
		Port:          cfg.API.Port,
		MetricsPath:   cfg.Metrics.Path,
	}, api.Deps{
		Store:    store,
		Engine:   engine,
		Balancer: lb,
		Breakers: breakers,
		Monitor:  monitor,
		Gatherer: gatherer,
	}, logger.With(zap.String("component", "api")))
	if err := server.Start(); err != nil {
		return fmt.Errorf("启动HTTP API服务失败: %w", err)
	}

	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(dns.Config{
			Addr:      fmt.Sprintf("%s:%d", cfg.DNS.ListenAddress, cfg.DNS.Port),
			Domain:    cfg.DNS.Domain,
			TTL:       cfg.DNS.TTL,
			Timeout:   cfg.DNS.Timeout,
			Upstream:  cfg.DNS.Upstream,
			EnableUDP: cfg.DNS.Protocol != "tcp",
			EnableTCP: cfg.DNS.Protocol != "udp",
		}, engine, logger.With(zap.String("component", "dns")))
		if err := dnsServer.Start(ctx); err != nil {
			return fmt.Errorf("启动DNS服务失败: %w", err)
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭HTTP API服务出错", zap.Error(err))
	}
	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error("关闭DNS服务出错", zap.Error(err))
		}
	}
	return nil
}

// openBackend 按配置创建持久化存储
func openBackend(ctx context.Context, cfg *config.Config, logger config.Logger) (kv.Store, func(), error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "etcd":
		client, err := etcd.NewClient(&cfg.Etcd)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("etcd连接成功并通过健康检查", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		return client, func() { client.Close() }, nil

	case "consul":
		store, err := consul.NewStore(consul.Config{
			Address:    cfg.Consul.Address,
			Datacenter: cfg.Consul.Datacenter,
			Token:      cfg.Consul.Token,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("consul连接成功", zap.String("address", cfg.Consul.Address))
		return store, func() {}, nil

	case "memory":
		logger.Warn("使用内存存储，重启后注册信息将丢失")
		return memory.NewStore(clock.Real()), func() {}, nil
	}
	return nil, nil, fmt.Errorf("不支持的存储后端: %s", cfg.Store.Backend)
}
