package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 持久化存储配置
	Store struct {
		Backend string `mapstructure:"backend"` // "etcd", "consul" 或 "memory"
		Prefix  string `mapstructure:"prefix"`
	} `mapstructure:"store"`

	// etcd配置
	Etcd EtcdConfig `mapstructure:"etcd"`

	// Consul配置
	Consul struct {
		Address    string `mapstructure:"address"`
		Datacenter string `mapstructure:"datacenter"`
		Token      string `mapstructure:"token"`
	} `mapstructure:"consul"`

	// 实例注册配置
	Registry struct {
		DefaultTTL      time.Duration `mapstructure:"default_ttl"`
		DefaultWeight   int           `mapstructure:"default_weight"`
		LeaseMultiplier int           `mapstructure:"lease_multiplier"`
	} `mapstructure:"registry"`

	// 过期清理配置
	Sweeper struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sweeper"`

	// 健康检查配置
	Health struct {
		Enabled             bool          `mapstructure:"enabled"`
		DefaultInterval     time.Duration `mapstructure:"default_interval"`
		DefaultTimeout      time.Duration `mapstructure:"default_timeout"`
		FailureThreshold    int           `mapstructure:"failure_threshold"`
		SuccessThreshold    int           `mapstructure:"success_threshold"`
		MaxConcurrentProbes int64         `mapstructure:"max_concurrent_probes"`
		ProbeRateLimit      float64       `mapstructure:"probe_rate_limit"` // 每秒最多发起的探测数，0表示不限制
		ProbeBurst          int           `mapstructure:"probe_burst"`
		ScriptEnabled       bool          `mapstructure:"script_enabled"`
	} `mapstructure:"health"`

	// 熔断器配置
	Circuit struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		BaseBackoff      time.Duration `mapstructure:"base_backoff"`
		MaxBackoff       time.Duration `mapstructure:"max_backoff"`
		Multiplier       float64       `mapstructure:"multiplier"`
		TrialTimeout     time.Duration `mapstructure:"trial_timeout"`
	} `mapstructure:"circuit"`

	// 负载均衡配置
	Balancer struct {
		DefaultStrategy string            `mapstructure:"default_strategy"`
		VirtualNodes    int               `mapstructure:"virtual_nodes"`
		Services        map[string]string `mapstructure:"services"` // 服务名 -> 策略
		Sticky          struct {
			Enabled bool          `mapstructure:"enabled"`
			TTL     time.Duration `mapstructure:"ttl"`
		} `mapstructure:"sticky"`
	} `mapstructure:"balancer"`

	// 服务发现配置
	Discovery struct {
		CacheEnabled bool          `mapstructure:"cache_enabled"`
		CacheMaxAge  time.Duration `mapstructure:"cache_max_age"`
		QueryTimeout time.Duration `mapstructure:"query_timeout"`
	} `mapstructure:"discovery"`

	// API服务配置
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS服务配置
	DNS struct {
		Enabled       bool          `mapstructure:"enabled"`
		ListenAddress string        `mapstructure:"listen_address"`
		Port          int           `mapstructure:"port"`
		Protocol      string        `mapstructure:"protocol"` // "udp", "tcp", 或 "both"
		Domain        string        `mapstructure:"domain"`
		TTL           uint32        `mapstructure:"ttl"`
		Timeout       time.Duration `mapstructure:"timeout"`
		Upstream      []string      `mapstructure:"upstream"` // 非服务域名转发的上游DNS
	} `mapstructure:"dns"`

	// 变更通知配置
	Notify struct {
		NATS struct {
			Enabled       bool   `mapstructure:"enabled"`
			URL           string `mapstructure:"url"`
			SubjectPrefix string `mapstructure:"subject_prefix"`
		} `mapstructure:"nats"`
	} `mapstructure:"notify"`

	// 指标配置
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// EtcdConfig etcd连接配置
type EtcdConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.service-registry")
		v.AddConfigPath("/etc/service-registry")
	}

	v.SetConfigType("yaml")

	// 找不到默认配置文件时使用默认值；指定路径的文件不存在则报错
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("SERVICE_REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "etcd", "consul", "memory":
	default:
		return fmt.Errorf("不支持的存储后端: %s", c.Store.Backend)
	}
	if c.Store.Backend == "etcd" && len(c.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd endpoints不能为空")
	}
	if c.Registry.DefaultTTL <= 0 {
		return fmt.Errorf("registry.default_ttl必须大于0")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval必须大于0")
	}
	if c.Health.MaxConcurrentProbes <= 0 {
		return fmt.Errorf("health.max_concurrent_probes必须大于0")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold必须大于0")
	}
	if c.Circuit.MaxBackoff < c.Circuit.BaseBackoff {
		return fmt.Errorf("circuit.max_backoff不能小于circuit.base_backoff")
	}
	if c.Circuit.Multiplier < 1 {
		return fmt.Errorf("circuit.multiplier不能小于1")
	}
	return nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "etcd")
	v.SetDefault("store.prefix", "/service-registry")

	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.request_timeout", "5s")

	v.SetDefault("consul.address", "127.0.0.1:8500")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.token", "")

	v.SetDefault("registry.default_ttl", "30s")
	v.SetDefault("registry.default_weight", 100)
	v.SetDefault("registry.lease_multiplier", 3)

	v.SetDefault("sweeper.interval", "5s")

	// 健康检查默认配置
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.default_interval", "30s")
	v.SetDefault("health.default_timeout", "5s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.success_threshold", 2)
	v.SetDefault("health.max_concurrent_probes", 100)
	v.SetDefault("health.probe_rate_limit", 0)
	v.SetDefault("health.probe_burst", 10)
	v.SetDefault("health.script_enabled", false)

	// 熔断器默认配置
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.base_backoff", "60s")
	v.SetDefault("circuit.max_backoff", "10m")
	v.SetDefault("circuit.multiplier", 2.0)
	v.SetDefault("circuit.trial_timeout", "30s")

	// 负载均衡默认配置
	v.SetDefault("balancer.default_strategy", "round_robin")
	v.SetDefault("balancer.virtual_nodes", 150)
	v.SetDefault("balancer.sticky.enabled", false)
	v.SetDefault("balancer.sticky.ttl", "30m")

	v.SetDefault("discovery.cache_enabled", true)
	v.SetDefault("discovery.cache_max_age", "10s")
	v.SetDefault("discovery.query_timeout", "2s")

	// API服务默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS服务默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.protocol", "both")
	v.SetDefault("dns.domain", "registry.local")
	v.SetDefault("dns.ttl", 5)
	v.SetDefault("dns.timeout", "2s")

	v.SetDefault("notify.nats.enabled", false)
	v.SetDefault("notify.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("notify.nats.subject_prefix", "registry.events")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("store.backend", "SERVICE_REGISTRY_STORE_BACKEND")
	v.BindEnv("etcd.endpoints", "SERVICE_REGISTRY_ETCD_ENDPOINTS")
	v.BindEnv("consul.address", "SERVICE_REGISTRY_CONSUL_ADDRESS")
	v.BindEnv("api.port", "SERVICE_REGISTRY_API_PORT")
	v.BindEnv("dns.port", "SERVICE_REGISTRY_DNS_PORT")
	v.BindEnv("notify.nats.url", "SERVICE_REGISTRY_NATS_URL")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.service-registry/config.yaml",
		"/etc/service-registry/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
