package common

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load balancing strategies.
const (
	StrategyPrimaryOnly = "primary_only"
	StrategyRoundRobin  = "round_robin"
	StrategyWeighted    = "weighted"
)

// Error handling modes.
const (
	ErrorHandlingRetry    = "retry"
	ErrorHandlingFailFast = "fail_fast"
)

// Cache backends.
const (
	CacheTypeDisabled = "disabled"
	CacheTypeLocal    = "local"
	CacheTypeRedis    = "redis"
)

type Config struct {
	LogLevel       string                  `yaml:"logLevel"`
	Server         ServerConfig            `yaml:"server"`
	Metrics        MetricsConfig           `yaml:"metrics"`
	LoadBalancing  LoadBalancingConfig     `yaml:"load_balancing"`
	ErrorHandling  ErrorHandlingConfig     `yaml:"error_handling"`
	Cache          CacheConfig             `yaml:"cache"`
	Coalescing     CoalescingConfig        `yaml:"request_coalescing"`
	HealthChecks   HealthChecksConfig      `yaml:"upstream_health_checks"`
	CannedResponse CannedResponseConfig    `yaml:"canned_responses"`
	Chains         map[uint64]*ChainConfig `yaml:"chains"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

func (c MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoadBalancingConfig struct {
	Strategy string `yaml:"strategy"`
}

type ErrorHandlingConfig struct {
	Type       string   `yaml:"type"`
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
	Jitter     *bool    `yaml:"jitter"`
}

func (c ErrorHandlingConfig) JitterEnabled() bool {
	return c.Jitter == nil || *c.Jitter
}

type CacheConfig struct {
	Type         string              `yaml:"type"`
	Capacity     int64               `yaml:"capacity"`
	URL          string              `yaml:"url"`
	KeyPrefix    string              `yaml:"key_prefix"`
	TTLOverrides map[string]Duration `yaml:"ttl_overrides"`
}

type CoalescingConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	Timeout      Duration `yaml:"timeout"`
	MethodFilter []string `yaml:"method_filter"`
}

func (c CoalescingConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type HealthChecksConfig struct {
	Enabled         *bool    `yaml:"enabled"`
	Interval        Duration `yaml:"interval"`
	Timeout         Duration `yaml:"timeout"`
	StrictReadiness bool     `yaml:"strict_readiness"`
}

func (c HealthChecksConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type CannedResponseConfig struct {
	Enabled bool                        `yaml:"enabled"`
	Methods CannedResponseMethodsConfig `yaml:"methods"`
}

type CannedResponseMethodsConfig struct {
	EthChainId        bool `yaml:"eth_chain_id"`
	Web3ClientVersion bool `yaml:"web3_client_version"`
}

type ChainConfig struct {
	BlockTime Duration          `yaml:"block_time"`
	Upstreams []*UpstreamConfig `yaml:"upstreams"`
}

type UpstreamConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
	Weight  int      `yaml:"weight"`
}

var envVarPattern = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// interpolateEnv replaces $NAME / ${NAME} references with environment values.
func interpolateEnv(s string) (string, error) {
	var missing string
	out := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = name
			return match
		}
		return val
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %q referenced in config is not set", missing)
	}
	return out, nil
}

// LoadConfig reads, parses, defaults and validates the gateway configuration.
func LoadConfig(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8545
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.LoadBalancing.Strategy == "" {
		c.LoadBalancing.Strategy = StrategyPrimaryOnly
	}
	if c.ErrorHandling.Type == "" {
		c.ErrorHandling.Type = ErrorHandlingRetry
	}
	if c.ErrorHandling.MaxRetries == 0 {
		c.ErrorHandling.MaxRetries = 3
	}
	if c.ErrorHandling.RetryDelay == 0 {
		c.ErrorHandling.RetryDelay = Duration(1 * time.Second)
	}
	if c.Cache.Type == "" {
		c.Cache.Type = CacheTypeDisabled
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 10_000
	}
	if c.Cache.URL == "" {
		c.Cache.URL = "redis://localhost:6379"
	}
	if c.HealthChecks.Interval == 0 {
		c.HealthChecks.Interval = Duration(5 * time.Minute)
	}
	if c.HealthChecks.Timeout == 0 {
		// Probes share the interval budget; half keeps rounds from overlapping.
		timeout := c.HealthChecks.Interval.Duration() / 2
		if timeout < time.Second {
			timeout = time.Second
		}
		c.HealthChecks.Timeout = Duration(timeout)
	}
	for _, chain := range c.Chains {
		if chain == nil {
			continue
		}
		if chain.BlockTime == 0 {
			chain.BlockTime = Duration(12 * time.Second)
		}
		for _, up := range chain.Upstreams {
			if up.Timeout == 0 {
				up.Timeout = Duration(10 * time.Second)
			}
			if up.Weight == 0 {
				up.Weight = 1
			}
		}
	}
	if c.Coalescing.Timeout == 0 {
		// Waiting longer than one block rarely pays off; a fresh call would
		// observe newer chain state anyway.
		c.Coalescing.Timeout = Duration(12 * time.Second)
	}
}

func (c *Config) Validate() error {
	switch c.LoadBalancing.Strategy {
	case StrategyPrimaryOnly, StrategyRoundRobin, StrategyWeighted:
	default:
		return fmt.Errorf("unknown load_balancing.strategy %q", c.LoadBalancing.Strategy)
	}

	switch c.ErrorHandling.Type {
	case ErrorHandlingRetry:
		if c.ErrorHandling.MaxRetries < 1 {
			return fmt.Errorf("error_handling.max_retries must be >= 1")
		}
	case ErrorHandlingFailFast:
	default:
		return fmt.Errorf("unknown error_handling.type %q", c.ErrorHandling.Type)
	}

	switch c.Cache.Type {
	case CacheTypeDisabled, CacheTypeLocal, CacheTypeRedis:
	default:
		return fmt.Errorf("unknown cache.type %q", c.Cache.Type)
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}

	for chainId, chain := range c.Chains {
		if chain == nil || len(chain.Upstreams) == 0 {
			return fmt.Errorf("chain %d has no upstreams", chainId)
		}
		for i, up := range chain.Upstreams {
			if up.URL == "" {
				return fmt.Errorf("chain %d upstream #%d has no url", chainId, i)
			}
			interpolated, err := interpolateEnv(up.URL)
			if err != nil {
				return fmt.Errorf("chain %d upstream #%d: %w", chainId, i, err)
			}
			up.URL = interpolated
			if up.Weight < 1 {
				return fmt.Errorf("chain %d upstream #%d weight must be >= 1", chainId, i)
			}
			if up.Timeout <= 0 {
				return fmt.Errorf("chain %d upstream #%d timeout must be positive", chainId, i)
			}
		}
	}

	return nil
}
