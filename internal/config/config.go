// Package config loads the YAML configuration shared by every proofmarket
// command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"ProofMarket/internal/aggregation"
	"ProofMarket/internal/benchmark"
	"ProofMarket/internal/chain"
	xerrors "ProofMarket/internal/errors"
	"ProofMarket/internal/intake"
	"ProofMarket/internal/telemetry"
	"ProofMarket/pkg/logger"
)

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "PROOFMARKET_CONFIG"

// Config is the root configuration document.
type Config struct {
	Chain       ChainConfig       `yaml:"chain"`
	OrderStream OrderStreamConfig `yaml:"order_stream"`
	Aggregator  AggregatorConfig  `yaml:"aggregator"`
	Fulfill     FulfillConfig     `yaml:"fulfill"`
	Preflight   PreflightConfig   `yaml:"preflight"`
	Benchmark   BenchmarkConfig   `yaml:"benchmark"`
	Intake      intake.Config     `yaml:"intake"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	API         APIConfig         `yaml:"api"`
	Log         logger.Config     `yaml:"log"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// ChainConfig describes the market deployment and the submitting key.
type ChainConfig struct {
	RPCURL             string        `yaml:"rpc_url"`
	MarketAddress      string        `yaml:"market_address"`
	SetVerifierAddress string        `yaml:"set_verifier_address"`
	PrivateKeyEnv      string        `yaml:"private_key_env"`
	ReceiptTimeout     time.Duration `yaml:"receipt_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	LookbackBlocks     uint64        `yaml:"lookback_blocks"`

	// PrivateKey is read from PrivateKeyEnv, never from the file.
	PrivateKey string `yaml:"-"`
}

// OrderStreamConfig points at the off-chain order service.
type OrderStreamConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AggregatorConfig points at the remote aggregation service.
type AggregatorConfig struct {
	URL       string        `yaml:"url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Timeout    time.Duration `yaml:"timeout"`
	VerifyRoot bool          `yaml:"verify_root"`

	APIKey string `yaml:"-"`
}

// FulfillConfig tunes the batch pipeline.
type FulfillConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// PreflightConfig describes the local executor and URL fetching.
type PreflightConfig struct {
	Executor      string   `yaml:"executor"`
	Args          []string `yaml:"args"`
	WorkingDir    string   `yaml:"working_dir"`
	MaxFetchBytes int64    `yaml:"max_fetch_bytes"`
}

// BenchmarkConfig selects the proving backend and the throughput strategy.
type BenchmarkConfig struct {
	BackendURL   string        `yaml:"backend_url"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	PollInterval time.Duration `yaml:"poll_interval"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	// Telemetry enables the task database strategy. With PostgresFromEnv
	// the DSN is built from the POSTGRES_* variables when empty.
	Telemetry       telemetry.Config `yaml:"telemetry"`
	UseTelemetry    bool             `yaml:"use_telemetry"`
	PostgresFromEnv bool             `yaml:"postgres_from_env"`

	APIKey string `yaml:"-"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// APIConfig controls the HTTP batch submission endpoint. It is disabled
// when Address is empty.
type APIConfig struct {
	Address  string `yaml:"address"`
	TokenEnv string `yaml:"token_env"`
	Token    string `yaml:"-"`
}

// AlertingConfig lists alert sinks.
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads path, or the file named by PROOFMARKET_CONFIG when path is
// empty. With neither set the defaults are returned.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path, _ = lookup(EnvConfigPath)
	}

	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyDefaults(baseDir)
	cfg.resolveSecrets(lookup)
	if cfg.Benchmark.PostgresFromEnv && cfg.Benchmark.Telemetry.DSN == "" {
		if dsn, ok := telemetry.PostgresDSN(lookup); ok {
			cfg.Benchmark.Telemetry.DSN = dsn
			cfg.Benchmark.Telemetry.Dialect = telemetry.DialectPostgres
			cfg.Benchmark.UseTelemetry = true
		}
	}
	return &cfg, nil
}

// applyDefaults fills fields left empty by the user.
func (c *Config) applyDefaults(baseDir string) {
	if c.Chain.PrivateKeyEnv == "" {
		c.Chain.PrivateKeyEnv = "PRIVATE_KEY"
	}
	if c.Aggregator.Timeout <= 0 {
		c.Aggregator.Timeout = 10 * time.Minute
	}
	if c.Fulfill.Concurrency < 0 {
		c.Fulfill.Concurrency = 0
	}
	if c.Preflight.Executor == "" {
		c.Preflight.Executor = "r0vm"
	}
	if c.Preflight.WorkingDir != "" && !filepath.IsAbs(c.Preflight.WorkingDir) {
		c.Preflight.WorkingDir = filepath.Join(baseDir, c.Preflight.WorkingDir)
	}
	if c.Benchmark.BackendURL == "" {
		c.Benchmark.BackendURL = "http://localhost:8081"
	}
	if c.Benchmark.APIKeyEnv == "" {
		c.Benchmark.APIKeyEnv = "BONSAI_API_KEY"
	}
	if c.Benchmark.PollInterval <= 0 {
		c.Benchmark.PollInterval = benchmark.DefaultPollInterval
	}
	if c.Benchmark.JobTimeout <= 0 {
		c.Benchmark.JobTimeout = benchmark.DefaultJobTimeout
	}
	if c.Intake.Driver == "" {
		c.Intake.Driver = "memory"
	}
	if c.Intake.Workers <= 0 {
		c.Intake.Workers = 1
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9464"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Audit.Path != "" && !filepath.IsAbs(c.Log.Audit.Path) {
		c.Log.Audit.Path = filepath.Join(baseDir, c.Log.Audit.Path)
	}
}

func (c *Config) resolveSecrets(lookup func(string) (string, bool)) {
	if v, ok := lookup(c.Chain.PrivateKeyEnv); ok {
		c.Chain.PrivateKey = strings.TrimSpace(v)
	}
	if c.Aggregator.APIKeyEnv != "" {
		if v, ok := lookup(c.Aggregator.APIKeyEnv); ok {
			c.Aggregator.APIKey = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup(c.Benchmark.APIKeyEnv); ok {
		c.Benchmark.APIKey = strings.TrimSpace(v)
	}
	if c.API.TokenEnv != "" {
		if v, ok := lookup(c.API.TokenEnv); ok {
			c.API.Token = strings.TrimSpace(v)
		}
	}
}

// ChainClientConfig converts the chain section. A missing private key is
// allowed for read-only commands.
func (c ChainConfig) ChainClientConfig() (chain.Config, error) {
	out := chain.Config{
		RPCURL:         c.RPCURL,
		ReceiptTimeout: c.ReceiptTimeout,
		PollInterval:   c.PollInterval,
		LookbackBlocks: c.LookbackBlocks,
	}
	market, err := parseAddress("market_address", c.MarketAddress, true)
	if err != nil {
		return chain.Config{}, err
	}
	out.MarketAddress = market
	if out.SetVerifierAddress, err = parseAddress("set_verifier_address", c.SetVerifierAddress, false); err != nil {
		return chain.Config{}, err
	}
	if c.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x"))
		if err != nil {
			return chain.Config{}, xerrors.Wrap(xerrors.CodeConfiguration, err,
				fmt.Sprintf("环境变量 %s 中的私钥无效", c.PrivateKeyEnv))
		}
		out.PrivateKey = key
	}
	return out, nil
}

// ClientConfig converts the aggregator section.
func (c AggregatorConfig) ClientConfig() aggregation.ClientConfig {
	return aggregation.ClientConfig{URL: c.URL, APIKey: c.APIKey, Timeout: c.Timeout, VerifyRoot: c.VerifyRoot}
}

// HarnessConfig converts the benchmark section.
func (c BenchmarkConfig) HarnessConfig() benchmark.Config {
	return benchmark.Config{
		BackendURL:   c.BackendURL,
		APIKey:       c.APIKey,
		PollInterval: c.PollInterval,
		JobTimeout:   c.JobTimeout,
	}
}

func parseAddress(field, raw string, required bool) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return common.Address{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("缺少配置项 chain.%s", field))
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("chain.%s 不是合法地址: %s", field, raw))
	}
	return common.HexToAddress(raw), nil
}
