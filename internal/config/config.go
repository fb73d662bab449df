package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration structure.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Database    DatabaseConfig         `yaml:"database"`
	NATS        NATSConfig             `yaml:"nats"`
	JWT         JWTConfig              `yaml:"jwt"`
	Internal    InternalConfig         `yaml:"internal"`
	Chains      map[string]ChainConfig `yaml:"chains"`
	Risk        RiskConfig             `yaml:"risk"`
	Hyperliquid HyperliquidConfig      `yaml:"hyperliquid"`
	Quote       QuoteConfig            `yaml:"quote"`
	Portfolio   PortfolioConfig        `yaml:"portfolio"`
	Signer      SignerConfig           `yaml:"signer"`
	Admission   AdmissionConfig        `yaml:"admission"`
}

// ServerConfig server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig database configuration.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig configures the JetStream job queue and worker consumer.
type NATSConfig struct {
	URL            string `yaml:"url"`
	Stream         string `yaml:"stream"`
	Subject        string `yaml:"subject"`
	Consumer       string `yaml:"consumer"`
	MaxDeliver     int    `yaml:"max_deliver"`
	AckWaitSeconds int    `yaml:"ack_wait_seconds"`
	BackoffSeconds []int  `yaml:"backoff_seconds"`
	Workers        int    `yaml:"workers"`
	Timeout        int    `yaml:"timeout"`
	ReconnectWait  int    `yaml:"reconnect_wait"`
	MaxReconnects  int    `yaml:"max_reconnects"`
}

// JWTConfig end-user authentication.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// InternalConfig service-to-service authentication.
type InternalConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

// ChainConfig is one execution chain. Type selects the dispatcher branch:
// evm chains with a bundler configured execute as smart accounts. Tokens is
// the known-token metadata (lowercase address -> symbol) used to repair the
// casing of inbound token addresses.
type ChainConfig struct {
	ChainID      int64             `yaml:"chainId"`
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // evm | solana
	RPCURLs      []string          `yaml:"rpcUrls"`
	BundlerURL   string            `yaml:"bundlerUrl"`
	PaymasterURL string            `yaml:"paymasterUrl"`
	EntryPoint   string            `yaml:"entryPoint"`
	SponsorGas   bool              `yaml:"sponsorGas"`
	Tokens       map[string]string `yaml:"tokens"`
	Enabled      bool              `yaml:"enabled"`
}

// RiskConfig holds the risk-manager constants.
type RiskConfig struct {
	MaxTradesPerHour int `yaml:"max_trades_per_hour"`
	MaxTradesPerDay  int `yaml:"max_trades_per_day"`

	Tier1PortfolioUSD   float64 `yaml:"tier1_portfolio_usd"` // below: tier-1 leverage
	Tier2PortfolioUSD   float64 `yaml:"tier2_portfolio_usd"` // below: tier-2 leverage
	Tier1MaxLeverage    int     `yaml:"tier1_max_leverage"`
	Tier2MaxLeverage    int     `yaml:"tier2_max_leverage"`
	Tier3MaxLeverage    int     `yaml:"tier3_max_leverage"`
	AbsoluteMaxLeverage int     `yaml:"absolute_max_leverage"`

	LiquidationLookbackHours int `yaml:"liquidation_lookback_hours"`

	MaxPositionPortfolioFraction float64 `yaml:"max_position_portfolio_fraction"`

	MinSlippage float64 `yaml:"min_slippage"`
	MaxSlippage float64 `yaml:"max_slippage"`
}

// HyperliquidConfig configures the derivative execution sub-engine.
type HyperliquidConfig struct {
	APIURL         string            `yaml:"api_url"`
	WSURL          string            `yaml:"ws_url"`
	Aliases        map[string]string `yaml:"aliases"` // operator alias -> exchange symbol
	ChunkUSD       float64           `yaml:"chunk_usd"`
	MaxChunks      int               `yaml:"max_chunks"`
	MetaTTLSeconds int               `yaml:"meta_ttl_seconds"`
	Timeout        int               `yaml:"timeout"`
}

// QuoteConfig configures the quote provider and cache.
type QuoteConfig struct {
	ProviderURL string `yaml:"provider_url"`
	TTLSeconds  int    `yaml:"ttl_seconds"`
	CacheMax    int    `yaml:"cache_max"`
	Timeout     int    `yaml:"timeout"`
}

// PortfolioConfig points at the portfolio balance service.
type PortfolioConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"`
}

// SignerConfig points at the external signing service. Per-chain signing
// primitives are the signer's responsibility, not ours.
type SignerConfig struct {
	ServiceURL string `yaml:"service_url"`
	AuthToken  string `yaml:"auth_token"`
	Timeout    int    `yaml:"timeout"`
}

// AdmissionConfig gates job creation.
type AdmissionConfig struct {
	MaxActiveJobsPerUser  int `yaml:"max_active_jobs_per_user"`
	IdempotencyTTLMinutes int `yaml:"idempotency_ttl_minutes"`
}

var AppConfig *Config

// LoadConfig loads the configuration file and applies environment overrides.
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("[Config] Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	overrideFromEnv(&config)

	AppConfig = &config
	log.Printf("[Config] Loaded configuration: %d chain(s), quote TTL %ds, max %d active job(s)/user",
		len(config.Chains), config.Quote.TTLSeconds, config.Admission.MaxActiveJobsPerUser)
	return nil
}

func applyDefaults(config *Config) {
	if config.NATS.Stream == "" {
		config.NATS.Stream = "TX_JOBS"
	}
	if config.NATS.Subject == "" {
		config.NATS.Subject = "tx.jobs.execute"
	}
	if config.NATS.Consumer == "" {
		config.NATS.Consumer = "tx-worker"
	}
	if config.NATS.MaxDeliver <= 0 {
		config.NATS.MaxDeliver = 3
	}
	if config.NATS.AckWaitSeconds <= 0 {
		config.NATS.AckWaitSeconds = 120
	}
	if len(config.NATS.BackoffSeconds) == 0 {
		config.NATS.BackoffSeconds = []int{10, 30}
	}
	if config.NATS.Workers <= 0 {
		config.NATS.Workers = 4
	}

	if config.Risk.MaxTradesPerHour <= 0 {
		config.Risk.MaxTradesPerHour = 10
	}
	if config.Risk.MaxTradesPerDay <= 0 {
		config.Risk.MaxTradesPerDay = 50
	}
	if config.Risk.Tier1PortfolioUSD <= 0 {
		config.Risk.Tier1PortfolioUSD = 10000
	}
	if config.Risk.Tier2PortfolioUSD <= 0 {
		config.Risk.Tier2PortfolioUSD = 100000
	}
	if config.Risk.Tier1MaxLeverage <= 0 {
		config.Risk.Tier1MaxLeverage = 10
	}
	if config.Risk.Tier2MaxLeverage <= 0 {
		config.Risk.Tier2MaxLeverage = 20
	}
	if config.Risk.Tier3MaxLeverage <= 0 {
		config.Risk.Tier3MaxLeverage = 30
	}
	if config.Risk.AbsoluteMaxLeverage <= 0 {
		config.Risk.AbsoluteMaxLeverage = 50
	}
	if config.Risk.LiquidationLookbackHours <= 0 {
		config.Risk.LiquidationLookbackHours = 24
	}
	if config.Risk.MaxPositionPortfolioFraction <= 0 {
		config.Risk.MaxPositionPortfolioFraction = 0.5
	}
	if config.Risk.MinSlippage <= 0 {
		config.Risk.MinSlippage = 0.001
	}
	if config.Risk.MaxSlippage <= 0 {
		config.Risk.MaxSlippage = 0.05
	}

	if config.Hyperliquid.APIURL == "" {
		config.Hyperliquid.APIURL = "https://api.hyperliquid.xyz"
	}
	if config.Hyperliquid.MetaTTLSeconds <= 0 {
		config.Hyperliquid.MetaTTLSeconds = 600
	}
	if config.Hyperliquid.MaxChunks <= 0 {
		config.Hyperliquid.MaxChunks = 5
	}
	if config.Hyperliquid.Timeout <= 0 {
		config.Hyperliquid.Timeout = 10
	}

	if config.Quote.TTLSeconds <= 0 {
		config.Quote.TTLSeconds = 15
	}
	if config.Quote.CacheMax <= 0 {
		config.Quote.CacheMax = 1000
	}
	if config.Quote.Timeout <= 0 {
		config.Quote.Timeout = 15
	}
	if config.Portfolio.Timeout <= 0 {
		config.Portfolio.Timeout = 10
	}
	if config.Signer.Timeout <= 0 {
		config.Signer.Timeout = 30
	}

	if config.Admission.MaxActiveJobsPerUser <= 0 {
		config.Admission.MaxActiveJobsPerUser = 5
	}
	if config.Admission.IdempotencyTTLMinutes <= 0 {
		config.Admission.IdempotencyTTLMinutes = 24 * 60
	}
}

// overrideFromEnv applies environment variable overrides.
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.JWT.Secret = secret
	}
	if secret := os.Getenv("INTERNAL_SHARED_SECRET"); secret != "" {
		config.Internal.SharedSecret = secret
	}
	if url := os.Getenv("QUOTE_PROVIDER_URL"); url != "" {
		config.Quote.ProviderURL = url
	}
	if url := os.Getenv("PORTFOLIO_BASE_URL"); url != "" {
		config.Portfolio.BaseURL = url
	}
	if url := os.Getenv("SIGNER_SERVICE_URL"); url != "" {
		config.Signer.ServiceURL = url
	}
	if token := os.Getenv("SIGNER_AUTH_TOKEN"); token != "" {
		config.Signer.AuthToken = token
	}
	if url := os.Getenv("HYPERLIQUID_API_URL"); url != "" {
		config.Hyperliquid.APIURL = url
	}
	if url := os.Getenv("HYPERLIQUID_WS_URL"); url != "" {
		config.Hyperliquid.WSURL = url
	}

	// Per-chain RPC endpoints: RPC_URL_<CHAIN> overrides the YAML list,
	// <CHAIN>_BUNDLER_URL / <CHAIN>_PAYMASTER_URL override the 4337 stack.
	for chainName, chainConfig := range config.Chains {
		upper := strings.ToUpper(chainName)
		if rpcURL := os.Getenv(fmt.Sprintf("RPC_URL_%s", upper)); rpcURL != "" {
			chainConfig.RPCURLs = strings.Split(rpcURL, ",")
		}
		if bundler := os.Getenv(fmt.Sprintf("%s_BUNDLER_URL", upper)); bundler != "" {
			chainConfig.BundlerURL = bundler
		}
		if paymaster := os.Getenv(fmt.Sprintf("%s_PAYMASTER_URL", upper)); paymaster != "" {
			chainConfig.PaymasterURL = paymaster
		}
		config.Chains[chainName] = chainConfig
	}
}

// GetChainConfig returns the configuration of an enabled chain by name.
func GetChainConfig(chainName string) (*ChainConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	chain, exists := AppConfig.Chains[chainName]
	if !exists {
		return nil, fmt.Errorf("chain %s not found in config", chainName)
	}
	if !chain.Enabled {
		return nil, fmt.Errorf("chain %s is disabled", chainName)
	}
	return &chain, nil
}

// GetChainConfigByID returns the configuration of an enabled chain by
// numeric chain id.
func GetChainConfigByID(chainID int64) (*ChainConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	for _, chain := range AppConfig.Chains {
		if chain.ChainID == chainID && chain.Enabled {
			return &chain, nil
		}
	}
	return nil, fmt.Errorf("chain with chainID %d not found or disabled", chainID)
}
