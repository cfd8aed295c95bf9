// Package config loads the lottery service configuration: defaults, then an
// optional YAML file, then environment variables (a .env file is honoured).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Modes
const (
	ModeLocal = "local" // in-process pool and dev oracle
	ModeChain = "chain" // Aave gateway and Chainlink VRF over RPC
)

// Config is the full service configuration.
type Config struct {
	Mode     string         `yaml:"mode"`
	Server   ServerConfig   `yaml:"server"`
	Lottery  LotteryConfig  `yaml:"lottery"`
	Chain    ChainConfig    `yaml:"chain"`
	Dev      DevConfig      `yaml:"dev"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second per caller
	RateBurst       int           `yaml:"rate_burst"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LotteryConfig struct {
	Owner         string        `yaml:"owner"`
	Policy        string        `yaml:"policy"` // uniform | weighted
	DrawSchedule  string        `yaml:"draw_schedule"`
	DrawTimeout   time.Duration `yaml:"draw_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	AutoOpen      bool          `yaml:"auto_open"`
	HistoryLimit  int           `yaml:"history_limit"`
}

// ChainConfig holds the RPC endpoint and the deployment addresses.
type ChainConfig struct {
	RPCURL     string        `yaml:"rpc_url"`
	ChainID    int64         `yaml:"chain_id"`
	PrivateKey string        `yaml:"private_key"`
	TxTimeout  time.Duration `yaml:"tx_timeout"`
	Gateway    string        `yaml:"gateway"` // Aave WrappedTokenGatewayV3
	Pool       string        `yaml:"pool"`
	AToken     string        `yaml:"a_token"` // aWETH
	// AaveProtocolDataProvider and the WETH reserve, used to verify a_token at startup.
	DataProvider         string `yaml:"data_provider"`
	WETH                 string `yaml:"weth"`
	Coordinator          string `yaml:"coordinator"` // VRF v2.5 coordinator
	SubscriptionID       string `yaml:"subscription_id"`
	KeyHash              string `yaml:"key_hash"`
	RequestConfirmations uint16 `yaml:"request_confirmations"`
	CallbackGasLimit     uint32 `yaml:"callback_gas_limit"`
}

type DevConfig struct {
	Seed         string        `yaml:"seed"`
	FulfillDelay time.Duration `yaml:"fulfill_delay"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration for a local run against Sepolia parameters.
func Default() *Config {
	return &Config{
		Mode: ModeLocal,
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       5,
			RateBurst:       10,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Lottery: LotteryConfig{
			Policy:        "uniform",
			DrawSchedule:  "0 0 * * 3,6",
			DrawTimeout:   time.Hour,
			SweepInterval: time.Minute,
			AutoOpen:      true,
			HistoryLimit:  1000,
		},
		Chain: ChainConfig{
			ChainID:              11155111,
			TxTimeout:            2 * time.Minute,
			Gateway:              "0x387d311e47e80b498169e6fb51d3193167d89F7D",
			Pool:                 "0x6Ae43d3271ff6888e7Fc43Fd7321a503ff738951",
			AToken:               "0x5b071b590a59395fE4025A0Ccc1FcC931AAc1830",
			DataProvider:         "0x3e9708d80f7B3e43118013075F7e95CE3AB31F31",
			WETH:                 "0xC558DBdd856501FCd9aaF1E62eae57A9F0629a3c",
			Coordinator:          "0x9DdfaCa8183c41ad55329BdeeD9F6A8d53168B1B",
			SubscriptionID:       "65475778234661754709737836321753098820861917333925931285158900332838660037311",
			KeyHash:              "0x787d74caea10b2b357790d5b5247c2f63d1d91572a9846f780606e4d953677ae",
			RequestConfirmations: 3,
			CallbackGasLimit:     200000,
		},
		Dev: DevConfig{
			Seed:         "nolosslottery-dev",
			FulfillDelay: 2 * time.Second,
		},
		Redis: RedisConfig{
			Channel: "lottery.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when empty) and the process environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("LOTTERY_MODE", &c.Mode)
	str("HTTP_ADDR", &c.Server.Addr)
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	str("JWT_SECRET", &c.Server.JWTSecret)

	str("LOTTERY_OWNER", &c.Lottery.Owner)
	str("DRAW_POLICY", &c.Lottery.Policy)
	str("DRAW_SCHEDULE", &c.Lottery.DrawSchedule)
	dur("DRAW_TIMEOUT", &c.Lottery.DrawTimeout)
	boolean("LOTTERY_AUTO_OPEN", &c.Lottery.AutoOpen)

	str("SEPOLIA_RPC_URL", &c.Chain.RPCURL)
	str("RPC_URL", &c.Chain.RPCURL)
	str("PRIVATE_KEY", &c.Chain.PrivateKey)
	if v, ok := lookup("CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CHAIN_ID: %w", err))
		} else {
			c.Chain.ChainID = id
		}
	}
	str("AAVE_GATEWAY", &c.Chain.Gateway)
	str("AAVE_POOL", &c.Chain.Pool)
	str("AAVE_ATOKEN", &c.Chain.AToken)
	str("AAVE_DATA_PROVIDER", &c.Chain.DataProvider)
	str("AAVE_WETH", &c.Chain.WETH)
	str("VRF_COORDINATOR", &c.Chain.Coordinator)
	str("VRF_SUBSCRIPTION_ID", &c.Chain.SubscriptionID)
	str("VRF_KEY_HASH", &c.Chain.KeyHash)

	str("DEV_ORACLE_SEED", &c.Dev.Seed)
	dur("DEV_ORACLE_DELAY", &c.Dev.FulfillDelay)

	str("DATABASE_URL", &c.Postgres.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_CHANNEL", &c.Redis.Channel)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate checks the configuration for the selected mode.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeLocal, ModeChain:
	default:
		errs = append(errs, fmt.Errorf("mode: must be %q or %q, got %q", ModeLocal, ModeChain, c.Mode))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if len(c.Server.JWTSecret) < 16 {
		errs = append(errs, errors.New("server.jwt_secret must be at least 16 characters"))
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must be positive"))
	}

	if _, err := parseAddress("lottery.owner", c.Lottery.Owner); err != nil {
		errs = append(errs, err)
	}
	switch c.Lottery.Policy {
	case "", "uniform", "weighted":
	default:
		errs = append(errs, fmt.Errorf("lottery.policy: unknown policy %q", c.Lottery.Policy))
	}
	if c.Lottery.DrawTimeout < 0 {
		errs = append(errs, errors.New("lottery.draw_timeout must not be negative"))
	}

	if _, err := parseAddress("chain.coordinator", c.Chain.Coordinator); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Chain.SubscriptionIDValue(); err != nil {
		errs = append(errs, err)
	}
	if !isHash(c.Chain.KeyHash) {
		errs = append(errs, fmt.Errorf("chain.key_hash: invalid hash %q", c.Chain.KeyHash))
	}

	if c.Mode == ModeChain {
		if c.Chain.RPCURL == "" {
			errs = append(errs, errors.New("chain.rpc_url is required in chain mode"))
		}
		if c.Chain.PrivateKey == "" {
			errs = append(errs, errors.New("chain.private_key is required in chain mode"))
		}
		// The pool position outlives the process; principal is rebuilt from the projection.
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required in chain mode"))
		}
		for name, v := range map[string]string{
			"chain.gateway": c.Chain.Gateway,
			"chain.pool":    c.Chain.Pool,
			"chain.a_token": c.Chain.AToken,
		} {
			if _, err := parseAddress(name, v); err != nil {
				errs = append(errs, err)
			}
		}
		for name, v := range map[string]string{
			"chain.data_provider": c.Chain.DataProvider,
			"chain.weth":          c.Chain.WETH,
		} {
			if v == "" {
				continue
			}
			if _, err := parseAddress(name, v); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// OwnerAddress returns the lottery owner identity.
func (c LotteryConfig) OwnerAddress() common.Address {
	return common.HexToAddress(c.Owner)
}

// SubscriptionIDValue parses the decimal VRF subscription id.
func (c ChainConfig) SubscriptionIDValue() (*uint256.Int, error) {
	id, err := uint256.FromDecimal(c.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("chain.subscription_id: %w", err)
	}
	return id, nil
}

// KeyHashValue returns the VRF gas lane key hash.
func (c ChainConfig) KeyHashValue() common.Hash {
	return common.HexToHash(c.KeyHash)
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, v)
	}
	addr := common.HexToAddress(v)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}

func isHash(v string) bool {
	b, err := hexutil.Decode(v)
	return err == nil && len(b) == common.HashLength
}
