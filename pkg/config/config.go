package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for the car trading server
const (
	EnvCarTradingConfigPath      = "CAR_TRADING_CONFIG"
	EnvCarTradingPort            = "CAR_TRADING_PORT"
	EnvCarTradingNetwork         = "CAR_TRADING_NETWORK"
	EnvCarTradingRPCURL          = "CAR_TRADING_RPC_URL"
	EnvCarTradingOwnerPrivateKey = "CAR_TRADING_OWNER_PRIVATE_KEY"
	EnvCarTradingPersistenceType = "CAR_TRADING_PERSISTENCE_TYPE"
	EnvCarTradingJWTSecret       = "CAR_TRADING_JWT_SECRET"
	EnvCarTradingWatchBlocks     = "CAR_TRADING_WATCH_BLOCKS"
	EnvCarTradingVerbose         = "CAR_TRADING_VERBOSE"
)

type ChainId uint

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_EthereumAnvil   ChainId = 31337
	ChainId_Ganache         ChainId = 1337
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_EthereumAnvil   ChainName = "devnet"
	ChainName_Ganache         ChainName = "ganache"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
	ChainId_Ganache:         ChainName_Ganache,
}
var ChainNameToId = map[ChainName]ChainId{
	ChainName_EthereumMainnet: ChainId_EthereumMainnet,
	ChainName_EthereumSepolia: ChainId_EthereumSepolia,
	ChainName_EthereumAnvil:   ChainId_EthereumAnvil,
	ChainName_Ganache:         ChainId_Ganache,
}

// GetConfirmationTimeoutForChain returns how long a trade waits for its receipt
// before the outcome is reported as ambiguous.
func GetConfirmationTimeoutForChain(chainId ChainId) time.Duration {
	switch chainId {
	case ChainId_EthereumMainnet:
		// several 12s blocks of headroom under congestion
		return 3 * time.Minute
	case ChainId_EthereumSepolia:
		return 2 * time.Minute
	case ChainId_EthereumAnvil, ChainId_Ganache:
		return 30 * time.Second
	default:
		return 3 * time.Minute
	}
}

// IsLocalDevnet reports whether the chain is a throwaway local node.
func IsLocalDevnet(chainId ChainId) bool {
	return chainId == ChainId_EthereumAnvil || chainId == ChainId_Ganache
}

type PersistenceType string

const (
	PersistenceType_Memory PersistenceType = "memory"
	PersistenceType_Badger PersistenceType = "badger"
	PersistenceType_Redis  PersistenceType = "redis"
)

// DefaultSelection names the contract and network used when the server starts.
type DefaultSelection struct {
	Contract string `json:"contract" yaml:"contract"`
	Network  string `json:"network" yaml:"network"`
}

// AccountConfig is the single owner identity used to sign every trade.
// Exactly one of PrivateKey or KMSCiphertext must be set.
type AccountConfig struct {
	Address       string `json:"address" yaml:"address"`
	PrivateKey    string `json:"privateKey" yaml:"privateKey"`
	KMSCiphertext string `json:"kmsCiphertext" yaml:"kmsCiphertext"`
	KMSKeyId      string `json:"kmsKeyId" yaml:"kmsKeyId"`
	KMSRegion     string `json:"kmsRegion" yaml:"kmsRegion"`
}

func (ac *AccountConfig) UsesKMS() bool {
	return ac.KMSCiphertext != ""
}

type NetworkConfig struct {
	Url            string        `json:"url" yaml:"url"`
	ChainId        ChainId       `json:"chainId" yaml:"chainId"`
	DefaultAccount AccountConfig `json:"defaultAccount" yaml:"defaultAccount"`
}

type OutputDirectoryConfig struct {
	Receipt string `json:"receipt" yaml:"receipt"`
}

type DeploymentConfig struct {
	OutputDirectory OutputDirectoryConfig `json:"outputDirectory" yaml:"outputDirectory"`
}

type EthereumConfig struct {
	Default    DefaultSelection          `json:"default" yaml:"default"`
	Networks   map[string]*NetworkConfig `json:"networks" yaml:"networks"`
	Deployment DeploymentConfig          `json:"deployment" yaml:"deployment"`
}

type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	RouterMountPath string `json:"routerMountPath" yaml:"routerMountPath"`
	// AllowedOrigins feeds the CORS handler; empty allows any origin.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowedOrigins"`
	// WriteRateLimit is the number of trade submissions per second across all clients.
	WriteRateLimit float64 `json:"writeRateLimit" yaml:"writeRateLimit"`
	WriteBurst     int     `json:"writeBurst" yaml:"writeBurst"`
}

type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix"`
}

type PersistenceConfig struct {
	Type     PersistenceType `json:"type" yaml:"type"`
	DataPath string          `json:"dataPath" yaml:"dataPath"`
	Redis    RedisConfig     `json:"redis" yaml:"redis"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer auth on trade routes when non-empty.
	JWTSecret string `json:"jwtSecret" yaml:"jwtSecret"`
	Issuer    string `json:"issuer" yaml:"issuer"`
}

type TradingConfig struct {
	ConfirmationTimeout time.Duration `json:"confirmationTimeout" yaml:"confirmationTimeout"`
	// GasLimit skips estimation when non-zero.
	GasLimit uint64 `json:"gasLimit" yaml:"gasLimit"`
	// PipelineGasLimit is sent when estimation reverts behind unmined trades. Zero uses the
	// trading manager default.
	PipelineGasLimit uint64 `json:"pipelineGasLimit" yaml:"pipelineGasLimit"`
	// WatchBlocks re-checks timed out trades on every new block.
	WatchBlocks          bool          `json:"watchBlocks" yaml:"watchBlocks"`
	BlockPollingInterval time.Duration `json:"blockPollingInterval" yaml:"blockPollingInterval"`
}

type LoggingConfig struct {
	Debug    bool   `json:"debug" yaml:"debug"`
	FilePath string `json:"filePath" yaml:"filePath"`
}

// ApplicationConfig is the on-disk configuration for the car trading server.
// The file may be JSON or YAML.
type ApplicationConfig struct {
	Ethereum    EthereumConfig    `json:"ethereum" yaml:"ethereum"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Trading     TradingConfig     `json:"trading" yaml:"trading"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// Override mutates a parsed configuration before defaults and validation, used for
// flags and environment variables.
type Override func(cfg *ApplicationConfig)

// LoadConfiguration reads and parses the configuration file at path, applies overrides
// and defaults, and validates the result.
func LoadConfiguration(path string, overrides ...Override) (*ApplicationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}
	return ParseConfiguration(data, overrides...)
}

func ParseConfiguration(data []byte, overrides ...Override) (*ApplicationConfig, error) {
	var cfg ApplicationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ApplicationConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.RouterMountPath == "" {
		c.Server.RouterMountPath = "/"
	}
	if c.Server.WriteRateLimit == 0 {
		c.Server.WriteRateLimit = 5
	}
	if c.Server.WriteBurst == 0 {
		c.Server.WriteBurst = 10
	}
	if c.Persistence.Type == "" {
		c.Persistence.Type = PersistenceType_Memory
	}
	if c.Persistence.Type == PersistenceType_Badger && c.Persistence.DataPath == "" {
		c.Persistence.DataPath = "./data/car-trading"
	}
	if c.Trading.BlockPollingInterval == 0 {
		c.Trading.BlockPollingInterval = 5 * time.Second
	}
}

// Validate checks the configuration and returns every problem found at once.
func (c *ApplicationConfig) Validate() error {
	var allErrors field.ErrorList

	ethPath := field.NewPath("ethereum")
	if c.Ethereum.Default.Contract == "" {
		allErrors = append(allErrors, field.Required(ethPath.Child("default", "contract"), "default contract is required"))
	}
	if c.Ethereum.Default.Network == "" {
		allErrors = append(allErrors, field.Required(ethPath.Child("default", "network"), "default network is required"))
	}
	if c.Ethereum.Deployment.OutputDirectory.Receipt == "" {
		allErrors = append(allErrors, field.Required(ethPath.Child("deployment", "outputDirectory", "receipt"), "receipt directory is required"))
	}

	networkPath := ethPath.Child("networks").Key(c.Ethereum.Default.Network)
	network, ok := c.Ethereum.Networks[c.Ethereum.Default.Network]
	if c.Ethereum.Default.Network != "" && (!ok || network == nil) {
		allErrors = append(allErrors, field.NotFound(networkPath, c.Ethereum.Default.Network))
	}
	if ok && network != nil {
		allErrors = append(allErrors, network.validate(networkPath)...)
	}

	serverPath := field.NewPath("server")
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(serverPath.Child("port"), c.Server.Port, "port must be between 1-65535"))
	}
	if !strings.HasPrefix(c.Server.RouterMountPath, "/") {
		allErrors = append(allErrors, field.Invalid(serverPath.Child("routerMountPath"), c.Server.RouterMountPath, "mount path must start with /"))
	}

	persistencePath := field.NewPath("persistence")
	switch c.Persistence.Type {
	case PersistenceType_Memory, PersistenceType_Badger:
	case PersistenceType_Redis:
		if c.Persistence.Redis.Address == "" {
			allErrors = append(allErrors, field.Required(persistencePath.Child("redis", "address"), "redis address is required"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(persistencePath.Child("type"), c.Persistence.Type,
			[]PersistenceType{PersistenceType_Memory, PersistenceType_Badger, PersistenceType_Redis}))
	}

	if c.Trading.ConfirmationTimeout < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("trading", "confirmationTimeout"), c.Trading.ConfirmationTimeout, "must not be negative"))
	}
	if c.Trading.BlockPollingInterval < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("trading", "blockPollingInterval"), c.Trading.BlockPollingInterval, "must not be negative"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (nc *NetworkConfig) validate(path *field.Path) field.ErrorList {
	var allErrors field.ErrorList
	if nc.Url == "" {
		allErrors = append(allErrors, field.Required(path.Child("url"), "rpc url is required"))
	}
	if nc.ChainId == 0 {
		allErrors = append(allErrors, field.Required(path.Child("chainId"), "chain id is required"))
	}

	accountPath := path.Child("defaultAccount")
	account := nc.DefaultAccount
	if account.Address == "" {
		allErrors = append(allErrors, field.Required(accountPath.Child("address"), "owner address is required"))
	} else if !common.IsHexAddress(account.Address) {
		allErrors = append(allErrors, field.Invalid(accountPath.Child("address"), account.Address, "invalid address format"))
	}
	switch {
	case account.PrivateKey == "" && account.KMSCiphertext == "":
		allErrors = append(allErrors, field.Required(accountPath.Child("privateKey"), "privateKey or kmsCiphertext is required"))
	case account.PrivateKey != "" && account.KMSCiphertext != "":
		allErrors = append(allErrors, field.Forbidden(accountPath.Child("kmsCiphertext"), "cannot be combined with privateKey"))
	case account.PrivateKey != "":
		key := strings.TrimPrefix(account.PrivateKey, "0x")
		if len(key) != 64 {
			allErrors = append(allErrors, field.Invalid(accountPath.Child("privateKey"), "<redacted>",
				fmt.Sprintf("private key must be 32 bytes (64 hex chars), got %d chars", len(key))))
		}
	}
	return allErrors
}

// DefaultNetwork returns the network selected by ethereum.default.network.
func (c *ApplicationConfig) DefaultNetwork() (*NetworkConfig, error) {
	network, ok := c.Ethereum.Networks[c.Ethereum.Default.Network]
	if !ok || network == nil {
		return nil, fmt.Errorf("network %s is not configured", c.Ethereum.Default.Network)
	}
	return network, nil
}

// ConfirmationTimeout returns the configured wait, or the chain default.
func (c *ApplicationConfig) ConfirmationTimeout(chainId ChainId) time.Duration {
	if c.Trading.ConfirmationTimeout > 0 {
		return c.Trading.ConfirmationTimeout
	}
	return GetConfirmationTimeoutForChain(chainId)
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() string {
	return fmt.Sprintf("%d (mainnet), %d (sepolia), %d (anvil), %d (ganache)",
		ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_EthereumAnvil, ChainId_Ganache)
}
