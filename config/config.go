package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Manager handles configuration loading, validation, and hot reloading
type Manager struct {
	viper      *viper.Viper
	config     *Config
	configLock sync.RWMutex
	validate   *validator.Validate
	onChange   []func(config *Config)
	logger     *golog.Logger
}

// Config represents the gateway configuration with validation
type Config struct {
	LogLevel    string            `mapstructure:"logLevel" validate:"required,oneof=debug info warn error"`
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Auth        AuthConfig        `mapstructure:"auth"`
	KeyStore    KeyStoreConfig    `mapstructure:"keystore"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Providers   []ProviderConfig  `mapstructure:"providers" validate:"required,min=1,dive"`
	Failover    FailoverConfig    `mapstructure:"failover" validate:"required"`
	Cache       CacheConfig       `mapstructure:"cache" validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" validate:"required"`
	Orders      OrdersConfig      `mapstructure:"orders" validate:"required"`
	Stream      StreamConfig      `mapstructure:"stream" validate:"required"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" validate:"gt=0"`
}

// AuthConfig configures PASETO bearer tokens on protected routes
type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Key      string        `mapstructure:"key" validate:"required_if=Enabled true,omitempty,len=32"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	TokenTTL time.Duration `mapstructure:"tokenTTL"`
}

// KeyStoreConfig points at the encrypted provider credential file
type KeyStoreConfig struct {
	Path       string `mapstructure:"path"`
	Passphrase string `mapstructure:"passphrase" validate:"required_with=Path"`
}

// SecretsConfig enables GCP Secret Manager as a provider credential source
type SecretsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"projectID" validate:"required_if=Enabled true"`
}

// ProviderConfig describes one external provider
type ProviderConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Role    string `mapstructure:"role" validate:"required,oneof=primary secondary synthetic"`
	BaseURL string `mapstructure:"baseURL" validate:"required,url"`
	APIKey  string `mapstructure:"apiKey"`
	// APIKeyRef names an entry in the key store used instead of APIKey
	APIKeyRef string `mapstructure:"apiKeyRef"`
	// APIKeySecretPath names a Secret Manager secret used instead of APIKey
	APIKeySecretPath string         `mapstructure:"apiKeySecretPath"`
	Timeout          time.Duration  `mapstructure:"timeout"`
	QuoteTTL         time.Duration  `mapstructure:"quoteTTL"`
	Budgets          []BudgetConfig `mapstructure:"budgets" validate:"dive"`
	Retry            RetryConfig    `mapstructure:"retry"`
}

// BudgetConfig is a provider's call allowance for one request class
type BudgetConfig struct {
	Class  string        `mapstructure:"class" validate:"required,oneof=quote order synthesis"`
	Limit  int           `mapstructure:"limit" validate:"required,gt=0"`
	Window time.Duration `mapstructure:"window" validate:"required,gt=0"`
}

// RetryConfig overrides a provider's quote retry policy
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"maxAttempts" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
}

// FailoverConfig tunes health scoring and probing
type FailoverConfig struct {
	ProbeInterval   time.Duration `mapstructure:"probeInterval" validate:"gt=0"`
	Decay           float64       `mapstructure:"decay" validate:"gt=0,lt=1"`
	Recovery        float64       `mapstructure:"recovery" validate:"gt=0,lte=1"`
	PreferThreshold float64       `mapstructure:"preferThreshold" validate:"gt=0,lte=1"`
	// AllowSynthetic is the tolerance applied when a caller does not choose one
	AllowSynthetic bool          `mapstructure:"allowSynthetic"`
	MaxStaleness   time.Duration `mapstructure:"maxStaleness"`
}

// CacheConfig configures the two cache tiers
type CacheConfig struct {
	LocalMaxEntries   int           `mapstructure:"localMaxEntries" validate:"gt=0"`
	Grace             time.Duration `mapstructure:"grace"`
	Retention         time.Duration `mapstructure:"retention"`
	DegradedTTLFactor float64       `mapstructure:"degradedTTLFactor" validate:"gt=0,lte=1"`
	ProbeInterval     time.Duration `mapstructure:"probeInterval" validate:"gt=0"`
	CleanupInterval   time.Duration `mapstructure:"cleanupInterval" validate:"gt=0"`
}

// RedisConfig configures the shared store behind the cache and ledger
type RedisConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addrs     []string `mapstructure:"addrs" validate:"required_if=Enabled true"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string   `mapstructure:"keyPrefix"`
}

// IdempotencyConfig configures the order ledger
type IdempotencyConfig struct {
	Backend      string        `mapstructure:"backend" validate:"required,oneof=memory redis"`
	Retention    time.Duration `mapstructure:"retention" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"pollInterval" validate:"gt=0"`
}

// OrdersConfig configures order execution
type OrdersConfig struct {
	// Provider names the brokerage provider; empty picks the secondary
	Provider      string        `mapstructure:"provider"`
	SubmitTimeout time.Duration `mapstructure:"submitTimeout" validate:"gt=0"`
	StatusTimeout time.Duration `mapstructure:"statusTimeout" validate:"gt=0"`
}

// StreamConfig configures the broadcaster and the subscription refresher
type StreamConfig struct {
	QueueSize       int           `mapstructure:"queueSize" validate:"gt=0"`
	RefreshInterval time.Duration `mapstructure:"refreshInterval" validate:"gt=0"`
	MaxConcurrency  int           `mapstructure:"maxConcurrency" validate:"gt=0"`
}

// AuditConfig configures the Postgres audit sink
type AuditConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DatabaseURL string `mapstructure:"databaseURL" validate:"required_if=Enabled true"`
}

// NewManager creates a new configuration manager
func NewManager(configPath string, watchConfig bool) (*Manager, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MARKETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loadDefaultConfig(v)

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}

		v.SetConfigFile(absPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load configuration file: %w", err)
		}
	}

	cm := &Manager{
		viper:    v,
		validate: validator.New(),
		onChange: make([]func(config *Config), 0),
		logger:   logutil.Default(),
	}

	if err := cm.loadConfig(); err != nil {
		return nil, err
	}

	if watchConfig && configPath != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := cm.loadConfig(); err != nil {
				cm.logger.Error(
					fmt.Sprintf("Error reloading configuration from %s: %v", e.Name, err),
					golog.String("component", "config"),
				)
				return
			}
			cm.logger.Info(
				fmt.Sprintf("Configuration reloaded from %s", e.Name),
				golog.String("component", "config"),
			)

			cm.configLock.RLock()
			callbacks := append([]func(*Config){}, cm.onChange...)
			current := cm.config
			cm.configLock.RUnlock()
			for _, callback := range callbacks {
				callback(current)
			}
		})
		v.WatchConfig()
	}

	return cm, nil
}

// loadDefaultConfig sets default values for every section
func loadDefaultConfig(v *viper.Viper) {
	v.SetDefault("logLevel", "info")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "15s")
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.key", "")
	v.SetDefault("auth.issuer", "marketgate")
	v.SetDefault("auth.audience", "marketgate-clients")
	v.SetDefault("auth.tokenTTL", "1h")

	v.SetDefault("keystore.path", "")
	v.SetDefault("keystore.passphrase", "")

	v.SetDefault("secrets.enabled", false)
	v.SetDefault("secrets.projectID", "")

	v.SetDefault("failover.probeInterval", "15s")
	v.SetDefault("failover.decay", 0.9)
	v.SetDefault("failover.recovery", 0.5)
	v.SetDefault("failover.preferThreshold", 0.75)
	v.SetDefault("failover.allowSynthetic", true)
	v.SetDefault("failover.maxStaleness", "30s")

	v.SetDefault("cache.localMaxEntries", 10000)
	v.SetDefault("cache.grace", "2s")
	v.SetDefault("cache.retention", "5m")
	v.SetDefault("cache.degradedTTLFactor", 0.5)
	v.SetDefault("cache.probeInterval", "5s")
	v.SetDefault("cache.cleanupInterval", "1m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "marketgate:")

	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.retention", "24h")
	v.SetDefault("idempotency.pollInterval", "50ms")

	v.SetDefault("orders.provider", "")
	v.SetDefault("orders.submitTimeout", "10s")
	v.SetDefault("orders.statusTimeout", "5s")

	v.SetDefault("stream.queueSize", 64)
	v.SetDefault("stream.refreshInterval", "1s")
	v.SetDefault("stream.maxConcurrency", 8)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.databaseURL", "")
}

// loadConfig loads the configuration from Viper into the config struct
func (cm *Manager) loadConfig() error {
	var rawConfig Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result:      &rawConfig,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(cm.viper.AllSettings()); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cm.validate.Struct(rawConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := rawConfig.check(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.configLock.Lock()
	cm.config = &rawConfig
	cm.configLock.Unlock()

	return nil
}

// check enforces rules that span fields
func (c *Config) check() error {
	seen := make(map[string]bool, len(c.Providers))
	synthetic := 0
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.APIKeyRef != "" && p.APIKeySecretPath != "" {
			return fmt.Errorf("provider %q sets both apiKeyRef and apiKeySecretPath", p.Name)
		}
		if p.APIKeySecretPath != "" && !c.Secrets.Enabled {
			return fmt.Errorf("provider %q uses apiKeySecretPath but secrets.enabled is false", p.Name)
		}
		if p.Role == "synthetic" {
			synthetic++
		}
	}
	if synthetic > 1 {
		return fmt.Errorf("at most one synthetic provider may be configured")
	}
	if c.Orders.Provider != "" && !seen[c.Orders.Provider] {
		return fmt.Errorf("orders.provider %q is not a configured provider", c.Orders.Provider)
	}
	if c.Idempotency.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("idempotency backend redis requires redis.enabled")
	}
	return nil
}

// Provider returns the named provider configuration
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// OrderProvider returns the provider that executes orders
func (c *Config) OrderProvider() (ProviderConfig, bool) {
	if c.Orders.Provider != "" {
		return c.Provider(c.Orders.Provider)
	}
	for _, p := range c.Providers {
		if p.Role == "secondary" {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *Config {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cm.config
}

// GetViper returns the Viper instance
func (cm *Manager) GetViper() *viper.Viper {
	return cm.viper
}

// RegisterOnChangeCallback registers a callback function to be called when the configuration changes
func (cm *Manager) RegisterOnChangeCallback(callback func(config *Config)) {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()
	cm.onChange = append(cm.onChange, callback)
}
