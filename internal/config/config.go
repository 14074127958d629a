// Package config loads node runtime parameters from file and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures everything a relay node needs at startup. Loaded once;
// immutable afterwards.
type Config struct {
	NodeRole            string         `mapstructure:"node_role"`
	ListenAddress       string         `mapstructure:"listen_address"`
	OpsAddress          string         `mapstructure:"ops_address"`
	LogLevel            string         `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	PreApproved         []string       `mapstructure:"pre_approved"`
	Admin               AdminConfig    `mapstructure:"admin"`
	Bridge              BridgeConfig   `mapstructure:"bridge"`
	History             HistoryConfig  `mapstructure:"history"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
}

// AdminConfig holds the admin identity and its side-channel credential.
type AdminConfig struct {
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

// BridgeConfig describes the peer node and the shared secret.
type BridgeConfig struct {
	PeerURL string        `mapstructure:"peer_url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HistoryConfig locates the persistence sink; empty path disables it.
type HistoryConfig struct {
	Path  string `mapstructure:"path"`
	Limit int    `mapstructure:"limit"`
}

// KeystoreConfig describes the optional encrypted secret store.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	defaultListenAddress = "0.0.0.0:5054"
	defaultOpsAddress    = "127.0.0.1:9105"
	defaultLogLevel      = "info"
	defaultGracePeriod   = 10 * time.Second
	defaultBridgeTimeout = 5 * time.Second
	defaultHistoryLimit  = 50
	defaultAdminUsername = "Admin"
	defaultPassphraseEnv = "GALAXY_KEYSTORE_PASSPHRASE"
)

// Load reads configuration from an optional file path and the environment.
// Environment variables use the GALAXY_ prefix and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GALAXY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("node_role", RoleUser)
	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("ops_address", defaultOpsAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultGracePeriod.String())
	v.SetDefault("admin.username", defaultAdminUsername)
	v.SetDefault("bridge.timeout", defaultBridgeTimeout.String())
	v.SetDefault("history.limit", defaultHistoryLimit)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	var err error
	if cfg.ShutdownGracePeriod, err = duration(v, "shutdown_grace_period", defaultGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.Bridge.Timeout, err = duration(v, "bridge.timeout", defaultBridgeTimeout); err != nil {
		return Config{}, err
	}

	if cfg.NodeRole != RoleAdmin && cfg.NodeRole != RoleUser {
		return Config{}, fmt.Errorf("node_role must be %q or %q, got %q", RoleAdmin, RoleUser, cfg.NodeRole)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Admin.Username == "" {
		cfg.Admin.Username = defaultAdminUsername
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = defaultHistoryLimit
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	if !v.IsSet(key) {
		return fallback, nil
	}
	dur, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return dur, nil
}

// Passphrase fetches the keystore passphrase from the configured
// environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
