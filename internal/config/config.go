package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/patternservice/patternd/internal/secrets"
)

const defaultConfigPath = "/etc/patternd/config.yaml"

// Config holds daemon paths, listeners and controller connection settings.
type Config struct {
	ConfigPath               string
	DataDir                  string
	DBPath                   string
	ScratchDir               string
	Listen                   string
	MetricsListen            string
	Workers                  int
	QueueSize                int
	TaskRescanSeconds        int
	ControllerURL            string
	ControllerUsername       string
	ControllerPassword       string
	ControllerVerifyTLS      bool
	ControllerCAPath         string
	ControllerTimeoutSeconds int
	ControllerRateLimit      float64
	ControllerRateBurst      int
	APIRateLimit             float64
	APIRateBurst             int
	RegistryURL              string
	SyncMaxRetries           int
	SyncInitialDelayMS       int
	SyncMaxDelaySeconds      int
	SyncTimeoutSeconds       int
	MaxCollectionBytes       int64
	CredentialsFile          string
	AgeKeyPath               string
	JWTPublicKeyPath         string
	OTLPEndpoint             string
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir                  string  `yaml:"data_dir"`
	DBPath                   string  `yaml:"db_path"`
	ScratchDir               string  `yaml:"scratch_dir"`
	Listen                   string  `yaml:"listen"`
	MetricsListen            string  `yaml:"metrics_listen"`
	Workers                  int     `yaml:"workers"`
	QueueSize                int     `yaml:"queue_size"`
	TaskRescanSeconds        *int    `yaml:"task_rescan_seconds"`
	ControllerURL            string  `yaml:"controller_url"`
	ControllerUsername       string  `yaml:"controller_username"`
	ControllerPassword       string  `yaml:"controller_password"`
	ControllerVerifyTLS      *bool   `yaml:"controller_verify_tls"`
	ControllerCAPath         string  `yaml:"controller_ca_path"`
	ControllerTimeoutSeconds int     `yaml:"controller_timeout_seconds"`
	ControllerRateLimit      float64 `yaml:"controller_rate_limit"`
	ControllerRateBurst      int     `yaml:"controller_rate_burst"`
	APIRateLimit             float64 `yaml:"api_rate_limit"`
	APIRateBurst             int     `yaml:"api_rate_burst"`
	RegistryURL              string  `yaml:"registry_url"`
	SyncMaxRetries           int     `yaml:"sync_max_retries"`
	SyncInitialDelayMS       int     `yaml:"sync_initial_delay_ms"`
	SyncMaxDelaySeconds      int     `yaml:"sync_max_delay_seconds"`
	SyncTimeoutSeconds       int     `yaml:"sync_timeout_seconds"`
	MaxCollectionBytes       int64   `yaml:"max_collection_bytes"`
	CredentialsFile          string  `yaml:"credentials_file"`
	AgeKeyPath               string  `yaml:"age_key_path"`
	JWTPublicKeyPath         string  `yaml:"jwt_public_key_path"`
	OTLPEndpoint             string  `yaml:"otlp_endpoint"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/patternd"
	return Config{
		ConfigPath:               defaultConfigPath,
		DataDir:                  dataDir,
		DBPath:                   filepath.Join(dataDir, "patternd.db"),
		ScratchDir:               "",
		Listen:                   "127.0.0.1:8000",
		MetricsListen:            "",
		Workers:                  4,
		QueueSize:                256,
		TaskRescanSeconds:        60,
		ControllerVerifyTLS:      false,
		ControllerTimeoutSeconds: 120,
		SyncMaxRetries:           15,
		SyncInitialDelayMS:       1000,
		SyncMaxDelaySeconds:      60,
		SyncTimeoutSeconds:       30,
		MaxCollectionBytes:       512 * 1024 * 1024,
		AgeKeyPath:               "/etc/patternd/keys/age.key",
	}
}

// Load reads the YAML config file, applies AAP_* and PATTERND_* environment
// overrides, then the encrypted credentials file if one is configured.
//
// A missing file is only an error when path was given explicitly.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := strings.TrimSpace(path) != ""
	if explicit {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	switch {
	case err == nil:
		var fileCfg FileConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
		}
		applyFileConfig(&cfg, fileCfg)
		if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
			cfg.DBPath = filepath.Join(cfg.DataDir, "patternd.db")
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	applyEnv(&cfg)
	if cfg.CredentialsFile != "" {
		creds, err := secrets.LoadControllerCredentials(cfg.CredentialsFile, cfg.AgeKeyPath)
		if err != nil {
			return cfg, err
		}
		if creds.Username != "" {
			cfg.ControllerUsername = creds.Username
		}
		if creds.Password != "" {
			cfg.ControllerPassword = creds.Password
		}
	}
	if cfg.ControllerURL != "" {
		normalized, err := NormalizeURL(cfg.ControllerURL)
		if err != nil {
			return cfg, fmt.Errorf("controller_url: %w", err)
		}
		cfg.ControllerURL = normalized
	}
	if cfg.RegistryURL != "" {
		normalized, err := NormalizeURL(cfg.RegistryURL)
		if err != nil {
			return cfg, fmt.Errorf("registry_url: %w", err)
		}
		cfg.RegistryURL = normalized
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.ScratchDir != "" {
		cfg.ScratchDir = fileCfg.ScratchDir
	}
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.Workers > 0 {
		cfg.Workers = fileCfg.Workers
	}
	if fileCfg.QueueSize > 0 {
		cfg.QueueSize = fileCfg.QueueSize
	}
	if fileCfg.TaskRescanSeconds != nil {
		cfg.TaskRescanSeconds = *fileCfg.TaskRescanSeconds
	}
	if fileCfg.ControllerURL != "" {
		cfg.ControllerURL = fileCfg.ControllerURL
	}
	if fileCfg.ControllerUsername != "" {
		cfg.ControllerUsername = fileCfg.ControllerUsername
	}
	if fileCfg.ControllerPassword != "" {
		cfg.ControllerPassword = fileCfg.ControllerPassword
	}
	if fileCfg.ControllerVerifyTLS != nil {
		cfg.ControllerVerifyTLS = *fileCfg.ControllerVerifyTLS
	}
	if fileCfg.ControllerCAPath != "" {
		cfg.ControllerCAPath = fileCfg.ControllerCAPath
	}
	if fileCfg.ControllerTimeoutSeconds > 0 {
		cfg.ControllerTimeoutSeconds = fileCfg.ControllerTimeoutSeconds
	}
	if fileCfg.ControllerRateLimit > 0 {
		cfg.ControllerRateLimit = fileCfg.ControllerRateLimit
	}
	if fileCfg.ControllerRateBurst > 0 {
		cfg.ControllerRateBurst = fileCfg.ControllerRateBurst
	}
	if fileCfg.APIRateLimit > 0 {
		cfg.APIRateLimit = fileCfg.APIRateLimit
	}
	if fileCfg.APIRateBurst > 0 {
		cfg.APIRateBurst = fileCfg.APIRateBurst
	}
	if fileCfg.RegistryURL != "" {
		cfg.RegistryURL = fileCfg.RegistryURL
	}
	if fileCfg.SyncMaxRetries > 0 {
		cfg.SyncMaxRetries = fileCfg.SyncMaxRetries
	}
	if fileCfg.SyncInitialDelayMS > 0 {
		cfg.SyncInitialDelayMS = fileCfg.SyncInitialDelayMS
	}
	if fileCfg.SyncMaxDelaySeconds > 0 {
		cfg.SyncMaxDelaySeconds = fileCfg.SyncMaxDelaySeconds
	}
	if fileCfg.SyncTimeoutSeconds > 0 {
		cfg.SyncTimeoutSeconds = fileCfg.SyncTimeoutSeconds
	}
	if fileCfg.MaxCollectionBytes > 0 {
		cfg.MaxCollectionBytes = fileCfg.MaxCollectionBytes
	}
	if fileCfg.CredentialsFile != "" {
		cfg.CredentialsFile = fileCfg.CredentialsFile
	}
	if fileCfg.AgeKeyPath != "" {
		cfg.AgeKeyPath = fileCfg.AgeKeyPath
	}
	if fileCfg.JWTPublicKeyPath != "" {
		cfg.JWTPublicKeyPath = fileCfg.JWTPublicKeyPath
	}
	if fileCfg.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = fileCfg.OTLPEndpoint
	}
}

// applyEnv layers environment variables over the file config. The AAP_*
// names match what controller deployments already export.
func applyEnv(cfg *Config) {
	aap := viper.New()
	aap.SetEnvPrefix("AAP")
	aap.AutomaticEnv()
	for _, key := range []string{"url", "username", "password", "validate_certs", "registry_url"} {
		_ = aap.BindEnv(key)
	}
	if aap.IsSet("url") {
		cfg.ControllerURL = aap.GetString("url")
	}
	if aap.IsSet("username") {
		cfg.ControllerUsername = aap.GetString("username")
	}
	if aap.IsSet("password") {
		cfg.ControllerPassword = aap.GetString("password")
	}
	if aap.IsSet("validate_certs") {
		cfg.ControllerVerifyTLS = aap.GetBool("validate_certs")
	}
	if aap.IsSet("registry_url") {
		cfg.RegistryURL = aap.GetString("registry_url")
	}

	local := viper.New()
	local.SetEnvPrefix("PATTERND")
	local.AutomaticEnv()
	for _, key := range []string{"db_path", "listen", "metrics_listen", "workers", "otlp_endpoint"} {
		_ = local.BindEnv(key)
	}
	if local.IsSet("db_path") {
		cfg.DBPath = local.GetString("db_path")
	}
	if local.IsSet("listen") {
		cfg.Listen = local.GetString("listen")
	}
	if local.IsSet("metrics_listen") {
		cfg.MetricsListen = local.GetString("metrics_listen")
	}
	if local.IsSet("workers") && local.GetInt("workers") > 0 {
		cfg.Workers = local.GetInt("workers")
	}
	if local.IsSet("otlp_endpoint") {
		cfg.OTLPEndpoint = local.GetString("otlp_endpoint")
	}
}

// NormalizeURL adds an http scheme when none is given and strips trailing
// slashes. Both the config loader and the controller client use it.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("URL is required")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL: %s", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if strings.TrimSpace(c.ControllerURL) == "" {
		return fmt.Errorf("controller_url is required")
	}
	if c.ControllerCAPath != "" && !c.ControllerVerifyTLS {
		return fmt.Errorf("controller_ca_path requires controller_verify_tls")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.TaskRescanSeconds < 0 {
		return fmt.Errorf("task_rescan_seconds must not be negative")
	}
	if c.ControllerTimeoutSeconds <= 0 {
		return fmt.Errorf("controller_timeout_seconds must be positive")
	}
	if c.ControllerRateLimit < 0 {
		return fmt.Errorf("controller_rate_limit must not be negative")
	}
	if c.APIRateLimit < 0 || c.APIRateBurst < 0 {
		return fmt.Errorf("api_rate_limit and api_rate_burst must not be negative")
	}
	if c.SyncMaxRetries <= 0 {
		return fmt.Errorf("sync_max_retries must be positive")
	}
	if c.SyncInitialDelayMS <= 0 {
		return fmt.Errorf("sync_initial_delay_ms must be positive")
	}
	if c.SyncMaxDelaySeconds <= 0 {
		return fmt.Errorf("sync_max_delay_seconds must be positive")
	}
	if c.SyncTimeoutSeconds <= 0 {
		return fmt.Errorf("sync_timeout_seconds must be positive")
	}
	if c.MaxCollectionBytes <= 0 {
		return fmt.Errorf("max_collection_bytes must be positive")
	}
	return nil
}

// EffectiveRegistryURL is the collection registry base, which defaults to the
// controller when the two are co-hosted.
func (c Config) EffectiveRegistryURL() string {
	if c.RegistryURL != "" {
		return c.RegistryURL
	}
	return c.ControllerURL
}

func (c Config) ControllerTimeout() time.Duration {
	return time.Duration(c.ControllerTimeoutSeconds) * time.Second
}

// TaskRescanInterval is how often the dispatcher looks for stranded
// Initiated tasks; zero disables the periodic scan.
func (c Config) TaskRescanInterval() time.Duration {
	return time.Duration(c.TaskRescanSeconds) * time.Second
}

func (c Config) SyncInitialDelay() time.Duration {
	return time.Duration(c.SyncInitialDelayMS) * time.Millisecond
}

func (c Config) SyncMaxDelay() time.Duration {
	return time.Duration(c.SyncMaxDelaySeconds) * time.Second
}

func (c Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
