package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EnvProtectedPort is the environment variable naming the debugging port
// that the supervisor must never launch, kill, or restart. It overrides
// the value from the config file.
const EnvProtectedPort = "TRADEFLEET_PROTECTED_PORT"

// DefaultProtectedPort is shared with other tooling on the host.
const DefaultProtectedPort = 9222

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	API        APIConfig        `mapstructure:"api"`
	Chrome     ChromeConfig     `mapstructure:"chrome"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Startup    StartupConfig    `mapstructure:"startup"`
	Restart    RestartConfig    `mapstructure:"restart"`
	State      StateConfig      `mapstructure:"state"`
	Files      FilesConfig      `mapstructure:"files"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Loaded from Files.Accounts / Files.Strategies after viper unmarshal.
	Accounts   []Account           `mapstructure:"-"`
	Strategies map[string][]string `mapstructure:"-"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// APIConfig contains control-surface HTTP server settings
type APIConfig struct {
	Host            string  `mapstructure:"host"`
	Port            int     `mapstructure:"port"`
	RequestDeadline string  `mapstructure:"request_deadline"`
	SignalRateLimit float64 `mapstructure:"signal_rate_limit"` // signals per second
	SignalRateBurst int     `mapstructure:"signal_rate_burst"`
}

// ChromeConfig contains browser automation settings
type ChromeConfig struct {
	Executable     string `mapstructure:"executable"`       // empty = platform lookup
	TradingHost    string `mapstructure:"trading_host"`     // e.g. "trader.tradovate.com"
	LoginPath      string `mapstructure:"login_path"`       // e.g. "/welcome"
	ProfileBaseDir string `mapstructure:"profile_base_dir"` // per-account subdirs
	ScriptDir      string `mapstructure:"script_dir"`       // page-script bundle location
	ProtectedPort  int    `mapstructure:"protected_port"`
	Headless       bool   `mapstructure:"headless"`
}

// OpClassOverride carries optional per-class policy overrides. Zero values
// mean "use the built-in policy table".
type OpClassOverride struct {
	MaxAttempts      int    `mapstructure:"max_attempts"`
	AttemptTimeout   string `mapstructure:"attempt_timeout"`
	CircuitThreshold uint32 `mapstructure:"circuit_threshold"`
}

// OpsConfig contains operation-class policy overrides and breaker tuning
type OpsConfig struct {
	Critical        OpClassOverride `mapstructure:"critical"`
	Important       OpClassOverride `mapstructure:"important"`
	NonCritical     OpClassOverride `mapstructure:"non_critical"`
	CircuitCooldown string          `mapstructure:"circuit_cooldown"`
}

// StartupConfig contains startup state-machine budgets
type StartupConfig struct {
	Mode        string            `mapstructure:"mode"` // DISABLED, PASSIVE, ACTIVE
	TotalBudget string            `mapstructure:"total_budget"`
	Phases      map[string]string `mapstructure:"phases"` // phase name -> budget
}

// RestartConfig bounds restart attempts per account per rolling window
type RestartConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	Window      string `mapstructure:"window"`
	Backoff     string `mapstructure:"backoff"`
}

// StateConfig locates the recovery snapshot
type StateConfig struct {
	Path   string `mapstructure:"path"`
	MaxAge string `mapstructure:"max_age"` // snapshots older than this are ignored
}

// FilesConfig points at the account and strategy files
type FilesConfig struct {
	Accounts   string `mapstructure:"accounts"`
	Strategies string `mapstructure:"strategies"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tradefleet")
	}

	v.SetEnvPrefix("TRADEFLEET")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env must suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, &InvalidError{Reason: fmt.Sprintf("failed to read config: %v", err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &InvalidError{Reason: fmt.Sprintf("failed to unmarshal config: %v", err)}
	}

	// TRADEFLEET_PROTECTED_PORT wins over the file setting.
	if p := v.GetInt("protected_port"); p != 0 {
		cfg.Chrome.ProtectedPort = p
	}

	if cfg.Files.Accounts != "" {
		accounts, err := LoadAccounts(cfg.Files.Accounts)
		if err != nil {
			return nil, err
		}
		cfg.Accounts = accounts
	}
	if cfg.Files.Strategies != "" {
		strategies, err := LoadStrategyMap(cfg.Files.Strategies)
		if err != nil {
			return nil, err
		}
		cfg.Strategies = strategies
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "tradefleet")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.request_deadline", "30s")
	v.SetDefault("api.signal_rate_limit", 5.0)
	v.SetDefault("api.signal_rate_burst", 10)

	// Chrome defaults
	v.SetDefault("chrome.trading_host", "trader.tradovate.com")
	v.SetDefault("chrome.login_path", "/welcome")
	v.SetDefault("chrome.profile_base_dir", "./profiles")
	v.SetDefault("chrome.script_dir", "./scripts")
	v.SetDefault("chrome.protected_port", DefaultProtectedPort)
	v.SetDefault("chrome.headless", false)

	// Op-class defaults live in the policy table; only the cooldown is
	// surfaced here.
	v.SetDefault("ops.circuit_cooldown", "30s")

	// Startup defaults
	v.SetDefault("startup.mode", "ACTIVE")
	v.SetDefault("startup.total_budget", "120s")

	// Restart defaults
	v.SetDefault("restart.max_attempts", 3)
	v.SetDefault("restart.window", "10m")
	v.SetDefault("restart.backoff", "5s")

	// State defaults
	v.SetDefault("state.path", "./data/recovery.json")
	v.SetDefault("state.max_age", "10m")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetAPIAddr returns the control-surface listen address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetRequestDeadline returns the request-wide deadline as a Duration
func (c *APIConfig) GetRequestDeadline() time.Duration {
	return parseDurationDefault(c.RequestDeadline, 30*time.Second)
}

// GetCircuitCooldown returns the breaker cooldown as a Duration
func (c *OpsConfig) GetCircuitCooldown() time.Duration {
	return parseDurationDefault(c.CircuitCooldown, 30*time.Second)
}

// GetTotalBudget returns the startup total budget as a Duration
func (c *StartupConfig) GetTotalBudget() time.Duration {
	return parseDurationDefault(c.TotalBudget, 120*time.Second)
}

// GetWindow returns the restart rolling window as a Duration
func (c *RestartConfig) GetWindow() time.Duration {
	return parseDurationDefault(c.Window, 10*time.Minute)
}

// GetBackoff returns the inter-restart backoff as a Duration
func (c *RestartConfig) GetBackoff() time.Duration {
	return parseDurationDefault(c.Backoff, 5*time.Second)
}

// GetMaxAge returns the snapshot recency gate as a Duration
func (c *StateConfig) GetMaxAge() time.Duration {
	return parseDurationDefault(c.MaxAge, 10*time.Minute)
}

func parseDurationDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
