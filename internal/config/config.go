package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// EnvPrefix is prepended to every environment override, e.g.
// REGNUMBERS_SERVER_PORT overrides server.port.
const EnvPrefix = "REGNUMBERS"

type Config struct {
	Timezone    string      `mapstructure:"timezone"`
	Output      Output      `mapstructure:"output"`
	RIS         RIS         `mapstructure:"ris"`
	Audit       Audit       `mapstructure:"audit"`
	PowerScribe PowerScribe `mapstructure:"powerscribe"`
	Classifier  Classifier  `mapstructure:"classifier"`
	Report      Report      `mapstructure:"report"`
	Server      Server      `mapstructure:"server"`
	Logging     Logging     `mapstructure:"logging"`
}

type Output struct {
	DataDir string `mapstructure:"data_dir"`
}

type RIS struct {
	DatabaseURLEnv string `mapstructure:"database_url_env"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
}

type Audit struct {
	BaseURL        string        `mapstructure:"base_url"`
	UsernameEnv    string        `mapstructure:"username_env"`
	PasswordEnv    string        `mapstructure:"password_env"`
	PageSizeOption string        `mapstructure:"page_size_option"`
	Actions        []string      `mapstructure:"actions"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type PowerScribe struct {
	Enabled     bool          `mapstructure:"enabled"`
	BaseURL     string        `mapstructure:"base_url"`
	UsernameEnv string        `mapstructure:"username_env"`
	PasswordEnv string        `mapstructure:"password_env"`
	Version     string        `mapstructure:"version"`
	Workstation string        `mapstructure:"workstation"`
	Locale      string        `mapstructure:"locale"`
	TimeZoneID  string        `mapstructure:"time_zone_id"`
	SiteID      int           `mapstructure:"site_id"`
	PageSize    int           `mapstructure:"page_size"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Classifier struct {
	VocabularyPath string `mapstructure:"vocabulary_path"`
}

type Report struct {
	MaxRangeDays int `mapstructure:"max_range_days"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// KnownAuditActions lists the audit-trail action types the scraper can search for.
var KnownAuditActions = []string{"AddEmergencyImpression"}

// ConfigDir returns the XDG config directory for regnumbers.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "regnumbers")
}

// DataDir returns the XDG data directory for regnumbers.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "regnumbers")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/regnumbers/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'regnumbers init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults and
// REGNUMBERS_* environment overrides.
func parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "Pacific/Auckland")
	v.SetDefault("output.data_dir", "")

	v.SetDefault("ris.database_url_env", "RIS_DATABASE_URL")
	v.SetDefault("ris.max_conns", 4)
	v.SetDefault("ris.min_conns", 1)

	v.SetDefault("audit.base_url", "http://localhost:8080")
	v.SetDefault("audit.username_env", "AUDIT_USERNAME")
	v.SetDefault("audit.password_env", "AUDIT_PASSWORD")
	v.SetDefault("audit.page_size_option", "4")
	v.SetDefault("audit.actions", []string{"AddEmergencyImpression"})
	v.SetDefault("audit.timeout", 0)

	v.SetDefault("powerscribe.enabled", true)
	v.SetDefault("powerscribe.base_url", "http://localhost:8081/RAS")
	v.SetDefault("powerscribe.username_env", "PS360_USERNAME")
	v.SetDefault("powerscribe.password_env", "PS360_PASSWORD")
	v.SetDefault("powerscribe.version", "7.0.212.0")
	v.SetDefault("powerscribe.workstation", "")
	v.SetDefault("powerscribe.locale", "en-NZ")
	v.SetDefault("powerscribe.time_zone_id", "New Zealand Standard Time")
	v.SetDefault("powerscribe.site_id", 0)
	v.SetDefault("powerscribe.page_size", 3000)
	v.SetDefault("powerscribe.concurrency", 8)
	v.SetDefault("powerscribe.timeout", 0)

	v.SetDefault("classifier.vocabulary_path", "")
	v.SetDefault("report.max_range_days", 366)
	v.SetDefault("server.port", 8000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if len(c.Audit.Actions) == 0 {
		return fmt.Errorf("audit.actions must name at least one action")
	}
	for _, a := range c.Audit.Actions {
		if !isKnownAction(a) {
			return fmt.Errorf("audit.actions: unknown action %q (known: %s)", a, strings.Join(KnownAuditActions, ", "))
		}
	}
	if c.PowerScribe.PageSize <= 0 {
		return fmt.Errorf("powerscribe.page_size must be positive, got %d", c.PowerScribe.PageSize)
	}
	if c.PowerScribe.Concurrency < 0 {
		return fmt.Errorf("powerscribe.concurrency must not be negative, got %d", c.PowerScribe.Concurrency)
	}
	if c.Report.MaxRangeDays <= 0 {
		return fmt.Errorf("report.max_range_days must be positive, got %d", c.Report.MaxRangeDays)
	}
	return nil
}

// Location loads the configured site timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the path of the local cache database.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "regnumbers.db")
}

// Secret reads a credential from the environment variable named by envName.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

func isKnownAction(a string) bool {
	for _, k := range KnownAuditActions {
		if k == a {
			return true
		}
	}
	return false
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
