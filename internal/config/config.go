// Package config loads inboxrules settings from a YAML file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/imapbox"
	"github.com/joshsymonds/inboxrules/internal/runtime"
	"github.com/joshsymonds/inboxrules/internal/store"
)

const (
	// EnvPrefix namespaces every environment override, e.g. INBOXRULES_IMAP_PASSWORD.
	EnvPrefix = "INBOXRULES"
	// ConfigEnvVar points at the config file when --config is not given.
	ConfigEnvVar = "INBOXRULES_CONFIG"
	// DefaultFile is read when present and no path was given.
	DefaultFile = "inboxrules.yaml"
	// DefaultEnvFile is loaded into the environment when present.
	DefaultEnvFile = ".env"

	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// ErrMissingSetting marks a required setting that has no value.
var ErrMissingSetting = errors.New("missing required setting")

// Config is the full application configuration.
type Config struct {
	RulesFile   string         `mapstructure:"rules_file"`
	FetchLimit  int            `mapstructure:"fetch_limit"`
	Provider    string         `mapstructure:"provider"`
	DryRun      bool           `mapstructure:"dry_run"`
	MetricsFile string         `mapstructure:"metrics_file"`
	Gmail       GmailConfig    `mapstructure:"gmail"`
	IMAP        IMAPConfig     `mapstructure:"imap"`
	Database    DatabaseConfig `mapstructure:"database"`
	Log         LogConfig      `mapstructure:"log"`
}

type GmailConfig struct {
	CredentialsFile string  `mapstructure:"credentials_file"`
	TokenFile       string  `mapstructure:"token_file"`
	Label           string  `mapstructure:"label"`
	RPS             float64 `mapstructure:"rps"`
	PageSize        int     `mapstructure:"page_size"`
	ArchiveOnMove   bool    `mapstructure:"archive_on_move"`
	OAuthPort       int     `mapstructure:"oauth_port"`
}

type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Mailbox  string `mapstructure:"mailbox"`
}

type DatabaseConfig struct {
	Driver         string        `mapstructure:"driver"`
	Path           string        `mapstructure:"path"`
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Name           string        `mapstructure:"name"`
	SSLMode        string        `mapstructure:"sslmode"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	ErrorFile string `mapstructure:"error_file"`
}

var defaults = map[string]any{
	"rules_file":   "rules.json",
	"fetch_limit":  100,
	"provider":     ProviderGmail,
	"dry_run":      false,
	"metrics_file": "",

	"gmail.credentials_file": "credentials.json",
	"gmail.token_file":       "token.json",
	"gmail.label":            "INBOX",
	"gmail.rps":              4.0,
	"gmail.page_size":        100,
	"gmail.archive_on_move":  true,
	"gmail.oauth_port":       0,

	"imap.host":     "",
	"imap.port":     993,
	"imap.username": "",
	"imap.password": "",
	"imap.tls":      true,
	"imap.mailbox":  "INBOX",

	"database.driver":          store.DriverSQLite,
	"database.path":            "email_processor.db",
	"database.url":             "",
	"database.host":            "localhost",
	"database.port":            5432,
	"database.user":            "",
	"database.password":        "",
	"database.name":            "email_processor",
	"database.sslmode":         "disable",
	"database.connect_retries": 3,
	"database.retry_interval":  time.Second,

	"log.level":      "info",
	"log.format":     "text",
	"log.error_file": "errors.log",
}

// Load reads path (or DefaultFile when path is empty and the file exists)
// and applies INBOXRULES_* environment overrides on top of the defaults.
// An explicit path that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &pathErr) || errors.As(err, &notFound)
		if explicit || !missing {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	return cfg, nil
}

// LoadEnvFile loads path into the process environment if it exists.
// Variables already set are not overridden.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Validate reports every missing or inconsistent setting at once.
func Validate(cfg *Config) error {
	var result *multierror.Error
	missing := func(key string) {
		result = multierror.Append(result, fmt.Errorf("%w: %s", ErrMissingSetting, key))
	}
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }

	if blank(cfg.RulesFile) {
		missing("rules_file")
	}
	if cfg.FetchLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("fetch_limit must be positive, got %d", cfg.FetchLimit))
	}

	switch cfg.Provider {
	case ProviderGmail:
		if blank(cfg.Gmail.CredentialsFile) {
			missing("gmail.credentials_file")
		}
		if blank(cfg.Gmail.TokenFile) {
			missing("gmail.token_file")
		}
	case ProviderIMAP:
		if blank(cfg.IMAP.Host) {
			missing("imap.host")
		}
		if blank(cfg.IMAP.Username) {
			missing("imap.username")
		}
		if blank(cfg.IMAP.Password) {
			missing("imap.password")
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown provider %q (want %s or %s)", cfg.Provider, ProviderGmail, ProviderIMAP))
	}

	db := cfg.Database
	switch db.Driver {
	case store.DriverSQLite:
		if blank(db.Path) {
			missing("database.path")
		}
	case store.DriverPostgres:
		if blank(db.URL) {
			if blank(db.Host) {
				missing("database.host")
			}
			if blank(db.User) {
				missing("database.user")
			}
			if blank(db.Name) {
				missing("database.name")
			}
		}
	default:
		result = multierror.Append(result, fmt.Errorf("%w: %q", store.ErrUnknownDriver, db.Driver))
	}

	if _, err := runtime.ParseLevel(cfg.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Store returns the database settings in store form.
func (c *Config) Store() store.Config {
	db := c.Database
	return store.Config{
		Driver:         db.Driver,
		Path:           db.Path,
		URL:            db.URL,
		Host:           db.Host,
		Port:           db.Port,
		User:           db.User,
		Password:       db.Password,
		Name:           db.Name,
		SSLMode:        db.SSLMode,
		ConnectRetries: db.ConnectRetries,
		RetryInterval:  db.RetryInterval,
	}
}

// Logging returns the logger options.
func (c *Config) Logging() runtime.LogOptions {
	return runtime.LogOptions{Level: c.Log.Level, Format: c.Log.Format, ErrorFile: c.Log.ErrorFile}
}

// GmailAuth returns the OAuth file locations.
func (c *Config) GmailAuth() runtime.GmailAuth {
	return runtime.GmailAuth{
		CredentialsFile: c.Gmail.CredentialsFile,
		TokenFile:       c.Gmail.TokenFile,
		Port:            c.Gmail.OAuthPort,
	}
}

// GmailOptions returns the Gmail mailbox options.
func (c *Config) GmailOptions() gmail.Options {
	return gmail.Options{
		Label:         c.Gmail.Label,
		PageSize:      c.Gmail.PageSize,
		ArchiveOnMove: c.Gmail.ArchiveOnMove,
	}
}

// IMAPSettings returns the IMAP connection settings.
// SourceMailbox names the folder (IMAP) or label (Gmail) runs read from.
func (c *Config) SourceMailbox() string {
	name := c.IMAP.Mailbox
	if c.Provider == ProviderGmail {
		name = c.Gmail.Label
	}
	if strings.TrimSpace(name) == "" {
		return "INBOX"
	}
	return name
}

func (c *Config) IMAPSettings() imapbox.Config {
	return imapbox.Config{
		Host:     c.IMAP.Host,
		Port:     c.IMAP.Port,
		Username: c.IMAP.Username,
		Password: c.IMAP.Password,
		TLS:      c.IMAP.TLS,
		Mailbox:  c.IMAP.Mailbox,
	}
}
