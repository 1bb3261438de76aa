package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const AppName = "inbox-ledger"

// Mail providers a source can read from
const (
	ProviderGmail   = "gmail"
	ProviderIMAP    = "imap"
	ProviderOutlook = "outlook"
)

// LogConfig selects level, format and an optional rotating log file
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// GoogleConfig locates the OAuth client and the account whose token is used.
// ShareWith lists the accounts a newly created spreadsheet is shared with.
type GoogleConfig struct {
	Credentials string   `mapstructure:"credentials" yaml:"credentials"`
	Account     string   `mapstructure:"account" yaml:"account"`
	ShareWith   []string `mapstructure:"share_with" yaml:"share_with"`
}

// KeyringConfig configures the encrypted-file fallback of the token keyring
type KeyringConfig struct {
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Password string `mapstructure:"password" yaml:"password"`
}

// SourceConfig binds one source kind to a provider and a sink spreadsheet.
// Sender and Subject override the built-in filter of the kind when set.
type SourceConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Provider        string `mapstructure:"provider" yaml:"provider"`
	Sender          string `mapstructure:"sender" yaml:"sender"`
	Subject         string `mapstructure:"subject" yaml:"subject"`
	SpreadsheetID   string `mapstructure:"spreadsheet_id" yaml:"spreadsheet_id"`
	SpreadsheetName string `mapstructure:"spreadsheet_name" yaml:"spreadsheet_name"`
	Worksheet       string `mapstructure:"worksheet" yaml:"worksheet"`
	SelfReset       bool   `mapstructure:"self_reset" yaml:"self_reset"`
	WritesPerMinute int    `mapstructure:"writes_per_minute" yaml:"writes_per_minute"`
}

// SinkID identifies the worksheet the source writes to
func (s SourceConfig) SinkID() string {
	ss := s.SpreadsheetID
	if ss == "" {
		ss = "name:" + s.SpreadsheetName
	}
	return ss + "/" + s.Worksheet
}

type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

// OutlookConfig reads the mailbox of User with either a fixed AccessToken or a
// token fetched from the auth broker at BrokerURL.
type OutlookConfig struct {
	User        string `mapstructure:"user" yaml:"user"`
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
	BrokerURL   string `mapstructure:"broker_url" yaml:"broker_url"`
	BrokerJWT   string `mapstructure:"broker_jwt" yaml:"broker_jwt"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// NATSConfig enables run event publishing when URL is set
type NATSConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type ServerConfig struct {
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	JWKSURL  string        `mapstructure:"jwks_url" yaml:"jwks_url"`
	Audience string        `mapstructure:"audience" yaml:"audience"`
}

// Config is the top-level application configuration
type Config struct {
	Log     LogConfig               `mapstructure:"log" yaml:"log"`
	Google  GoogleConfig            `mapstructure:"google" yaml:"google"`
	Keyring KeyringConfig           `mapstructure:"keyring" yaml:"keyring"`
	Sources map[string]SourceConfig `mapstructure:"sources" yaml:"sources"`
	IMAP    IMAPConfig              `mapstructure:"imap" yaml:"imap"`
	Outlook OutlookConfig           `mapstructure:"outlook" yaml:"outlook"`
	Ledger  LedgerConfig            `mapstructure:"ledger" yaml:"ledger"`
	NATS    NATSConfig              `mapstructure:"nats" yaml:"nats"`
	Server  ServerConfig            `mapstructure:"server" yaml:"server"`
}

// DefaultDir returns ~/.config/inbox-ledger
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "." + AppName
	}
	return filepath.Join(dir, AppName)
}

// DefaultPath returns the default location of the configuration file
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 2)
	v.SetDefault("log.max_backups", 5)

	v.SetDefault("google.credentials", filepath.Join(dir, "credentials.json"))
	v.SetDefault("google.account", "")
	v.SetDefault("google.share_with", []string{})

	v.SetDefault("keyring.dir", filepath.Join(dir, "keyring"))
	v.SetDefault("keyring.password", "")

	for kind, name := range map[string]string{
		"outpost": AppName + "-Outpost-ClimbRecords",
		"apple":   AppName + "-Apple-Invoices",
	} {
		key := "sources." + kind + "."
		v.SetDefault(key+"enabled", true)
		v.SetDefault(key+"provider", ProviderGmail)
		v.SetDefault(key+"sender", "")
		v.SetDefault(key+"subject", "")
		v.SetDefault(key+"spreadsheet_id", "")
		v.SetDefault(key+"spreadsheet_name", name)
		v.SetDefault(key+"worksheet", "data")
		v.SetDefault(key+"self_reset", true)
		v.SetDefault(key+"writes_per_minute", 50)
	}

	v.SetDefault("imap.host", "imap.gmail.com")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")

	v.SetDefault("outlook.user", "")
	v.SetDefault("outlook.access_token", "")
	v.SetDefault("outlook.broker_url", "")
	v.SetDefault("outlook.broker_jwt", "")

	v.SetDefault("ledger.path", filepath.Join(dir, "ledger.db"))
	v.SetDefault("nats.url", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.interval", time.Hour)
	v.SetDefault("server.jwks_url", "")
	v.SetDefault("server.audience", "")
}

// Load reads the YAML file at path, then applies INBOX_LEDGER_* environment
// overrides. A missing file yields the defaults. GOOGLE_ACCOUNTS, a comma
// separated list, sets google.share_with.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("INBOX_LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("google.share_with", "INBOX_LEDGER_GOOGLE_SHARE_WITH", "GOOGLE_ACCOUNTS"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Google.ShareWith = splitList(cfg.Google.ShareWith)
	for kind, src := range cfg.Sources {
		if src.Worksheet == "" {
			src.Worksheet = "data"
		}
		if src.Provider == "" {
			src.Provider = ProviderGmail
		}
		cfg.Sources[kind] = src
	}
	return cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Enabled returns the enabled source kinds in sorted order
func (c *Config) Enabled() []string {
	var kinds []string
	for kind, src := range c.Sources {
		if src.Enabled {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Uses reports whether any enabled source reads from provider
func (c *Config) Uses(provider string) bool {
	for _, kind := range c.Enabled() {
		if c.Sources[kind].Provider == provider {
			return true
		}
	}
	return false
}

// Validate reports every problem of the configuration at once
func (c *Config) Validate() error {
	var errs []error
	for _, kind := range c.Enabled() {
		src := c.Sources[kind]
		switch src.Provider {
		case ProviderGmail, ProviderIMAP, ProviderOutlook:
		default:
			errs = append(errs, fmt.Errorf("sources.%s.provider: unknown provider %q", kind, src.Provider))
		}
		if src.SpreadsheetID == "" && src.SpreadsheetName == "" {
			errs = append(errs, fmt.Errorf("sources.%s: spreadsheet_id or spreadsheet_name is required", kind))
		}
		if src.WritesPerMinute < 0 {
			errs = append(errs, fmt.Errorf("sources.%s.writes_per_minute: must not be negative", kind))
		}
	}
	if c.Uses(ProviderIMAP) && (c.IMAP.Host == "" || c.IMAP.Username == "") {
		errs = append(errs, errors.New("imap: host and username are required"))
	}
	if c.Uses(ProviderOutlook) {
		if c.Outlook.User == "" {
			errs = append(errs, errors.New("outlook.user is required"))
		}
		if c.Outlook.AccessToken == "" && c.Outlook.BrokerURL == "" {
			errs = append(errs, errors.New("outlook: access_token or broker_url is required"))
		}
	}
	if c.Server.Interval < 0 {
		errs = append(errs, errors.New("server.interval: must not be negative"))
	}
	if c.Server.JWKSURL != "" && c.Server.Audience == "" {
		errs = append(errs, errors.New("server.audience is required with jwks_url"))
	}
	return errors.Join(errs...)
}
