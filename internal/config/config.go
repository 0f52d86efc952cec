// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for mailfan.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultConcurrency is the number of recipients delivered in parallel.
const defaultConcurrency = 4

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	Relay    RelayConfig    `yaml:"relay"`
	IMAP     IMAPConfig     `yaml:"imap"`
	Mbox     MboxConfig     `yaml:"mbox"`
	Sender   SenderConfig   `yaml:"sender"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SESConfig holds AWS SES configuration. Static credentials are optional;
// the default AWS credential chain is used when they are empty.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// RelayConfig holds upstream SMTP relay configuration.
type RelayConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TLSMode            string `yaml:"tls_mode"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Sender             string `yaml:"sender"`
}

// IMAPConfig holds the mailbox that the imap provider appends copies to.
type IMAPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	UseTLS             bool   `yaml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Mailbox            string `yaml:"mailbox"`
	Sender             string `yaml:"sender"`
}

// MboxConfig holds the file the mbox provider writes to.
type MboxConfig struct {
	Path   string `yaml:"path"`
	Sender string `yaml:"sender"`
}

// SenderConfig holds the prototype defaults used when a message is built
// from command-line flags.
type SenderConfig struct {
	FromName    string `yaml:"from_name"`
	FromAddress string `yaml:"from_address"`
	ReplyTo     string `yaml:"reply_to"`
}

// DispatchConfig holds fan-out settings.
type DispatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// SMTPConfig holds the submission listener configuration used by serve.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds the listener certificate file paths. A self-signed
// certificate is generated when either is empty.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.Provider = strings.ToLower(cfg.Provider)

	return cfg, nil
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// RelayConfigured returns true if an upstream relay host is set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Host != ""
}

// IMAPConfigured returns true if an IMAP host is set.
func (c *Config) IMAPConfigured() bool {
	return c.IMAP.Host != ""
}

// MboxConfigured returns true if an mbox output path is set.
func (c *Config) MboxConfigured() bool {
	return c.Mbox.Path != ""
}

// RelayAuthEnabled returns true if both relay username and password are set.
func (c *Config) RelayAuthEnabled() bool {
	return c.Relay.Username != "" && c.Relay.Password != ""
}

// AuthEnabled returns true if both listener username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Relay.TLSMode = "starttls"
	c.IMAP.UseTLS = true
	c.IMAP.Mailbox = "INBOX"
	c.Dispatch.Concurrency = defaultConcurrency
	c.SMTP.Listen = ":2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Relay.Port = port
		}
	}
	if v := os.Getenv("RELAY_USERNAME"); v != "" {
		c.Relay.Username = v
	}
	if v := os.Getenv("RELAY_PASSWORD"); v != "" {
		c.Relay.Password = v
	}
	if v := os.Getenv("RELAY_TLS_MODE"); v != "" {
		c.Relay.TLSMode = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_CA_FILE"); v != "" {
		c.Relay.CAFile = v
	}
	if v := os.Getenv("RELAY_INSECURE_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.Relay.InsecureSkipVerify = skip
		}
	}
	if v := os.Getenv("RELAY_SENDER"); v != "" {
		c.Relay.Sender = v
	}

	if v := os.Getenv("IMAP_HOST"); v != "" {
		c.IMAP.Host = v
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.IMAP.Port = port
		}
	}
	if v := os.Getenv("IMAP_USERNAME"); v != "" {
		c.IMAP.Username = v
	}
	if v := os.Getenv("IMAP_PASSWORD"); v != "" {
		c.IMAP.Password = v
	}
	if v := os.Getenv("IMAP_USE_TLS"); v != "" {
		if useTLS, err := strconv.ParseBool(v); err == nil {
			c.IMAP.UseTLS = useTLS
		}
	}
	if v := os.Getenv("IMAP_INSECURE_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.IMAP.InsecureSkipVerify = skip
		}
	}
	if v := os.Getenv("IMAP_MAILBOX"); v != "" {
		c.IMAP.Mailbox = v
	}
	if v := os.Getenv("IMAP_SENDER"); v != "" {
		c.IMAP.Sender = v
	}

	if v := os.Getenv("MBOX_PATH"); v != "" {
		c.Mbox.Path = v
	}
	if v := os.Getenv("MBOX_SENDER"); v != "" {
		c.Mbox.Sender = v
	}

	if v := os.Getenv("SENDER_FROM_NAME"); v != "" {
		c.Sender.FromName = v
	}
	if v := os.Getenv("SENDER_FROM_ADDRESS"); v != "" {
		c.Sender.FromAddress = v
	}
	if v := os.Getenv("SENDER_REPLY_TO"); v != "" {
		c.Sender.ReplyTo = v
	}

	if v := os.Getenv("DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Dispatch.Concurrency = n
		}
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
