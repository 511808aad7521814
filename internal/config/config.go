// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the compose relay.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxBodySize is 10 MB in bytes.
const defaultMaxBodySize = 10 * 1024 * 1024

// Transport names accepted in Config.Transport.
const (
	TransportEthereal = "ethereal"
	TransportSMTP     = "smtp"
	TransportSES      = "ses"
	TransportGraph    = "graph"
	TransportStdout   = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	HTTP      HTTPConfig     `yaml:"http"`
	Relay     RelayConfig    `yaml:"relay"`
	Transport string         `yaml:"transport"`
	Ethereal  EtherealConfig `yaml:"ethereal"`
	SMTP      SMTPConfig     `yaml:"smtp"`
	SES       SESConfig      `yaml:"ses"`
	Graph     GraphConfig    `yaml:"graph"`
	TLS       TLSConfig      `yaml:"tls"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds the listener settings.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RelayConfig holds the send-email endpoint settings.
type RelayConfig struct {
	FromName      string `yaml:"from_name"`
	MaxBodySize   int64  `yaml:"max_body_size"`
	ExposeDetails bool   `yaml:"expose_details"`
}

// EtherealConfig holds the sandbox account service settings.
type EtherealConfig struct {
	APIURL string `yaml:"api_url"`
}

// SMTPConfig holds the outbound relay settings. Timeout also applies to the
// sandbox SMTP session.
type SMTPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Sender      string        `yaml:"sender"`
	StartTLS    string        `yaml:"starttls"`
	ImplicitTLS bool          `yaml:"implicit_tls"`
	Timeout     time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
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

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
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

	return cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if a region and sender are set. Credentials
// may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.HTTP.Port))
	}
	if c.Relay.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("max body size must be positive, got %d", c.Relay.MaxBodySize))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}

	switch c.Transport {
	case TransportEthereal, TransportStdout:
	case TransportSMTP:
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("smtp transport requires SMTP_HOST"))
		}
		if c.SMTP.Sender == "" && c.SMTP.Username == "" {
			errs = append(errs, errors.New("smtp transport requires SMTP_SENDER or SMTP_USERNAME"))
		}
		switch c.SMTP.StartTLS {
		case "", "opportunistic", "required", "disabled":
		default:
			errs = append(errs, fmt.Errorf("invalid SMTP_STARTTLS %q", c.SMTP.StartTLS))
		}
	case TransportSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses transport requires SES_REGION and SES_SENDER"))
		}
	case TransportGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph transport requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Port = 3000
	c.Transport = TransportEthereal
	c.Relay.FromName = "Compose Relay"
	c.Relay.MaxBodySize = defaultMaxBodySize
	c.Relay.ExposeDetails = true
	c.SMTP.Timeout = 30 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("LISTEN_HOST"); v != "" {
		c.HTTP.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}

	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("FROM_NAME"); v != "" {
		c.Relay.FromName = v
	}
	if v := os.Getenv("MAX_BODY_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Relay.MaxBodySize = size
		}
	}
	if v := os.Getenv("EXPOSE_ERROR_DETAILS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.ExposeDetails = b
		}
	}

	if v := os.Getenv("ETHEREAL_API_URL"); v != "" {
		c.Ethereal.APIURL = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_SENDER"); v != "" {
		c.SMTP.Sender = v
	}
	if v := os.Getenv("SMTP_STARTTLS"); v != "" {
		c.SMTP.StartTLS = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_IMPLICIT_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.ImplicitTLS = b
		}
	}
	if v := os.Getenv("SMTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.Timeout = d
		}
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

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.SelfSigned = b
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
