package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/callroute/internal/mapping"
	"github.com/flowpbx/callroute/internal/routing"
)

// Config holds all runtime configuration for the callroute server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	CRMBaseURL     string
	CRMAccessToken string

	TelephonyBaseURL  string
	TelephonyAPIID    string
	TelephonyAPIToken string

	RefreshInterval time.Duration
	MappingTTL      time.Duration
	RefreshPolicy   string // "background" or "on-demand"
	PageTimeout     time.Duration
	DirectoryRPS    float64 // page requests per second per directory, 0 disables pacing

	WebhookPath   string
	WebhookToken  string // shared secret expected in X-Webhook-Token or ?token=
	ResponseShape string // "nested", "flat" or "token"
	RateLimit     float64
	RateBurst     int

	CallerRateLimit float64 // webhook requests per second per caller number, 0 disables
	CallerRateBurst int

	AdminJWTSecret string // hex-encoded secret for admin API tokens; empty disables the admin API
	JournalDSN     string // postgres:// URL or SQLite file path; empty disables the journal

	JournalRetention time.Duration
}

// defaults
const (
	defaultHTTPPort         = 3000
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCRMBaseURL       = "https://api.hubapi.com"
	defaultTelephonyBaseURL = "https://api.aircall.io"
	defaultRefreshInterval  = time.Hour
	defaultMappingTTL       = time.Hour
	defaultRefreshPolicy    = "background"
	defaultPageTimeout      = 8 * time.Second
	defaultWebhookPath      = "/aircall/route"
	defaultResponseShape    = "nested"
	defaultRateLimit        = 20
	defaultRateBurst        = 40
	defaultCallerRateLimit  = 1
	defaultCallerRateBurst  = 5
	defaultJournalRetention = 30 * 24 * time.Hour
)

// envPrefix is the prefix for all callroute environment variables.
const envPrefix = "CALLROUTE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callroute", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CRMBaseURL, "crm-base-url", defaultCRMBaseURL, "CRM API base URL")
	fs.StringVar(&cfg.CRMAccessToken, "crm-access-token", "", "CRM private app access token (bearer)")
	fs.StringVar(&cfg.TelephonyBaseURL, "telephony-base-url", defaultTelephonyBaseURL, "telephony API base URL")
	fs.StringVar(&cfg.TelephonyAPIID, "telephony-api-id", "", "telephony API id (basic auth user)")
	fs.StringVar(&cfg.TelephonyAPIToken, "telephony-api-token", "", "telephony API token (basic auth password)")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", defaultRefreshInterval, "interval between background mapping refreshes")
	fs.DurationVar(&cfg.MappingTTL, "mapping-ttl", defaultMappingTTL, "maximum mapping age before an on-demand refresh")
	fs.StringVar(&cfg.RefreshPolicy, "refresh-policy", defaultRefreshPolicy, "mapping refresh policy (background, on-demand)")
	fs.DurationVar(&cfg.PageTimeout, "page-timeout", defaultPageTimeout, "timeout for each remote API request")
	fs.Float64Var(&cfg.DirectoryRPS, "directory-rps", 0, "maximum directory page requests per second (0 disables pacing)")
	fs.StringVar(&cfg.WebhookPath, "webhook-path", defaultWebhookPath, "HTTP path of the call routing webhook")
	fs.StringVar(&cfg.WebhookToken, "webhook-token", "", "shared token the telephony platform must send (empty disables the check)")
	fs.StringVar(&cfg.ResponseShape, "response-shape", defaultResponseShape, "routing response shape (nested, flat, token)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", defaultRateLimit, "webhook requests per second per client IP (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", defaultRateBurst, "webhook rate limit burst size")
	fs.Float64Var(&cfg.CallerRateLimit, "caller-rate-limit", defaultCallerRateLimit, "webhook requests per second per caller number (0 disables)")
	fs.IntVar(&cfg.CallerRateBurst, "caller-rate-burst", defaultCallerRateBurst, "per-caller rate limit burst size")
	fs.StringVar(&cfg.AdminJWTSecret, "admin-jwt-secret", "", "hex-encoded 32-byte secret for admin API tokens (empty disables the admin API)")
	fs.StringVar(&cfg.JournalDSN, "journal-dsn", "", "routing journal location: postgres:// URL or SQLite file path (empty disables)")
	fs.DurationVar(&cfg.JournalRetention, "journal-retention", defaultJournalRetention, "how long journal rows are kept")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag that was not given on the command line
// from its CALLROUTE_* environment variable, if present. The env var name is
// the flag name upper-cased with dashes replaced by underscores.
func applyEnvOverrides(fs *flag.FlagSet) error {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		val, ok := os.LookupEnv(EnvName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			firstErr = fmt.Errorf("parsing %s: %w", EnvName(f.Name), err)
		}
	})
	return firstErr
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if err := validateBaseURL("crm-base-url", c.CRMBaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("telephony-base-url", c.TelephonyBaseURL); err != nil {
		return err
	}

	if c.CRMAccessToken == "" {
		return fmt.Errorf("crm-access-token is required")
	}
	if c.TelephonyAPIID == "" || c.TelephonyAPIToken == "" {
		return fmt.Errorf("telephony-api-id and telephony-api-token are required")
	}

	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("refresh-interval must be at least 1m, got %s", c.RefreshInterval)
	}
	if c.MappingTTL <= 0 {
		return fmt.Errorf("mapping-ttl must be positive, got %s", c.MappingTTL)
	}
	if c.PageTimeout <= 0 {
		return fmt.Errorf("page-timeout must be positive, got %s", c.PageTimeout)
	}
	if c.DirectoryRPS < 0 {
		return fmt.Errorf("directory-rps must not be negative, got %g", c.DirectoryRPS)
	}

	if _, err := mapping.ParsePolicy(c.RefreshPolicy); err != nil {
		return fmt.Errorf("refresh-policy: %w", err)
	}
	if _, err := routing.ParseShape(c.ResponseShape); err != nil {
		return fmt.Errorf("response-shape: %w", err)
	}

	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("webhook-path must start with /, got %q", c.WebhookPath)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %g", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("rate-burst must be at least 1 when rate limiting is enabled, got %d", c.RateBurst)
	}
	if c.CallerRateLimit < 0 {
		return fmt.Errorf("caller-rate-limit must not be negative, got %g", c.CallerRateLimit)
	}
	if c.CallerRateLimit > 0 && c.CallerRateBurst < 1 {
		return fmt.Errorf("caller-rate-burst must be at least 1 when caller limiting is enabled, got %d", c.CallerRateBurst)
	}

	if c.AdminJWTSecret != "" {
		if _, err := c.AdminJWTSecretBytes(); err != nil {
			return err
		}
	}

	if c.JournalDSN != "" && c.JournalRetention < time.Hour {
		return fmt.Errorf("journal-retention must be at least 1h, got %s", c.JournalRetention)
	}

	return nil
}

func validateBaseURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
	}
	return nil
}

// Policy returns the parsed refresh policy.
func (c *Config) Policy() mapping.Policy {
	p, _ := mapping.ParsePolicy(c.RefreshPolicy)
	return p
}

// Shape returns the parsed webhook response shape.
func (c *Config) Shape() routing.Shape {
	s, _ := routing.ParseShape(c.ResponseShape)
	return s
}

// AdminAPIEnabled returns true if an admin JWT secret is configured.
func (c *Config) AdminAPIEnabled() bool {
	return c.AdminJWTSecret != ""
}

// AdminJWTSecretBytes returns the decoded 32-byte admin token secret.
func (c *Config) AdminJWTSecretBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.AdminJWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding admin jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("admin jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Redacted returns a copy of the config safe to log.
func (c *Config) Redacted() map[string]string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return map[string]string{
		"http_port":          strconv.Itoa(c.HTTPPort),
		"crm_base_url":       c.CRMBaseURL,
		"crm_access_token":   mask(c.CRMAccessToken),
		"telephony_base_url": c.TelephonyBaseURL,
		"telephony_api_id":   c.TelephonyAPIID,
		"telephony_token":    mask(c.TelephonyAPIToken),
		"refresh_policy":     c.RefreshPolicy,
		"refresh_interval":   c.RefreshInterval.String(),
		"mapping_ttl":        c.MappingTTL.String(),
		"webhook_path":       c.WebhookPath,
		"webhook_token":      mask(c.WebhookToken),
		"response_shape":     c.ResponseShape,
		"rate_limit":         strconv.FormatFloat(c.RateLimit, 'g', -1, 64),
		"caller_rate_limit":  strconv.FormatFloat(c.CallerRateLimit, 'g', -1, 64),
		"journal_enabled":    strconv.FormatBool(c.JournalDSN != ""),
		"journal_retention":  c.JournalRetention.String(),
		"admin_api_enabled":  strconv.FormatBool(c.AdminAPIEnabled()),
	}
}
