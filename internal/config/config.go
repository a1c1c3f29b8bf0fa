package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the storyline server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	HTTPPort    int
	TLSCert     string
	TLSKey      string
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	PublicURL   string // externally reachable base URL used in webhook and audio URLs
	AudioDir    string // directory holding the canonical story recordings
	FragmentDir string // directory fragments are written to and served from
	DatabaseDSN string // postgres DSN; the embedded sqlite catalog is used when empty
	AdminSecret string // hex-encoded secret for admin API bearer tokens; admin API is open when empty

	VonageAPIURL     string
	VonageAppID      string
	VonagePrivateKey string // path to the application's PEM private key
	VonageNumber     string // the virtual number callers dial and outbound calls come from
	Language         string // text-to-speech and recognition language

	Guard             time.Duration // added to a fragment's duration before declaring it finished
	LatencyCorrection time.Duration // subtracted from wall-clock play time
	StopSettleDelay   time.Duration // wait after stopping a story before the main menu
	SilenceURL        string        // looped behind the reading menu; empty disables it
	DefaultStoryAudio string        // asset played before the caller picks a story
	FragmentMaxAge    time.Duration // unowned fragments older than this are swept
	SessionIdle       time.Duration // sessions with no activity for this long are reaped
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultPublicURL         = "http://localhost:8080"
	defaultVonageAPIURL      = "https://api.nexmo.com"
	defaultLanguage          = "en-IN"
	defaultGuard             = 2 * time.Second
	defaultLatencyCorrection = 1500 * time.Millisecond
	defaultStopSettleDelay   = 2 * time.Second
	defaultStoryAudio        = "new.wav"
	defaultFragmentMaxAge    = 6 * time.Hour
	defaultSessionIdle       = 2 * time.Hour
)

// envPrefix is the prefix for all storyline environment variables.
const envPrefix = "STORYLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("storyline", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the catalog database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PublicURL, "public-url", defaultPublicURL, "externally reachable base URL of this service")
	fs.StringVar(&cfg.AudioDir, "audio-dir", "", "directory of story recordings (default <data-dir>/audio)")
	fs.StringVar(&cfg.FragmentDir, "fragment-dir", "", "directory for playback fragments (default <data-dir>/fragments)")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", "", "postgres connection string (sqlite in data-dir if empty)")
	fs.StringVar(&cfg.AdminSecret, "admin-secret", "", "hex-encoded secret for admin API bearer tokens")
	fs.StringVar(&cfg.VonageAPIURL, "vonage-api-url", defaultVonageAPIURL, "Vonage API base URL")
	fs.StringVar(&cfg.VonageAppID, "vonage-application-id", "", "Vonage application id")
	fs.StringVar(&cfg.VonagePrivateKey, "vonage-private-key", "", "path to the Vonage application private key")
	fs.StringVar(&cfg.VonageNumber, "vonage-number", "", "Vonage virtual number")
	fs.StringVar(&cfg.Language, "language", defaultLanguage, "speech language")
	fs.DurationVar(&cfg.Guard, "guard", defaultGuard, "extra time allowed for a story to finish playing")
	fs.DurationVar(&cfg.LatencyCorrection, "latency-correction", defaultLatencyCorrection, "stream start latency subtracted from play time")
	fs.DurationVar(&cfg.StopSettleDelay, "stop-settle-delay", defaultStopSettleDelay, "delay after stopping a story before the main menu")
	fs.StringVar(&cfg.SilenceURL, "silence-url", "", "audio looped while a story streams (default <public-url>/static/silence.wav)")
	fs.StringVar(&cfg.DefaultStoryAudio, "default-story-audio", defaultStoryAudio, "recording played before a story is chosen")
	fs.DurationVar(&cfg.FragmentMaxAge, "fragment-max-age", defaultFragmentMaxAge, "age after which unowned fragments are deleted")
	fs.DurationVar(&cfg.SessionIdle, "session-idle", defaultSessionIdle, "inactivity after which a session whose hangup was missed is dropped")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		envVar := envName(f.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		switch f.Name {
		case "http-port":
			// Unparseable ports keep the default.
			if _, perr := strconv.Atoi(val); perr != nil {
				return
			}
		case "guard", "latency-correction", "stop-settle-delay", "fragment-max-age", "session-idle":
			if _, perr := time.ParseDuration(val); perr != nil {
				err = fmt.Errorf("%s: %w", envVar, perr)
				return
			}
		}
		if serr := f.Value.Set(val); serr != nil {
			err = fmt.Errorf("%s: %w", envVar, serr)
		}
	})
	return err
}

// envName maps a flag name to its environment variable, e.g. "http-port"
// to "STORYLINE_HTTP_PORT".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane and fills in derived
// defaults.
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

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	u, err := url.Parse(c.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("public-url must be an absolute http(s) URL, got %q", c.PublicURL)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if c.VonageAPIURL == "" {
		return fmt.Errorf("vonage-api-url must not be empty")
	}
	if (c.VonageAppID == "") != (c.VonagePrivateKey == "") {
		return fmt.Errorf("vonage-application-id and vonage-private-key must both be provided or both be omitted")
	}

	if c.Guard < 0 || c.LatencyCorrection < 0 || c.StopSettleDelay < 0 {
		return fmt.Errorf("guard, latency-correction and stop-settle-delay must not be negative")
	}
	// The completion timer is armed once the provider accepts the stream,
	// but audio reaches the caller LatencyCorrection after it was requested.
	if c.Guard < c.LatencyCorrection {
		return fmt.Errorf("guard (%s) must not be shorter than latency-correction (%s)", c.Guard, c.LatencyCorrection)
	}
	if c.FragmentMaxAge < time.Minute {
		return fmt.Errorf("fragment-max-age must be at least 1m, got %s", c.FragmentMaxAge)
	}

	if c.SessionIdle < time.Minute {
		return fmt.Errorf("session-idle must be at least 1m, got %s", c.SessionIdle)
	}

	if c.AdminSecret != "" {
		if _, err := c.AdminSecretBytes(); err != nil {
			return err
		}
	}

	if c.AudioDir == "" {
		c.AudioDir = filepath.Join(c.DataDir, "audio")
	}
	if c.FragmentDir == "" {
		c.FragmentDir = filepath.Join(c.DataDir, "fragments")
	}
	if c.SilenceURL == "" {
		c.SilenceURL = c.PublicURL + "/static/silence.wav"
	}
	return nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// VonageEnabled reports whether provider credentials are configured.
func (c *Config) VonageEnabled() bool {
	return c.VonageAppID != ""
}

// AdminSecretBytes returns the decoded admin token secret, or nil if the
// admin API is unauthenticated.
func (c *Config) AdminSecretBytes() ([]byte, error) {
	if c.AdminSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AdminSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding admin secret: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("admin secret must decode to at least 32 bytes, got %d", len(key))
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
