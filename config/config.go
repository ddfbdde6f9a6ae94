// Package config loads the publisher configuration: logging plus a list
// of endpoint entries, each describing an HTTP endpoint, a message-bus
// endpoint, or both.
//
// Precedence, highest to lowest: command-line flags, environment
// variables, YAML file, defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/aquamarinepk/epcp/log"
	"github.com/aquamarinepk/epcp/validation"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds the library configuration.
type Config struct {
	Log       LogConfig  `koanf:"log"`
	Endpoints []Endpoint `koanf:"endpoints"`

	k      *koanf.Koanf
	logger log.Logger
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `koanf:"level"`
}

// Endpoint is one apply_config entry. An entry with a URI produces an
// HTTP client; an entry with any of the zmq URIs produces a message-bus
// client; one entry may produce both. An entry with a NATS URL produces
// a broker-backed client.
type Endpoint struct {
	// URI is the base URL of an HTTP publishing endpoint.
	URI string `koanf:"uri"`

	// ISS and Key configure bearer-token auth for the HTTP endpoint.
	ISS string `koanf:"iss"`
	Key string `koanf:"key"`

	// User and Pass configure basic auth for the HTTP endpoint.
	User string `koanf:"user"`
	Pass string `koanf:"pass"`

	// ZmqURI is the command-socket URI used for URI discovery.
	ZmqURI string `koanf:"zmq_uri"`

	// ZmqPushURI and ZmqPubURI are the data URIs for the two publish modes.
	ZmqPushURI string `koanf:"zmq_push_uri"`
	ZmqPubURI  string `koanf:"zmq_pub_uri"`

	// NATSURL enables a broker-backed client.
	NATSURL string `koanf:"nats_url"`

	// RequireSubscribers gates publishes on channel subscription state.
	RequireSubscribers bool `koanf:"require_subscribers"`
}

// Option configures Config during initialization.
type Option func(*configOptions) error

type configOptions struct {
	prefix       string
	file         string
	raw          []byte
	flags        *pflag.FlagSet
	defaults     map[string]interface{}
	envExpansion bool
}

// WithPrefix sets the environment variable prefix (e.g. "EPCP_").
func WithPrefix(prefix string) Option {
	return func(opts *configOptions) error {
		opts.prefix = prefix
		return nil
	}
}

// WithFile loads configuration from a YAML file.
func WithFile(path string) Option {
	return func(opts *configOptions) error {
		opts.file = path
		return nil
	}
}

// WithRawYAML loads configuration from an in-memory YAML document.
func WithRawYAML(raw []byte) Option {
	return func(opts *configOptions) error {
		opts.raw = raw
		return nil
	}
}

// WithFlags overlays values from a parsed pflag set.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(opts *configOptions) error {
		opts.flags = flags
		return nil
	}
}

// WithDefaults provides default values via a map.
func WithDefaults(defaults map[string]interface{}) Option {
	return func(opts *configOptions) error {
		opts.defaults = defaults
		return nil
	}
}

// WithEnvExpansion enables ${VAR} expansion in config files.
func WithEnvExpansion() Option {
	return func(opts *configOptions) error {
		opts.envExpansion = true
		return nil
	}
}

// New creates a new Config with logger and options.
func New(logger log.Logger, opts ...Option) (*Config, error) {
	cfg := &Config{
		logger: logger,
		k:      koanf.New("."),
	}

	options := &configOptions{
		defaults: make(map[string]interface{}),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, fmt.Errorf("cannot apply option: %w", err)
		}
	}

	baselineDefaults := map[string]interface{}{
		"log.level": "info",
	}
	for k, v := range baselineDefaults {
		if _, exists := options.defaults[k]; !exists {
			options.defaults[k] = v
		}
	}

	if err := cfg.k.Load(confmap.Provider(options.defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("cannot load defaults: %w", err)
	}

	raw := options.raw
	if options.file != "" {
		data, err := os.ReadFile(options.file)
		if err != nil {
			logger.Debugf("Config file not found: %s (using defaults)", options.file)
		} else {
			raw = data
			logger.Debugf("Loaded config from file: %s", options.file)
		}
	}
	if raw != nil {
		if options.envExpansion {
			raw = []byte(os.ExpandEnv(string(raw)))
		}
		if err := cfg.k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	if options.prefix != "" {
		if err := cfg.k.Load(env.Provider(options.prefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(s, options.prefix)), "_", ".", -1)
		}), nil); err != nil {
			return nil, fmt.Errorf("cannot load environment variables: %w", err)
		}
	}

	if options.flags != nil {
		if err := cfg.k.Load(posflag.Provider(options.flags, ".", cfg.k), nil); err != nil {
			return nil, fmt.Errorf("cannot load flags: %w", err)
		}
	}

	if err := cfg.k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Infof("Configuration loaded: endpoints=%d, log=%s",
		len(cfg.Endpoints), cfg.Log.Level)

	return cfg, nil
}

// GetString returns the string value for the given path.
func (c *Config) GetString(path string) string {
	return c.k.String(path)
}

// GetBool returns the bool value for the given path.
func (c *Config) GetBool(path string) bool {
	return c.k.Bool(path)
}

// Exists returns true if the given path exists in the configuration.
func (c *Config) Exists(path string) bool {
	return c.k.Exists(path)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be 'debug', 'info', or 'error', got '%s'", c.Log.Level)
	}

	var errs validation.ValidationErrors
	for i, entry := range c.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		entry.validate(field, &errs)
	}
	return errs.OrNil()
}

func (e Endpoint) validate(field string, errs *validation.ValidationErrors) {
	hasTransport := false

	if e.URI != "" {
		hasTransport = true
		errs.AddErr(field+".uri", validation.ValidateHTTPURI(e.URI))
		if e.ISS != "" && e.Key == "" {
			errs.Add(field+".key", "required when iss is set")
		}
	}

	for name, uri := range map[string]string{
		".zmq_uri":      e.ZmqURI,
		".zmq_push_uri": e.ZmqPushURI,
		".zmq_pub_uri":  e.ZmqPubURI,
	} {
		if uri != "" {
			hasTransport = true
			errs.AddErr(field+name, validation.ValidateBusURI(uri))
		}
	}

	if e.NATSURL != "" {
		hasTransport = true
	}

	if !hasTransport {
		errs.Add(field, "entry configures no transport")
	}
}
