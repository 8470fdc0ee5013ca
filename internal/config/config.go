// Package config loads the gatehouse server configuration.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// GATEHOUSE_* environment variables. Command-line flags are applied last by
// the cmd package.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GATEHOUSE_"

// Duration is a time.Duration that decodes from strings such as "30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the server configuration.
type Config struct {
	Listen   string `toml:"listen"`
	TLSCert  string `toml:"tls_cert"`
	TLSKey   string `toml:"tls_key"`
	LogLevel string `toml:"log_level"`

	// Backend selects the credential store: file, postgres or memory.
	Backend     string `toml:"backend"`
	UsersFile   string `toml:"users_file"`
	DatabaseURL string `toml:"database_url"`

	// SessionBackend selects the session store: memory or bbolt.
	SessionBackend string `toml:"session_backend"`
	SessionDB      string `toml:"session_db"`
	// SessionKey is the hex-encoded 32-byte key sealing bbolt sessions.
	SessionKey string `toml:"session_key"`

	IdleTimeout   Duration `toml:"idle_timeout"`
	MaxLifetime   Duration `toml:"max_lifetime"`
	SweepInterval Duration `toml:"sweep_interval"`
	CookiePath    string   `toml:"cookie_path"`

	TrustedProxies []string `toml:"trusted_proxies"`

	HashAlgorithm string `toml:"hash_algorithm"`
	BcryptCost    int    `toml:"bcrypt_cost"`

	RegistrationInterval Duration `toml:"registration_interval"`
	RegistrationBurst    int      `toml:"registration_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:               "127.0.0.1:8080",
		LogLevel:             "info",
		Backend:              "file",
		UsersFile:            "gatehouse-users.json",
		SessionBackend:       "memory",
		SessionDB:            "gatehouse-sessions.db",
		IdleTimeout:          Duration{30 * time.Minute},
		MaxLifetime:          Duration{24 * time.Hour},
		SweepInterval:        Duration{5 * time.Minute},
		CookiePath:           "/",
		HashAlgorithm:        "bcrypt",
		BcryptCost:           10,
		RegistrationInterval: Duration{10 * time.Minute},
		RegistrationBurst:    3,
	}
}

// Load returns the defaults overlaid with the TOML file at path (if path is
// not empty) and the process environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes the file at path into cfg. Unknown keys are an error.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown configuration keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays GATEHOUSE_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		return nil
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("LISTEN", &c.Listen)
	str("TLS_CERT", &c.TLSCert)
	str("TLS_KEY", &c.TLSKey)
	str("LOG_LEVEL", &c.LogLevel)
	str("BACKEND", &c.Backend)
	str("USERS_FILE", &c.UsersFile)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SESSION_BACKEND", &c.SessionBackend)
	str("SESSION_DB", &c.SessionDB)
	str("SESSION_KEY", &c.SessionKey)
	str("COOKIE_PATH", &c.CookiePath)
	str("HASH_ALGORITHM", &c.HashAlgorithm)
	if v, ok := lookup(EnvPrefix + "TRUSTED_PROXIES"); ok {
		c.TrustedProxies = splitList(v)
	}

	for name, dst := range map[string]*Duration{
		"IDLE_TIMEOUT":          &c.IdleTimeout,
		"MAX_LIFETIME":          &c.MaxLifetime,
		"SWEEP_INTERVAL":        &c.SweepInterval,
		"REGISTRATION_INTERVAL": &c.RegistrationInterval,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	if err := num("BCRYPT_COST", &c.BcryptCost); err != nil {
		return err
	}
	return num("REGISTRATION_BURST", &c.RegistrationBurst)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SessionKeyBytes decodes SessionKey.
func (c *Config) SessionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.SessionKey))
	if err != nil {
		return nil, fmt.Errorf("session_key: %w", err)
	}
	return key, nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Listen == "" {
		add("listen", "must not be empty")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		add("tls_cert", "tls_cert and tls_key must be set together")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("log_level", "invalid level %q, must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Backend {
	case "file":
		if c.UsersFile == "" {
			add("users_file", "required for the file backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			add("database_url", "required for the postgres backend")
		}
	case "memory":
	default:
		add("backend", "invalid backend %q, must be one of: file, postgres, memory", c.Backend)
	}

	switch c.SessionBackend {
	case "memory":
	case "bbolt":
		if c.SessionDB == "" {
			add("session_db", "required for the bbolt session backend")
		}
		if key, err := c.SessionKeyBytes(); err != nil || len(key) != 32 {
			add("session_key", "must be 64 hex characters (32 bytes)")
		}
	default:
		add("session_backend", "invalid session backend %q, must be one of: memory, bbolt", c.SessionBackend)
	}

	if c.IdleTimeout.Duration <= 0 {
		add("idle_timeout", "must be positive")
	}
	if c.MaxLifetime.Duration < 0 {
		add("max_lifetime", "must not be negative")
	}
	if c.SweepInterval.Duration <= 0 {
		add("sweep_interval", "must be positive")
	}
	if !strings.HasPrefix(c.CookiePath, "/") {
		add("cookie_path", "must start with /")
	}

	switch c.HashAlgorithm {
	case "bcrypt", "argon2id":
	default:
		add("hash_algorithm", "invalid algorithm %q, must be one of: bcrypt, argon2id", c.HashAlgorithm)
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		add("bcrypt_cost", "must be between 4 and 31")
	}
	if c.RegistrationInterval.Duration <= 0 {
		add("registration_interval", "must be positive")
	}
	if c.RegistrationBurst < 1 {
		add("registration_burst", "must be at least 1")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
