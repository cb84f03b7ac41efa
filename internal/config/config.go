// Package config loads client settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vjain20/snowquery/internal/observability"
	"github.com/vjain20/snowquery/internal/result"
	"github.com/vjain20/snowquery/internal/session"
	"github.com/vjain20/snowquery/internal/stage"
	"github.com/vjain20/snowquery/internal/statement"
	"github.com/vjain20/snowquery/internal/transport"
	"github.com/vjain20/snowquery/snowapi"
)

// LookupFunc reads an environment variable; os.LookupEnv in production.
type LookupFunc func(string) (string, bool)

// Config is the file layout of snowquery.yaml. Every section is optional.
type Config struct {
	Account   AccountConfig           `yaml:"account"`
	Session   SessionConfig           `yaml:"session"`
	Transport TransportConfig         `yaml:"transport"`
	Statement StatementConfig         `yaml:"statement"`
	Result    ResultConfig            `yaml:"result"`
	Stage     StageConfig             `yaml:"stage"`
	Logging   observability.LogConfig `yaml:"logging"`
}

// AccountConfig names the account, identity and key files.
type AccountConfig struct {
	Name           string `yaml:"name"`
	User           string `yaml:"user"`
	Role           string `yaml:"role"`
	Database       string `yaml:"database"`
	Schema         string `yaml:"schema"`
	Warehouse      string `yaml:"warehouse"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path"`
	BaseURL        string `yaml:"base_url"`
}

// SessionConfig tunes token renewal.
type SessionConfig struct {
	SafetyMargin  time.Duration `yaml:"safety_margin"`
	TokenLifetime time.Duration `yaml:"token_lifetime"`
}

// TransportConfig tunes the HTTP client.
type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries of zero uses the default; a negative value disables
	// retries.
	MaxRetries int `yaml:"max_retries"`
}

// StatementConfig tunes polling, throttling and the statement deadline.
// A negative max_throttle_retries fails on the first throttled response;
// zero uses the default.
type StatementConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	PollInitial         time.Duration `yaml:"poll_initial"`
	PollMax             time.Duration `yaml:"poll_max"`
	PollMultiplier      float64       `yaml:"poll_multiplier"`
	MaxThrottleRetries  int           `yaml:"max_throttle_retries"`
	ThrottleInitial     time.Duration `yaml:"throttle_initial"`
	ThrottleMax         time.Duration `yaml:"throttle_max"`
	InProgressCodes     []string      `yaml:"in_progress_codes"`
	SessionExpiredCodes []string      `yaml:"session_expired_codes"`
	ThrottleStatuses    []int         `yaml:"throttle_statuses"`
}

// ResultConfig bounds concurrent chunk downloads.
type ResultConfig struct {
	Workers int `yaml:"workers"`
}

// StageConfig tunes PUT uploads.
type StageConfig struct {
	Parallel  int   `yaml:"parallel"`
	Threshold int64 `yaml:"threshold"`
}

// Default returns the settings used for anything a file or the environment
// leaves unset.
func Default() Config {
	p := statement.DefaultPolicy()
	return Config{
		Session: SessionConfig{
			SafetyMargin:  session.DefaultSafetyMargin,
			TokenLifetime: time.Hour,
		},
		Transport: TransportConfig{
			Timeout:    transport.DefaultTimeout,
			MaxRetries: transport.DefaultMaxRetries,
		},
		Statement: StatementConfig{
			Timeout:             p.Timeout,
			PollInitial:         p.PollInitial,
			PollMax:             p.PollMax,
			PollMultiplier:      p.PollMultiplier,
			MaxThrottleRetries:  p.MaxThrottleRetries,
			ThrottleInitial:     p.ThrottleInitial,
			ThrottleMax:         p.ThrottleMax,
			InProgressCodes:     p.InProgressCodes,
			SessionExpiredCodes: p.SessionExpiredCodes,
			ThrottleStatuses:    p.ThrottleStatuses,
		},
		Result: ResultConfig{Workers: result.DefaultWorkers},
		Stage: StageConfig{
			Parallel:  stage.DefaultParallel,
			Threshold: stage.DefaultThreshold,
		},
		Logging: observability.LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFile loads path and applies overrides from the process environment.
func LoadFile(path string) (Config, error) {
	return Load(path, os.LookupEnv)
}

// Load reads the YAML file at path, when path is non-empty, on top of the
// defaults. ${VAR} references in the file are expanded through lookup, then
// SNOWQUERY_* variables override individual settings.
func Load(path string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data), lookup))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := applyEnv(lookup, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string, lookup LookupFunc) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		v, _ := lookup(match[2 : len(match)-1])
		return v
	})
}

func applyEnv(lookup LookupFunc, cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SNOWQUERY_ACCOUNT", &cfg.Account.Name},
		{"SNOWQUERY_USER", &cfg.Account.User},
		{"SNOWQUERY_ROLE", &cfg.Account.Role},
		{"SNOWQUERY_DATABASE", &cfg.Account.Database},
		{"SNOWQUERY_SCHEMA", &cfg.Account.Schema},
		{"SNOWQUERY_WAREHOUSE", &cfg.Account.Warehouse},
		{"SNOWQUERY_PRIVATE_KEY_PATH", &cfg.Account.PrivateKeyPath},
		{"SNOWQUERY_PUBLIC_KEY_PATH", &cfg.Account.PublicKeyPath},
		{"SNOWQUERY_BASE_URL", &cfg.Account.BaseURL},
		{"SNOWQUERY_LOG_LEVEL", &cfg.Logging.Level},
		{"SNOWQUERY_LOG_FORMAT", &cfg.Logging.Format},
	}
	for _, s := range strs {
		applyString(lookup, s.key, s.dst)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SNOWQUERY_SESSION_SAFETY_MARGIN", &cfg.Session.SafetyMargin},
		{"SNOWQUERY_TOKEN_LIFETIME", &cfg.Session.TokenLifetime},
		{"SNOWQUERY_HTTP_TIMEOUT", &cfg.Transport.Timeout},
		{"SNOWQUERY_STATEMENT_TIMEOUT", &cfg.Statement.Timeout},
		{"SNOWQUERY_POLL_INITIAL", &cfg.Statement.PollInitial},
		{"SNOWQUERY_POLL_MAX", &cfg.Statement.PollMax},
	}
	for _, d := range durations {
		if err := applyDuration(lookup, d.key, d.dst); err != nil {
			return err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SNOWQUERY_MAX_RETRIES", &cfg.Transport.MaxRetries},
		{"SNOWQUERY_MAX_THROTTLE_RETRIES", &cfg.Statement.MaxThrottleRetries},
		{"SNOWQUERY_RESULT_WORKERS", &cfg.Result.Workers},
		{"SNOWQUERY_STAGE_PARALLEL", &cfg.Stage.Parallel},
	}
	for _, i := range ints {
		if err := applyInt(lookup, i.key, i.dst); err != nil {
			return err
		}
	}
	return nil
}

func applyString(lookup LookupFunc, key string, dst *string) {
	raw, ok := lookup(key)
	if !ok {
		return
	}
	*dst = strings.TrimSpace(raw)
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Account.Name) == "" {
		errs = append(errs, errors.New("account.name is required"))
	}
	if strings.TrimSpace(c.Account.User) == "" {
		errs = append(errs, errors.New("account.user is required"))
	}
	if strings.TrimSpace(c.Account.PrivateKeyPath) == "" {
		errs = append(errs, errors.New("account.private_key_path is required"))
	}
	if c.Session.SafetyMargin < 0 || c.Session.TokenLifetime < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if c.Transport.Timeout < 0 {
		errs = append(errs, errors.New("transport.timeout must not be negative"))
	}
	if c.Statement.Timeout < 0 || c.Statement.PollInitial < 0 || c.Statement.PollMax < 0 {
		errs = append(errs, errors.New("statement durations must not be negative"))
	}
	if c.Statement.PollMultiplier != 0 && c.Statement.PollMultiplier < 1 {
		errs = append(errs, fmt.Errorf("statement.poll_multiplier must be at least 1, got %v", c.Statement.PollMultiplier))
	}
	if c.Statement.PollMax != 0 && c.Statement.PollMax < c.Statement.PollInitial {
		errs = append(errs, errors.New("statement.poll_max must not be below poll_initial"))
	}
	if c.Result.Workers < 0 || c.Stage.Parallel < 0 || c.Stage.Threshold < 0 {
		errs = append(errs, errors.New("result.workers, stage.parallel and stage.threshold must not be negative"))
	}
	return errors.Join(errs...)
}

// Client reads the key files and maps the settings onto a client config.
func (c Config) Client() (snowapi.Config, error) {
	privateKey, err := os.ReadFile(c.Account.PrivateKeyPath)
	if err != nil {
		return snowapi.Config{}, fmt.Errorf("reading private key: %w", err)
	}
	var publicKey []byte
	if c.Account.PublicKeyPath != "" {
		publicKey, err = os.ReadFile(c.Account.PublicKeyPath)
		if err != nil {
			return snowapi.Config{}, fmt.Errorf("reading public key: %w", err)
		}
	}
	logger, err := observability.NewLogger(c.Logging, nil)
	if err != nil {
		return snowapi.Config{}, err
	}

	return snowapi.Config{
		Account:       c.Account.Name,
		User:          c.Account.User,
		Role:          c.Account.Role,
		Database:      c.Account.Database,
		Schema:        c.Account.Schema,
		Warehouse:     c.Account.Warehouse,
		PrivateKey:    privateKey,
		PublicKey:     publicKey,
		ExpireAfter:   c.Session.TokenLifetime,
		HTTPTimeout:   c.Transport.Timeout,
		BaseURL:       c.Account.BaseURL,
		MaxRetries:    c.Transport.MaxRetries,
		SessionMargin: c.Session.SafetyMargin,
		Policy: snowapi.Policy{
			InProgressCodes:     c.Statement.InProgressCodes,
			SessionExpiredCodes: c.Statement.SessionExpiredCodes,
			ThrottleStatuses:    c.Statement.ThrottleStatuses,
			MaxThrottleRetries:  c.Statement.MaxThrottleRetries,
			ThrottleInitial:     c.Statement.ThrottleInitial,
			ThrottleMax:         c.Statement.ThrottleMax,
			PollInitial:         c.Statement.PollInitial,
			PollMax:             c.Statement.PollMax,
			PollMultiplier:      c.Statement.PollMultiplier,
			Timeout:             c.Statement.Timeout,
		},
		Workers:        c.Result.Workers,
		StageParallel:  c.Stage.Parallel,
		StageThreshold: c.Stage.Threshold,
		Logger:         logger,
	}, nil
}
