package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snowquery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sample = `
account:
  name: ${ACCOUNT}
  user: loader
  warehouse: COMPUTE_WH
  database: ANALYTICS
  schema: PUBLIC
  private_key_path: /keys/rsa_key.p8
session:
  safety_margin: 2m
transport:
  timeout: 30s
  max_retries: 5
statement:
  timeout: 10m
  poll_initial: 50ms
  poll_max: 2s
  throttle_statuses: [429, 503]
result:
  workers: 8
logging:
  level: debug
  format: console
`

func TestLoadFileWithExpansionAndDefaults(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, err := Load(path, mapLookup(map[string]string{"ACCOUNT": "xy12345"}))
	require.NoError(t, err)

	assert.Equal(t, "xy12345", cfg.Account.Name)
	assert.Equal(t, "COMPUTE_WH", cfg.Account.Warehouse)
	assert.Equal(t, 2*time.Minute, cfg.Session.SafetyMargin)
	assert.Equal(t, time.Hour, cfg.Session.TokenLifetime)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 5, cfg.Transport.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Statement.Timeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Statement.PollInitial)
	assert.Equal(t, []int{429, 503}, cfg.Statement.ThrottleStatuses)
	assert.Equal(t, []string{"333333", "333334"}, cfg.Statement.InProgressCodes)
	assert.Equal(t, float64(2), cfg.Statement.PollMultiplier)
	assert.Equal(t, 8, cfg.Result.Workers)
	assert.Equal(t, 4, cfg.Stage.Parallel)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, sample)
	cfg, err := Load(path, mapLookup(map[string]string{
		"ACCOUNT":                     "xy12345",
		"SNOWQUERY_WAREHOUSE":         " ETL_WH ",
		"SNOWQUERY_STATEMENT_TIMEOUT": "45s",
		"SNOWQUERY_RESULT_WORKERS":    "2",
		"SNOWQUERY_LOG_LEVEL":         "warn",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ETL_WH", cfg.Account.Warehouse)
	assert.Equal(t, 45*time.Second, cfg.Statement.Timeout)
	assert.Equal(t, 2, cfg.Result.Workers)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	cfg, err := Load("", mapLookup(map[string]string{
		"SNOWQUERY_ACCOUNT":          "acct",
		"SNOWQUERY_USER":             "bob",
		"SNOWQUERY_PRIVATE_KEY_PATH": "/k.p8",
	}))
	require.NoError(t, err)
	assert.Equal(t, "acct", cfg.Account.Name)
	assert.Equal(t, 60*time.Second, cfg.Transport.Timeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("", nil)
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), mapLookup(nil))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "account: [unclosed"), mapLookup(nil))
	require.Error(t, err)

	_, err = Load("", mapLookup(map[string]string{
		"SNOWQUERY_ACCOUNT":          "acct",
		"SNOWQUERY_USER":             "bob",
		"SNOWQUERY_PRIVATE_KEY_PATH": "/k.p8",
		"SNOWQUERY_HTTP_TIMEOUT":     "soon",
	}))
	require.ErrorContains(t, err, "SNOWQUERY_HTTP_TIMEOUT")

	_, err = Load("", mapLookup(map[string]string{"SNOWQUERY_RESULT_WORKERS": "many"}))
	require.ErrorContains(t, err, "SNOWQUERY_RESULT_WORKERS")
}

func TestValidate(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account.name is required")
	assert.Contains(t, err.Error(), "account.user is required")
	assert.Contains(t, err.Error(), "account.private_key_path is required")

	cfg := Default()
	cfg.Account = AccountConfig{Name: "a", User: "u", PrivateKeyPath: "/k"}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Statement.PollMultiplier = 0.5
	require.ErrorContains(t, bad.Validate(), "poll_multiplier")

	bad = cfg
	bad.Statement.PollMax = time.Millisecond
	require.ErrorContains(t, bad.Validate(), "poll_max")

	bad = cfg
	bad.Result.Workers = -1
	require.Error(t, bad.Validate())

	off := cfg
	off.Transport.MaxRetries = -1
	off.Statement.MaxThrottleRetries = -1
	require.NoError(t, off.Validate())
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "rsa_key.p8")
	require.NoError(t, os.WriteFile(keyPath, []byte("private"), 0o600))
	pubPath := filepath.Join(dir, "rsa_key.pub")
	require.NoError(t, os.WriteFile(pubPath, []byte("public"), 0o600))

	cfg := Default()
	cfg.Account = AccountConfig{Name: "acct", User: "bob", Role: "R", PrivateKeyPath: keyPath, PublicKeyPath: pubPath}
	cfg.Statement.Timeout = time.Minute
	cfg.Logging.Level = ""

	cc, err := cfg.Client()
	require.NoError(t, err)
	assert.Equal(t, "acct", cc.Account)
	assert.Equal(t, "R", cc.Role)
	assert.Equal(t, []byte("private"), cc.PrivateKey)
	assert.Equal(t, []byte("public"), cc.PublicKey)
	assert.Equal(t, time.Minute, cc.Policy.Timeout)
	assert.Equal(t, 4, cc.Workers)
	assert.Equal(t, time.Hour, cc.ExpireAfter)

	cfg.Account.PrivateKeyPath = filepath.Join(dir, "missing")
	_, err = cfg.Client()
	require.Error(t, err)

	cfg.Account.PrivateKeyPath = keyPath
	cfg.Logging.Level = "loud"
	_, err = cfg.Client()
	require.Error(t, err)
}
