package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recall/internal/leitner"
	"github.com/conorfennell/recall/internal/reminder"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return Load(fs)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "recall.db", cfg.Database.Path)
	assert.Equal(t, leitner.DefaultIntervals, cfg.Scheduler.Intervals)
	assert.Equal(t, 365*24*time.Hour, cfg.Scheduler.Horizon)
	assert.Equal(t, 5*time.Minute, cfg.Dispatcher.Interval)
	assert.Equal(t, 500, cfg.Dispatcher.BatchSize)
	assert.Equal(t, reminder.DefaultBackoff, cfg.Backoff())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.LeaseEnabled())
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
database:
  path: /var/lib/recall/file.db
dispatcher:
  batch_size: 50
  workers: 4
scheduler:
  intervals: ["5m", "1h", "24h"]
`)
	t.Setenv("RECALL_DISPATCHER__BATCH_SIZE", "75")
	t.Setenv("RECALL_HTTP__ADDR", "127.0.0.1:9000")

	cfg, err := load(t, "--config", path, "--workers", "2")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level, "file beats default")
	assert.Equal(t, "/var/lib/recall/file.db", cfg.Database.Path)
	assert.Equal(t, 75, cfg.Dispatcher.BatchSize, "env beats file")
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr, "env beats default")
	assert.Equal(t, 2, cfg.Dispatcher.Workers, "set flag beats file")
	assert.Equal(t, []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour}, cfg.Scheduler.Intervals)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.SendTimeout, "untouched keys keep their default")
}

func TestLoadIntervalsFromFlag(t *testing.T) {
	cfg, err := load(t, "--intervals", "1m,1h")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, time.Hour}, cfg.Scheduler.Intervals)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"unknown log level", []string{"--log-level", "loud"}},
		{"jitter too large", []string{"--jitter", "0.5"}},
		{"zero workers", []string{"--workers", "0"}},
		{"cap below base", []string{"--backoff-base", "1h", "--backoff-cap", "1m"}},
		{"intervals not increasing", []string{"--intervals", "1h,1m"}},
		{"retry bin out of range", []string{"--intervals", "1m,1h", "--retry-bin", "2"}},
		{"bad mail sender", []string{"--mail-from", "not-an-address"}},
		{"lease shorter than scan interval", []string{"--lease-redis-addr", "localhost:6379", "--lease-ttl", "4m"}},
		{"lease shorter than interval plus sends", []string{"--lease-redis-addr", "localhost:6379", "--lease-ttl", "6m", "--send-timeout", "1m"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.args...)
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func TestLoadLeaseTTL(t *testing.T) {
	cfg, err := load(t, "--lease-redis-addr", "localhost:6379")
	require.NoError(t, err)
	assert.True(t, cfg.LeaseEnabled())
	assert.Equal(t, 10*time.Minute, cfg.Lease.TTL)

	// Without a lease the TTL is not checked against the interval.
	_, err = load(t, "--lease-ttl", "1m")
	require.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load config file")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "dispatcher.send_timeout", envKey("RECALL_DISPATCHER__SEND_TIMEOUT"))
	assert.Equal(t, "lease.addr", envKey("RECALL_LEASE__ADDR"))
}
