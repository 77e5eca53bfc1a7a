// Package config loads recall's settings from flag defaults, an optional YAML
// file, RECALL_* environment variables and explicitly set flags, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/leitner"
	"github.com/conorfennell/recall/internal/reminder"
)

// EnvPrefix prefixes every environment override. Nested keys use a double
// underscore: RECALL_DISPATCHER__BATCH_SIZE sets dispatcher.batch_size.
const EnvPrefix = "RECALL_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	HTTP       HTTPConfig       `koanf:"http"`
	Lease      LeaseConfig      `koanf:"lease"`
	Sources    SourcesConfig    `koanf:"sources"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type SchedulerConfig struct {
	Intervals []time.Duration `koanf:"intervals" validate:"min=1,dive,gt=0"`
	RetryBin  int             `koanf:"retry_bin" validate:"gte=0"`
	Horizon   time.Duration   `koanf:"horizon" validate:"gt=0"`
	PageSize  int             `koanf:"page_size" validate:"gt=0"`
}

type DispatcherConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize   int           `koanf:"batch_size" validate:"gt=0,lte=10000"`
	Workers     int           `koanf:"workers" validate:"gt=0,lte=256"`
	SendTimeout time.Duration `koanf:"send_timeout" validate:"gt=0"`
	BackoffBase time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffCap  time.Duration `koanf:"backoff_cap" validate:"gtefield=BackoffBase"`
	Jitter      float64       `koanf:"jitter" validate:"gte=0,lte=0.3"`
	MaxAttempts int           `koanf:"max_attempts" validate:"gt=0"`
	MailFrom    string        `koanf:"mail_from" validate:"omitempty,email"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// LeaseConfig configures the optional Redis scan lease. An empty Addr
// disables it.
type LeaseConfig struct {
	Addr string        `koanf:"addr"`
	Key  string        `koanf:"key" validate:"required_with=Addr"`
	TTL  time.Duration `koanf:"ttl" validate:"gt=0"`
}

type SourcesConfig struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
}

// flagKeys maps flag names to configuration keys. Flags missing here, such
// as --config, are not configuration values.
var flagKeys = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"db":               "database.path",
	"intervals":        "scheduler.intervals",
	"retry-bin":        "scheduler.retry_bin",
	"horizon":          "scheduler.horizon",
	"page-size":        "scheduler.page_size",
	"scan-interval":    "dispatcher.interval",
	"batch-size":       "dispatcher.batch_size",
	"workers":          "dispatcher.workers",
	"send-timeout":     "dispatcher.send_timeout",
	"backoff-base":     "dispatcher.backoff_base",
	"backoff-cap":      "dispatcher.backoff_cap",
	"jitter":           "dispatcher.jitter",
	"max-attempts":     "dispatcher.max_attempts",
	"mail-from":        "dispatcher.mail_from",
	"http-addr":        "http.addr",
	"lease-redis-addr": "lease.addr",
	"lease-key":        "lease.key",
	"lease-ttl":        "lease.ttl",
	"repos-dir":        "sources.repos_dir",
}

// RegisterFlags adds every configuration flag, with its default, to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	intervals := make([]string, len(leitner.DefaultIntervals))
	for i, d := range leitner.DefaultIntervals {
		intervals[i] = d.String()
	}

	fs.String("config", "", "path to a YAML config file")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("db", "recall.db", "path to the SQLite database")
	fs.StringSlice("intervals", intervals, "review interval of each bin, shortest first")
	fs.Int("retry-bin", 0, "bin a card returns to after an incorrect answer")
	fs.Duration("horizon", 365*24*time.Hour, "how far ahead a deck counts as temporarily complete")
	fs.Int("page-size", 100, "cards fetched per page of the due queue")
	fs.Duration("scan-interval", 5*time.Minute, "time between reminder scans")
	fs.Int("batch-size", 500, "reminders fetched per page of a scan")
	fs.Int("workers", 8, "reminders dispatched concurrently")
	fs.Duration("send-timeout", 30*time.Second, "timeout of a single channel send")
	fs.Duration("backoff-base", reminder.DefaultBackoff.Base, "delay before the first retry")
	fs.Duration("backoff-cap", reminder.DefaultBackoff.Cap, "longest delay between retries")
	fs.Float64("jitter", reminder.DefaultBackoff.Jitter, "relative retry jitter, at most 0.3")
	fs.Int("max-attempts", reminder.DefaultBackoff.MaxAttempts, "attempts before a reminder is dead-lettered")
	fs.String("mail-from", "", "sender address of email and calendar reminders")
	fs.String("http-addr", ":8080", "HTTP listen address")
	fs.String("lease-redis-addr", "", "Redis address of the scan lease; empty disables it")
	fs.String("lease-key", "recall:scan-lease", "Redis key of the scan lease")
	fs.Duration("lease-ttl", 10*time.Minute, "scan lease expiry")
	fs.String("repos-dir", "repos", "directory git sources are cloned into")
}

// Load builds the configuration from fs, which must carry the flags added by
// RegisterFlags and have been parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path, _ := fs.GetString("config"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Unchanged flags only fill keys that are still missing, so their
	// defaults sit below the file and the environment.
	flags := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(fs, f)
	})
	if err := k.Load(flags, nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules of the
// scheduler, backoff and lease settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := leitner.New(c.LeitnerConfig()); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.LeaseEnabled() {
		// The lease must outlive a scan tick plus one reminder sending on
		// every channel, or a second instance starts an overlapping scan.
		minTTL := c.Dispatcher.Interval + time.Duration(len(domain.Channels))*c.Dispatcher.SendTimeout
		if c.Lease.TTL <= minTTL {
			return fmt.Errorf("invalid configuration: lease ttl %s must exceed scan interval plus send timeout per channel (%s)", c.Lease.TTL, minTTL)
		}
	}
	return nil
}

// LeitnerConfig returns the scheduler settings.
func (c *Config) LeitnerConfig() leitner.Config {
	return leitner.Config{Intervals: c.Scheduler.Intervals, RetryBin: c.Scheduler.RetryBin}
}

// Backoff returns the dispatcher retry policy.
func (c *Config) Backoff() reminder.Backoff {
	return reminder.Backoff{
		Base:        c.Dispatcher.BackoffBase,
		Cap:         c.Dispatcher.BackoffCap,
		MaxAttempts: c.Dispatcher.MaxAttempts,
		Jitter:      c.Dispatcher.Jitter,
	}
}

// LeaseEnabled reports whether scans take a Redis lease.
func (c *Config) LeaseEnabled() bool {
	return c.Lease.Addr != ""
}
