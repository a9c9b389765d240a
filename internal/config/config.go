package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. FACTLOG_REDUCER_STALE_DAYS.
const EnvPrefix = "FACTLOG"

// Config holds all factlog configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Reducer  ReducerConfig  `mapstructure:"reducer" yaml:"reducer"`
	Ranking  RankingConfig  `mapstructure:"ranking" yaml:"ranking"`
	Ingest   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`

	// Source is the config file that was read, if any.
	Source string `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	Bind        string  `mapstructure:"bind" yaml:"bind"`
	Port        int     `mapstructure:"port" yaml:"port"`
	IngestRate  float64 `mapstructure:"ingest_rate" yaml:"ingest_rate"` // submissions/sec per scope, 0 = unlimited
	IngestBurst int     `mapstructure:"ingest_burst" yaml:"ingest_burst"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // json, console
}

// ReducerConfig tunes the lifecycle reduction pass.
type ReducerConfig struct {
	StaleDays       int  `mapstructure:"stale_days" yaml:"stale_days"`
	WindowHours     int  `mapstructure:"window_hours" yaml:"window_hours"`
	IntervalMinutes int  `mapstructure:"interval_minutes" yaml:"interval_minutes"` // 0 disables the scheduler
	EnableGitHub    bool `mapstructure:"enable_github" yaml:"enable_github"`
	EnableJira      bool `mapstructure:"enable_jira" yaml:"enable_jira"`
}

// RankingConfig tunes the relevance pass.
type RankingConfig struct {
	FeedbackHalfLifeDays    float64 `mapstructure:"feedback_half_life_days" yaml:"feedback_half_life_days"`
	ItemQualityHalfLifeDays float64 `mapstructure:"item_quality_half_life_days" yaml:"item_quality_half_life_days"`
	FreshnessHalfLifeHours  float64 `mapstructure:"freshness_half_life_hours" yaml:"freshness_half_life_hours"`
	LowScoreThreshold       float64 `mapstructure:"low_score_threshold" yaml:"low_score_threshold"`
	RecipientCap            int     `mapstructure:"recipient_cap" yaml:"recipient_cap"`
	Workers                 int     `mapstructure:"workers" yaml:"workers"`
	IntervalMinutes         int     `mapstructure:"interval_minutes" yaml:"interval_minutes"`
}

type IngestConfig struct {
	DefaultConfidence   float64 `mapstructure:"default_confidence" yaml:"default_confidence"`
	ResolveCacheMinutes int     `mapstructure:"resolve_cache_minutes" yaml:"resolve_cache_minutes"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:        "127.0.0.1",
			Port:        37780,
			IngestRate:  50,
			IngestBurst: 100,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Reducer: ReducerConfig{
			StaleDays:       7,
			WindowHours:     24,
			IntervalMinutes: 60,
		},
		Ranking: RankingConfig{
			FeedbackHalfLifeDays:    30,
			ItemQualityHalfLifeDays: 30,
			FreshnessHalfLifeHours:  48,
			LowScoreThreshold:       -0.40,
			RecipientCap:            5000,
			Workers:                 4,
			IntervalMinutes:         15,
		},
		Ingest: IngestConfig{
			DefaultConfidence:   0.70,
			ResolveCacheMinutes: 10,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Validate rejects settings the passes cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Reducer.StaleDays <= 0 {
		errs = append(errs, fmt.Errorf("reducer.stale_days must be positive, got %d", c.Reducer.StaleDays))
	}
	if c.Reducer.WindowHours <= 0 {
		errs = append(errs, fmt.Errorf("reducer.window_hours must be positive, got %d", c.Reducer.WindowHours))
	}
	if c.Ranking.FeedbackHalfLifeDays <= 0 {
		errs = append(errs, fmt.Errorf("ranking.feedback_half_life_days must be positive"))
	}
	if c.Ranking.ItemQualityHalfLifeDays <= 0 {
		errs = append(errs, fmt.Errorf("ranking.item_quality_half_life_days must be positive"))
	}
	if c.Ranking.FreshnessHalfLifeHours <= 0 {
		errs = append(errs, fmt.Errorf("ranking.freshness_half_life_hours must be positive"))
	}
	if c.Ranking.RecipientCap <= 0 {
		errs = append(errs, fmt.Errorf("ranking.recipient_cap must be positive, got %d", c.Ranking.RecipientCap))
	}
	if c.Ingest.DefaultConfidence < 0 || c.Ingest.DefaultConfidence > 1 {
		errs = append(errs, fmt.Errorf("ingest.default_confidence must be within [0,1], got %v", c.Ingest.DefaultConfidence))
	}
	return errors.Join(errs...)
}

// DefaultPath returns ~/.factlog/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".factlog", "config.yaml"), nil
}

// Load reads configuration with precedence env > file > defaults.
// An empty path searches ~/.factlog/config.yaml; a missing default file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".factlog"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Source = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides resolve during Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.bind", d.Server.Bind)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.ingest_rate", d.Server.IngestRate)
	v.SetDefault("server.ingest_burst", d.Server.IngestBurst)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("reducer.stale_days", d.Reducer.StaleDays)
	v.SetDefault("reducer.window_hours", d.Reducer.WindowHours)
	v.SetDefault("reducer.interval_minutes", d.Reducer.IntervalMinutes)
	v.SetDefault("reducer.enable_github", d.Reducer.EnableGitHub)
	v.SetDefault("reducer.enable_jira", d.Reducer.EnableJira)

	v.SetDefault("ranking.feedback_half_life_days", d.Ranking.FeedbackHalfLifeDays)
	v.SetDefault("ranking.item_quality_half_life_days", d.Ranking.ItemQualityHalfLifeDays)
	v.SetDefault("ranking.freshness_half_life_hours", d.Ranking.FreshnessHalfLifeHours)
	v.SetDefault("ranking.low_score_threshold", d.Ranking.LowScoreThreshold)
	v.SetDefault("ranking.recipient_cap", d.Ranking.RecipientCap)
	v.SetDefault("ranking.workers", d.Ranking.Workers)
	v.SetDefault("ranking.interval_minutes", d.Ranking.IntervalMinutes)

	v.SetDefault("ingest.default_confidence", d.Ingest.DefaultConfidence)
	v.SetDefault("ingest.resolve_cache_minutes", d.Ingest.ResolveCacheMinutes)
}
