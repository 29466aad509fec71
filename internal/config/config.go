// Package config loads reconciler settings with viper and builds the
// process logger.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/propledger/reconciler/internal/confidence"
	"github.com/propledger/reconciler/internal/matching"
	"github.com/propledger/reconciler/internal/tiering"
)

// EnvPrefix namespaces environment overrides, e.g. RECON_SERVER_PORT.
const EnvPrefix = "RECON"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Engine   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	Tiering  TieringConfig  `mapstructure:"tiering" yaml:"tiering"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// EngineConfig mirrors matching.Config and the confidence penalty.
type EngineConfig struct {
	LockThreshold  float64 `mapstructure:"lock_threshold" yaml:"lock_threshold"`
	MinAcceptance  float64 `mapstructure:"min_acceptance" yaml:"min_acceptance"`
	ExactTolerance string  `mapstructure:"exact_tolerance" yaml:"exact_tolerance"`
	NameWeight     float64 `mapstructure:"name_weight" yaml:"name_weight"`
	AmountWeight   float64 `mapstructure:"amount_weight" yaml:"amount_weight"`
	MinSimilarity  float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
	PenaltyFactor  float64 `mapstructure:"penalty_factor" yaml:"penalty_factor"`
	PenaltyCap     float64 `mapstructure:"penalty_cap" yaml:"penalty_cap"`
	// Pairs overrides the directed statement pairs, e.g. "BS:MS".
	Pairs []string `mapstructure:"pairs" yaml:"pairs,omitempty"`
}

type TieringConfig struct {
	Escalate float64 `mapstructure:"escalate_below" yaml:"escalate_below"`
	Suggest  float64 `mapstructure:"suggest_from" yaml:"suggest_from"`
}

type SessionConfig struct {
	Budget    time.Duration `mapstructure:"budget" yaml:"budget"`
	Workers   int           `mapstructure:"workers" yaml:"workers"`
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// SetDefaults registers every key so env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	engine := matching.DefaultConfig()
	params := confidence.DefaultParams()
	tiers := tiering.DefaultThresholds()

	v.SetDefault("server.port", "8080")
	v.SetDefault("database.path", "reconciler.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.lock_threshold", engine.LockThreshold)
	v.SetDefault("engine.min_acceptance", engine.MinAcceptance)
	v.SetDefault("engine.exact_tolerance", engine.ExactTolerance.String())
	v.SetDefault("engine.name_weight", engine.NameWeight)
	v.SetDefault("engine.amount_weight", engine.AmountWeight)
	v.SetDefault("engine.min_similarity", engine.MinSimilarity)
	v.SetDefault("engine.penalty_factor", params.PenaltyFactor)
	v.SetDefault("engine.penalty_cap", params.PenaltyCap)
	v.SetDefault("engine.pairs", []string{})
	v.SetDefault("tiering.escalate_below", tiers.Escalate)
	v.SetDefault("tiering.suggest_from", tiers.Suggest)
	v.SetDefault("session.budget", 5*time.Minute)
	v.SetDefault("session.workers", 4)
	v.SetDefault("session.queue_size", 64)
	v.SetDefault("cache.ttl", 10*time.Minute)
}

// Load reads defaults, then the config file (cfgFile, or reconciler.yaml in
// the working directory), then RECON_* variables. Plain PORT and DB_PATH are honoured
// as well. A .env file is loaded first when
// present.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("reconciler")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.path", EnvPrefix+"_DATABASE_PATH", "DB_PATH")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.MinAcceptance < 0 || e.MinAcceptance > e.LockThreshold || e.LockThreshold > 100:
		return fmt.Errorf("engine: need 0 <= min_acceptance <= lock_threshold <= 100")
	case e.NameWeight < 0 || e.AmountWeight < 0 || e.NameWeight+e.AmountWeight <= 0:
		return fmt.Errorf("engine: name_weight and amount_weight must be non-negative and not both zero")
	case e.MinSimilarity < 0 || e.MinSimilarity > 1:
		return fmt.Errorf("engine: min_similarity must be within [0,1]")
	case c.Tiering.Escalate > c.Tiering.Suggest:
		return fmt.Errorf("tiering: escalate_below must not exceed suggest_from")
	}
	if _, err := decimal.NewFromString(e.ExactTolerance); err != nil {
		return fmt.Errorf("engine: exact_tolerance: %w", err)
	}
	if _, err := c.Pairs(); err != nil {
		return err
	}
	return nil
}

// Pairs parses engine.pairs; an empty list means the defaults.
func (c *Config) Pairs() ([]matching.StatementPair, error) {
	if len(c.Engine.Pairs) == 0 {
		return matching.DefaultPairs(), nil
	}
	out := make([]matching.StatementPair, 0, len(c.Engine.Pairs))
	for _, p := range c.Engine.Pairs {
		pair, err := matching.ParsePair(p)
		if err != nil {
			return nil, fmt.Errorf("engine.pairs: %w", err)
		}
		out = append(out, pair)
	}
	return out, nil
}

// MatchingConfig converts the engine section.
func (c *Config) MatchingConfig() matching.Config {
	tol, _ := decimal.NewFromString(c.Engine.ExactTolerance)
	pairs, _ := c.Pairs()
	return matching.Config{
		LockThreshold:  c.Engine.LockThreshold,
		MinAcceptance:  c.Engine.MinAcceptance,
		ExactTolerance: tol,
		NameWeight:     c.Engine.NameWeight,
		AmountWeight:   c.Engine.AmountWeight,
		MinSimilarity:  c.Engine.MinSimilarity,
		Pairs:          pairs,
	}
}

func (c *Config) ConfidenceParams() confidence.Params {
	return confidence.Params{PenaltyFactor: c.Engine.PenaltyFactor, PenaltyCap: c.Engine.PenaltyCap}
}

func (c *Config) Thresholds() tiering.Thresholds {
	return tiering.Thresholds{Escalate: c.Tiering.Escalate, Suggest: c.Tiering.Suggest}
}
