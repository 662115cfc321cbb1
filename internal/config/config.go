package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

var (
	instance *Config
	once     sync.Once
)

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	// MySQLDSN overrides GetDatabaseDSN when set
	MySQLDSN string `yaml:"mysql_dsn"`
}

type RedisSection struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
}

type AnalysisConfig struct {
	MinHistory    int     `yaml:"min_history"`
	AnomalyScore  float64 `yaml:"anomaly_score"`
	HighRiskScore float64 `yaml:"high_risk_score"`
	Trees         int     `yaml:"trees"`
	MaxSamples    int     `yaml:"max_samples"`
	Contamination float64 `yaml:"contamination"`
	Seed          int64   `yaml:"seed"`
	RetrainEvery  int     `yaml:"retrain_every"`
}

type RegistryConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	EvictSchedule string        `yaml:"evict_schedule"`
}

type LogConfig struct {
	Mode string `yaml:"mode"`
}

// Config is the process configuration. Missing keys keep their Default() values.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisSection   `yaml:"redis"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: "symptoms.db",
		},
		Redis: RedisSection{
			Addr:   "localhost:6379",
			Stream: "symptom_alerts",
			Group:  "alert_relay",
		},
		Analysis: AnalysisConfig{
			MinHistory:    5,
			AnomalyScore:  -0.5,
			HighRiskScore: -0.8,
			Trees:         100,
			MaxSamples:    256,
			Contamination: 0.05,
			Seed:          42,
			RetrainEvery:  10,
		},
		Registry: RegistryConfig{
			IdleTTL:       time.Hour,
			EvictSchedule: "*/10 * * * *",
		},
		Log: LogConfig{
			Mode: "dev",
		},
	}
}

func Load(configPath string) (*Config, error) {
	var err error
	once.Do(func() {
		instance = Default()

		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			err = fmt.Errorf("failed to read config file %s: %w", configPath, readErr)
			return
		}

		if parseErr := yaml.Unmarshal(data, instance); parseErr != nil {
			err = fmt.Errorf("failed to parse config: %w", parseErr)
			return
		}

		if validateErr := instance.validate(); validateErr != nil {
			err = validateErr
			return
		}
	})

	return instance, err
}

func Get() *Config {
	if instance == nil {
		panic("config not loaded - call config.Load() first")
	}
	return instance
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendMySQL:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path cannot be empty for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, mysql, got %q", c.Store.Backend)
	}

	a := c.Analysis
	if a.MinHistory < 1 {
		return fmt.Errorf("analysis.min_history must be at least 1")
	}
	if a.HighRiskScore > a.AnomalyScore {
		return fmt.Errorf("analysis.high_risk_score (%v) must not exceed analysis.anomaly_score (%v)", a.HighRiskScore, a.AnomalyScore)
	}
	if a.Trees < 1 || a.MaxSamples < 2 {
		return fmt.Errorf("analysis.trees must be positive and analysis.max_samples at least 2")
	}
	if a.Contamination <= 0 || a.Contamination >= 0.5 {
		return fmt.Errorf("analysis.contamination must be in (0, 0.5), got %v", a.Contamination)
	}
	if a.RetrainEvery < 1 {
		return fmt.Errorf("analysis.retrain_every must be at least 1")
	}

	if c.Redis.Enabled && c.Redis.Stream == "" {
		return fmt.Errorf("redis.stream cannot be empty when redis is enabled")
	}

	if c.Registry.EvictSchedule != "" {
		if _, err := cron.ParseStandard(c.Registry.EvictSchedule); err != nil {
			return fmt.Errorf("invalid registry.evict_schedule: %w", err)
		}
		if c.Registry.IdleTTL <= 0 {
			return fmt.Errorf("registry.idle_ttl must be positive when eviction is scheduled")
		}
	}

	switch c.Log.Mode {
	case "dev", "prod":
	default:
		return fmt.Errorf("log.mode must be dev or prod, got %q", c.Log.Mode)
	}
	return nil
}
