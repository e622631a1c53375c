package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/travigo/redongo/pkg/util"
	"gopkg.in/yaml.v3"
)

type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

type Elasticsearch struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config holds everything the server needs. Values are layered as
// defaults < config file < environment < command line flags.
type Config struct {
	Redis         Redis         `yaml:"redis"`
	Elasticsearch Elasticsearch `yaml:"elasticsearch"`

	Queue         string `yaml:"queue"`
	ConnectionTag string `yaml:"connection_tag"`

	Consumers        int           `yaml:"consumers"`
	ConsumeBatchSize int           `yaml:"consume_batch_size"`
	ConsumeTimeout   time.Duration `yaml:"consume_timeout"`
	PrefetchLimit    int           `yaml:"prefetch_limit"`

	CheckInterval time.Duration `yaml:"check_interval"`
	FlushWorkers  int           `yaml:"flush_workers"`
	FlushRetries  int           `yaml:"flush_retries"`
	SettingsTTL   time.Duration `yaml:"settings_ttl"`
	MaxBuffered   int           `yaml:"max_buffered"`

	SpoolDirectory string        `yaml:"spool_directory"`
	ReplayInterval time.Duration `yaml:"replay_interval"`

	// How often deliveries of dead queue connections are returned
	CleanerInterval time.Duration `yaml:"cleaner_interval"`

	Listen string `yaml:"listen"`
}

func Default() *Config {
	return &Config{
		Redis: Redis{
			Address:  "localhost:6379",
			Database: 0,
		},
		Queue:            "redongo",
		ConnectionTag:    "redongo",
		Consumers:        2,
		ConsumeBatchSize: 100,
		ConsumeTimeout:   1 * time.Second,
		PrefetchLimit:    10000,
		CheckInterval:    1 * time.Second,
		FlushWorkers:     4,
		FlushRetries:     3,
		SettingsTTL:      30 * time.Second,
		MaxBuffered:      50000,
		SpoolDirectory:   "./redongo-spool",
		ReplayInterval:   30 * time.Second,
		CleanerInterval:  1 * time.Minute,
		Listen:           ":3333",
	}
}

// Load builds a Config from the defaults, the optional YAML file at path and
// the REDONGO_* environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvironment(util.GetEnvironmentVariables()); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(contents, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyEnvironment(env map[string]string) error {
	util.EnvironmentString(env, "REDONGO_REDIS_ADDRESS", &c.Redis.Address)
	util.EnvironmentString(env, "REDONGO_REDIS_PASSWORD", &c.Redis.Password)
	util.EnvironmentString(env, "REDONGO_QUEUE", &c.Queue)
	util.EnvironmentString(env, "REDONGO_CONNECTION_TAG", &c.ConnectionTag)
	util.EnvironmentString(env, "REDONGO_SPOOL_DIRECTORY", &c.SpoolDirectory)
	util.EnvironmentString(env, "REDONGO_LISTEN", &c.Listen)
	util.EnvironmentString(env, "REDONGO_ELASTICSEARCH_ADDRESS", &c.Elasticsearch.Address)
	util.EnvironmentString(env, "REDONGO_ELASTICSEARCH_USERNAME", &c.Elasticsearch.Username)
	util.EnvironmentString(env, "REDONGO_ELASTICSEARCH_PASSWORD", &c.Elasticsearch.Password)

	ints := map[string]*int{
		"REDONGO_REDIS_DATABASE":     &c.Redis.Database,
		"REDONGO_CONSUMERS":          &c.Consumers,
		"REDONGO_CONSUME_BATCH_SIZE": &c.ConsumeBatchSize,
		"REDONGO_PREFETCH_LIMIT":     &c.PrefetchLimit,
		"REDONGO_FLUSH_WORKERS":      &c.FlushWorkers,
		"REDONGO_FLUSH_RETRIES":      &c.FlushRetries,
		"REDONGO_MAX_BUFFERED":       &c.MaxBuffered,
	}
	for key, target := range ints {
		if err := util.EnvironmentInt(env, key, target); err != nil {
			return err
		}
	}

	durations := map[string]*time.Duration{
		"REDONGO_CONSUME_TIMEOUT":  &c.ConsumeTimeout,
		"REDONGO_CHECK_INTERVAL":   &c.CheckInterval,
		"REDONGO_SETTINGS_TTL":     &c.SettingsTTL,
		"REDONGO_REPLAY_INTERVAL":  &c.ReplayInterval,
		"REDONGO_CLEANER_INTERVAL": &c.CleanerInterval,
	}
	for key, target := range durations {
		if err := util.EnvironmentDuration(env, key, target); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Redis.Address == "" {
		errs = append(errs, errors.New("redis address must be set"))
	}
	if c.Queue == "" {
		errs = append(errs, errors.New("queue name must be set"))
	}
	if c.Consumers < 1 {
		errs = append(errs, errors.New("consumers must be at least 1"))
	}
	if c.ConsumeBatchSize < 1 {
		errs = append(errs, errors.New("consume batch size must be at least 1"))
	}
	if c.PrefetchLimit < c.ConsumeBatchSize {
		errs = append(errs, errors.New("prefetch limit must not be lower than the consume batch size"))
	}
	if c.CheckInterval <= 0 || c.ConsumeTimeout <= 0 || c.ReplayInterval <= 0 || c.CleanerInterval <= 0 {
		errs = append(errs, errors.New("intervals and timeouts must be positive"))
	}
	if c.FlushWorkers < 1 {
		errs = append(errs, errors.New("flush workers must be at least 1"))
	}
	if c.FlushRetries < 0 {
		errs = append(errs, errors.New("flush retries must not be negative"))
	}
	if c.MaxBuffered < 1 {
		errs = append(errs, errors.New("max buffered must be at least 1"))
	}
	if c.SpoolDirectory == "" {
		errs = append(errs, errors.New("spool directory must be set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	return nil
}
