// Package config holds the runtime settings for the controller and worker
// binaries. Settings come from an optional YAML file overlaid with
// FRAMESIFT_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// KafkaSettings configures the event bus connection.
type KafkaSettings struct {
	Brokers       []string `mapstructure:"brokers"`
	TaskTopic     string   `mapstructure:"task_topic"`
	ProgressTopic string   `mapstructure:"progress_topic"`
	ResultsTopic  string   `mapstructure:"results_topic"`
	GroupID       string   `mapstructure:"group_id"`
	ClientID      string   `mapstructure:"client_id"`
}

// PostgresSettings configures the controller's database pool.
type PostgresSettings struct {
	DSN      string `mapstructure:"dsn"`
	MinConns int32  `mapstructure:"min_conns"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// APISettings configures the controller's HTTP API.
type APISettings struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// StorageSettings describes the media storage backend assets live on.
type StorageSettings struct {
	// Scheme is the URI scheme asset locators must carry, e.g. "s3".
	Scheme string `mapstructure:"scheme"`
}

// ProvidersSettings locates the analysis backend catalog. Both binaries read
// it: the worker builds its registry from it and the controller validates
// submitted provider names against it.
type ProvidersSettings struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// WorkerSettings configures task execution limits on the worker.
type WorkerSettings struct {
	// ID identifies this worker in job start events. Empty means the
	// hostname is used.
	ID string `mapstructure:"id"`

	// SoftTimeLimit bounds a single task before it fails retryably.
	SoftTimeLimit time.Duration `mapstructure:"soft_time_limit"`

	// HardTimeLimit is the absolute ceiling on task execution.
	HardTimeLimit time.Duration `mapstructure:"hard_time_limit"`

	// ProviderTimeout bounds a single provider call within a task.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
}

// Settings is the full configuration tree shared by both binaries. Each
// binary reads only the sections it needs.
type Settings struct {
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	API       APISettings       `mapstructure:"api"`
	Storage   StorageSettings   `mapstructure:"storage"`
	Providers ProvidersSettings `mapstructure:"providers"`
	Worker    WorkerSettings    `mapstructure:"worker"`
}

// Validate checks the settings every binary depends on. Section-specific
// requirements (postgres for the controller, catalog for the worker) are
// enforced by the binaries themselves.
func (s *Settings) Validate() error {
	if len(s.Kafka.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	if s.Kafka.TaskTopic == "" || s.Kafka.ProgressTopic == "" || s.Kafka.ResultsTopic == "" {
		return fmt.Errorf("kafka topics must all be configured")
	}
	if s.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group_id must be configured")
	}
	return nil
}

// Load reads settings from the YAML file at path (if non-empty) and the
// environment. Environment variables use the FRAMESIFT_ prefix with
// underscores for nesting, e.g. FRAMESIFT_KAFKA_BROKERS.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("FRAMESIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Viper only consults the environment for keys it knows about, so every
	// key needs an explicit binding.
	for _, key := range []string{
		"kafka.brokers", "kafka.task_topic", "kafka.progress_topic",
		"kafka.results_topic", "kafka.group_id", "kafka.client_id",
		"postgres.dsn", "postgres.min_conns", "postgres.max_conns",
		"api.listen_addr",
		"storage.scheme",
		"providers.catalog_path",
		"worker.id", "worker.soft_time_limit", "worker.hard_time_limit",
		"worker.provider_timeout",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	// Broker lists arrive comma-separated when set through the environment.
	if len(settings.Kafka.Brokers) == 1 && strings.Contains(settings.Kafka.Brokers[0], ",") {
		settings.Kafka.Brokers = strings.Split(settings.Kafka.Brokers[0], ",")
	}

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.task_topic", "analysis-tasks")
	v.SetDefault("kafka.progress_topic", "analysis-progress")
	v.SetDefault("kafka.results_topic", "analysis-results")
	v.SetDefault("kafka.group_id", "framesift")
	v.SetDefault("kafka.client_id", "framesift")

	v.SetDefault("postgres.min_conns", 5)
	v.SetDefault("postgres.max_conns", 20)

	v.SetDefault("api.listen_addr", ":8081")

	v.SetDefault("storage.scheme", "s3")

	v.SetDefault("providers.catalog_path", "config/providers.yaml")

	v.SetDefault("worker.soft_time_limit", 100*time.Minute)
	v.SetDefault("worker.hard_time_limit", 2*time.Hour)
	v.SetDefault("worker.provider_timeout", 30*time.Minute)
}
