// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Compute   ComputeConfig  `mapstructure:"compute"`
	Storage   StorageConfig  `mapstructure:"storage"`
	Models    ModelsConfig   `mapstructure:"models"`
	PubSub    PubSubConfig   `mapstructure:"pubsub"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Durations map[string]int `mapstructure:"durations"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig holds the shared API credential. The secret is compared against
// the request header on every call and must never be logged.
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// ComputeConfig identifies the remote compute service that executes runs.
type ComputeConfig struct {
	Endpoint               string `mapstructure:"endpoint"`
	Cluster                string `mapstructure:"cluster"`
	Workspace              string `mapstructure:"workspace"`
	Experiment             string `mapstructure:"experiment"`
	ResourceGroup          string `mapstructure:"resource_group"`
	SubscriptionID         string `mapstructure:"subscription_id"`
	TenantID               string `mapstructure:"tenant_id"`
	ApplicationID          string `mapstructure:"application_id"`
	ServicePrincipalSecret string `mapstructure:"service_principal_secret"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	MaxRetries             int    `mapstructure:"max_retries"`
	BackoffInitialMs       int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int    `mapstructure:"backoff_max_ms"`
}

// StorageConfig sets the transient datastore location for uploaded archives.
type StorageConfig struct {
	Bucket      string `mapstructure:"bucket"`
	ImageFolder string `mapstructure:"image_folder"`
	ContentType string `mapstructure:"content_type"`
}

// ModelsConfig lists the servable models and the recognized imaging channels.
type ModelsConfig struct {
	Servable []string `mapstructure:"servable"`
	Channels []string `mapstructure:"channels"`
}

// PubSubConfig holds metadata for run lifecycle notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INFERENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("compute.experiment", "api_inference")
	v.SetDefault("compute.timeout_seconds", 30)
	v.SetDefault("compute.max_retries", 3)
	v.SetDefault("compute.backoff_initial_ms", 250)
	v.SetDefault("compute.backoff_max_ms", 5000)
	v.SetDefault("storage.image_folder", "imagedata")
	v.SetDefault("storage.content_type", "application/zip")
	v.SetDefault("models.channels", []string{"ct", "flair", "t1", "t2"})
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must be set")
	}
	if c.Compute.Endpoint == "" {
		return fmt.Errorf("compute.endpoint must be set")
	}
	if c.Compute.Experiment == "" {
		return fmt.Errorf("compute.experiment must be set")
	}
	if c.Compute.TimeoutSeconds <= 0 {
		return fmt.Errorf("compute.timeout_seconds must be > 0")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set")
	}
	if len(c.Models.Servable) == 0 {
		return fmt.Errorf("models.servable must list at least one model")
	}
	if len(c.Models.Channels) == 0 {
		return fmt.Errorf("models.channels must list at least one channel")
	}
	return nil
}

// ComputeTimeout converts the compute timeout config into a duration.
func (c Config) ComputeTimeout() time.Duration {
	return time.Duration(c.Compute.TimeoutSeconds) * time.Second
}

// ServerTimeout converts the server timeout config into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
