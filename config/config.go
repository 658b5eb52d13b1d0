// Package config loads orchestrator configuration from a YAML file and
// MAINLOOP_* environment variables, with env taking precedence. The loaded
// struct is validated before use so a misconfigured deployment fails at
// startup, not mid-workflow.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration.
type Config struct {
	// AppVersion gates workflow resumption across deploys. Required.
	AppVersion string `mapstructure:"app_version" validate:"required"`

	HTTP    HTTP    `mapstructure:"http"`
	Engine  Engine  `mapstructure:"engine"`
	Store   Store   `mapstructure:"store"`
	Forge   Forge   `mapstructure:"forge"`
	Sandbox Sandbox `mapstructure:"sandbox"`
	Bus     Bus     `mapstructure:"bus"`
}

// HTTP configures the facade listener.
type HTTP struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// CallbackBaseURL is the externally reachable base URL executor jobs
	// POST results to.
	CallbackBaseURL string `mapstructure:"callback_base_url" validate:"required,url"`
}

// Engine selects and configures the durability backend.
type Engine struct {
	Kind string `mapstructure:"kind" validate:"oneof=temporal inmem"`
	// HostPort is the Temporal frontend address.
	HostPort  string `mapstructure:"host_port" validate:"required_if=Kind temporal"`
	Namespace string `mapstructure:"namespace"`
}

// Store selects and configures persistence.
type Store struct {
	Kind string `mapstructure:"kind" validate:"oneof=postgres memory"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Kind postgres"`
}

// Forge configures the code-hosting client.
type Forge struct {
	Token   string `mapstructure:"token" validate:"required"`
	BaseURL string `mapstructure:"base_url"`
	// AgentHandle is the forge username the orchestrator acts as.
	AgentHandle       string  `mapstructure:"agent_handle" validate:"required"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Sandbox configures executor job launching.
type Sandbox struct {
	// SourceNamespace holds the orchestrator and the secrets copied into
	// task workspaces.
	SourceNamespace string   `mapstructure:"source_namespace" validate:"required"`
	Image           string   `mapstructure:"image" validate:"required"`
	ServiceAccount  string   `mapstructure:"service_account"`
	SecretName      string   `mapstructure:"secret_name" validate:"required"`
	SecretsToCopy   []string `mapstructure:"secrets_to_copy"`
	// Kubeconfig selects an out-of-cluster config file; empty means
	// in-cluster.
	Kubeconfig string `mapstructure:"kubeconfig"`
}

// Bus selects the event fan-out backend.
type Bus struct {
	Kind string `mapstructure:"kind" validate:"oneof=inproc redis"`
	// RedisAddr is the Redis address for the multi-replica bus.
	RedisAddr string `mapstructure:"redis_addr" validate:"required_if=Kind redis"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAINLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("engine.kind", "temporal")
	v.SetDefault("engine.namespace", "default")
	v.SetDefault("store.kind", "postgres")
	v.SetDefault("bus.kind", "inproc")
	v.SetDefault("forge.agent_handle", "mainloop")
	v.SetDefault("forge.requests_per_second", 10)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
