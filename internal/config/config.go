// Package config loads the self-tuner configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/llm-d-incubation/pipeline-selftune/internal/constants"
	"github.com/llm-d-incubation/pipeline-selftune/internal/utils"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/anomaly"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/controller"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/cost"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/experiment"
	"github.com/llm-d-incubation/pipeline-selftune/pkg/telemetry"
)

// ErrInvalidConfig wraps every validation failure returned by Load and Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

type SnapshotsConfig struct {
	Capacity int `yaml:"capacity" json:"capacity" validate:"gte=1"`
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port string `yaml:"port" json:"port" validate:"required,numeric"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Key     string `yaml:"key" json:"key" validate:"required"`
}

// OrchestratorConfig controls the closed loop.
type OrchestratorConfig struct {
	PollInterval         time.Duration `yaml:"pollInterval" json:"pollInterval" validate:"gt=0"`
	HousekeepingInterval time.Duration `yaml:"housekeepingInterval" json:"housekeepingInterval" validate:"gt=0"`
	AutoAdjust           bool          `yaml:"autoAdjust" json:"autoAdjust"`
	RollbackOnCritical   bool          `yaml:"rollbackOnCritical" json:"rollbackOnCritical"`
	RollbackSearchWindow time.Duration `yaml:"rollbackSearchWindow" json:"rollbackSearchWindow" validate:"gt=0"`
	MaxActiveExperiments int           `yaml:"maxActiveExperiments" json:"maxActiveExperiments" validate:"gte=1"`
}

// Config is the top-level configuration document.
type Config struct {
	Bus          telemetry.BusConfig    `yaml:"bus" json:"bus"`
	Detector     anomaly.DetectorConfig `yaml:"detector" json:"detector"`
	Controller   controller.Config      `yaml:"controller" json:"controller"`
	Budget       cost.BudgetConfig      `yaml:"budget" json:"budget"`
	Experiments  []experiment.Spec      `yaml:"experiments" json:"experiments,omitempty"`
	Snapshots    SnapshotsConfig        `yaml:"snapshots" json:"snapshots"`
	Server       ServerConfig           `yaml:"server" json:"server"`
	Redis        RedisConfig            `yaml:"redis" json:"redis"`
	Orchestrator OrchestratorConfig     `yaml:"orchestrator" json:"orchestrator"`
}

func Default() Config {
	return Config{
		Bus:        telemetry.DefaultBusConfig(),
		Detector:   anomaly.DefaultDetectorConfig(),
		Controller: controller.DefaultConfig(),
		Budget:     cost.DefaultBudgetConfig(),
		Snapshots:  SnapshotsConfig{Capacity: constants.DefaultSnapshotCapacity},
		Server: ServerConfig{
			Host: constants.DefaultHost,
			Port: constants.DefaultPort,
		},
		Redis: RedisConfig{
			Key: constants.DefaultRedisKey,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:         constants.DefaultPollInterval,
			HousekeepingInterval: constants.DefaultHousekeepingInterval,
			AutoAdjust:           true,
			RollbackOnCritical:   true,
			RollbackSearchWindow: constants.DefaultRollbackSearchWindow,
			MaxActiveExperiments: constants.DefaultMaxActiveExperiments,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides the listen address, Redis address and emit interval from the environment.
// Setting a Redis address enables persistence.
func (c *Config) ApplyEnv() error {
	c.Server.Host = utils.GetEnvOrDefault(constants.EnvHost, c.Server.Host)
	c.Server.Port = utils.GetEnvOrDefault(constants.EnvPort, c.Server.Port)
	if addr := utils.GetEnvOrDefault(constants.EnvRedisAddr, ""); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	d, ok, err := utils.GetEnvDuration(constants.EnvEmitInterval)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if ok {
		c.Bus.EmitInterval = d
	}
	return nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	seen := make(map[string]struct{}, len(c.Experiments))
	for i, spec := range c.Experiments {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: experiments[%d]: %w", ErrInvalidConfig, i, err)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("%w: experiments[%d]: experiment '%s' %w", ErrInvalidConfig, i, spec.Name, experiment.ErrDuplicateExperiment)
		}
		seen[spec.Name] = struct{}{}
	}
	return nil
}
