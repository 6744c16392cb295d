package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Config is the root configuration object for auditpipe. It is loaded once at
// process start and treated as read-only afterwards.
type Config struct {
	Auditpipe  Auditpipe  `yaml:"auditpipe"`
	Logger     Logger     `yaml:"logger"`
	Database   Database   `yaml:"database"`
	Agent      Agent      `yaml:"agent"`
	Planning   Planning   `yaml:"planning"`
	Reasoning  Reasoning  `yaml:"reasoning"`
	Validation Validation `yaml:"validation"`
	HttpClient HttpClient `yaml:"http_client"`
}

// Auditpipe holds the folder layout settings for the application.
type Auditpipe struct {
	HomeFolder  string `yaml:"home_folder"`
	LogsFolder  string `yaml:"logs_folder"`
	DatasetBase string `yaml:"dataset_base"`
}

type Logger struct {
	Level string `yaml:"level"`
}

// Database describes the relational store holding tasks and findings.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Agent describes how the external analysis agent CLI is invoked.
type Agent struct {
	Binary       string        `yaml:"binary"`
	Model        string        `yaml:"model"`
	TimeoutSec   int           `yaml:"timeout_sec"`
	ExtraConfigs []string      `yaml:"extra_configs"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// Planning holds the business-flow planning knobs.
type Planning struct {
	CoverageTarget   float64  `yaml:"coverage_target"`
	MaxRepairRounds  int      `yaml:"max_repair_rounds"`
	RuleKeys         []string `yaml:"rule_keys"`
	ChecklistSource  string   `yaml:"checklist_source"`
	AllowFlowRewrite bool     `yaml:"allow_flow_rewrite"`
}

// Reasoning holds the multi-round reasoning loop knobs.
type Reasoning struct {
	MaxRounds   int  `yaml:"max_rounds"`
	MaxParallel int  `yaml:"max_parallel"`
	EnablePoC   bool `yaml:"enable_poc"`
}

// Validation holds the finding re-check knobs.
type Validation struct {
	MaxParallel int `yaml:"max_parallel"`
	TimeoutSec  int `yaml:"timeout_sec"`
}

type HttpClient struct {
	Debug            string          `yaml:"debug"`
	RetryCount       int             `yaml:"retry_count"`
	RetryWaitTime    time.Duration   `yaml:"retry_wait_time"`
	RetryMaxWaitTime time.Duration   `yaml:"retry_max_wait_time"`
	Timeout          time.Duration   `yaml:"timeout"`
	TlsClientConfig  TlsClientConfig `yaml:"tls_client_config"`
	Proxy            Proxy           `yaml:"proxy"`
}

type TlsClientConfig struct {
	Verify bool `yaml:"verify"`
}

type Proxy struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

func ValidateConfigPath(path string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if s.IsDir() {
		return fmt.Errorf("'%s' is a directory, not a file", path)
	}
	return nil
}

func LoadYAML(configPath string, data interface{}) error {
	if err := ValidateConfigPath(configPath); err != nil {
		return err
	}

	file, err := os.Open(configPath)
	if err != nil {
		return err
	}
	defer file.Close()

	d := yaml.NewDecoder(file)
	if err := d.Decode(data); err != nil {
		return err
	}

	return nil
}

// LoadConfig reads the YAML configuration file, overlays the environment
// snapshot and fills defaults. A missing file yields the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	if configPath != "" {
		if err := LoadYAML(configPath, config); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	applyEnvironment(config)
	applyDefaults(config)
	return config, nil
}
