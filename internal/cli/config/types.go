// Package config loads the atlas-node configuration from defaults, an
// optional YAML file, ATLAS_ environment variables and command-line flags.
package config

import (
	"time"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/kernel/threads"
)

// Output formats understood by the renderers
const (
	OutputTable = "table"
	OutputJSON  = "json"
	OutputYAML  = "yaml"
)

// Defaults
const (
	DefaultConfigFile   = "atlas.yaml"
	DefaultLogLevel     = "INFO"
	DefaultOutput       = OutputTable
	DefaultTickInterval = 50 * time.Millisecond
	DefaultShutdown     = 5 * time.Second
	DefaultTokenTTL     = time.Minute
	EnvPrefix           = "ATLAS_"
)

// Config is the full node configuration
type Config struct {
	LogLevel        string        `koanf:"log_level" json:"log_level" yaml:"log_level"`
	Output          string        `koanf:"output" json:"output" yaml:"output"`
	TickInterval    time.Duration `koanf:"tick_interval" json:"tick_interval" yaml:"tick_interval"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	AuditFile       string        `koanf:"audit_file" json:"audit_file,omitempty" yaml:"audit_file,omitempty"`

	Workload WorkloadConfig `koanf:"workload" json:"workload" yaml:"workload"`
	Chip     threads.Config `koanf:"chip" json:"chip" yaml:"chip"`

	// FileUsed is the config file that was read, if any
	FileUsed string `koanf:"-" json:"-" yaml:"-"`
}

// WorkloadConfig drives the synthetic intent producer of the run command
type WorkloadConfig struct {
	// Intents cycled through by the producer
	Intents []string `koanf:"intents" json:"intents" yaml:"intents"`
	// Rate is intents submitted per second. Zero disables the producer.
	Rate int `koanf:"rate" json:"rate" yaml:"rate"`
	// Surface is the consent surface io tasks are tagged with
	Surface  string        `koanf:"surface" json:"surface" yaml:"surface"`
	TokenTTL time.Duration `koanf:"token_ttl" json:"token_ttl" yaml:"token_ttl"`
	Seed     int64         `koanf:"seed" json:"seed" yaml:"seed"`
}
