// Package config loads netmonkey settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	FileName  = "netmonkey"
	EnvPrefix = "NETMONKEY"
)

type ProbeConfig struct {
	ICMP        bool          `mapstructure:"icmp" yaml:"icmp"`
	PingTimeout time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout" validate:"gt=0s"`
	Privileged  bool          `mapstructure:"privileged" yaml:"privileged"`
	PortTimeout time.Duration `mapstructure:"port_timeout" yaml:"port_timeout" validate:"gt=0s"`
}

type SSHConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0s"`
	LegacyAlgorithms bool          `mapstructure:"legacy_algorithms" yaml:"legacy_algorithms"`
}

type CLIConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout" validate:"gt=0s"`
	IdleDelay      time.Duration `mapstructure:"idle_delay" yaml:"idle_delay" validate:"gt=0s"`
	SaveCommand    string        `mapstructure:"save_command" yaml:"save_command" validate:"required"`
	BackupCommand  string        `mapstructure:"backup_command" yaml:"backup_command" validate:"required"`
}

type InventoryConfig struct {
	URL         string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Username    string `mapstructure:"username" yaml:"username,omitempty"`
	Password    string `mapstructure:"password" yaml:"password,omitempty"`
	BaseQuery   string `mapstructure:"base_query" yaml:"base_query"`
	InsecureTLS bool   `mapstructure:"insecure_tls" yaml:"insecure_tls"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers,omitempty" validate:"required_with=Topic,dive,hostname_port"`
	Topic   string   `mapstructure:"topic" yaml:"topic,omitempty" validate:"required_with=Brokers"`
	GroupID string   `mapstructure:"group_id" yaml:"group_id,omitempty"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type MongoConfig struct {
	URI        string `mapstructure:"uri" yaml:"uri,omitempty" validate:"omitempty,uri"`
	Database   string `mapstructure:"database" yaml:"database" validate:"required_with=URI"`
	Collection string `mapstructure:"collection" yaml:"collection" validate:"required_with=URI"`
}

func (m MongoConfig) Enabled() bool { return m.URI != "" }

type OutputConfig struct {
	JSON  string      `mapstructure:"json" yaml:"json,omitempty"`
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	Mongo MongoConfig `mapstructure:"mongo" yaml:"mongo"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile,omitempty"`
}

type LogConfig struct {
	Debug  bool   `mapstructure:"debug" yaml:"debug"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
}

type ListenConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
	// HTTPAddr serves /metrics and POST /requests, empty disables it.
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr,omitempty"`
	// MaxRequestTime bounds one queued request, zero disables it.
	MaxRequestTime time.Duration `mapstructure:"max_request_time" yaml:"max_request_time" validate:"gte=0s"`
}

type Config struct {
	Concurrency  int             `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1,max=1000"`
	TaskTimeout  time.Duration   `mapstructure:"task_timeout" yaml:"task_timeout" validate:"gt=0s"`
	BatchTimeout time.Duration   `mapstructure:"batch_timeout" yaml:"batch_timeout" validate:"gte=0s"`
	Probe        ProbeConfig     `mapstructure:"probe" yaml:"probe"`
	SSH          SSHConfig       `mapstructure:"ssh" yaml:"ssh"`
	CLI          CLIConfig       `mapstructure:"cli" yaml:"cli"`
	Inventory    InventoryConfig `mapstructure:"inventory" yaml:"inventory"`
	Output       OutputConfig    `mapstructure:"output" yaml:"output"`
	Metrics      MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log          LogConfig       `mapstructure:"log" yaml:"log"`
	Listen       ListenConfig    `mapstructure:"listen" yaml:"listen"`
}

var defaults = map[string]any{
	"concurrency":             40,
	"task_timeout":            2 * time.Minute,
	"batch_timeout":           time.Duration(0),
	"probe.icmp":              true,
	"probe.ping_timeout":      2 * time.Second,
	"probe.privileged":        false,
	"probe.port_timeout":      3 * time.Second,
	"ssh.timeout":             10 * time.Second,
	"ssh.legacy_algorithms":   true,
	"cli.command_timeout":     30 * time.Second,
	"cli.idle_delay":          2 * time.Second,
	"cli.save_command":        "copy running-config startup-config",
	"cli.backup_command":      "backup",
	"inventory.url":           "",
	"inventory.username":      "",
	"inventory.password":      "",
	"inventory.base_query":    "",
	"inventory.insecure_tls":  false,
	"output.json":             "",
	"output.kafka.brokers":    []string{},
	"output.kafka.topic":      "",
	"output.mongo.uri":        "",
	"output.mongo.database":   "netmonkey",
	"output.mongo.collection": "results",
	"metrics.textfile":        "",
	"log.debug":               false,
	"log.format":              "console",
	"listen.kafka.brokers":    []string{},
	"listen.kafka.topic":      "",
	"listen.kafka.group_id":   "netmonkey",
	"listen.http_addr":        "",
	"listen.max_request_time": time.Duration(0),
}

// Loader reads Config with precedence flags > env > file > defaults.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

func NewLoader() *Loader {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Viper exposes the underlying instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

// Load reads path, or searches the usual locations when path is empty.
// A missing config file is not an error.
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
	} else {
		l.v.SetConfigName(FileName)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", FileName))
		}
		l.v.AddConfigPath("/etc/" + FileName)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

// File is the config file in use, empty when running on defaults.
func (l *Loader) File() string { return l.v.ConfigFileUsed() }

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Watch calls onChange with every valid revision of the config file.
// Revisions that fail validation are passed to onError and skipped.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	if l.File() == "" {
		return errors.New("watch: no config file loaded")
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
	return nil
}
