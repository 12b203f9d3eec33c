package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is prepended to every variable, e.g. RELAY_PORT.
const EnvPrefix = "RELAY"

// FileEnv names the variable holding an optional yaml config file.
const FileEnv = "RELAY_CONFIG_FILE"

type Config struct {
	// Addr and Port locate the tcp listener; udp binds Port+1 on Addr.
	Addr string `envconfig:"ADDR" yaml:"addr"`
	Port int    `envconfig:"PORT" yaml:"port"`

	TickRate         int           `envconfig:"TICK_RATE" yaml:"tick_rate"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" yaml:"handshake_timeout"`
	IOTimeout        time.Duration `envconfig:"IO_TIMEOUT" yaml:"io_timeout"`
	MaxFrameSize     int           `envconfig:"MAX_FRAME_SIZE" yaml:"max_frame_size"`
	EventQueue       int           `envconfig:"EVENT_QUEUE" yaml:"event_queue"`
	DispatchBatch    int           `envconfig:"DISPATCH_BATCH" yaml:"dispatch_batch"`
	LobbyMinClients  int           `envconfig:"LOBBY_MIN_CLIENTS" yaml:"lobby_min_clients"`

	AdminAddr string `envconfig:"ADMIN_ADDR" yaml:"admin_addr"`

	LogLevel          string `envconfig:"LOG_LEVEL" yaml:"log_level"`
	LogFile           string `envconfig:"LOG_FILE" yaml:"log_file"`
	LogFileMaxSizeMB  int    `envconfig:"LOG_FILE_MAX_SIZE_MB" yaml:"log_file_max_size_mb"`
	LogFileMaxBackups int    `envconfig:"LOG_FILE_MAX_BACKUPS" yaml:"log_file_max_backups"`

	StopOnStdin bool `envconfig:"STOP_ON_STDIN" yaml:"stop_on_stdin"`
}

func Default() *Config {
	return &Config{
		Addr:              "127.0.0.1",
		Port:              8888,
		TickRate:          20,
		HandshakeTimeout:  5 * time.Second,
		IOTimeout:         200 * time.Millisecond,
		MaxFrameSize:      1024,
		EventQueue:        256,
		DispatchBatch:     50,
		LobbyMinClients:   2,
		LogLevel:          "info",
		LogFileMaxSizeMB:  10,
		LogFileMaxBackups: 3,
		StopOnStdin:       true,
	}
}

// Load layers defaults, the yaml file named by RELAY_CONFIG_FILE (if any) and
// RELAY_* environment variables, in that order.
func Load() (*Config, error) {
	config := Default()

	if path := os.Getenv(FileEnv); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	// no default tags on purpose: unset variables leave the file values alone
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("could not process env: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs *multierror.Error

	// udp goes on Port+1, and 0 means "pick any" for both
	if c.Port < 0 || c.Port > 65534 {
		errs = multierror.Append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		errs = multierror.Append(errs, fmt.Errorf("tick rate out of range: %d", c.TickRate))
	}
	if c.HandshakeTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("handshake timeout must be positive: %s", c.HandshakeTimeout))
	}
	if c.IOTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("io timeout must be positive: %s", c.IOTimeout))
	}
	if c.MaxFrameSize < 16 {
		errs = multierror.Append(errs, fmt.Errorf("max frame size too small: %d", c.MaxFrameSize))
	}
	if c.EventQueue <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("event queue must be positive: %d", c.EventQueue))
	}
	if c.DispatchBatch <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("dispatch batch must be positive: %d", c.DispatchBatch))
	}
	if c.LobbyMinClients < 0 {
		errs = multierror.Append(errs, fmt.Errorf("lobby min clients must not be negative: %d", c.LobbyMinClients))
	}

	return errs.ErrorOrNil()
}

// TickInterval is the replication period.
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
