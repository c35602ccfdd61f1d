package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bc-dunia/snmpwatch/internal/threshold"
)

// Agent kinds.
const (
	KindEngine = "engine"
	KindSystem = "system"
)

// Config holds the application configuration
type Config struct {
	Community      string              `mapstructure:"community"`
	SampleInterval time.Duration       `mapstructure:"sample_interval"`
	Agents         []AgentConfig       `mapstructure:"agents"`
	Manager        ManagerConfig       `mapstructure:"manager"`
	Transcript     TranscriptConfig    `mapstructure:"transcript"`
	Thresholds     threshold.Threshold `mapstructure:"thresholds"`
	Traps          TrapConfig          `mapstructure:"traps"`
	API            APIConfig           `mapstructure:"api"`
	Influx         InfluxConfig        `mapstructure:"influx"`
	AMQP           AMQPConfig          `mapstructure:"amqp"`
	Telemetry      TelemetryConfig     `mapstructure:"telemetry"`
	LogLevel       string              `mapstructure:"log_level"`
}

// AgentConfig identifies one agent. Empty Community inherits Config.Community.
type AgentConfig struct {
	EngineID  string     `mapstructure:"engine_id"`
	Kind      string     `mapstructure:"kind"`
	Host      string     `mapstructure:"host"`
	Port      int        `mapstructure:"port"`
	Community string     `mapstructure:"community"`
	Base      EngineBase `mapstructure:"base"`
	Seed      uint64     `mapstructure:"seed"`
}

// EngineBase holds the operating point a synthetic engine oscillates around.
type EngineBase struct {
	Temperature float64 `mapstructure:"temperature"`
	RPM         float64 `mapstructure:"rpm"`
	Current     float64 `mapstructure:"current"`
	Power       float64 `mapstructure:"power"`
}

// ManagerConfig controls polling.
type ManagerConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Interval       time.Duration `mapstructure:"interval"`
	SystemInterval time.Duration `mapstructure:"system_interval"`
}

type TranscriptConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// TrapConfig sets where agents send notifications and where the receiver listens.
type TrapConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Community string `mapstructure:"community"`
}

type APIConfig struct {
	Addr      string  `mapstructure:"addr"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// InfluxConfig enables snapshot export when URL is set.
type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Database    string `mapstructure:"database"`
	Measurement string `mapstructure:"measurement"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// AMQPConfig enables trap publishing when URL is set.
type AMQPConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

type TelemetryConfig struct {
	ServiceName     string `mapstructure:"service_name"`
	MetricsExporter string `mapstructure:"metrics_exporter"`
	TracesExporter  string `mapstructure:"traces_exporter"`
	Endpoint        string `mapstructure:"endpoint"`
}

// Default returns the three simulated engines plus the local system agent.
func Default() *Config {
	cfg := &Config{
		Community:      DefaultCommunity,
		SampleInterval: DefaultSampleInterval,
		Agents: []AgentConfig{
			engineAgent(1, EngineBase{Temperature: 45, RPM: 1800, Current: 12.5, Power: 1500}),
			engineAgent(2, EngineBase{Temperature: 50, RPM: 2000, Current: 15.0, Power: 1800}),
			engineAgent(3, EngineBase{Temperature: 40, RPM: 1600, Current: 10.0, Power: 1200}),
			{EngineID: "system", Kind: KindSystem, Host: DefaultHost, Port: DefaultSystemPort},
		},
		Manager: ManagerConfig{
			Timeout:        DefaultTimeout,
			Retries:        DefaultRetries,
			RetryDelay:     DefaultRetryDelay,
			Interval:       DefaultPollInterval,
			SystemInterval: DefaultSystemInterval,
		},
		Transcript: TranscriptConfig{Capacity: DefaultTranscriptCapacity},
		Thresholds: threshold.Threshold{
			Warning:    DefaultWarning,
			Critical:   DefaultCritical,
			Hysteresis: DefaultHysteresis,
		},
		Traps: TrapConfig{Enabled: true, Addr: DefaultTrapAddr, Community: DefaultCommunity},
		API:   APIConfig{Addr: DefaultAPIAddr, RateLimit: DefaultAPIRateLimit, Burst: DefaultAPIBurst},
		Influx: InfluxConfig{
			Database:    DefaultInfluxDatabase,
			Measurement: DefaultInfluxMeasurement,
		},
		AMQP:      AMQPConfig{Queue: DefaultAMQPQueue},
		Telemetry: TelemetryConfig{ServiceName: "snmpwatch", MetricsExporter: "none", TracesExporter: "none"},
		LogLevel:  "info",
	}
	cfg.applyInheritance()
	return cfg
}

func engineAgent(n int, base EngineBase) AgentConfig {
	return AgentConfig{
		EngineID: fmt.Sprintf("Engine-%d", n),
		Kind:     KindEngine,
		Host:     DefaultHost,
		Port:     DefaultEnginePortBase + n - 1,
		Base:     base,
		Seed:     uint64(n),
	}
}

// Load reads configuration from path (optional), then SNMPWATCH_* environment
// variables, over Default(). The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("SNMPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.applyInheritance()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("community", d.Community)
	v.SetDefault("sample_interval", d.SampleInterval)
	v.SetDefault("log_level", d.LogLevel)

	agents := make([]map[string]any, len(d.Agents))
	for i, a := range d.Agents {
		agents[i] = map[string]any{
			"engine_id": a.EngineID,
			"kind":      a.Kind,
			"host":      a.Host,
			"port":      a.Port,
			"community": "", // inherited from the top-level community
			"seed":      a.Seed,
			"base": map[string]any{
				"temperature": a.Base.Temperature,
				"rpm":         a.Base.RPM,
				"current":     a.Base.Current,
				"power":       a.Base.Power,
			},
		}
	}
	v.SetDefault("agents", agents)

	v.SetDefault("manager.timeout", d.Manager.Timeout)
	v.SetDefault("manager.retries", d.Manager.Retries)
	v.SetDefault("manager.retry_delay", d.Manager.RetryDelay)
	v.SetDefault("manager.interval", d.Manager.Interval)
	v.SetDefault("manager.system_interval", d.Manager.SystemInterval)

	v.SetDefault("transcript.capacity", d.Transcript.Capacity)

	v.SetDefault("thresholds.warning", d.Thresholds.Warning)
	v.SetDefault("thresholds.critical", d.Thresholds.Critical)
	v.SetDefault("thresholds.hysteresis", d.Thresholds.Hysteresis)

	v.SetDefault("traps.enabled", d.Traps.Enabled)
	v.SetDefault("traps.addr", d.Traps.Addr)
	v.SetDefault("traps.community", "")

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.burst", d.API.Burst)

	v.SetDefault("influx.url", d.Influx.URL)
	v.SetDefault("influx.database", d.Influx.Database)
	v.SetDefault("influx.measurement", d.Influx.Measurement)
	v.SetDefault("influx.username", d.Influx.Username)
	v.SetDefault("influx.password", d.Influx.Password)

	v.SetDefault("amqp.url", d.AMQP.URL)
	v.SetDefault("amqp.queue", d.AMQP.Queue)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.metrics_exporter", d.Telemetry.MetricsExporter)
	v.SetDefault("telemetry.traces_exporter", d.Telemetry.TracesExporter)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
}

func (c *Config) applyInheritance() {
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Community == "" {
			a.Community = c.Community
		}
		if a.Host == "" {
			a.Host = DefaultHost
		}
		if a.Kind == "" {
			a.Kind = KindEngine
		}
	}
	if c.Traps.Community == "" {
		c.Traps.Community = c.Community
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("at least one agent is required"))
	}
	ids := make(map[string]bool)
	ports := make(map[string]bool)
	for i, a := range c.Agents {
		if a.EngineID == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: engine_id is required", i))
		} else if ids[a.EngineID] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate engine_id %q", i, a.EngineID))
		}
		ids[a.EngineID] = true

		if a.Port < 0 || a.Port > 65535 {
			errs = append(errs, fmt.Errorf("agents[%d]: port %d out of range", i, a.Port))
		}
		if a.Port != 0 {
			key := fmt.Sprintf("%s:%d", a.Host, a.Port)
			if ports[key] {
				errs = append(errs, fmt.Errorf("agents[%d]: duplicate address %s", i, key))
			}
			ports[key] = true
		}
		if a.Kind != KindEngine && a.Kind != KindSystem {
			errs = append(errs, fmt.Errorf("agents[%d]: unknown kind %q", i, a.Kind))
		}
	}

	if c.SampleInterval <= 0 {
		errs = append(errs, errors.New("sample_interval must be positive"))
	}
	if c.Manager.Timeout <= 0 {
		errs = append(errs, errors.New("manager.timeout must be positive"))
	}
	if c.Manager.Interval <= 0 || c.Manager.SystemInterval <= 0 {
		errs = append(errs, errors.New("manager intervals must be positive"))
	}
	if c.Manager.Retries < 0 {
		errs = append(errs, errors.New("manager.retries must not be negative"))
	}
	if c.Manager.RetryDelay < 0 {
		errs = append(errs, errors.New("manager.retry_delay must not be negative"))
	}
	if c.Transcript.Capacity < 1 {
		errs = append(errs, errors.New("transcript.capacity must be at least 1"))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.API.RateLimit < 0 || c.API.Burst < 0 {
		errs = append(errs, errors.New("api rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// AgentsOfKind returns the configured agents of one kind.
func (c *Config) AgentsOfKind(kind string) []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Addr returns host:port.
func (a AgentConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
