package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration reads YAML values in time.ParseDuration form ("45s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the standard library value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Dialer   DialerConfig   `yaml:"dialer"`
}

type AMIConfig struct {
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Username      string   `yaml:"username"`
	Secret        string   `yaml:"secret"`
	ActionTimeout Duration `yaml:"action_timeout"`
	ReconnectMin  Duration `yaml:"reconnect_min"`
	ReconnectMax  Duration `yaml:"reconnect_max"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type DialerConfig struct {
	// DefaultCeiling caps concurrent in-flight calls per campaign when a
	// campaign does not set its own.
	DefaultCeiling int `yaml:"default_ceiling"`
	// GlobalCeiling caps in-flight calls across all campaigns; 0 disables.
	GlobalCeiling int `yaml:"global_ceiling"`

	// RingTimeout is the fake-response watchdog: a call ringing longer
	// than this without a confirmed answer or bridge is classified as a
	// fake carrier response. Tune per carrier.
	RingTimeout Duration `yaml:"ring_timeout"`

	OriginateTimeout Duration `yaml:"originate_timeout"`
	RetryLimit       int      `yaml:"retry_limit"`
	RetryBackoff     Duration `yaml:"retry_backoff"`

	// Retention keeps a terminal call's identifier bindings alive to
	// absorb late duplicate events.
	Retention Duration `yaml:"retention"`
	// OrphanWindow is how long an unresolvable event may wait for its
	// identifiers before being dropped as orphaned.
	OrphanWindow Duration `yaml:"orphan_window"`

	Context  string `yaml:"context"`
	Exten    string `yaml:"exten"`
	Priority int    `yaml:"priority"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		AMI: AMIConfig{
			Host:          "127.0.0.1",
			Port:          5038,
			ActionTimeout: Duration(10 * time.Second),
			ReconnectMin:  Duration(time.Second),
			ReconnectMax:  Duration(60 * time.Second),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "asterisk-dialer",
			TopicPrefix: "dialer",
		},
		Dialer: DialerConfig{
			DefaultCeiling:   5,
			RingTimeout:      Duration(45 * time.Second),
			OriginateTimeout: Duration(45 * time.Second),
			RetryLimit:       3,
			RetryBackoff:     Duration(2 * time.Second),
			Retention:        Duration(30 * time.Second),
			OrphanWindow:     Duration(2 * time.Second),
			Context:          "autodial-ivr",
			Exten:            "s",
			Priority:         1,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.ClientID == "" {
		return fmt.Errorf("mqtt.client_id is required")
	}
	if c.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt.topic_prefix is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required when postgres is enabled")
	}
	if c.Dialer.DefaultCeiling < 1 {
		return fmt.Errorf("dialer.default_ceiling must be at least 1, got %d", c.Dialer.DefaultCeiling)
	}
	if c.Dialer.RingTimeout <= 0 {
		return fmt.Errorf("dialer.ring_timeout must be positive")
	}
	return nil
}
