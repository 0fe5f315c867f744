package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
ami:
  host: 192.168.1.200
  port: 5038
  username: admin
  secret: s3cret
mqtt:
  broker: tcp://localhost:1883
  client_id: test
  topic_prefix: pbx
dialer:
  default_ceiling: 10
  ring_timeout: 30s
  context: outbound-ivr
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "192.168.1.200" {
		t.Errorf("expected host=192.168.1.200, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Addr() != "192.168.1.200:5038" {
		t.Errorf("expected addr=192.168.1.200:5038, got %s", cfg.AMI.Addr())
	}
	if cfg.MQTT.TopicPrefix != "pbx" {
		t.Errorf("expected topic_prefix=pbx, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Dialer.DefaultCeiling != 10 {
		t.Errorf("expected default_ceiling=10, got %d", cfg.Dialer.DefaultCeiling)
	}
	if cfg.Dialer.RingTimeout.Duration() != 30*time.Second {
		t.Errorf("expected ring_timeout=30s, got %s", cfg.Dialer.RingTimeout.Duration())
	}
	if cfg.Dialer.Context != "outbound-ivr" {
		t.Errorf("expected context=outbound-ivr, got %s", cfg.Dialer.Context)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
ami:
  username: admin
  secret: s3cret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AMI.Host != "127.0.0.1" {
		t.Errorf("expected default host=127.0.0.1, got %s", cfg.AMI.Host)
	}
	if cfg.AMI.Port != 5038 {
		t.Errorf("expected default port=5038, got %d", cfg.AMI.Port)
	}
	if cfg.AMI.ActionTimeout.Duration() != 10*time.Second {
		t.Errorf("expected default action_timeout=10s, got %s", cfg.AMI.ActionTimeout.Duration())
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("expected default broker, got %s", cfg.MQTT.Broker)
	}
	if cfg.MQTT.ClientID != "asterisk-dialer" {
		t.Errorf("expected default client_id, got %s", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.TopicPrefix != "dialer" {
		t.Errorf("expected default topic_prefix=dialer, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Dialer.DefaultCeiling != 5 {
		t.Errorf("expected default ceiling=5, got %d", cfg.Dialer.DefaultCeiling)
	}
	if cfg.Dialer.RingTimeout.Duration() != 45*time.Second {
		t.Errorf("expected default ring_timeout=45s, got %s", cfg.Dialer.RingTimeout.Duration())
	}
	if cfg.Dialer.Retention.Duration() != 30*time.Second {
		t.Errorf("expected default retention=30s, got %s", cfg.Dialer.Retention.Duration())
	}
	if cfg.Dialer.Context != "autodial-ivr" || cfg.Dialer.Exten != "s" || cfg.Dialer.Priority != 1 {
		t.Errorf("unexpected dialplan defaults: %+v", cfg.Dialer)
	}
	if cfg.Redis.Enabled || cfg.Postgres.Enabled {
		t.Error("optional sinks must default to disabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, `{{{invalid`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		errMsg string
	}{
		{"empty username", `
ami:
  secret: s3cret
`, "ami.username is required"},
		{"empty secret", `
ami:
  username: admin
`, "ami.secret is required"},
		{"port zero", `
ami:
  port: 0
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 0"},
		{"port too high", `
ami:
  port: 70000
  username: admin
  secret: s3cret
`, "ami.port must be between 1 and 65535, got 70000"},
		{"empty host", `
ami:
  host: ""
  username: admin
  secret: s3cret
`, "ami.host is required"},
		{"empty broker", `
ami:
  username: admin
  secret: s3cret
mqtt:
  broker: ""
`, "mqtt.broker is required"},
		{"empty client_id", `
ami:
  username: admin
  secret: s3cret
mqtt:
  client_id: ""
`, "mqtt.client_id is required"},
		{"redis enabled without addr", `
ami:
  username: admin
  secret: s3cret
redis:
  enabled: true
`, "redis.addr is required when redis is enabled"},
		{"postgres enabled without dsn", `
ami:
  username: admin
  secret: s3cret
postgres:
  enabled: true
`, "postgres.dsn is required when postgres is enabled"},
		{"ceiling zero", `
ami:
  username: admin
  secret: s3cret
dialer:
  default_ceiling: -1
`, "dialer.default_ceiling must be at least 1, got -1"},
		{"negative ring timeout", `
ami:
  username: admin
  secret: s3cret
dialer:
  ring_timeout: -5s
`, "dialer.ring_timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.config)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}
