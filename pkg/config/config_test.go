package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

const minimalConfig = `
mqtt:
  broker: mqtt.example.net
caltopo:
  connect_key: ABC123
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MQTT.Port != 1883 {
		t.Errorf("MQTT.Port = %d, want 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.Topic != "msh/US/2/json/+/+" {
		t.Errorf("MQTT.Topic = %q, want default mesh topic", cfg.MQTT.Topic)
	}
	if cfg.MQTT.Keepalive != time.Minute {
		t.Errorf("MQTT.Keepalive = %v, want 1m", cfg.MQTT.Keepalive)
	}
	if cfg.CalTopo.BaseURL != DefaultCalTopoBaseURL {
		t.Errorf("CalTopo.BaseURL = %q, want %q", cfg.CalTopo.BaseURL, DefaultCalTopoBaseURL)
	}
	if len(cfg.CalTopo.URLAllowlist) != 2 {
		t.Errorf("CalTopo.URLAllowlist = %v, want two default patterns", cfg.CalTopo.URLAllowlist)
	}
	if cfg.CalTopo.Timeout != 10*time.Second {
		t.Errorf("CalTopo.Timeout = %v, want 10s", cfg.CalTopo.Timeout)
	}
	if cfg.CalTopo.RetryMaxAttempts != 3 {
		t.Errorf("CalTopo.RetryMaxAttempts = %d, want 3", cfg.CalTopo.RetryMaxAttempts)
	}
	if !cfg.Devices.AllowUnknown {
		t.Error("Devices.AllowUnknown should default to true")
	}
	if cfg.Storage.DBPath != "meshtopo_state.sqlite" {
		t.Errorf("Storage.DBPath = %q, want default", cfg.Storage.DBPath)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "color" {
		t.Errorf("Logging defaults = %q/%q, want info/color", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.StatsInterval != time.Minute {
		t.Errorf("StatsInterval = %v, want 1m", cfg.StatsInterval)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mqtt:
  broker: mqtt.example.net
  port: 8883
  username: meshuser
  password: meshpass
  topic: msh/US/AK/2/json/+/+
  keepalive: 30s
caltopo:
  connect_key: ABC123
  group: MESHGROUP
  timeout: 5s
  retry_max_attempts: 5
  retry_base_delay: 500ms
  retry_max_delay: 20s
nodes:
  "!823a4edc":
    callsign: TEAM-LEAD
  "!33687da0":
    callsign: AMRG3
    group: ALTGROUP
devices:
  allow_unknown: false
broker:
  enabled: true
  listen: ":2883"
  users:
    - username: alice
      password: wonderland
status:
  enabled: true
  listen: ":9090"
logging:
  level: debug
  format: json
  file:
    enabled: true
    path: /var/log/meshtopo.log
stats_interval: 2m
`))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MQTT.Keepalive != 30*time.Second {
		t.Errorf("MQTT.Keepalive = %v, want 30s", cfg.MQTT.Keepalive)
	}
	if cfg.CalTopo.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 500ms", cfg.CalTopo.RetryBaseDelay)
	}
	if len(cfg.Nodes) != 2 {
		t.Fatalf("Nodes has %d entries, want 2", len(cfg.Nodes))
	}
	if cfg.Nodes["!823a4edc"].Callsign != "TEAM-LEAD" {
		t.Errorf("node override callsign = %q, want TEAM-LEAD", cfg.Nodes["!823a4edc"].Callsign)
	}
	if cfg.Devices.AllowUnknown {
		t.Error("Devices.AllowUnknown should be false")
	}
	if !cfg.Broker.Enabled || len(cfg.Broker.Users) != 1 || cfg.Broker.Users[0].Username != "alice" {
		t.Errorf("Broker settings not decoded: %+v", cfg.Broker)
	}
	if cfg.StatsInterval != 2*time.Minute {
		t.Errorf("StatsInterval = %v, want 2m", cfg.StatsInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file expected error, got nil")
	}
}

func TestLoadTrimsIdentifiers(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mqtt:
  broker: mqtt.example.net
caltopo:
  connect_key: "  ABC123  "
  group: " MESHGROUP "
`))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.CalTopo.ConnectKey != "ABC123" || cfg.CalTopo.Group != "MESHGROUP" {
		t.Errorf("identifiers not trimmed: %q / %q", cfg.CalTopo.ConnectKey, cfg.CalTopo.Group)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MESHTOPO_MQTT_BROKER", "env.example.net")
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.MQTT.Broker != "env.example.net" {
		t.Errorf("MQTT.Broker = %q, want env override", cfg.MQTT.Broker)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"no destination",
			"mqtt:\n  broker: mqtt.example.net\n",
			"connect_key or group",
		},
		{
			"no mqtt broker",
			"caltopo:\n  connect_key: ABC123\n",
			"mqtt.broker is required",
		},
		{
			"bad node key",
			minimalConfig + "nodes:\n  \"823a4edc\":\n    callsign: X\n",
			"not a valid hardware id",
		},
		{
			"bad level",
			minimalConfig + "logging:\n  level: loud\n",
			"logging.level",
		},
		{
			"bad format",
			minimalConfig + "logging:\n  format: xml\n",
			"logging.format",
		},
		{
			"zero attempts",
			"mqtt:\n  broker: mqtt.example.net\ncaltopo:\n  connect_key: ABC123\n  retry_max_attempts: 0\n",
			"retry_max_attempts",
		},
		{
			"broker without users",
			minimalConfig + "broker:\n  enabled: true\n",
			"users are required",
		},
		{
			"use_internal without broker",
			"mqtt:\n  use_internal: true\ncaltopo:\n  connect_key: ABC123\n",
			"requires broker.enabled",
		},
		{
			"broker user without credentials",
			minimalConfig + "broker:\n  enabled: true\n  users:\n    - username: bob\n",
			"password or password_hash",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCallsignOverride(t *testing.T) {
	cfg := &Configuration{Nodes: map[string]NodeOverride{
		"!823a4edc": {Callsign: "TEAM-LEAD"},
		"!33687da0": {Group: "ALTGROUP"},
	}}

	if got, ok := cfg.CallsignOverride("!823a4edc"); !ok || got != "TEAM-LEAD" {
		t.Errorf("CallsignOverride(!823a4edc) = (%q, %v), want (TEAM-LEAD, true)", got, ok)
	}
	if _, ok := cfg.CallsignOverride("!33687da0"); ok {
		t.Error("CallsignOverride should be absent when only a group is configured")
	}
	if _, ok := cfg.CallsignOverride("!deadbeef"); ok {
		t.Error("CallsignOverride for unknown device should be absent")
	}
}

func TestGroupFor(t *testing.T) {
	cfg := &Configuration{
		CalTopo: CalTopoSettings{Group: "GLOBAL"},
		Nodes: map[string]NodeOverride{
			"!33687da0": {Group: "ALTGROUP"},
			"!823a4edc": {Callsign: "TEAM-LEAD"},
		},
	}

	tests := []struct {
		hardwareID string
		want       string
	}{
		{"!33687da0", "ALTGROUP"},
		{"!823a4edc", "GLOBAL"},
		{"!deadbeef", "GLOBAL"},
	}
	for _, tt := range tests {
		if got := cfg.GroupFor(tt.hardwareID); got != tt.want {
			t.Errorf("GroupFor(%q) = %q, want %q", tt.hardwareID, got, tt.want)
		}
	}
}

func TestIsRegistered(t *testing.T) {
	cfg := &Configuration{Nodes: map[string]NodeOverride{"!823a4edc": {}}}
	if !cfg.IsRegistered("!823a4edc") {
		t.Error("IsRegistered(!823a4edc) = false, want true")
	}
	if cfg.IsRegistered("!deadbeef") {
		t.Error("IsRegistered(!deadbeef) = true, want false")
	}
}

func TestBrokerAddr(t *testing.T) {
	tests := []struct {
		name string
		cfg  Configuration
		want string
	}{
		{
			"external broker",
			Configuration{MQTT: MQTTSettings{Broker: "mqtt.example.net", Port: 1883}},
			"tcp://mqtt.example.net:1883",
		},
		{
			"external broker with scheme",
			Configuration{MQTT: MQTTSettings{Broker: "ssl://mqtt.example.net:8883"}},
			"ssl://mqtt.example.net:8883",
		},
		{
			"internal broker",
			Configuration{
				MQTT:   MQTTSettings{UseInternal: true},
				Broker: BrokerSettings{Enabled: true, Listen: ":2883"},
			},
			"tcp://127.0.0.1:2883",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.BrokerAddr(); got != tt.want {
				t.Errorf("BrokerAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}
