// Package config loads and validates the gateway configuration from a YAML
// file with MESHTOPO_* environment overrides.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/wpamesh/meshtopo/pkg/meshtastic"
)

// DefaultCalTopoBaseURL is the production position-report API root.
const DefaultCalTopoBaseURL = "https://caltopo.com/api/v1/position/report"

type Configuration struct {
	MQTT          MQTTSettings            `mapstructure:"mqtt"`
	Broker        BrokerSettings          `mapstructure:"broker"`
	CalTopo       CalTopoSettings         `mapstructure:"caltopo"`
	Nodes         map[string]NodeOverride `mapstructure:"nodes"`
	Devices       DeviceSettings          `mapstructure:"devices"`
	Storage       StorageSettings         `mapstructure:"storage"`
	Status        StatusSettings          `mapstructure:"status"`
	Logging       LoggingSettings         `mapstructure:"logging"`
	StatsInterval time.Duration           `mapstructure:"stats_interval"`
}

// MQTTSettings configures the upstream subscription.
type MQTTSettings struct {
	Broker      string        `mapstructure:"broker"`
	Port        int           `mapstructure:"port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Topic       string        `mapstructure:"topic"`
	ClientID    string        `mapstructure:"client_id"`
	Keepalive   time.Duration `mapstructure:"keepalive"`
	UseInternal bool          `mapstructure:"use_internal"`
}

// BrokerSettings configures the optional embedded MQTT broker, for
// deployments where radios connect directly to the gateway host.
type BrokerSettings struct {
	Enabled        bool         `mapstructure:"enabled"`
	Listen         string       `mapstructure:"listen"`
	AllowAnonymous bool         `mapstructure:"allow_anonymous"`
	Users          []BrokerUser `mapstructure:"users"`
}

// BrokerUser is one set of broker credentials. Either Password (plaintext)
// or PasswordHash+Salt (sha256, produced by meshtopo-passwd) must be set.
type BrokerUser struct {
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	PasswordHash string `mapstructure:"password_hash"`
	Salt         string `mapstructure:"salt"`
}

// CalTopoSettings configures the outbound reporter. ConnectKey and Group are
// each optional but at least one must be set.
type CalTopoSettings struct {
	ConnectKey       string        `mapstructure:"connect_key"`
	Group            string        `mapstructure:"group"`
	BaseURL          string        `mapstructure:"base_url"`
	URLAllowlist     []string      `mapstructure:"url_allowlist"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

// NodeOverride is a per-device configuration entry, keyed by hardware id in
// the Nodes map. Registered devices are exactly the keys of that map.
type NodeOverride struct {
	Callsign string `mapstructure:"callsign"`
	Group    string `mapstructure:"group"`
}

type DeviceSettings struct {
	// AllowUnknown permits position reports from devices with no Nodes
	// entry. When false, unregistered devices are still tracked but their
	// reports are dropped.
	AllowUnknown bool `mapstructure:"allow_unknown"`
}

type StorageSettings struct {
	DBPath string `mapstructure:"db_path"`
}

// StatusSettings configures the operational status/health HTTP listener.
type StatusSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingSettings struct {
	Level  string      `mapstructure:"level"`
	Format string      `mapstructure:"format"`
	File   FileLogging `mapstructure:"file"`
}

// FileLogging configures the optional rotating file sink.
type FileLogging struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads the configuration file at path, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("MESHTOPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Configuration
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "msh/US/2/json/+/+")
	v.SetDefault("mqtt.client_id", "meshtopo")
	v.SetDefault("mqtt.keepalive", time.Minute)
	v.SetDefault("broker.listen", ":1883")
	v.SetDefault("caltopo.base_url", DefaultCalTopoBaseURL)
	v.SetDefault("caltopo.url_allowlist", []string{
		"https://caltopo.com/*",
		"https://*.caltopo.com/*",
	})
	v.SetDefault("caltopo.timeout", 10*time.Second)
	v.SetDefault("caltopo.retry_max_attempts", 3)
	v.SetDefault("caltopo.retry_base_delay", time.Second)
	v.SetDefault("caltopo.retry_max_delay", 30*time.Second)
	v.SetDefault("devices.allow_unknown", true)
	v.SetDefault("storage.db_path", "meshtopo_state.sqlite")
	v.SetDefault("status.listen", ":8077")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "color")
	v.SetDefault("logging.file.path", "meshtopo.log")
	v.SetDefault("logging.file.max_size_mb", 10)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("stats_interval", time.Minute)
}

// normalize strips stray whitespace from operator-entered identifiers before
// validation; a trailing space in a pasted connect key would otherwise fail
// the identifier pattern at send time.
func (c *Configuration) normalize() {
	c.CalTopo.ConnectKey = strings.TrimSpace(c.CalTopo.ConnectKey)
	c.CalTopo.Group = strings.TrimSpace(c.CalTopo.Group)
	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
}

func (c *Configuration) validate() error {
	var errs []string

	if c.MQTT.Broker == "" && !(c.Broker.Enabled && c.MQTT.UseInternal) {
		errs = append(errs, "mqtt.broker is required unless broker.enabled and mqtt.use_internal are set")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Sprintf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic must not be empty")
	}
	if c.MQTT.UseInternal && !c.Broker.Enabled {
		errs = append(errs, "mqtt.use_internal requires broker.enabled")
	}

	if c.CalTopo.ConnectKey == "" && c.CalTopo.Group == "" {
		errs = append(errs, "caltopo: at least one of connect_key or group is required")
	}
	if c.CalTopo.BaseURL == "" {
		errs = append(errs, "caltopo.base_url must not be empty")
	}
	if len(c.CalTopo.URLAllowlist) == 0 {
		errs = append(errs, "caltopo.url_allowlist must not be empty")
	}
	if c.CalTopo.Timeout <= 0 {
		errs = append(errs, "caltopo.timeout must be positive")
	}
	if c.CalTopo.RetryMaxAttempts < 1 {
		errs = append(errs, "caltopo.retry_max_attempts must be at least 1")
	}
	if c.CalTopo.RetryBaseDelay <= 0 || c.CalTopo.RetryMaxDelay < c.CalTopo.RetryBaseDelay {
		errs = append(errs, "caltopo retry delays must be positive with retry_max_delay >= retry_base_delay")
	}

	for key := range c.Nodes {
		if !meshtastic.IsHardwareID(key) {
			errs = append(errs, fmt.Sprintf("nodes: %q is not a valid hardware id", key))
		}
	}

	if c.Broker.Enabled {
		if c.Broker.Listen == "" {
			errs = append(errs, "broker.listen must not be empty")
		}
		if !c.Broker.AllowAnonymous && len(c.Broker.Users) == 0 {
			errs = append(errs, "broker: users are required unless allow_anonymous is set")
		}
		for i, u := range c.Broker.Users {
			if u.Username == "" {
				errs = append(errs, fmt.Sprintf("broker.users[%d]: username must not be empty", i))
			}
			if u.Password == "" && (u.PasswordHash == "" || u.Salt == "") {
				errs = append(errs, fmt.Sprintf("broker.users[%d]: password or password_hash+salt required", i))
			}
		}
	}

	if c.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if c.Status.Enabled && c.Status.Listen == "" {
		errs = append(errs, "status.listen must not be empty")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "color", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of color, json", c.Logging.Format))
	}
	if c.Logging.File.Enabled && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path must not be empty")
	}

	if c.StatsInterval <= 0 {
		errs = append(errs, "stats_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// CallsignOverride returns the configured callsign for a hardware id, if one
// is set.
func (c *Configuration) CallsignOverride(hardwareID string) (string, bool) {
	node, ok := c.Nodes[hardwareID]
	if !ok || node.Callsign == "" {
		return "", false
	}
	return node.Callsign, true
}

// GroupFor returns the destination group for a hardware id: the per-device
// override when present, otherwise the globally configured group (which may
// be empty).
func (c *Configuration) GroupFor(hardwareID string) string {
	if node, ok := c.Nodes[hardwareID]; ok && node.Group != "" {
		return node.Group
	}
	return c.CalTopo.Group
}

// IsRegistered reports whether the hardware id has a Nodes entry.
func (c *Configuration) IsRegistered(hardwareID string) bool {
	_, ok := c.Nodes[hardwareID]
	return ok
}

// BrokerAddr returns the broker URL for the paho client, honoring
// use_internal by pointing the subscription at the embedded broker's
// listener.
func (c *Configuration) BrokerAddr() string {
	if c.MQTT.UseInternal && c.Broker.Enabled {
		host, port, err := net.SplitHostPort(c.Broker.Listen)
		if err != nil {
			return "tcp://127.0.0.1:1883"
		}
		if host == "" || host == "::" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		return fmt.Sprintf("tcp://%s", net.JoinHostPort(host, port))
	}
	if strings.Contains(c.MQTT.Broker, "://") {
		return c.MQTT.Broker
	}
	return fmt.Sprintf("tcp://%s:%d", c.MQTT.Broker, c.MQTT.Port)
}
