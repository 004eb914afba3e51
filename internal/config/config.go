// Package config loads badge-node settings: built-in defaults, then an
// optional YAML file, then BADGE_* environment variables. Command-line flags
// are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete node configuration.
type Config struct {
	Node  NodeConfig  `yaml:"node"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	GPIO  GPIOConfig  `yaml:"gpio"`
	Redis RedisConfig `yaml:"redis"`
	HTTP  HTTPConfig  `yaml:"http"`
	Log   LogConfig   `yaml:"log"`
}

// NodeConfig holds the badge's identity and protocol tuning.
type NodeConfig struct {
	Addr              uint16        `yaml:"addr"`
	CompanyID         uint16        `yaml:"company_id"`
	Capacity          int           `yaml:"capacity"`
	NoiseFloor        int           `yaml:"noise_floor"`
	ContactFloor      int           `yaml:"contact_floor"`
	BlinkTicks        int           `yaml:"blink_ticks"`
	BlinkInterval     time.Duration `yaml:"blink_interval"`
	IndicatorLED      int           `yaml:"indicator_led"`
	DefaultTransition time.Duration `yaml:"default_transition"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
}

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	PublishAddr    uint16        `yaml:"publish_addr"`
	DefaultTTL     int           `yaml:"default_ttl"`
	TxRSSI         int           `yaml:"tx_rssi"`
	BufferSize     int           `yaml:"buffer_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// GPIOConfig selects the LED lines.
type GPIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Chip      string `yaml:"chip"`
	Pins      []int  `yaml:"pins"`
	ActiveLow bool   `yaml:"active_low"`
}

// RedisConfig enables health-state persistence when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// HTTPConfig configures the status server. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			CompanyID:     0xFFFF,
			Capacity:      6,
			NoiseFloor:    math.MinInt8,
			ContactFloor:  -85,
			BlinkTicks:    100,
			BlinkInterval: 100 * time.Millisecond,
			IndicatorLED:  6,
			Heartbeat:     15 * time.Minute,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "badge-node",
			TopicPrefix:    "badge/mesh",
			PublishAddr:    0xFFFF,
			DefaultTTL:     7,
			BufferSize:     256,
			ConnectTimeout: 10 * time.Second,
		},
		GPIO: GPIOConfig{
			Chip: "gpiochip0",
			Pins: []int{17, 27, 22, 5, 6, 13, 26},
		},
		Redis: RedisConfig{
			KeyPrefix: "badge",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	if v, ok := os.LookupEnv("BADGE_ADDR"); ok {
		addr, err := ParseAddr(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BADGE_ADDR: %w", err))
		}
		c.Node.Addr = addr
	}
	c.Node.ContactFloor = getEnvInt("BADGE_CONTACT_FLOOR", c.Node.ContactFloor, &errs)
	c.Node.Capacity = getEnvInt("BADGE_CAPACITY", c.Node.Capacity, &errs)
	c.MQTT.Broker = getEnv("BADGE_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.TopicPrefix = getEnv("BADGE_MQTT_TOPIC_PREFIX", c.MQTT.TopicPrefix)
	c.MQTT.TxRSSI = getEnvInt("BADGE_MQTT_TX_RSSI", c.MQTT.TxRSSI, &errs)
	c.Redis.Addr = getEnv("BADGE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("BADGE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("BADGE_REDIS_DB", c.Redis.DB, &errs)
	c.HTTP.Addr = getEnv("BADGE_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("BADGE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("BADGE_LOG_FORMAT", c.Log.Format)
	if v, ok := os.LookupEnv("BADGE_GPIO_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BADGE_GPIO_ENABLED: %w", err))
		}
		c.GPIO.Enabled = b
	}

	return errors.Join(errs...)
}

// Validate reports every setting the node cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.Addr >= 0x8000 {
		errs = append(errs, fmt.Errorf("node.addr 0x%04x is not a unicast address", c.Node.Addr))
	}
	if c.Node.Capacity < 1 || c.Node.Capacity > 8 {
		errs = append(errs, fmt.Errorf("node.capacity must be 1-8, got %d", c.Node.Capacity))
	}
	if !fitsInt8(c.Node.NoiseFloor) {
		errs = append(errs, fmt.Errorf("node.noise_floor %d out of range", c.Node.NoiseFloor))
	}
	if !fitsInt8(c.Node.ContactFloor) {
		errs = append(errs, fmt.Errorf("node.contact_floor %d out of range", c.Node.ContactFloor))
	}
	if c.Node.BlinkTicks < 1 {
		errs = append(errs, fmt.Errorf("node.blink_ticks must be positive"))
	}
	if c.Node.BlinkInterval <= 0 {
		errs = append(errs, fmt.Errorf("node.blink_interval must be positive"))
	}
	if c.Node.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("node.heartbeat must be positive"))
	}
	if c.Node.DefaultTransition < 0 {
		errs = append(errs, fmt.Errorf("node.default_transition must not be negative"))
	}
	if c.Node.IndicatorLED < 6 || c.Node.IndicatorLED >= len(c.GPIO.Pins) {
		errs = append(errs, fmt.Errorf("node.indicator_led %d must index a pin after the six display lines", c.Node.IndicatorLED))
	}
	if len(c.GPIO.Pins) < 6 {
		errs = append(errs, fmt.Errorf("gpio.pins needs at least 6 lines, got %d", len(c.GPIO.Pins)))
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required"))
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "#+") || c.MQTT.TopicPrefix == "" {
		errs = append(errs, fmt.Errorf("mqtt.topic_prefix %q is not a valid topic", c.MQTT.TopicPrefix))
	}
	if c.MQTT.DefaultTTL < 0 || c.MQTT.DefaultTTL > 127 {
		errs = append(errs, fmt.Errorf("mqtt.default_ttl must be 0-127, got %d", c.MQTT.DefaultTTL))
	}
	if !fitsInt8(c.MQTT.TxRSSI) {
		errs = append(errs, fmt.Errorf("mqtt.tx_rssi %d out of range", c.MQTT.TxRSSI))
	}
	if c.MQTT.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("mqtt.buffer_size must be positive"))
	}

	return errors.Join(errs...)
}

// ParseAddr parses a mesh address in decimal or 0x-prefixed hex.
func ParseAddr(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint16(v), nil
}

func fitsInt8(v int) bool {
	return v >= math.MinInt8 && v <= math.MaxInt8
}

// getEnv returns the environment value for key, or def when unset or empty.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}
