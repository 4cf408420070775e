package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	SocketHost string `mapstructure:"socket_host"`
	SocketPort int    `mapstructure:"socket_port"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	BizHawkEnabled  bool   `mapstructure:"bizhawk_enabled"`
	BizHawkAddr     string `mapstructure:"bizhawk_addr"`
	BizHawkMaxFrame int    `mapstructure:"bizhawk_max_frame"`

	OBSEnabled         bool          `mapstructure:"obs_enabled"`
	OBSHost            string        `mapstructure:"obs_websocket_host"`
	OBSPort            int           `mapstructure:"obs_websocket_port"`
	OBSPassword        string        `mapstructure:"obs_websocket_password"`
	OBSMicrophoneInput string        `mapstructure:"obs_microphone_input"`
	OBSStatusInterval  time.Duration `mapstructure:"obs_status_interval"`
	OBSRefreshInputs   []string      `mapstructure:"obs_refresh_inputs"`
	OBSRefreshProperty string        `mapstructure:"obs_refresh_property"`
	OBSReconnect       bool          `mapstructure:"obs_reconnect"`
	OBSReconnectMax    time.Duration `mapstructure:"obs_reconnect_max"`
	OBSRequestTimeout  time.Duration `mapstructure:"obs_request_timeout"`

	HubBuffer           int `mapstructure:"hub_buffer"`
	GatewayClientBuffer int `mapstructure:"gateway_client_buffer"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	StateTTL      time.Duration `mapstructure:"state_ttl"`

	MQTTBrokerURL   string `mapstructure:"mqtt_broker_url"`
	MQTTTopicPrefix string `mapstructure:"mqtt_topic_prefix"`

	OTLPEndpoint string `mapstructure:"otel_exporter_otlp_endpoint"`
}

var defaults = map[string]any{
	"socket_host": "127.0.0.1",
	"socket_port": 7177,
	"log_level":   "info",
	"log_format":  "text",

	"bizhawk_enabled":   true,
	"bizhawk_addr":      "0.0.0.0:8080",
	"bizhawk_max_frame": 64 * 1024,

	"obs_enabled":            true,
	"obs_websocket_host":     "localhost",
	"obs_websocket_port":     4455,
	"obs_websocket_password": "",
	"obs_microphone_input":   "",
	"obs_status_interval":    time.Second,
	"obs_refresh_inputs":     []string{},
	"obs_refresh_property":   "refreshnocache",
	"obs_reconnect":          true,
	"obs_reconnect_max":      30 * time.Second,
	"obs_request_timeout":    5 * time.Second,

	"hub_buffer":            256,
	"gateway_client_buffer": 64,

	"redis_addr":     "",
	"redis_password": "",
	"state_ttl":      24 * time.Hour,

	"mqtt_broker_url":   "",
	"mqtt_topic_prefix": "overlay-bridge",

	"otel_exporter_otlp_endpoint": "",
}

// LoadEnvFiles loads .env.local and .env into the process environment. Missing files are
// ignored. godotenv never overwrites, so real variables beat .env.local, which beats .env.
func LoadEnvFiles() {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}
}

// Load reads defaults, the optional YAML file at path, then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.OBSRefreshInputs = cleanList(cfg.OBSRefreshInputs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.SocketPort <= 0 || c.SocketPort > 65535 {
		return fmt.Errorf("invalid SOCKET_PORT %d", c.SocketPort)
	}
	if c.OBSEnabled && (c.OBSPort <= 0 || c.OBSPort > 65535) {
		return fmt.Errorf("invalid OBS_WEBSOCKET_PORT %d", c.OBSPort)
	}
	if c.BizHawkEnabled {
		if _, _, err := net.SplitHostPort(c.BizHawkAddr); err != nil {
			return fmt.Errorf("invalid BIZHAWK_ADDR %q: %w", c.BizHawkAddr, err)
		}
	}
	if c.BizHawkMaxFrame < 0 {
		return fmt.Errorf("invalid BIZHAWK_MAX_FRAME %d", c.BizHawkMaxFrame)
	}
	if c.OBSStatusInterval <= 0 {
		return fmt.Errorf("invalid OBS_STATUS_INTERVAL %s", c.OBSStatusInterval)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// ListenAddr is where the consumer gateway and HTTP API listen.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.SocketHost, strconv.Itoa(c.SocketPort))
}
