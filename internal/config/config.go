package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type APIConfig struct {
	BaseURL                string `mapstructure:"base_url"`
	TimeoutSeconds         int    `mapstructure:"timeout_seconds"`
	RetryMaxElapsedSeconds int    `mapstructure:"retry_max_elapsed_seconds"`
	PageSize               int    `mapstructure:"page_size"`
}

type WSConfig struct {
	URL                     string  `mapstructure:"url"`
	PingIntervalSeconds     int     `mapstructure:"ping_interval_seconds"`
	PongWaitSeconds         int     `mapstructure:"pong_wait_seconds"`
	WriteDeadlineSeconds    int     `mapstructure:"write_deadline_seconds"`
	HandshakeTimeoutSeconds int     `mapstructure:"handshake_timeout_seconds"`
	MaxMessageSizeBytes     int64   `mapstructure:"max_message_size_bytes"`
	SendBufferSize          int     `mapstructure:"send_buffer_size"`
	ReconnectInitialMillis  int     `mapstructure:"reconnect_initial_millis"`
	ReconnectMaxSeconds     int     `mapstructure:"reconnect_max_seconds"`
	ReconnectMultiplier     float64 `mapstructure:"reconnect_multiplier"`
	ReconnectJitter         float64 `mapstructure:"reconnect_jitter"`
	ReconnectMaxAttempts    int     `mapstructure:"reconnect_max_attempts"`
}

type PresenceConfig struct {
	TypingTTLSeconds     int `mapstructure:"typing_ttl_seconds"`
	TypingThrottleMillis int `mapstructure:"typing_throttle_millis"`
}

type SessionConfig struct {
	EchoTTLSeconds        int `mapstructure:"echo_ttl_seconds"`
	SendAckTimeoutSeconds int `mapstructure:"send_ack_timeout_seconds"`
}

type BreakerConfig struct {
	MaxFailures uint32 `mapstructure:"max_failures"`
	IntervalSec int    `mapstructure:"interval_sec"`
	TimeoutSec  int    `mapstructure:"timeout_sec"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dev   bool   `mapstructure:"dev"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	Token string `mapstructure:"token"`
}

type DevServerConfig struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	WS        WSConfig        `mapstructure:"ws"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Session   SessionConfig   `mapstructure:"session"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DevServer DevServerConfig `mapstructure:"devserver"`

	// derived
	APITimeout         time.Duration `mapstructure:"-"`
	RetryMaxElapsed    time.Duration `mapstructure:"-"`
	PingInterval       time.Duration `mapstructure:"-"`
	PongWait           time.Duration `mapstructure:"-"`
	WriteDeadline      time.Duration `mapstructure:"-"`
	HandshakeTimeout   time.Duration `mapstructure:"-"`
	ReconnectInitial   time.Duration `mapstructure:"-"`
	ReconnectMax       time.Duration `mapstructure:"-"`
	TypingTTL          time.Duration `mapstructure:"-"`
	TypingThrottle     time.Duration `mapstructure:"-"`
	EchoTTL            time.Duration `mapstructure:"-"`
	SendAckTimeout     time.Duration `mapstructure:"-"`
	BreakerInterval    time.Duration `mapstructure:"-"`
	BreakerOpenTimeout time.Duration `mapstructure:"-"`
}

var defaults = map[string]any{
	"api.base_url":                  "http://localhost:8080",
	"api.timeout_seconds":           15,
	"api.retry_max_elapsed_seconds": 10,
	"api.page_size":                 30,

	"ws.url":                       "ws://localhost:8080/ws",
	"ws.ping_interval_seconds":     25,
	"ws.pong_wait_seconds":         60,
	"ws.write_deadline_seconds":    10,
	"ws.handshake_timeout_seconds": 10,
	"ws.max_message_size_bytes":    65536,
	"ws.send_buffer_size":          256,
	"ws.reconnect_initial_millis":  1000,
	"ws.reconnect_max_seconds":     30,
	"ws.reconnect_multiplier":      2.0,
	"ws.reconnect_jitter":          0.1,
	"ws.reconnect_max_attempts":    5,

	"presence.typing_ttl_seconds":     5,
	"presence.typing_throttle_millis": 2000,

	"session.echo_ttl_seconds":         60,
	"session.send_ack_timeout_seconds": 10,

	"breaker.max_failures": 5,
	"breaker.interval_sec": 60,
	"breaker.timeout_sec":  30,

	"log.level": "info",
	"log.dev":   false,

	"metrics.addr": "",
	"auth.token":   "",

	"devserver.port":       8080,
	"devserver.jwt_secret": "",
}

// Load reads path (optional; yaml, json or toml) and SYNC_* environment
// variables on top of the defaults, e.g. SYNC_API_BASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.derive()
	return &c, nil
}

func (c *Config) derive() {
	c.APITimeout = seconds(c.API.TimeoutSeconds)
	c.RetryMaxElapsed = seconds(c.API.RetryMaxElapsedSeconds)
	c.PingInterval = seconds(c.WS.PingIntervalSeconds)
	c.PongWait = seconds(c.WS.PongWaitSeconds)
	c.WriteDeadline = seconds(c.WS.WriteDeadlineSeconds)
	c.HandshakeTimeout = seconds(c.WS.HandshakeTimeoutSeconds)
	c.ReconnectInitial = time.Duration(c.WS.ReconnectInitialMillis) * time.Millisecond
	c.ReconnectMax = seconds(c.WS.ReconnectMaxSeconds)
	c.TypingTTL = seconds(c.Presence.TypingTTLSeconds)
	c.TypingThrottle = time.Duration(c.Presence.TypingThrottleMillis) * time.Millisecond
	c.EchoTTL = seconds(c.Session.EchoTTLSeconds)
	c.SendAckTimeout = seconds(c.Session.SendAckTimeoutSeconds)
	c.BreakerInterval = seconds(c.Breaker.IntervalSec)
	c.BreakerOpenTimeout = seconds(c.Breaker.TimeoutSec)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("api.base_url: %w", err))
	}
	if err := checkURL(c.WS.URL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("ws.url: %w", err))
	}
	if c.API.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("api.timeout_seconds must be positive"))
	}
	if c.WS.ReconnectInitialMillis <= 0 || c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, errors.New("ws reconnect bounds must satisfy 0 < initial <= max"))
	}
	if c.WS.ReconnectMultiplier < 1 {
		errs = append(errs, errors.New("ws.reconnect_multiplier must be >= 1"))
	}
	if c.WS.ReconnectJitter < 0 || c.WS.ReconnectJitter >= 1 {
		errs = append(errs, errors.New("ws.reconnect_jitter must be in [0, 1)"))
	}
	if c.WS.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("ws.reconnect_max_attempts must not be negative"))
	}
	if c.Presence.TypingTTLSeconds <= 0 {
		errs = append(errs, errors.New("presence.typing_ttl_seconds must be positive"))
	}
	if c.Session.SendAckTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("session.send_ack_timeout_seconds must be positive"))
	}
	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s url", raw, strings.Join(schemes, "/"))
}
