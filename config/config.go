// Package config loads amqplink settings from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/glimte/amqplink/contracts"
	"github.com/glimte/amqplink/internal/reliability"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for an amqplink client.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Queue     QueueConfig     `yaml:"queue"`
	Publisher PublisherConfig `yaml:"publisher"`
	RPC       RPCConfig       `yaml:"rpc"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig identifies the broker endpoint.
type BrokerConfig struct {
	// URL, when set, takes precedence over the individual fields
	URL            string        `yaml:"url"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	VirtualHost    string        `yaml:"vhost"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectionName string        `yaml:"connection_name"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// ExchangeConfig describes an exchange. An empty name is the default exchange.
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // direct, topic, fanout, headers
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig describes a queue and its binding key.
type QueueConfig struct {
	Name       string `yaml:"name"`
	RoutingKey string `yaml:"routing_key"`
	Durable    bool   `yaml:"durable"`
	Exclusive  bool   `yaml:"exclusive"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// PublisherConfig holds publisher settings.
type PublisherConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	ConfirmBuffer int           `yaml:"confirm_buffer"`
	RateLimit     float64       `yaml:"rate_limit"` // messages per second, 0 disables
	RateBurst     int           `yaml:"rate_burst"`
	Redelivery    string        `yaml:"redelivery"` // discard, republish
}

// RPCConfig holds request/reply settings shared by the client and responder.
type RPCConfig struct {
	Exchange   ExchangeConfig `yaml:"exchange"`
	RoutingKey string         `yaml:"routing_key"`
	// ReplyQueue is empty for direct reply-to
	ReplyQueue     string               `yaml:"reply_queue"`
	Timeout        time.Duration        `yaml:"timeout"`
	Prefetch       int                  `yaml:"prefetch"`
	HandlerTimeout time.Duration        `yaml:"handler_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds the RPC client breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"` // 0 disables
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// ReconnectConfig holds the link reopen policy.
type ReconnectConfig struct {
	Delay time.Duration `yaml:"delay"`
	// MaxDelay above Delay switches to exponential backoff
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 retries forever
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:        "localhost",
			Port:        contracts.DefaultPort,
			VirtualHost: "/",
			Username:    "guest",
			Password:    "guest",
			Heartbeat:   10 * time.Second,
			DialTimeout: 30 * time.Second,
		},
		Exchange: ExchangeConfig{
			Kind:    string(contracts.ExchangeDirect),
			Durable: true,
		},
		Publisher: PublisherConfig{
			Timeout:       10 * time.Second,
			ConfirmBuffer: 4096,
			Redelivery:    "discard",
		},
		RPC: RPCConfig{
			Exchange: ExchangeConfig{
				Kind:    string(contracts.ExchangeDirect),
				Durable: true,
			},
			RoutingKey:     "rpc",
			Timeout:        30 * time.Second,
			Prefetch:       1,
			HandlerTimeout: 30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				ResetTimeout: 60 * time.Second,
			},
		},
		Reconnect: ReconnectConfig{
			Delay:      reliability.DefaultReconnectDelay,
			Multiplier: 2.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := c.Broker.Params(); err != nil {
		return err
	}

	if err := c.Exchange.validate("exchange"); err != nil {
		return err
	}
	if err := c.Queue.Spec().Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	if c.Publisher.Timeout <= 0 {
		return fmt.Errorf("publisher.timeout must be positive")
	}
	if c.Publisher.ConfirmBuffer < 1 {
		return fmt.Errorf("publisher.confirm_buffer must be at least 1")
	}
	if c.Publisher.RateLimit < 0 {
		return fmt.Errorf("publisher.rate_limit cannot be negative")
	}
	validRedelivery := map[string]bool{"discard": true, "republish": true}
	if !validRedelivery[c.Publisher.Redelivery] {
		return fmt.Errorf("publisher.redelivery must be one of: discard, republish")
	}

	if err := c.RPC.Exchange.validate("rpc.exchange"); err != nil {
		return err
	}
	if c.RPC.RoutingKey == "" {
		return fmt.Errorf("rpc.routing_key cannot be empty")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc.timeout must be positive")
	}
	if c.RPC.Prefetch < 0 {
		return fmt.Errorf("rpc.prefetch cannot be negative")
	}
	if c.RPC.CircuitBreaker.FailureThreshold > 0 && c.RPC.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("rpc.circuit_breaker.reset_timeout must be positive when the breaker is enabled")
	}

	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect.delay must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}
	if c.Reconnect.MaxDelay > c.Reconnect.Delay && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1 for exponential backoff")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Params converts the broker section to connection parameters
func (b BrokerConfig) Params() (contracts.ConnectionParams, error) {
	params := contracts.ConnectionParams{
		Host:        b.Host,
		Port:        b.Port,
		VirtualHost: b.VirtualHost,
		Username:    b.Username,
		Password:    b.Password,
	}
	if b.URL != "" {
		parsed, err := contracts.ParseURL(b.URL)
		if err != nil {
			return contracts.ConnectionParams{}, fmt.Errorf("broker.url: %w", err)
		}
		params = parsed
	}
	params.ConnectionName = b.ConnectionName
	params.Heartbeat = b.Heartbeat
	params.DialTimeout = b.DialTimeout

	if err := params.Validate(); err != nil {
		return contracts.ConnectionParams{}, fmt.Errorf("broker: %w", err)
	}
	return params, nil
}

// Spec converts the section to an exchange spec
func (e ExchangeConfig) Spec() contracts.ExchangeSpec {
	return contracts.ExchangeSpec{
		Name:       e.Name,
		Kind:       contracts.ExchangeKind(e.Kind),
		Durable:    e.Durable,
		AutoDelete: e.AutoDelete,
	}
}

func (e ExchangeConfig) validate(section string) error {
	if err := e.Spec().Validate(); err != nil {
		return fmt.Errorf("%s: %w", section, err)
	}
	return nil
}

// Spec converts the section to a queue spec
func (q QueueConfig) Spec() contracts.QueueSpec {
	return contracts.QueueSpec{
		Name:       q.Name,
		RoutingKey: q.RoutingKey,
		Durable:    q.Durable,
		Exclusive:  q.Exclusive,
		AutoDelete: q.AutoDelete,
	}
}

// Topology pairs the exchange and queue sections
func (c *Config) Topology() contracts.Topology {
	return contracts.Topology{Exchange: c.Exchange.Spec(), Queue: c.Queue.Spec()}
}

// Policy builds the reopen policy: exponential backoff when MaxDelay
// exceeds Delay, a fixed delay otherwise
func (r ReconnectConfig) Policy() reliability.RetryPolicy {
	if r.MaxDelay > r.Delay {
		return reliability.NewExponentialBackoff(r.Delay, r.MaxDelay, r.Multiplier, r.MaxAttempts)
	}
	return reliability.NewFixedDelay(r.Delay, r.MaxAttempts)
}
