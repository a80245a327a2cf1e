package contracts

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPort is the IANA-assigned AMQP port
const DefaultPort = 5672

// ConnectionParams identifies one broker endpoint
type ConnectionParams struct {
	Host        string
	VirtualHost string
	Port        int
	Username    string
	Password    string

	// Optional tuning; zero values fall back to the client library defaults.
	ConnectionName string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
}

// NewConnectionParams creates connection parameters with guest credentials on the default vhost
func NewConnectionParams(host string) ConnectionParams {
	return ConnectionParams{
		Host:        host,
		VirtualHost: "/",
		Port:        DefaultPort,
		Username:    "guest",
		Password:    "guest",
	}
}

// ParseURL builds connection parameters from an amqp:// URL
func ParseURL(url string) (ConnectionParams, error) {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("invalid broker url: %w", err)
	}
	return ConnectionParams{
		Host:        uri.Host,
		VirtualHost: uri.Vhost,
		Port:        uri.Port,
		Username:    uri.Username,
		Password:    uri.Password,
	}, nil
}

// URL returns the amqp:// URL for these parameters
func (p ConnectionParams) URL() string {
	return p.uri().String()
}

// Redacted returns the URL with the password masked, for logging
func (p ConnectionParams) Redacted() string {
	u := p.uri()
	if u.Password != "" {
		u.Password = "***"
	}
	return u.String()
}

// Address returns host:port
func (p ConnectionParams) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.port())
}

// Validate checks that the parameters identify a reachable endpoint
func (p ConnectionParams) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidDescriptor)
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDescriptor, p.Port)
	}
	return nil
}

func (p ConnectionParams) port() int {
	if p.Port == 0 {
		return DefaultPort
	}
	return p.Port
}

func (p ConnectionParams) uri() amqp.URI {
	vhost := p.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     p.Host,
		Port:     p.port(),
		Username: p.Username,
		Password: p.Password,
		Vhost:    vhost,
	}
}
