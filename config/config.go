package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"mqtt-echo-probe/internal/broker"
)

// ErrConfiguration marks every error raised while loading or validating
// configuration, before any connection attempt
var ErrConfiguration = errors.New("invalid configuration")

// Transport selects how the probe reaches the broker
type Transport string

const (
	// TransportMTLS is MQTT over TLS with a client certificate
	TransportMTLS Transport = "mtls"
	// TransportWebsocket is MQTT over a SigV4-signed secure websocket
	TransportWebsocket Transport = "websocket"
	// TransportNATS is NATS core publish/subscribe
	TransportNATS Transport = "nats"
)

// Default ports per transport
const (
	DefaultMTLSPort      = 8883
	DefaultWebsocketPort = 443
	DefaultNATSPort      = 4222
)

// DefaultMessage is published when no message is configured
const DefaultMessage = `["Hello World!"]`

type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	TLS       TLSConfig       `yaml:"tls"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Run       RunConfig       `yaml:"run"`
	Logging   LogConfig       `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type BrokerConfig struct {
	Endpoint  string        `yaml:"endpoint"` // host only, no port
	Port      int           `yaml:"port"`     // 0 = transport default
	ClientID  string        `yaml:"clientId"`
	Topic     string        `yaml:"topic"`
	Transport Transport     `yaml:"transport"`
	QoS       int           `yaml:"qos"`
	KeepAlive time.Duration `yaml:"keepAlive"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

type WebsocketConfig struct {
	SigningRegion string `yaml:"signingRegion"`
}

type ProxyConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type RunConfig struct {
	Message     string        `yaml:"message"`     // JSON array; empty = publish nothing
	MessageFile string        `yaml:"messageFile"` // overrides Message when set
	Count       int           `yaml:"count"`       // 0 = run forever
	Workers     int           `yaml:"workers"`
	Pacing      time.Duration `yaml:"pacing"`
	Timeout     time.Duration `yaml:"timeout"` // 0 = wait indefinitely
}

type LogConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	OutputPath string `yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `yaml:"encoding"`   // json or console
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ClientID:  "test-" + uuid.NewString(),
			Topic:     "test/topic",
			Transport: TransportMTLS,
			QoS:       1,
			KeepAlive: 30 * time.Second,
		},
		Websocket: WebsocketConfig{
			SigningRegion: "us-east-1",
		},
		Proxy: ProxyConfig{
			Port: 8080,
		},
		Run: RunConfig{
			Message: DefaultMessage,
			Count:   10,
			Workers: 1,
			Pacing:  time.Second,
		},
		Logging: LogConfig{
			Level:      "info",
			OutputPath: "stdout",
			Encoding:   "console",
		},
		Metrics: MetricsConfig{
			Address: ":2112",
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML configuration file on top of the defaults. An empty
// path yields the defaults. The result is not validated; callers apply
// overrides first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfiguration, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrConfiguration, err)
	}

	return cfg, nil
}

// Validate performs validation of all configuration values
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker endpoint is required")
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("invalid broker port: %d", c.Broker.Port)
	}
	if c.Broker.ClientID == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if err := broker.ValidateTopicName(c.Broker.Topic); err != nil {
		return err
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return fmt.Errorf("invalid qos: %d", c.Broker.QoS)
	}
	if c.Broker.KeepAlive < 0 {
		return fmt.Errorf("keep-alive cannot be negative")
	}

	switch c.Broker.Transport {
	case TransportMTLS:
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required for mtls transport")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required for mtls transport")
		}
	case TransportWebsocket:
		if c.Websocket.SigningRegion == "" {
			return fmt.Errorf("signing region is required for websocket transport")
		}
	case TransportNATS:
		if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
			return fmt.Errorf("tls cert and key files must be given together")
		}
	default:
		return fmt.Errorf("invalid transport: %q", c.Broker.Transport)
	}

	if c.Proxy.Host != "" && (c.Proxy.Port <= 0 || c.Proxy.Port > 65535) {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}

	if c.Run.Count < 0 {
		return fmt.Errorf("count cannot be negative")
	}
	if c.Run.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if c.Run.Pacing < 0 {
		return fmt.Errorf("pacing cannot be negative")
	}
	if c.Run.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", c.Logging.Encoding)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}

// EffectivePort returns the configured port or the transport default
func (b *BrokerConfig) EffectivePort() int {
	if b.Port > 0 {
		return b.Port
	}
	switch b.Transport {
	case TransportWebsocket:
		return DefaultWebsocketPort
	case TransportNATS:
		return DefaultNATSPort
	default:
		return DefaultMTLSPort
	}
}

// Overrides carries command line values; nil fields were not given
type Overrides struct {
	Endpoint      *string
	Port          *int
	CertFile      *string
	KeyFile       *string
	CAFile        *string
	ClientID      *string
	Topic         *string
	Message       *string
	MessageFile   *string
	Count         *int
	UseWebsocket  *bool
	Transport     *string
	SigningRegion *string
	ProxyHost     *string
	ProxyPort     *int
	Verbosity     *string
	QoS           *int
	Workers       *int
	Pacing        *time.Duration
	Timeout       *time.Duration
	KeepAlive     *time.Duration
	MetricsAddr   *string
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(o Overrides) error {
	if o.UseWebsocket != nil && *o.UseWebsocket && o.Transport != nil &&
		Transport(*o.Transport) != TransportWebsocket {
		return fmt.Errorf("%w: --use-websocket conflicts with --transport %s", ErrConfiguration, *o.Transport)
	}

	setString(&c.Broker.Endpoint, o.Endpoint)
	setInt(&c.Broker.Port, o.Port)
	setString(&c.TLS.CertFile, o.CertFile)
	setString(&c.TLS.KeyFile, o.KeyFile)
	setString(&c.TLS.CAFile, o.CAFile)
	setString(&c.Broker.ClientID, o.ClientID)
	setString(&c.Broker.Topic, o.Topic)
	if o.Message != nil && o.MessageFile == nil {
		// an inline message on the command line replaces a file named in
		// the config file
		c.Run.MessageFile = ""
	}
	setString(&c.Run.Message, o.Message)
	setString(&c.Run.MessageFile, o.MessageFile)
	setInt(&c.Run.Count, o.Count)
	setString(&c.Websocket.SigningRegion, o.SigningRegion)
	setString(&c.Proxy.Host, o.ProxyHost)
	setInt(&c.Proxy.Port, o.ProxyPort)
	setString(&c.Logging.Level, o.Verbosity)
	setInt(&c.Broker.QoS, o.QoS)
	setInt(&c.Run.Workers, o.Workers)

	if o.Transport != nil {
		c.Broker.Transport = Transport(*o.Transport)
	}
	if o.UseWebsocket != nil && *o.UseWebsocket {
		c.Broker.Transport = TransportWebsocket
	}
	if o.Pacing != nil {
		c.Run.Pacing = *o.Pacing
	}
	if o.Timeout != nil {
		c.Run.Timeout = *o.Timeout
	}
	if o.KeepAlive != nil {
		c.Broker.KeepAlive = *o.KeepAlive
	}
	if o.MetricsAddr != nil && *o.MetricsAddr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = *o.MetricsAddr
	}

	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
