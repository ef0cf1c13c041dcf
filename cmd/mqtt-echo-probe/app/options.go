package app

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"mqtt-echo-probe/config"
)

// Report formats
const (
	ReportTable = "table"
	ReportJSON  = "json"
)

// Options holds the command line flags. Only flags the user actually set
// override the configuration file.
type Options struct {
	ConfigPath string
	Report     string

	endpoint      string
	port          int
	certFile      string
	keyFile       string
	caFile        string
	clientID      string
	topic         string
	message       string
	messageFile   string
	count         int
	useWebsocket  bool
	transport     string
	signingRegion string
	proxyHost     string
	proxyPort     int
	verbosity     string
	qos           int
	workers       int
	pacing        time.Duration
	timeout       time.Duration
	keepAlive     time.Duration
	metricsAddr   string
}

// NewOptions returns options holding the default values shown in --help
func NewOptions() *Options {
	d := config.Default()
	return &Options{
		Report:        ReportTable,
		topic:         d.Broker.Topic,
		message:       d.Run.Message,
		count:         d.Run.Count,
		transport:     string(d.Broker.Transport),
		signingRegion: d.Websocket.SigningRegion,
		proxyPort:     d.Proxy.Port,
		verbosity:     d.Logging.Level,
		qos:           d.Broker.QoS,
		workers:       d.Run.Workers,
		pacing:        d.Run.Pacing,
		keepAlive:     d.Broker.KeepAlive,
	}
}

// AddFlags registers every option on fs
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ConfigPath, "config", o.ConfigPath, "optional YAML config file; flags override it")
	fs.StringVar(&o.Report, "report", o.Report, "final report format: table or json")

	fs.StringVar(&o.endpoint, "endpoint", o.endpoint, "broker host name, without port")
	fs.IntVar(&o.port, "port", o.port, "broker port (default depends on the transport: 8883, 443 or 4222)")
	fs.StringVar(&o.certFile, "cert", o.certFile, "client certificate file for mutual TLS")
	fs.StringVar(&o.keyFile, "key", o.keyFile, "client private key file for mutual TLS")
	fs.StringVar(&o.caFile, "root-ca", o.caFile, "root CA file to trust instead of the system pool")
	fs.StringVar(&o.clientID, "client-id", o.clientID, "client id (default test-<uuid>)")
	fs.StringVar(&o.topic, "topic", o.topic, "topic to subscribe and publish to")
	fs.StringVar(&o.message, "message", o.message, `JSON array of messages to publish each round; "" publishes nothing`)
	fs.StringVar(&o.messageFile, "message-file", o.messageFile, "read the JSON array of messages from a file")
	fs.IntVar(&o.count, "count", o.count, "number of messages to wait for; 0 runs until interrupted")
	fs.BoolVar(&o.useWebsocket, "use-websocket", o.useWebsocket, "connect over a SigV4 signed websocket")
	fs.StringVar(&o.transport, "transport", o.transport, "transport: mtls, websocket or nats")
	fs.StringVar(&o.signingRegion, "signing-region", o.signingRegion, "SigV4 signing region for the websocket transport")
	fs.StringVar(&o.proxyHost, "proxy-host", o.proxyHost, "HTTP proxy host")
	fs.IntVar(&o.proxyPort, "proxy-port", o.proxyPort, "HTTP proxy port")
	fs.StringVar(&o.verbosity, "verbosity", o.verbosity, "log level: debug, info, warn or error")
	fs.IntVar(&o.qos, "qos", o.qos, "QoS for subscribe and publish")
	fs.IntVar(&o.workers, "workers", o.workers, "number of concurrent publishers")
	fs.DurationVar(&o.pacing, "pacing", o.pacing, "delay between publish rounds")
	fs.DurationVar(&o.timeout, "timeout", o.timeout, "timeout for each broker operation and the final wait; 0 waits indefinitely")
	fs.DurationVar(&o.keepAlive, "keep-alive", o.keepAlive, "keep-alive interval")
	fs.StringVar(&o.metricsAddr, "metrics-addr", o.metricsAddr, "serve Prometheus metrics on this address")
}

// Overrides returns the values of the flags set on fs
func (o *Options) Overrides(fs *pflag.FlagSet) config.Overrides {
	var ov config.Overrides
	set := fs.Changed

	if set("endpoint") {
		ov.Endpoint = &o.endpoint
	}
	if set("port") {
		ov.Port = &o.port
	}
	if set("cert") {
		ov.CertFile = &o.certFile
	}
	if set("key") {
		ov.KeyFile = &o.keyFile
	}
	if set("root-ca") {
		ov.CAFile = &o.caFile
	}
	if set("client-id") {
		ov.ClientID = &o.clientID
	}
	if set("topic") {
		ov.Topic = &o.topic
	}
	if set("message") {
		ov.Message = &o.message
	}
	if set("message-file") {
		ov.MessageFile = &o.messageFile
	}
	if set("count") {
		ov.Count = &o.count
	}
	if set("use-websocket") {
		ov.UseWebsocket = &o.useWebsocket
	}
	if set("transport") {
		ov.Transport = &o.transport
	}
	if set("signing-region") {
		ov.SigningRegion = &o.signingRegion
	}
	if set("proxy-host") {
		ov.ProxyHost = &o.proxyHost
	}
	if set("proxy-port") {
		ov.ProxyPort = &o.proxyPort
	}
	if set("verbosity") {
		ov.Verbosity = &o.verbosity
	}
	if set("qos") {
		ov.QoS = &o.qos
	}
	if set("workers") {
		ov.Workers = &o.workers
	}
	if set("pacing") {
		ov.Pacing = &o.pacing
	}
	if set("timeout") {
		ov.Timeout = &o.timeout
	}
	if set("keep-alive") {
		ov.KeepAlive = &o.keepAlive
	}
	if set("metrics-addr") {
		ov.MetricsAddr = &o.metricsAddr
	}
	return ov
}

// Config loads the config file, applies the flags set on fs, and
// validates the result
func (o *Options) Config(fs *pflag.FlagSet) (*config.Config, error) {
	switch o.Report {
	case ReportTable, ReportJSON:
	default:
		return nil, fmt.Errorf("%w: invalid report format: %q", config.ErrConfiguration, o.Report)
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(o.Overrides(fs)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
