package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
)

const (
	// alpnProtocol lets AWS IoT accept client-certificate MQTT on port 443
	alpnProtocol = "x-amzn-mqtt-ca"

	defaultConnectTimeout = 30 * time.Second
)

// newClientOptions builds paho options for the configured transport
func newClientOptions(ctx context.Context, cfg *config.Config, log *logger.Logger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(cfg.Broker.KeepAlive).
		SetOrderMatters(true).
		SetConnectTimeout(connectTimeout(cfg))

	var err error
	switch cfg.Broker.Transport {
	case config.TransportMTLS:
		err = configureMTLS(opts, cfg)
	case config.TransportWebsocket:
		err = configureWebsocket(ctx, opts, cfg)
	default:
		err = fmt.Errorf("transport %q is not an mqtt transport", cfg.Broker.Transport)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Proxy.Host != "" {
		log.Info("using http proxy", "host", cfg.Proxy.Host, "port", cfg.Proxy.Port)
	}
	return opts, nil
}

func connectTimeout(cfg *config.Config) time.Duration {
	if cfg.Run.Timeout > 0 {
		return cfg.Run.Timeout
	}
	return defaultConnectTimeout
}

// BrokerURL returns the server URL paho connects to
func BrokerURL(cfg *config.Config) string {
	host := cfg.Broker.Endpoint
	port := cfg.Broker.EffectivePort()
	if cfg.Broker.Transport == config.TransportWebsocket {
		return fmt.Sprintf("wss://%s:%d/mqtt", host, port)
	}
	return fmt.Sprintf("ssl://%s:%d", host, port)
}

func configureMTLS(opts *mqtt.ClientOptions, cfg *config.Config) error {
	port := cfg.Broker.EffectivePort()
	tlsConfig, err := newTLSConfig(cfg.TLS, port == 443)
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}

	opts.AddBroker(BrokerURL(cfg))
	opts.SetTLSConfig(tlsConfig)

	if cfg.Proxy.Host == "" {
		return nil
	}

	dialer, err := broker.ProxyDialer(cfg.Proxy.Host, cfg.Proxy.Port, connectTimeout(cfg))
	if err != nil {
		return err
	}

	opts.SetCustomOpenConnectionFn(func(uri *url.URL, options mqtt.ClientOptions) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
		defer cancel()

		raw, err := broker.DialContext(ctx, dialer, uri.Host)
		if err != nil {
			return nil, err
		}

		tc := tlsConfig.Clone()
		if tc.ServerName == "" {
			tc.ServerName = uri.Hostname()
		}
		conn := tls.Client(raw, tc)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake through proxy failed: %w", err)
		}
		return conn, nil
	})
	return nil
}

func configureWebsocket(ctx context.Context, opts *mqtt.ClientOptions, cfg *config.Config) error {
	signer, err := newPresigner(ctx, cfg.Websocket.SigningRegion)
	if err != nil {
		return err
	}

	tlsConfig, err := newTLSConfig(config.TLSConfig{CAFile: cfg.TLS.CAFile}, false)
	if err != nil {
		return fmt.Errorf("failed to create TLS config: %w", err)
	}

	wsOpts := &mqtt.WebsocketOptions{}
	if cfg.Proxy.Host != "" {
		wsOpts.Proxy = http.ProxyURL(broker.ProxyURL(cfg.Proxy.Host, cfg.Proxy.Port))
	}

	opts.AddBroker(BrokerURL(cfg))
	opts.SetTLSConfig(tlsConfig)
	opts.SetWebsocketOptions(wsOpts)

	// The signed URL expires, so it is recomputed for every attempt.
	opts.SetCustomOpenConnectionFn(func(uri *url.URL, options mqtt.ClientOptions) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
		defer cancel()

		signed, err := signer.Presign(ctx, uri.String())
		if err != nil {
			return nil, err
		}
		return mqtt.NewWebsocket(signed, tlsConfig, options.ConnectTimeout, options.HTTPHeaders, wsOpts)
	})
	return nil
}

// newTLSConfig creates a new TLS configuration. The client certificate and
// root CA are optional; without a root CA the system pool is used.
func newTLSConfig(cfg config.TLSConfig, alpn bool) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if alpn {
		tlsConfig.NextProtos = []string{alpnProtocol}
	}

	return tlsConfig, nil
}
