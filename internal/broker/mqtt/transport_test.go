package mqtt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/testutil"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name      string
		transport config.Transport
		port      int
		want      string
	}{
		{"mtls default port", config.TransportMTLS, 0, "ssl://broker.test:8883"},
		{"mtls on 443", config.TransportMTLS, 443, "ssl://broker.test:443"},
		{"websocket default port", config.TransportWebsocket, 0, "wss://broker.test:443/mqtt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Broker.Transport = tt.transport
			cfg.Broker.Port = tt.port
			assert.Equal(t, tt.want, BrokerURL(cfg))
		})
	}
}

func TestNewTLSConfig(t *testing.T) {
	cert := testutil.SelfSignedCert(t)

	t.Run("client certificate and root CA", func(t *testing.T) {
		tc, err := newTLSConfig(config.TLSConfig{
			CertFile: cert.CertFile,
			KeyFile:  cert.KeyFile,
			CAFile:   cert.CertFile,
		}, false)
		require.NoError(t, err)
		assert.Len(t, tc.Certificates, 1)
		assert.NotNil(t, tc.RootCAs)
		assert.Empty(t, tc.NextProtos)
	})

	t.Run("alpn on port 443", func(t *testing.T) {
		tc, err := newTLSConfig(config.TLSConfig{CertFile: cert.CertFile, KeyFile: cert.KeyFile}, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"x-amzn-mqtt-ca"}, tc.NextProtos)
		assert.Nil(t, tc.RootCAs)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := newTLSConfig(config.TLSConfig{CertFile: cert.CertFile, KeyFile: "missing.pem"}, false)
		assert.ErrorContains(t, err, "failed to load client certificate")
	})

	t.Run("invalid root CA", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0600))
		_, err := newTLSConfig(config.TLSConfig{CAFile: bad}, false)
		assert.ErrorContains(t, err, "failed to parse CA certificate")
	})
}

func TestNewClientOptions(t *testing.T) {
	cert := testutil.SelfSignedCert(t)

	cfg := testConfig()
	cfg.TLS = config.TLSConfig{CertFile: cert.CertFile, KeyFile: cert.KeyFile}
	cfg.Broker.KeepAlive = 45 * time.Second

	opts, err := newClientOptions(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://broker.test:8883", opts.Servers[0].String())
	assert.Equal(t, "test-client", opts.ClientID)
	assert.False(t, opts.CleanSession)
	assert.False(t, opts.AutoReconnect)
	assert.True(t, opts.Order)
	assert.Equal(t, int64(45), opts.KeepAlive)
	assert.Nil(t, opts.CustomOpenConnectionFn)

	cfg.Proxy.Host = "proxy.local"
	opts, err = newClientOptions(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, opts.CustomOpenConnectionFn)
}

func TestNewClientOptionsRejectsNATS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Transport = config.TransportNATS

	_, err := newClientOptions(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}
