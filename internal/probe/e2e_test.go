package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-echo-probe/config"
	mqttconn "mqtt-echo-probe/internal/broker/mqtt"
	"mqtt-echo-probe/internal/testutil"
)

func TestEndToEndMTLS(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an in-process broker")
	}

	cert := testutil.SelfSignedCert(t)
	_, port := testutil.StartMQTTBroker(t, cert)

	cfg := config.Default()
	cfg.Broker.Endpoint = "127.0.0.1"
	cfg.Broker.Port = port
	cfg.Broker.Topic = "t"
	cfg.TLS = config.TLSConfig{
		CertFile: cert.CertFile,
		KeyFile:  cert.KeyFile,
		CAFile:   cert.CertFile,
	}
	cfg.Run.Message = `["hi"]`
	cfg.Run.Count = 1
	cfg.Run.Timeout = 5 * time.Second
	require.NoError(t, cfg.Validate())

	batch, err := BatchFromConfig(cfg.Run)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := mqttconn.NewConnection(ctx, cfg, nopLogger(), nil)
	require.NoError(t, err)

	report, err := NewDriver(cfg, conn, batch, nopLogger(), nil).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), report.Published)
	assert.Equal(t, uint64(1), report.Received)
	assert.Equal(t, uint64(1), report.Rounds)
	assert.Positive(t, report.ConnectionTime)
	assert.Positive(t, report.TransferTime)
	assert.Equal(t, "disconnected", string(conn.State()))
}
