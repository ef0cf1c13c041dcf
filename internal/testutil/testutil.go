// Package testutil starts throwaway brokers and credentials for tests
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Certificate is a self-signed certificate valid for 127.0.0.1 and
// localhost, usable as server identity, client identity and root CA
type Certificate struct {
	CertFile string
	KeyFile  string
	TLS      tls.Certificate
}

// SelfSignedCert writes a fresh certificate and key into a temp dir
func SelfSignedCert(t *testing.T) Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	return Certificate{CertFile: certFile, KeyFile: keyFile, TLS: pair}
}

// FreePort returns a TCP port that was free a moment ago
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// StartMQTTBroker runs an in-process MQTT broker accepting every client
// on a TLS listener at 127.0.0.1 and returns its port. The broker is closed
// when the test ends.
func StartMQTTBroker(t *testing.T, cert Certificate) (*mqtt.Server, int) {
	t.Helper()

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	port := FreePort(t)
	listener := listeners.NewTCP(listeners.Config{
		ID:      "probe-test",
		Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLS},
			MinVersion:   tls.VersionTLS12,
		},
	})
	require.NoError(t, server.AddListener(listener))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() {
		_ = server.Close()
	})

	return server, port
}
