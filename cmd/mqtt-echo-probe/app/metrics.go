package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/metrics"
)

// metricsServer exposes the probe metrics over HTTP for the life of a run
type metricsServer struct {
	logger  *logger.Logger
	server  *http.Server
	addr    string
	metrics *metrics.Metrics
	done    chan struct{}
}

func startMetricsServer(cfg config.MetricsConfig, log *logger.Logger) (*metricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry:          reg,
		EnableOpenMetrics: true,
	}))

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	s := &metricsServer{
		logger:  log,
		server:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		addr:    ln.Addr().String(),
		metrics: m,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		log.Info("starting metrics server",
			"address", s.addr,
			"path", path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	return s, nil
}

func (s *metricsServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown metrics server", "error", err)
	}
	<-s.done
}
