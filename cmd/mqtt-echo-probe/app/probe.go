package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/broker"
	mqttconn "mqtt-echo-probe/internal/broker/mqtt"
	natsconn "mqtt-echo-probe/internal/broker/nats"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/metrics"
	"mqtt-echo-probe/internal/probe"
	"mqtt-echo-probe/internal/stats"
)

// NewProbeCommand creates the root command. ctx is cancelled on operator
// interrupt, which ends the run cleanly.
func NewProbeCommand(ctx context.Context) *cobra.Command {
	opts := NewOptions()

	cmd := &cobra.Command{
		Use:   "mqtt-echo-probe",
		Short: "Publish messages to a broker topic and wait for them to come back",
		Long: `mqtt-echo-probe connects to a broker, subscribes to a topic, publishes a
batch of JSON messages to the same topic each round, and waits until the
expected number of messages has been received. It reports the connection
and transfer times when done.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Config(cmd.Flags())
			if err != nil {
				return err
			}
			return Run(ctx, cfg, opts.Report, cmd.OutOrStdout())
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// Run executes one probe with a validated configuration and writes the
// report to out. The report is written on failure too.
func Run(ctx context.Context, cfg *config.Config, format string, out io.Writer) error {
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("%w: failed to initialize logger: %w", config.ErrConfiguration, err)
	}
	defer log.Sync()

	undo, err := maxprocs.Set(maxprocs.Logger(func(msg string, args ...interface{}) {
		log.Debug(fmt.Sprintf(msg, args...))
	}))
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", "error", err)
	}
	defer undo()

	batch, err := probe.BatchFromConfig(cfg.Run)
	if err != nil {
		return err
	}

	var metricsService *metrics.Metrics
	if cfg.Metrics.Enabled {
		srv, err := startMetricsServer(cfg.Metrics, log)
		if err != nil {
			return fmt.Errorf("%w: failed to start metrics server: %w", config.ErrConfiguration, err)
		}
		defer srv.Shutdown()
		metricsService = srv.metrics
	}

	// connection time covers building the handle, which may load credentials
	start := time.Now()
	conn, err := NewConnection(ctx, cfg, log, metricsService)
	if err != nil {
		return err
	}

	log.Info("starting probe",
		"transport", cfg.Broker.Transport,
		"endpoint", cfg.Broker.Endpoint,
		"port", cfg.Broker.EffectivePort(),
		"clientId", cfg.Broker.ClientID,
		"topic", cfg.Broker.Topic,
		"count", cfg.Run.Count,
		"batchSize", len(batch))

	driver := probe.NewDriver(cfg, conn, batch, log, metricsService)
	driver.StartedAt(start)
	report, runErr := driver.Run(ctx)

	if err := writeReport(out, report, format); err != nil {
		log.Error("failed to write report", "error", err)
	}
	return runErr
}

// NewConnection creates the broker connection for the configured transport
func NewConnection(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (broker.Connection, error) {
	switch cfg.Broker.Transport {
	case config.TransportNATS:
		return natsconn.NewConnection(cfg, log, m), nil
	case config.TransportMTLS, config.TransportWebsocket:
		c, err := mqttconn.NewConnection(ctx, cfg, log, m)
		if err != nil {
			// unreadable certificates or missing aws credentials
			return nil, fmt.Errorf("%w: %w", config.ErrConfiguration, err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: invalid transport: %q", config.ErrConfiguration, cfg.Broker.Transport)
	}
}

func writeReport(w io.Writer, r stats.Report, format string) error {
	if format == ReportJSON {
		return r.WriteJSON(w)
	}
	return r.WriteTable(w)
}
