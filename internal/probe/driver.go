package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mqtt-echo-probe/config"
	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/metrics"
	"mqtt-echo-probe/internal/stats"
)

const disconnectTimeout = 10 * time.Second

// Driver runs one probe: connect, subscribe, publish the batch in rounds,
// wait for the echoes, disconnect.
type Driver struct {
	cfg     *config.Config
	conn    broker.Connection
	batch   Batch
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
	start   time.Time

	onRoundStart func(round int)
}

// NewDriver creates a driver for conn. metricsService may be nil.
func NewDriver(cfg *config.Config, conn broker.Connection, batch Batch, log *logger.Logger, metricsService *metrics.Metrics) *Driver {
	return &Driver{
		cfg:     cfg,
		conn:    conn,
		batch:   batch,
		logger:  log,
		metrics: metricsService,
	}
}

// OnRoundStart registers fn to run before every publish round
func (d *Driver) OnRoundStart(fn func(round int)) {
	d.onRoundStart = fn
}

// StartedAt sets the start of the connection phase. It defaults to the
// moment Run is called; callers that build the connection first pass the
// time they started building it.
func (d *Driver) StartedAt(t time.Time) {
	d.start = t
}

// Run executes the probe. The connection is always disconnected before Run
// returns. Cancelling ctx ends the run early without an error once the
// connection has been released.
func (d *Driver) Run(ctx context.Context) (report stats.Report, err error) {
	d.stats = stats.NewStatsCollector()
	if !d.start.IsZero() {
		d.stats.StartTime = d.start
	}
	recovery := NewRecovery(d.conn, d.logger, d.stats)
	d.conn.SetHandlers(recovery.Handlers())

	timeout := d.cfg.Run.Timeout
	topic := d.cfg.Broker.Topic
	qos := broker.QoS(d.cfg.Broker.QoS)

	defer func() {
		d.disconnect()
		d.stats.MarkEnd(time.Now())
		report = d.stats.GetStats()
		d.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetConnectDuration(report.ConnectionTime)
			m.SetTransferDuration(report.TransferTime)
		})
		if err != nil {
			d.stats.IncErrors()
			report.Errors = d.stats.GetStats().Errors
		}
	}()

	if _, err := broker.Await(ctx, d.conn.Connect(ctx), timeout); err != nil {
		if interrupted(ctx, err) {
			return report, nil
		}
		return report, fmt.Errorf("failed to connect: %w", err)
	}
	d.stats.MarkConnected(time.Now())
	d.logger.Info("connected", "connectionTime", d.stats.ConnectionTime())

	tracker := NewTracker(topic, d.cfg.Run.Count, d.logger)
	tracker.Observe(func(broker.Message, int64) { d.stats.IncReceived() })

	d.logger.Info("subscribing", "topic", topic, "qos", qos)
	if _, err := broker.Await(ctx, d.conn.Subscribe(topic, qos, tracker.OnMessage), timeout); err != nil {
		if interrupted(ctx, err) {
			return report, nil
		}
		return report, fmt.Errorf("failed to subscribe: %w", err)
	}
	d.logger.Info("subscribed", "topic", topic)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	go func() {
		select {
		case ferr := <-recovery.Fatal():
			abort(ferr)
		case <-runCtx.Done():
		}
	}()

	if len(d.batch) > 0 {
		orch := NewOrchestrator(d.conn, d.batch, PublishConfig{
			Topic:   topic,
			QoS:     qos,
			Count:   d.cfg.Run.Count,
			Workers: d.cfg.Run.Workers,
			Pacing:  d.cfg.Run.Pacing,
			Timeout: timeout,
		}, d.logger)
		orch.OnRoundStart(func(round int) {
			d.stats.IncRounds()
			d.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncRounds() })
			if d.onRoundStart != nil {
				d.onRoundStart(round)
			}
		})
		orch.OnPublished(func(broker.PublishResult) { d.stats.IncPublished() })

		if err := orch.Run(runCtx); err != nil {
			return report, d.abortError(ctx, runCtx, err)
		}
	} else {
		d.logger.Info("no messages to publish")
	}

	if err := d.wait(ctx, runCtx, tracker, timeout); err != nil {
		return report, err
	}

	d.logger.Info(fmt.Sprintf("%d message(s) received", tracker.Count()))
	return report, nil
}

// wait blocks until the tracker is satisfied, the run is aborted, or the
// timeout expires. An unbounded tracker only returns on abort.
func (d *Driver) wait(ctx, runCtx context.Context, tracker *Tracker, timeout time.Duration) error {
	d.logger.Info("waiting for all messages to be received", "expected", tracker.Target())

	waitCtx := runCtx
	if timeout > 0 && tracker.Target() > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	select {
	case <-tracker.Done():
		return nil
	case <-waitCtx.Done():
	}

	if runCtx.Err() != nil {
		return d.abortError(ctx, runCtx, runCtx.Err())
	}
	return fmt.Errorf("%w: received %d of %d message(s) within %s",
		broker.ErrTimeout, tracker.Count(), tracker.Target(), timeout)
}

// abortError maps err from the aborted run: an operator interrupt is not an
// error, a fatal recovery error replaces the cancellation it caused
func (d *Driver) abortError(ctx, runCtx context.Context, err error) error {
	if ctx.Err() != nil {
		d.logger.Info("run interrupted")
		return nil
	}
	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func (d *Driver) disconnect() {
	d.logger.Info("disconnecting")
	if _, err := broker.Await(context.Background(), d.conn.Disconnect(), disconnectTimeout); err != nil {
		d.logger.Warn("disconnect did not complete", "error", err)
		return
	}
	d.logger.Info("disconnected")
}

func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (d *Driver) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if d.metrics != nil {
		fn(d.metrics)
	}
}
