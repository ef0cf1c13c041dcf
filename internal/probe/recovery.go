package probe

import (
	"fmt"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
	"mqtt-echo-probe/internal/stats"
)

// Recovery restores subscriptions when a connection resumes without its
// session. Any failure is fatal to the run and is delivered on Fatal.
type Recovery struct {
	conn   broker.Connection
	logger *logger.Logger
	stats  *stats.StatsCollector
	fatal  chan error
}

// NewRecovery creates a recovery for conn. st may be nil.
func NewRecovery(conn broker.Connection, log *logger.Logger, st *stats.StatsCollector) *Recovery {
	return &Recovery{
		conn:   conn,
		logger: log,
		stats:  st,
		fatal:  make(chan error, 1),
	}
}

// Handlers returns the connection callbacks backed by r
func (r *Recovery) Handlers() broker.Handlers {
	return broker.Handlers{
		OnInterrupted: r.OnInterrupted,
		OnResumed:     r.OnResumed,
	}
}

// Fatal receives the first unrecoverable resubscribe error
func (r *Recovery) Fatal() <-chan error {
	return r.fatal
}

func (r *Recovery) OnInterrupted(err error) {
	r.logger.Warn("connection interrupted", "error", err)
}

// OnResumed runs on the transport's goroutine, so the resubscribe result is
// inspected in a continuation rather than waited for here.
func (r *Recovery) OnResumed(ev broker.ResumeEvent) {
	r.logger.Info("connection resumed",
		"returnCode", ev.ReturnCode,
		"sessionPresent", ev.SessionPresent)
	if r.stats != nil {
		r.stats.IncReconnects()
	}

	if ev.ReturnCode != broker.ConnAccepted || ev.SessionPresent {
		return
	}

	r.logger.Info("session did not persist, resubscribing to existing topics")
	r.conn.ResubscribeExisting().OnComplete(r.onResubscribed)
}

func (r *Recovery) onResubscribed(records []broker.SubscriptionRecord, err error) {
	if err != nil {
		r.fail(fmt.Errorf("failed to restore subscriptions: %w", err))
		return
	}

	for _, rec := range records {
		r.logger.Info("resubscribe result", "topic", rec.Topic, "qos", rec.QoS, "rejected", rec.Rejected())
	}

	if err := broker.CheckGrants(records, true); err != nil {
		r.fail(err)
	}
}

func (r *Recovery) fail(err error) {
	r.logger.Error("subscription recovery failed", "error", err)
	select {
	case r.fatal <- err:
	default:
	}
}
