package probe

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"mqtt-echo-probe/internal/broker"
	"mqtt-echo-probe/internal/logger"
)

// PublishConfig controls the publish rounds
type PublishConfig struct {
	Topic   string
	QoS     broker.QoS
	Count   int // rounds; 0 = forever
	Workers int
	Pacing  time.Duration
	Timeout time.Duration // per acknowledgment; 0 = none
}

// Orchestrator publishes the batch once per round through a fixed pool of
// workers. A worker waits for the acknowledgment of its publish before it
// takes the next item.
type Orchestrator struct {
	conn   broker.Connection
	batch  Batch
	cfg    PublishConfig
	logger *logger.Logger

	onRoundStart func(round int)
	onPublished  func(res broker.PublishResult)
}

type publishJob struct {
	ctx     context.Context
	cancel  context.CancelFunc
	round   int
	index   int
	payload []byte
	result  chan<- error
}

// NewOrchestrator creates an orchestrator publishing batch over conn
func NewOrchestrator(conn broker.Connection, batch Batch, cfg PublishConfig, log *logger.Logger) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Orchestrator{
		conn:   conn,
		batch:  batch,
		cfg:    cfg,
		logger: log,
	}
}

// OnRoundStart registers fn to run before each round is dispatched
func (o *Orchestrator) OnRoundStart(fn func(round int)) {
	o.onRoundStart = fn
}

// OnPublished registers fn to run after every acknowledged publish
func (o *Orchestrator) OnPublished(fn func(res broker.PublishResult)) {
	o.onPublished = fn
}

// Run publishes until every round is done, a publish fails, or ctx ends.
// A failed publish abandons the rest of its round and is returned as a
// *broker.PublishError.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.batch) == 0 {
		return nil
	}

	jobs := make(chan publishJob)
	var g errgroup.Group
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			for job := range jobs {
				err := o.publish(job)
				if err != nil {
					job.result <- err
					job.cancel()
					continue
				}
				job.result <- nil
			}
			return nil
		})
	}

	err := o.rounds(ctx, jobs)
	close(jobs)
	_ = g.Wait()
	return err
}

func (o *Orchestrator) rounds(ctx context.Context, jobs chan<- publishJob) error {
	for round := 1; o.cfg.Count == 0 || round <= o.cfg.Count; round++ {
		if o.onRoundStart != nil {
			o.onRoundStart(round)
		}
		o.logger.Info("publishing messages", "round", round, "items", len(o.batch), "topic", o.cfg.Topic)

		if err := o.round(ctx, round, jobs); err != nil {
			return err
		}

		if o.cfg.Count != 0 && round == o.cfg.Count {
			break
		}
		if err := sleep(ctx, o.cfg.Pacing); err != nil {
			return err
		}
	}
	return nil
}

// round dispatches every batch item and collects their outcomes
func (o *Orchestrator) round(ctx context.Context, round int, jobs chan<- publishJob) error {
	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, len(o.batch))
	dispatched := 0

dispatch:
	for i, payload := range o.batch {
		job := publishJob{
			ctx:     roundCtx,
			cancel:  cancel,
			round:   round,
			index:   i,
			payload: payload,
			result:  results,
		}
		select {
		case jobs <- job:
			dispatched++
		case <-roundCtx.Done():
			break dispatch
		}
	}

	var first error
	for i := 0; i < dispatched; i++ {
		if err := <-results; err != nil && first == nil {
			first = err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return first
}

func (o *Orchestrator) publish(job publishJob) error {
	if err := job.ctx.Err(); err != nil {
		return err
	}

	res, err := broker.Await(job.ctx, o.conn.Publish(o.cfg.Topic, job.payload, o.cfg.QoS), o.cfg.Timeout)
	if err != nil {
		if job.ctx.Err() != nil && errors.Is(err, job.ctx.Err()) {
			return err
		}
		o.logger.Error("publish failed", "round", job.round, "item", job.index, "error", err)
		return &broker.PublishError{
			Topic: o.cfg.Topic,
			Round: job.round,
			Index: job.index,
			Err:   err,
		}
	}

	o.logger.Debug("publish acknowledged",
		"round", job.round,
		"item", job.index,
		"payload", string(job.payload),
		"ackedAfter", res.AckedAfter)
	if o.onPublished != nil {
		o.onPublished(res)
	}
	return nil
}

// sleep waits for d unless ctx ends first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
