package engine

import (
	"context"
	"errors"
	"time"

	"relay-ai-engine/internal/domain/model"
	"relay-ai-engine/internal/domain/ports/adapter"
	"relay-ai-engine/internal/infra/logging"
	"relay-ai-engine/internal/infra/metrics"
	"relay-ai-engine/internal/protocol"

	"github.com/rs/zerolog"
)

// Publisher is what the dispatcher needs for outbound traffic: a publish
// already wrapped in the retry discipline.
type Publisher interface {
	Publish(ctx context.Context, ev *protocol.Event) error
}

type DispatcherConfig struct {
	Models           []string      // supported model set
	Allowlist        []string      // empty = serve every requester
	Pacing           time.Duration // delay between jobs and between result and success feedback
	InferenceTimeout time.Duration
	QueueSize        int
}

// Dispatcher is the sequential job queue: it drains the inbound event
// stream, filters it through parse/dedup/authorization, and drives each
// accepted job through processing -> result -> success|error. At most
// one job is processing at any time; accepted events wait in the queue.
type Dispatcher struct {
	cfg    DispatcherConfig
	ai     adapter.AIServiceAdapter
	signer protocol.Signer
	pub    Publisher
	ledger *Ledger
	log    *zerolog.Logger

	events chan *protocol.Event
}

func NewDispatcher(
	cfg DispatcherConfig,
	ai adapter.AIServiceAdapter,
	signer protocol.Signer,
	pub Publisher,
	ledger *Ledger,
	logger *zerolog.Logger,
) *Dispatcher {
	if cfg.Pacing <= 0 {
		cfg.Pacing = 2 * time.Second
	}
	if cfg.InferenceTimeout <= 0 {
		cfg.InferenceTimeout = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	dispLog := logger.With().Str("component", "Dispatcher").Logger()
	return &Dispatcher{
		cfg:    cfg,
		ai:     ai,
		signer: signer,
		pub:    pub,
		ledger: ledger,
		log:    &dispLog,
		events: make(chan *protocol.Event, cfg.QueueSize),
	}
}

// Enqueue hands a raw inbound event to the dispatcher. Delivery cadence
// is decoupled from processing cadence by the queue; when the queue is
// full the event is dropped (relays redeliver on resubscribe).
func (d *Dispatcher) Enqueue(ev *protocol.Event) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn().Str("event_id", ev.ID).Msg("queue full, dropping event")
		metrics.IncDropped("overflow")
	}
}

// QueueDepth reports how many events are waiting, for /status.
func (d *Dispatcher) QueueDepth() int { return len(d.events) }

// Run drains the queue until ctx is cancelled. Everything downstream of
// the queue runs on this one goroutine, so the ledger has a single
// writer and the inference collaborator is never invoked concurrently.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.events:
			req := d.accept(ev)
			if req == nil {
				continue
			}
			d.process(ctx, req)
			d.pace(ctx)
		}
	}
}

// Consume forwards a stream (typically the subscription manager's) into
// the queue until ctx is cancelled. Run in its own goroutine.
func (d *Dispatcher) Consume(ctx context.Context, src <-chan *protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			d.Enqueue(ev)
		}
	}
}

// accept is the queue boundary: parse, dedup, authorize. Rejected events
// are dropped silently (logged, counted) and never enter the state
// machine. Unauthorized and encrypted requests get no feedback at all,
// so rejection is never confirmed to callers the engine does not serve.
func (d *Dispatcher) accept(ev *protocol.Event) *model.JobRequest {
	req, err := protocol.ParseJobRequest(ev, d.cfg.Models)
	if err != nil {
		d.log.Debug().Err(err).Str("event_id", ev.ID).Msg("dropping invalid job request")
		metrics.IncDropped("invalid")
		return nil
	}
	if d.ledger.Has(req.ID) {
		d.log.Debug().Str("job_id", req.ID).Msg("dropping duplicate job")
		metrics.IncDropped("duplicate")
		return nil
	}
	if len(d.cfg.Allowlist) > 0 && !contains(d.cfg.Allowlist, req.Requester) {
		d.log.Debug().Str("job_id", req.ID).Str("requester", req.Requester).
			Msg("dropping unauthorized job")
		metrics.IncDropped("unauthorized")
		return nil
	}
	return req
}

// process drives one job through the state machine:
//
//	processing feedback -> inference -> result -> pace -> success feedback -> mark
//
// Any failure publishes error feedback and leaves the ledger unmarked,
// so a legitimately failed job stays eligible for a redelivered retry.
func (d *Dispatcher) process(ctx context.Context, req *model.JobRequest) {
	ctx = logging.WithJobID(ctx, req.ID)
	ctx = logging.WithRequester(ctx, req.Requester)
	log := logging.With(ctx, d.log)
	defer logging.TraceDuration(log, "Dispatcher.process")()
	log.Info().Str("model", req.Params.Model).Msg("processing job")

	if err := d.publishFeedback(ctx, req, protocol.StatusProcessing, ""); err != nil {
		log.Error().Err(err).Msg("processing feedback publish exhausted")
		d.fail(ctx, req, "could not acknowledge job")
		return
	}

	content, err := d.infer(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("inference failed")
		detail := "inference failed"
		if errors.Is(err, context.DeadlineExceeded) {
			detail = "inference timed out"
		}
		d.fail(ctx, req, detail)
		return
	}

	result, err := protocol.BuildResult(d.signer, req.ID, req.Requester, content, req.Raw)
	if err != nil {
		log.Error().Err(err).Msg("building result failed")
		d.fail(ctx, req, "internal error")
		return
	}
	if err := d.pub.Publish(ctx, result); err != nil {
		log.Error().Err(err).Msg("result publish exhausted")
		d.fail(ctx, req, "could not deliver result")
		return
	}

	d.pace(ctx)

	if err := d.publishFeedback(ctx, req, protocol.StatusSuccess, ""); err != nil {
		// The result is out but the terminal feedback is not; leave the
		// ledger unmarked so a redelivery can settle the job.
		log.Error().Err(err).Msg("success feedback publish exhausted")
		d.fail(ctx, req, "could not confirm result")
		return
	}

	d.ledger.Mark(req.ID)
	metrics.IncJob(string(model.JobStatusSucceeded))
	log.Info().Msg("job succeeded")
}

// infer invokes the opaque inference collaborator with a bounded timeout
// and the job's parameters. An empty reply is a valid result.
func (d *Dispatcher) infer(ctx context.Context, req *model.JobRequest) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.InferenceTimeout)
	defer cancel()

	start := time.Now()
	content, err := d.ai.Chat(cctx, req.Params.Model,
		[]adapter.Message{{Role: "user", Content: req.Input}},
		adapter.Params{
			Temperature:      req.Params.Temperature,
			MaxTokens:        req.Params.MaxTokens,
			TopP:             req.Params.TopP,
			TopK:             req.Params.TopK,
			FrequencyPenalty: req.Params.FrequencyPenalty,
		})
	metrics.ObserveInference(req.Params.Model, int(time.Since(start)/time.Millisecond), err == nil)
	return content, err
}

// fail publishes terminal error feedback. The ledger is deliberately not
// marked: transient failure is distinct from completion.
func (d *Dispatcher) fail(ctx context.Context, req *model.JobRequest, detail string) {
	if err := d.publishFeedback(ctx, req, protocol.StatusError, detail); err != nil {
		logging.With(ctx, d.log).Error().Err(err).Msg("error feedback publish exhausted")
	}
	metrics.IncJob(string(model.JobStatusFailed))
}

func (d *Dispatcher) publishFeedback(ctx context.Context, req *model.JobRequest, status, detail string) error {
	fb, err := protocol.BuildFeedback(d.signer, req.ID, req.Requester, status, detail)
	if err != nil {
		return err
	}
	return d.pub.Publish(ctx, fb)
}

// pace enforces the fixed inter-step delay: deliberate backpressure
// against provider rate limits and relay floods, not a performance knob.
func (d *Dispatcher) pace(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.Pacing):
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
