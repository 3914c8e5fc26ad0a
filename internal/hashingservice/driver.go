// Package hashingservice drives the external Docker registry hash lookup
// service over NATS, implementing resolver.HashingService. It owns the
// contract described in spec §4.2: jittered backpressure resend, a
// per-request timeout that feeds a tag-less LookupTimeout back into the
// FSM, and admission control bounding in-flight work.
package hashingservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dockerresolver/internal/imageref"
	"github.com/swarmguard/dockerresolver/internal/natsctx"
	"github.com/swarmguard/dockerresolver/internal/resilience"
	"github.com/swarmguard/dockerresolver/internal/resolver"
)

// Config holds the driver-level knobs from spec §6.
type Config struct {
	BackpressureBase         time.Duration // default 10s
	BackpressureJitterFactor float64       // default 0.5
	RequestTimeout           time.Duration // driver-level request deadline
	MaxInFlight              int           // bounded in-flight lookups, default 64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		BackpressureBase:         10 * time.Second,
		BackpressureJitterFactor: 0.5,
		RequestTimeout:           30 * time.Second,
		MaxInFlight:              64,
	}
}

// wireRequest/wireReply are the NATS JSON payloads described in
// SPEC_FULL.md §6.
type wireRequest struct {
	Tag string `json:"tag"`
}

type wireReply struct {
	Tag    string `json:"tag"`
	Hash   string `json:"hash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const backpressureHeader = "X-Backpressure"

// Driver implements resolver.HashingService against a live NATS
// connection, generalizing the teacher's natsctx publish/subscribe
// helpers and its resilience.HybridRateLimiter/CircuitBreaker from
// general-purpose throttling into lookup-admission control.
type Driver struct {
	nc     *nats.Conn
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	admission *resilience.HybridRateLimiter
	breaker   *resilience.CircuitBreaker
	sem       chan struct{}

	sent          metric.Int64Counter
	backpressured metric.Int64Counter
	timedOut      metric.Int64Counter
}

// NewDriver constructs a driver publishing requests to
// "docker.hash.lookup.<workflowId>" and awaiting replies on a
// per-request NATS inbox subject.
func NewDriver(nc *nats.Conn, cfg Config, logger *slog.Logger, meter metric.Meter) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter("dockerresolver")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	sent, _ := meter.Int64Counter("dockerresolver_hashingservice_sent_total")
	backpressured, _ := meter.Int64Counter("dockerresolver_hashingservice_backpressure_total")
	timedOut, _ := meter.Int64Counter("dockerresolver_hashingservice_timeout_total")
	return &Driver{
		nc:     nc,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("dockerresolver-hashingservice"),
		// Burst capacity equal to MaxInFlight, refilling at roughly one
		// admission per (RequestTimeout / MaxInFlight) to keep steady-state
		// throughput bounded to what MaxInFlight concurrent lookups can sustain.
		admission:     resilience.NewHybridRateLimiter(cfg.MaxInFlight, float64(cfg.MaxInFlight)/cfg.RequestTimeout.Seconds(), cfg.MaxInFlight, 10*time.Millisecond),
		breaker:       resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 6, 0.5, 5*time.Second, 2),
		sem:           make(chan struct{}, cfg.MaxInFlight),
		sent:          sent,
		backpressured: backpressured,
		timedOut:      timedOut,
	}
}

// Stop releases the driver's background admission-control goroutines.
func (d *Driver) Stop() {
	d.admission.Stop()
}

// Send issues one lookup for tag against the HashingService, retrying on
// backpressure with jitter and reporting at most one outcome to sink:
// HashOk, HashErr, or Timeout (on a lost reply or any transport error).
// If ctx ends first, nothing is reported.
func (d *Driver) Send(ctx context.Context, workflowID string, tag imageref.TagId, sink resolver.Sink) {
	go d.run(ctx, workflowID, tag, sink)
}

func (d *Driver) run(ctx context.Context, workflowID string, tag imageref.TagId, sink resolver.Sink) {
	ctx, span := d.tracer.Start(ctx, "hashingservice.lookup", trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("tag", tag.String()),
	))
	defer span.End()

	// Admission saturation (the shared queue is full across every workflow's
	// in-flight lookups) is ordinary backpressure, not a lost reply: keep
	// retrying with jitter instead of feeding the FSM's catastrophic
	// LookupTimeout path, which would fail an entire unrelated workflow for
	// a transient, whole-process concurrency limit (spec §7's blast-radius
	// guarantee). Only ctx ending (resolver/process shutdown) gives up.
	for {
		err := d.admission.AllowOrWait(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("hashingservice admission saturated, deferring lookup", "tag", tag.String())
		if !d.sleepJitter(ctx) {
			return
		}
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	for {
		if !d.breaker.Allow() {
			d.logger.Warn("hashingservice circuit open, deferring lookup", "tag", tag.String())
			if !d.sleepJitter(ctx) {
				return
			}
			continue
		}

		reply, backpressure, err := d.roundTrip(ctx, workflowID, tag)
		d.sent.Add(ctx, 1)
		if err != nil {
			d.breaker.RecordResult(false)
			d.timedOut.Add(ctx, 1)
			sink.Timeout()
			return
		}
		if backpressure {
			d.backpressured.Add(ctx, 1)
			if !d.sleepJitter(ctx) {
				return
			}
			continue
		}
		if reply.Reason != "" {
			d.breaker.RecordResult(false)
			sink.HashErr(tag, reply.Reason)
			return
		}
		hash, err := imageref.ParseHashValue(reply.Hash)
		if err != nil {
			d.breaker.RecordResult(false)
			sink.HashErr(tag, "hashing service returned an invalid hash")
			return
		}
		d.breaker.RecordResult(true)
		sink.HashOk(tag, hash)
		return
	}
}

func (d *Driver) roundTrip(ctx context.Context, workflowID string, tag imageref.TagId) (wireReply, bool, error) {
	body, err := json.Marshal(wireRequest{Tag: tag.String()})
	if err != nil {
		return wireReply{}, false, err
	}

	inbox := d.nc.NewRespInbox()
	replyC := make(chan *nats.Msg, 1)
	sub, err := d.nc.Subscribe(inbox, func(m *nats.Msg) { replyC <- m })
	if err != nil {
		return wireReply{}, false, err
	}
	defer sub.Unsubscribe()

	subject := "docker.hash.lookup." + workflowID
	if err := natsctx.PublishWithReply(ctx, d.nc, subject, inbox, body); err != nil {
		return wireReply{}, false, err
	}

	deadline := d.cfg.RequestTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	select {
	case m := <-replyC:
		if m.Header.Get(backpressureHeader) != "" {
			return wireReply{}, true, nil
		}
		var wr wireReply
		if err := json.Unmarshal(m.Data, &wr); err != nil {
			return wireReply{}, false, err
		}
		return wr, false, nil
	case <-time.After(deadline):
		return wireReply{}, false, context.DeadlineExceeded
	case <-ctx.Done():
		return wireReply{}, false, ctx.Err()
	}
}

// sleepJitter sleeps for a duration drawn uniformly from
// [base*(1-f), base*(1+f)] (spec §4.2), returning false if ctx ends first.
func (d *Driver) sleepJitter(ctx context.Context) bool {
	base := d.cfg.BackpressureBase
	if base <= 0 {
		base = 10 * time.Second
	}
	f := d.cfg.BackpressureJitterFactor
	if f < 0 || f > 1 {
		f = 0.5
	}
	lo := float64(base) * (1 - f)
	hi := float64(base) * (1 + f)
	delay := time.Duration(lo + rand.Float64()*(hi-lo))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
