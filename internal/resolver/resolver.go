// Package resolver implements the per-workflow Docker image hash resolver:
// a finite state machine guaranteeing that every TagId referenced within
// one workflow is bound to exactly one HashValue for the workflow's
// lifetime, coalescing concurrent lookups and persisting resolutions
// durably before any Requester observes them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dockerresolver/internal/imageref"
)

// StartMode selects how a Resolver's state machine is seeded (spec §4.1).
type StartMode int

const (
	// StartFresh begins in Running with empty PendingSet/ResolvedMap.
	StartFresh StartMode = iota
	// StartRestart begins in LoadingCache and issues Store.loadAll.
	StartRestart
)

// ErrStopped is returned by Lookup once the resolver instance has been
// stopped; its reply channel will never receive another message.
var ErrStopped = errors.New("resolver: instance stopped")

// waiterGroup is the ordered, non-empty sequence of Waiters queued or
// pending for one tag, paired with the TagId itself so handlers never need
// to re-derive it from a map key.
type waiterGroup struct {
	tag     imageref.TagId
	waiters []Waiter
}

type fsmState int

const (
	stateLoadingCache fsmState = iota
	stateRunning
	stateFailed
)

// resolverState is the FSM state plus exactly the fields spec §3 allows
// for the current mode: QueuedMap in LoadingCache, PendingSet+ResolvedMap
// in Running, a terminal reason in Failed. It is owned exclusively by the
// resolver's own goroutine (run) and is never touched from any other
// goroutine — that is the entire reason the FSM needs no locks.
type resolverState struct {
	mode       fsmState
	queued     map[string]*waiterGroup       // LoadingCache only
	pending    map[string]*waiterGroup       // Running only
	resolved   map[string]imageref.HashValue // Running only
	failReason string                        // Failed only
}

// metrics holds the otel instruments the FSM records against, mirroring
// the teacher's per-component instrument bundles (e.g. DAGEngine's
// taskDuration/taskRetries/taskFailures).
type metrics struct {
	lookups       metric.Int64Counter
	coalesced     metric.Int64Counter
	hashFailures  metric.Int64Counter
	storeFailures metric.Int64Counter
	terminalFail  metric.Int64Counter
}

func newMetrics(meter metric.Meter) metrics {
	lookups, _ := meter.Int64Counter("dockerresolver_lookup_requests_total")
	coalesced, _ := meter.Int64Counter("dockerresolver_lookup_coalesced_total")
	hashFailures, _ := meter.Int64Counter("dockerresolver_hash_failures_total")
	storeFailures, _ := meter.Int64Counter("dockerresolver_store_put_failures_total")
	terminalFail, _ := meter.Int64Counter("dockerresolver_terminal_failures_total")
	return metrics{
		lookups:       lookups,
		coalesced:     coalesced,
		hashFailures:  hashFailures,
		storeFailures: storeFailures,
		terminalFail:  terminalFail,
	}
}

// Resolver is one running FSM instance, bound to exactly one workflow id.
type Resolver struct {
	workflowID string
	hashing    HashingService
	store      Store
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    metrics

	mailbox chan event
	stopC   chan struct{}
}

// New constructs a Resolver bound to workflowID and starts its mailbox
// loop. mode selects Fresh or Restart per spec §4.1. logger and meter may
// be nil, in which case slog.Default() and a meter from the global otel
// meter provider (a no-op unless one was installed) are used (convenient
// for tests).
func New(ctx context.Context, workflowID string, mode StartMode, hashing HashingService, store Store, logger *slog.Logger, meter metric.Meter) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter("dockerresolver")
	}
	r := &Resolver{
		workflowID: workflowID,
		hashing:    hashing,
		store:      store,
		logger:     logger.With("workflow_id", workflowID),
		tracer:     otel.Tracer("dockerresolver-resolver"),
		metrics:    newMetrics(meter),
		mailbox:    make(chan event, 256),
		stopC:      make(chan struct{}),
	}
	go r.run(ctx, mode)
	return r
}

// Stop drops the resolver's state. No explicit cancellation propagates to
// in-flight Store/HashingService calls (spec §5); their late replies are
// silently ignored because post selects on stopC.
func (r *Resolver) Stop() {
	close(r.stopC)
}

// Lookup sends LookupRequest{tag} and blocks for the single reply owed to
// this call, or until ctx is done, or until the resolver is stopped.
func (r *Resolver) Lookup(ctx context.Context, tag imageref.TagId) (imageref.HashValue, error) {
	w := newWaiter(uuid.NewString())
	select {
	case r.mailbox <- lookupRequestEvent{tag: tag, waiter: w}:
	case <-r.stopC:
		return imageref.HashValue{}, ErrStopped
	case <-ctx.Done():
		return imageref.HashValue{}, ctx.Err()
	}
	select {
	case reply := <-w.replyC:
		if reply.Failed {
			return imageref.HashValue{}, fmt.Errorf("resolver: %s: %s", tag.String(), reply.Reason)
		}
		return reply.Hash, nil
	case <-r.stopC:
		return imageref.HashValue{}, ErrStopped
	case <-ctx.Done():
		return imageref.HashValue{}, ctx.Err()
	}
}

// post enqueues ev on the mailbox, or drops it silently if the resolver
// has been stopped in the meantime.
func (r *Resolver) post(ev event) {
	select {
	case r.mailbox <- ev:
	case <-r.stopC:
	}
}

// --- Sink implementation: translate collaborator outcomes into events ---

func (r *Resolver) HashOk(tag imageref.TagId, hash imageref.HashValue) {
	r.post(hashOkEvent{tag: tag, hash: hash})
}

func (r *Resolver) HashErr(tag imageref.TagId, reason string) {
	r.post(hashErrEvent{tag: tag, reason: reason})
}

func (r *Resolver) Timeout() {
	r.post(lookupTimeoutEvent{})
}

func (r *Resolver) Loaded(persisted map[string]string) {
	r.post(storeLoadedEvent{persisted: persisted})
}

func (r *Resolver) LoadFailed(reason string) {
	r.post(storeLoadFailedEvent{reason: reason})
}

func (r *Resolver) PutOk(tag imageref.TagId, hash imageref.HashValue) {
	r.post(storePutOkEvent{tag: tag, hash: hash})
}

func (r *Resolver) PutFailed(tag imageref.TagId, reason string) {
	r.post(storePutFailedEvent{tag: tag, reason: reason})
}

// --- the mailbox loop: the single-threaded cooperative handler ---

func (r *Resolver) run(ctx context.Context, mode StartMode) {
	s := &resolverState{}
	if mode == StartFresh {
		s.mode = stateRunning
		s.pending = map[string]*waiterGroup{}
		s.resolved = map[string]imageref.HashValue{}
	} else {
		s.mode = stateLoadingCache
		s.queued = map[string]*waiterGroup{}
		r.store.LoadAll(ctx, r.workflowID, r)
	}

	for {
		select {
		case <-r.stopC:
			return
		case ev := <-r.mailbox:
			r.dispatch(ctx, s, ev)
		}
	}
}

func (r *Resolver) dispatch(ctx context.Context, s *resolverState, ev event) {
	switch s.mode {
	case stateLoadingCache:
		r.handleLoadingCache(ctx, s, ev)
	case stateRunning:
		r.handleRunning(ctx, s, ev)
	case stateFailed:
		r.handleFailed(s, ev)
	}
}

func (r *Resolver) handleLoadingCache(ctx context.Context, s *resolverState, ev event) {
	switch e := ev.(type) {
	case lookupRequestEvent:
		r.metrics.lookups.Add(ctx, 1)
		key := e.tag.String()
		grp, ok := s.queued[key]
		if !ok {
			grp = &waiterGroup{tag: e.tag}
			s.queued[key] = grp
		} else {
			r.metrics.coalesced.Add(ctx, 1)
		}
		grp.waiters = append(grp.waiters, e.waiter)

	case storeLoadedEvent:
		resolved := make(map[string]imageref.HashValue, len(e.persisted))
		for tagStr, hashStr := range e.persisted {
			tag, err := imageref.ParseTagId(tagStr)
			if err != nil {
				r.transitionFailed(ctx, s, "corrupt store")
				return
			}
			hash, err := imageref.ParseHashValue(hashStr)
			if err != nil {
				r.transitionFailed(ctx, s, "corrupt store")
				return
			}
			resolved[tag.String()] = hash
		}

		pending := map[string]*waiterGroup{}
		for key, grp := range s.queued {
			if hash, hit := resolved[key]; hit {
				for _, w := range grp.waiters {
					r.reply(w, grp.tag, hash, "")
				}
				continue
			}
			pending[key] = grp
			r.hashing.Send(ctx, r.workflowID, grp.tag, r)
		}

		s.resolved = resolved
		s.pending = pending
		s.queued = nil
		s.mode = stateRunning

	case storeLoadFailedEvent:
		r.transitionFailed(ctx, s, e.reason)

	default:
		// HashOk/HashErr/StorePut* cannot arrive before any lookup has been
		// issued to the HashingService; ignore defensively.
	}
}

func (r *Resolver) handleRunning(ctx context.Context, s *resolverState, ev event) {
	switch e := ev.(type) {
	case lookupRequestEvent:
		r.metrics.lookups.Add(ctx, 1)
		key := e.tag.String()
		if hash, hit := s.resolved[key]; hit {
			r.reply(e.waiter, e.tag, hash, "")
			return
		}
		if grp, inflight := s.pending[key]; inflight {
			r.metrics.coalesced.Add(ctx, 1)
			grp.waiters = append(grp.waiters, e.waiter)
			return
		}
		s.pending[key] = &waiterGroup{tag: e.tag, waiters: []Waiter{e.waiter}}
		r.hashing.Send(ctx, r.workflowID, e.tag, r)

	case hashOkEvent:
		// Not yet committed: waiters are replied to only once Store.put
		// confirms durability (spec §4.3's ordering guarantee).
		r.store.Put(ctx, r.workflowID, e.tag, e.hash, r)

	case hashErrEvent:
		r.metrics.hashFailures.Add(ctx, 1)
		key := e.tag.String()
		if grp, ok := s.pending[key]; ok {
			for _, w := range grp.waiters {
				r.reply(w, e.tag, imageref.HashValue{}, e.reason)
			}
			delete(s.pending, key)
		}

	case storePutOkEvent:
		key := e.tag.String()
		s.resolved[key] = e.hash
		if grp, ok := s.pending[key]; ok {
			for _, w := range grp.waiters {
				r.reply(w, e.tag, e.hash, "")
			}
			delete(s.pending, key)
		}

	case storePutFailedEvent:
		r.metrics.storeFailures.Add(ctx, 1)
		key := e.tag.String()
		if grp, ok := s.pending[key]; ok {
			for _, w := range grp.waiters {
				r.reply(w, e.tag, imageref.HashValue{}, e.reason)
			}
			delete(s.pending, key)
		}

	case lookupTimeoutEvent:
		// No tag is attributable; the FSM cannot safely continue (spec §4.1).
		r.transitionFailed(ctx, s, "hashing service request timed out")

	default:
		// storeLoadedEvent/storeLoadFailedEvent cannot arrive in Running.
	}
}

func (r *Resolver) handleFailed(s *resolverState, ev event) {
	req, ok := ev.(lookupRequestEvent)
	if !ok {
		return
	}
	r.reply(req.waiter, req.tag, imageref.HashValue{}, s.failReason)
}

// transitionFailed moves the FSM into Failed, notifying every waiter
// currently tracked in QueuedMap/PendingSet (spec §4.1 transition side
// effect) before discarding those maps.
func (r *Resolver) transitionFailed(ctx context.Context, s *resolverState, reason string) {
	_, span := r.tracer.Start(ctx, "resolver.fail", trace.WithAttributes(
		attribute.String("workflow_id", r.workflowID),
		attribute.String("reason", reason),
	))
	defer span.End()

	r.logger.Error("resolver terminated", "reason", reason)
	r.metrics.terminalFail.Add(ctx, 1)

	s.mode = stateFailed
	s.failReason = reason

	for _, grp := range s.queued {
		for _, w := range grp.waiters {
			r.reply(w, grp.tag, imageref.HashValue{}, reason)
		}
	}
	for _, grp := range s.pending {
		for _, w := range grp.waiters {
			r.reply(w, grp.tag, imageref.HashValue{}, reason)
		}
	}
	s.queued = nil
	s.pending = nil
	s.resolved = nil
}

// reply delivers the single reply owed to w. w.replyC is always
// 1-buffered and written to exactly once, so this never blocks.
func (r *Resolver) reply(w Waiter, tag imageref.TagId, hash imageref.HashValue, reason string) {
	if reason != "" {
		w.replyC <- LookupReply{Tag: tag, Failed: true, Reason: reason}
		return
	}
	w.replyC <- LookupReply{Tag: tag, Hash: hash}
}
