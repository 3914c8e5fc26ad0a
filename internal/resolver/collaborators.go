package resolver

import (
	"context"

	"github.com/swarmguard/dockerresolver/internal/imageref"
)

// HashingService is the asynchronous external lookup collaborator (spec
// §2, §6). Send issues one lookup for tag; the eventual outcome is
// delivered back through sink — possibly on a different goroutine, and
// possibly never (a lost reply surfaces only as a driver-level timeout,
// see Sink.Timeout).
type HashingService interface {
	Send(ctx context.Context, workflowID string, tag imageref.TagId, sink Sink)
}

// Store is the durable (workflowId, tag) -> hash collaborator (spec §2,
// §4.3, §6). Both operations are asynchronous; their outcomes are
// delivered back through sink.
type Store interface {
	LoadAll(ctx context.Context, workflowID string, sink Sink)
	Put(ctx context.Context, workflowID string, tag imageref.TagId, hash imageref.HashValue, sink Sink)
}

// Sink receives the asynchronous outcomes of HashingService and Store
// calls. *Resolver implements Sink itself: every method here does nothing
// but translate its arguments into a mailbox event, so completions from
// any goroutine re-enter the FSM as ordinary inbound messages (spec §5's
// "suspension points" discipline). Backpressure is intentionally absent
// from this interface — per spec §4.2 it is resolved entirely inside the
// driver via jittered resend and never needs to reach the FSM.
type Sink interface {
	HashOk(tag imageref.TagId, hash imageref.HashValue)
	HashErr(tag imageref.TagId, reason string)
	Timeout()
	Loaded(persisted map[string]string)
	LoadFailed(reason string)
	PutOk(tag imageref.TagId, hash imageref.HashValue)
	PutFailed(tag imageref.TagId, reason string)
}
