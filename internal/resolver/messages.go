package resolver

import "github.com/swarmguard/dockerresolver/internal/imageref"

// Waiter is an opaque reply handle identifying one Requester awaiting a
// result for a specific TagId. Exact representation (here: a buffered
// channel) is an implementation detail; callers never read its fields.
type Waiter struct {
	id     string
	replyC chan LookupReply
}

// newWaiter allocates a Waiter with a 1-buffered reply channel so the FSM
// never blocks sending the single reply it owes.
func newWaiter(id string) Waiter {
	return Waiter{id: id, replyC: make(chan LookupReply, 1)}
}

// LookupReply is the tagged union of outbound messages to a Requester:
// exactly one of Result or Failure is set.
type LookupReply struct {
	Tag    imageref.TagId
	Hash   imageref.HashValue
	Failed bool
	Reason string
}

// event is the sealed set of messages the resolver's mailbox accepts.
// Only this package implements it.
type event interface {
	isResolverEvent()
}

// lookupRequestEvent is LookupRequest{tag} from a Requester.
type lookupRequestEvent struct {
	tag    imageref.TagId
	waiter Waiter
}

// storeLoadedEvent is the successful outcome of Store.loadAll on restart.
type storeLoadedEvent struct {
	// persisted holds the raw (tag, hash) strings exactly as read from the
	// Store; parsing (and rejecting corrupt rows) happens in the FSM so the
	// "corrupt store" failure mode is part of its documented behavior.
	persisted map[string]string
}

// storeLoadFailedEvent is the failed outcome of Store.loadAll on restart.
type storeLoadFailedEvent struct {
	reason string
}

// hashOkEvent is HashOk{tag,hash} from the HashingService.
type hashOkEvent struct {
	tag  imageref.TagId
	hash imageref.HashValue
}

// hashErrEvent is HashErr{tag,reason} from the HashingService.
type hashErrEvent struct {
	tag    imageref.TagId
	reason string
}

// storePutOkEvent is the successful outcome of Store.put for tag.
type storePutOkEvent struct {
	tag  imageref.TagId
	hash imageref.HashValue
}

// storePutFailedEvent is the failed outcome of Store.put for tag.
type storePutFailedEvent struct {
	tag    imageref.TagId
	reason string
}

// lookupTimeoutEvent is the driver's catastrophic, tag-less timeout signal.
type lookupTimeoutEvent struct{}

func (lookupRequestEvent) isResolverEvent()   {}
func (storeLoadedEvent) isResolverEvent()     {}
func (storeLoadFailedEvent) isResolverEvent() {}
func (hashOkEvent) isResolverEvent()          {}
func (hashErrEvent) isResolverEvent()         {}
func (storePutOkEvent) isResolverEvent()      {}
func (storePutFailedEvent) isResolverEvent()  {}
func (lookupTimeoutEvent) isResolverEvent()   {}
