package resolvermgr

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dockerresolver/internal/imageref"
	"github.com/swarmguard/dockerresolver/internal/resolver"
)

type hashingCall struct {
	tag  imageref.TagId
	sink resolver.Sink
}

type fakeHashing struct {
	sendC chan hashingCall
}

func newFakeHashing() *fakeHashing {
	return &fakeHashing{sendC: make(chan hashingCall, 16)}
}

func (f *fakeHashing) Send(ctx context.Context, workflowID string, tag imageref.TagId, sink resolver.Sink) {
	f.sendC <- hashingCall{tag: tag, sink: sink}
}

type fakeStore struct {
	loadC chan resolver.Sink
}

func newFakeStore() *fakeStore {
	return &fakeStore{loadC: make(chan resolver.Sink, 16)}
}

func (f *fakeStore) LoadAll(ctx context.Context, workflowID string, sink resolver.Sink) {
	f.loadC <- sink
}

func (f *fakeStore) Put(ctx context.Context, workflowID string, tag imageref.TagId, hash imageref.HashValue, sink resolver.Sink) {
	sink.PutOk(tag, hash)
}

const testTimeout = 2 * time.Second

func mustTag(t *testing.T, raw string) imageref.TagId {
	t.Helper()
	tag, err := imageref.ParseTagId(raw)
	if err != nil {
		t.Fatalf("parse tag: %v", err)
	}
	return tag
}

func TestLookupCreatesOneInstancePerWorkflow(t *testing.T) {
	hashing := newFakeHashing()
	storeD := newFakeStore()
	m := New(DefaultConfig(), hashing, storeD, nil, otel.Meter("test"))
	defer m.Stop()

	go func() {
		sink := <-storeD.loadC
		sink.Loaded(map[string]string{})
	}()
	go func() {
		sink := <-storeD.loadC
		sink.Loaded(map[string]string{})
	}()

	tag := mustTag(t, "docker.io/library/nginx:latest")
	hash := mustHash(t, "sha256:"+sixtyFourHex('c'))

	done := make(chan struct{}, 2)
	for _, wf := range []string{"wf-1", "wf-2"} {
		wf := wf
		go func() {
			call := recvHashingCall(t, hashing)
			call.sink.HashOk(call.tag, hash)
		}()
		go func() {
			if _, err := m.Lookup(context.Background(), wf, tag); err != nil {
				t.Errorf("lookup for %s: %v", wf, err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Fatal("timed out waiting for lookups")
		}
	}

	if got := m.Len(); got != 2 {
		t.Fatalf("expected 2 live instances, got %d", got)
	}
}

func TestReapRemovesIdleInstance(t *testing.T) {
	hashing := newFakeHashing()
	storeD := newFakeStore()
	cfg := Config{InstanceRetention: 10 * time.Millisecond, ReapInterval: time.Hour}
	m := New(cfg, hashing, storeD, nil, otel.Meter("test"))
	defer m.Stop()

	go func() {
		sink := <-storeD.loadC
		sink.Loaded(map[string]string{})
	}()

	tag := mustTag(t, "docker.io/library/busybox:1.36")
	hash := mustHash(t, "sha256:"+sixtyFourHex('d'))
	go func() {
		call := recvHashingCall(t, hashing)
		call.sink.HashOk(call.tag, hash)
	}()
	if _, err := m.Lookup(context.Background(), "wf-reap", tag); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := m.Len(); got != 1 {
		t.Fatalf("expected 1 live instance, got %d", got)
	}

	time.Sleep(cfg.InstanceRetention * 3)
	m.reap()

	if got := m.Len(); got != 0 {
		t.Fatalf("expected reaper to remove idle instance, got %d remaining", got)
	}
}

func mustHash(t *testing.T, raw string) imageref.HashValue {
	t.Helper()
	h, err := imageref.ParseHashValue(raw)
	if err != nil {
		t.Fatalf("parse hash: %v", err)
	}
	return h
}

func recvHashingCall(t *testing.T, h *fakeHashing) hashingCall {
	t.Helper()
	select {
	case c := <-h.sendC:
		return c
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for HashingService.Send")
		return hashingCall{}
	}
}

func sixtyFourHex(b byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = b
	}
	return string(out)
}
