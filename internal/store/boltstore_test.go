package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dockerresolver/internal/imageref"
)

type captureSink struct {
	loaded     chan map[string]string
	loadFailed chan string
	putOk      chan imageref.TagId
	putFailed  chan string
}

func newCaptureSink() *captureSink {
	return &captureSink{
		loaded:     make(chan map[string]string, 1),
		loadFailed: make(chan string, 1),
		putOk:      make(chan imageref.TagId, 1),
		putFailed:  make(chan string, 1),
	}
}

func (c *captureSink) HashOk(imageref.TagId, imageref.HashValue) {}
func (c *captureSink) HashErr(imageref.TagId, string)            {}
func (c *captureSink) Timeout()                                  {}
func (c *captureSink) Loaded(persisted map[string]string)        { c.loaded <- persisted }
func (c *captureSink) LoadFailed(reason string)                  { c.loadFailed <- reason }
func (c *captureSink) PutOk(tag imageref.TagId, hash imageref.HashValue) { c.putOk <- tag }
func (c *captureSink) PutFailed(tag imageref.TagId, reason string)       { c.putFailed <- reason }

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "resolver.db"))
	s, err := Open(cfg, nil, otel.Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustTag(t *testing.T, raw string) imageref.TagId {
	t.Helper()
	tag, err := imageref.ParseTagId(raw)
	if err != nil {
		t.Fatalf("parse tag: %v", err)
	}
	return tag
}

func mustHash(t *testing.T, raw string) imageref.HashValue {
	t.Helper()
	h, err := imageref.ParseHashValue(raw)
	if err != nil {
		t.Fatalf("parse hash: %v", err)
	}
	return h
}

func TestLoadAllEmptyBucket(t *testing.T) {
	s := openTestStore(t)
	sink := newCaptureSink()
	s.LoadAll(context.Background(), "wf-1", sink)

	select {
	case persisted := <-sink.loaded:
		if len(persisted) != 0 {
			t.Fatalf("expected empty map, got %v", persisted)
		}
	case reason := <-sink.loadFailed:
		t.Fatalf("unexpected load failure: %s", reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Loaded")
	}
}

func TestPutThenLoadAllRoundTrips(t *testing.T) {
	s := openTestStore(t)
	sink := newCaptureSink()
	ctx := context.Background()

	tag := mustTag(t, "docker.io/library/redis:7")
	hash := mustHash(t, "sha256:"+sixtyFourHex('a'))

	s.Put(ctx, "wf-2", tag, hash, sink)
	select {
	case got := <-sink.putOk:
		if got.String() != tag.String() {
			t.Fatalf("expected PutOk for %s, got %s", tag, got)
		}
	case reason := <-sink.putFailed:
		t.Fatalf("unexpected put failure: %s", reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PutOk")
	}

	s.LoadAll(ctx, "wf-2", sink)
	select {
	case persisted := <-sink.loaded:
		got, ok := persisted[tag.String()]
		if !ok {
			t.Fatalf("expected %s in persisted set, got %v", tag, persisted)
		}
		if got != hash.String() {
			t.Fatalf("expected hash %s, got %s", hash, got)
		}
	case reason := <-sink.loadFailed:
		t.Fatalf("unexpected load failure: %s", reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Loaded")
	}
}

func TestPutIsolatedPerWorkflow(t *testing.T) {
	s := openTestStore(t)
	sink := newCaptureSink()
	ctx := context.Background()

	tag := mustTag(t, "docker.io/library/alpine:3.19")
	hash := mustHash(t, "sha256:"+sixtyFourHex('b'))
	s.Put(ctx, "wf-a", tag, hash, sink)
	<-sink.putOk

	s.LoadAll(ctx, "wf-b", sink)
	persisted := <-sink.loaded
	if len(persisted) != 0 {
		t.Fatalf("expected wf-b to see no entries from wf-a, got %v", persisted)
	}
}

func sixtyFourHex(b byte) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = b
	}
	return string(out)
}
