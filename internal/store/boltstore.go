// Package store provides the durable (workflowId, tag) -> hash table
// described in SPEC_FULL.md §4.3, implemented over BoltDB the way the
// teacher's services/orchestrator/persistence.go backs WorkflowStore:
// one bucket per logical entity, db.Update/db.View transactions, and
// otel read/write latency + write-throttle instrumentation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dockerresolver/internal/imageref"
	"github.com/swarmguard/dockerresolver/internal/resilience"
	"github.com/swarmguard/dockerresolver/internal/resolver"
)

var bucketPrefix = []byte("wf:")

func bucketName(workflowID string) []byte {
	return append(append([]byte{}, bucketPrefix...), []byte(workflowID)...)
}

// BoltStore implements resolver.Store. Each workflow gets its own
// bucket holding canonical-tag -> canonical-digest entries; this keeps
// the per-workflow working set cheap to load wholesale on restart
// (spec §4.3's "append-only table/log" per workflow) without requiring
// a secondary index the way the teacher's executions/indexes buckets do.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger

	writeLimiter *resilience.RateLimiter

	readLatency    metric.Float64Histogram
	writeLatency   metric.Float64Histogram
	writeThrottled metric.Int64Counter
}

// Config holds the knobs SPEC_FULL.md §6 assigns to the Store.
type Config struct {
	Path string
	// StoreWriteRate bounds sustained Put throughput (writes/sec); bursts
	// up to StoreWriteRate are allowed immediately.
	StoreWriteRate float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(path string) Config {
	return Config{Path: path, StoreWriteRate: 200}
}

// Open opens (creating if absent) the BoltDB file at cfg.Path.
func Open(cfg Config, logger *slog.Logger, meter metric.Meter) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(cfg.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	rate := cfg.StoreWriteRate
	if rate <= 0 {
		rate = 200
	}

	readLatency, _ := meter.Float64Histogram("dockerresolver_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("dockerresolver_store_write_ms")
	writeThrottled, _ := meter.Int64Counter("dockerresolver_store_write_throttled_total")

	return &BoltStore{
		db:             db,
		logger:         logger,
		writeLimiter:   resilience.NewRateLimiter(int64(rate), rate, time.Second, int64(rate)),
		readLatency:    readLatency,
		writeLatency:   writeLatency,
		writeThrottled: writeThrottled,
	}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// LoadAll reads every persisted (tag, hash) pair for workflowID and
// reports it to sink as a single batch (spec §4.1's stateLoadingCache
// expects exactly one Loaded or LoadFailed per FSM instance).
func (s *BoltStore) LoadAll(ctx context.Context, workflowID string, sink resolver.Sink) {
	go s.loadAll(ctx, workflowID, sink)
}

func (s *BoltStore) loadAll(ctx context.Context, workflowID string, sink resolver.Sink) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "load_all")))
	}()

	persisted := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(workflowID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var entry string
			if err := json.Unmarshal(v, &entry); err != nil {
				// Pass the raw bytes on so the FSM's parse rejects the row.
				s.logger.Warn("store: corrupt entry", "workflow_id", workflowID, "tag", string(k), "err", err)
				entry = string(v)
			}
			persisted[string(k)] = entry
			return nil
		})
	})
	if err != nil {
		sink.LoadFailed(fmt.Sprintf("load workflow bucket: %v", err))
		return
	}
	sink.Loaded(persisted)
}

// Put persists one (tag, hash) mapping, throttled to Config.StoreWriteRate.
func (s *BoltStore) Put(ctx context.Context, workflowID string, tag imageref.TagId, hash imageref.HashValue, sink resolver.Sink) {
	go s.put(ctx, workflowID, tag, hash, sink)
}

func (s *BoltStore) put(ctx context.Context, workflowID string, tag imageref.TagId, hash imageref.HashValue, sink resolver.Sink) {
	if !s.writeLimiter.Allow() {
		s.writeThrottled.Add(ctx, 1)
		wait := s.writeLimiter.ReserveAfter(1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			sink.PutFailed(tag, "store write throttled and context cancelled")
			return
		}
	}

	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "put")))
	}()

	data, err := json.Marshal(hash.String())
	if err != nil {
		sink.PutFailed(tag, fmt.Sprintf("marshal hash: %v", err))
		return
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(workflowID))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(tag.String()), data)
	})
	if err != nil {
		sink.PutFailed(tag, fmt.Sprintf("write workflow bucket: %v", err))
		return
	}
	sink.PutOk(tag, hash)
}
