package segrep

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HandlerState tracks a source handler through its lifecycle.
type HandlerState int32

const (
	HandlerStateCreated = HandlerState(iota)
	HandlerStateCopying
	HandlerStateCompleted
	HandlerStateCanceled
	HandlerStateFailed
)

// String returns the lowercase name of the state.
func (s HandlerState) String() string {
	switch s {
	case HandlerStateCreated:
		return "created"
	case HandlerStateCopying:
		return "copying"
	case HandlerStateCompleted:
		return "completed"
	case HandlerStateCanceled:
		return "canceled"
	case HandlerStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SourceHandler owns one target's view of the source shard's segment
// snapshot and orchestrates the transfer of that snapshot's files. Its file
// set is frozen at creation; later commits never mutate an in-flight handler.
type SourceHandler struct {
	ReplicationID ReplicationID
	Node          RemoteNode
	AllocationID  string
	ShardID       ShardID

	shard    *IndexShard
	snapshot *SegmentSnapshot
	writer   FileChunkWriter

	ctx    context.Context
	cancel context.CancelFunc

	state       int32 // HandlerState
	filesSent   int32
	bytesSent   int64
	releaseOnce sync.Once
	startedAt   time.Time
}

// FilesSent returns the number of files fully transferred by the handler.
func (h *SourceHandler) FilesSent() int { return int(atomic.LoadInt32(&h.filesSent)) }

// BytesSent returns the number of segment bytes acknowledged by the target.
func (h *SourceHandler) BytesSent() int64 { return atomic.LoadInt64(&h.bytesSent) }

// Snapshot returns the frozen segment snapshot the handler was built from.
func (h *SourceHandler) Snapshot() *SegmentSnapshot { return h.snapshot }

// Writer returns the chunk writer assigned at registration.
func (h *SourceHandler) Writer() FileChunkWriter { return h.writer }

// State returns the handler's current lifecycle state.
func (h *SourceHandler) State() HandlerState {
	return HandlerState(atomic.LoadInt32(&h.state))
}

func (h *SourceHandler) setState(s HandlerState) {
	atomic.StoreInt32(&h.state, int32(s))
}

// release drops the snapshot reference. Exactly once per handler, no matter
// how many terminal paths race.
func (h *SourceHandler) release() {
	h.releaseOnce.Do(func() {
		h.snapshot.Release()
	})
}

// cancelWith aborts the handler: pending writes fail fast and the snapshot
// reference is released.
func (h *SourceHandler) cancelWith(reason string) {
	h.setState(HandlerStateCanceled)
	h.writer.Cancel()
	h.cancel()
	h.release()
	log.Printf("canceled replication %d to %s: %s", h.ReplicationID, h.Node.ID, reason)
}

// OngoingReplications is the primary-side registry of in-flight replication
// events this node is serving as a source. A single map keyed by replication
// id is the source of truth; cancellation by node, shard or allocation scans
// it, so the lookups can never disagree.
type OngoingReplications struct {
	store *Store

	mu       sync.Mutex
	handlers map[ReplicationID]*SourceHandler
}

// NewOngoingReplications returns an empty registry bound to a store.
func NewOngoingReplications(store *Store) *OngoingReplications {
	return &OngoingReplications{
		store:    store,
		handlers: make(map[ReplicationID]*SourceHandler),
	}
}

// Len returns the number of live handlers.
func (r *OngoingReplications) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Handler returns the live handler for a replication id, if any.
func (r *OngoingReplications) Handler(id ReplicationID) *SourceHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[id]
}

// PrepareForReplication validates that this node is an eligible source for
// the requested shard, snapshots the current segments and registers a
// handler bound to that snapshot. A stale handler for the same allocation is
// canceled first; a live handler with the same replication id is an error.
func (r *OngoingReplications) PrepareForReplication(req CheckpointInfoRequest, writer FileChunkWriter) (*SourceHandler, error) {
	if !r.store.IsPrimary() {
		return nil, fmt.Errorf("prepare replication %d: %w", req.ReplicationID, ErrNotPrimary)
	}

	shard := r.store.Shard(req.ShardID.Index)
	if shard == nil {
		return nil, fmt.Errorf("prepare replication %d: %w: %s", req.ReplicationID, ErrShardNotFound, req.ShardID.ShortString())
	}

	// A target that restarts a replication event abandons its old one.
	r.CancelAllocation(req.AllocationID, "replaced by newer replication event")

	snapshot, err := shard.AcquireSnapshot()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[req.ReplicationID]; ok {
		snapshot.Release()
		return nil, fmt.Errorf("replication %d: %w", req.ReplicationID, ErrReplicationExists)
	}

	ctx, cancel := context.WithCancel(r.store.ctx)
	h := &SourceHandler{
		ReplicationID: req.ReplicationID,
		Node:          req.Node,
		AllocationID:  req.AllocationID,
		ShardID:       shard.ID(),

		shard:    shard,
		snapshot: snapshot,
		writer:   writer,

		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	r.handlers[req.ReplicationID] = h

	replicationActiveHandlersMetric.Inc()

	return h, nil
}

// StartSegmentCopy transfers the requested files for a previously prepared
// replication event. It blocks until all files are acknowledged or the
// transfer terminally fails, then removes the handler and releases its
// snapshot reference. An empty file list completes immediately.
func (r *OngoingReplications) StartSegmentCopy(ctx context.Context, req GetSegmentFilesRequest) ([]FileMetadata, error) {
	r.mu.Lock()
	h, ok := r.handlers[req.ReplicationID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("replication %d: %w", req.ReplicationID, ErrReplicationNotFound)
	}

	// The target must ask for files from the checkpoint it was prepared
	// with; anything else indicates it diffed against a different snapshot.
	if cp := h.snapshot.Checkpoint(); !req.Checkpoint.Equal(cp) {
		err := fmt.Errorf("replication %d: %w: requested %s, prepared %s", req.ReplicationID, ErrStaleCheckpoint, req.Checkpoint, cp)
		r.finish(h, err)
		return nil, err
	}
	for _, md := range req.Files {
		if have, ok := h.snapshot.Checkpoint().Files[md.Name]; !ok || have != md {
			err := fmt.Errorf("replication %d: file %q not in prepared snapshot", req.ReplicationID, md.Name)
			r.finish(h, err)
			return nil, err
		}
	}

	h.setState(HandlerStateCopying)

	var err error
	if len(req.Files) > 0 {
		transfer := NewMultiChunkTransfer(h.shard, h.writer, req.Files)
		transfer.ChunkSize = r.store.ChunkSize
		transfer.MaxConcurrentFiles = r.store.MaxConcurrentFiles
		transfer.Progress = func(n int64) {
			atomic.AddInt64(&h.bytesSent, n)
			replicationBytesSentMetricVec.WithLabelValues(h.ShardID.Index).Add(float64(n))
			replicationChunksSentMetricVec.WithLabelValues(h.ShardID.Index).Inc()
		}
		err = transfer.Run(joinContext(ctx, h.ctx))
	}
	if err == nil {
		atomic.StoreInt32(&h.filesSent, int32(len(req.Files)))
	}

	// Cancellation triggered by topology changes is reported to the caller
	// as a canceled replication, not whatever the transfer saw first.
	if err != nil && h.ctx.Err() != nil {
		err = ErrReplicationCanceled
	}
	r.finish(h, err)
	if err != nil {
		return nil, err
	}
	return req.Files, nil
}

// finish moves a handler to its terminal state, deregisters it and releases
// the snapshot reference. Safe against concurrent cancellation.
func (r *OngoingReplications) finish(h *SourceHandler, err error) {
	r.mu.Lock()
	removed := r.handlers[h.ReplicationID] == h
	if removed {
		delete(r.handlers, h.ReplicationID)
		replicationActiveHandlersMetric.Dec()
	}
	r.mu.Unlock()

	// A handler deregistered by a cancellation path has already been counted
	// and logged there.
	if !removed {
		h.cancel()
		h.release()
		return
	}

	switch {
	case err == nil:
		h.setState(HandlerStateCompleted)
		replicationCompletedMetric.Inc()
	case h.State() == HandlerStateCanceled:
		replicationCanceledMetric.Inc()
	default:
		h.setState(HandlerStateFailed)
		replicationFailedMetric.Inc()
	}
	h.cancel()
	h.release()

	r.store.logReplicationEvent(h, err)
}

// CancelReplication cancels and removes every handler targeting the given
// node. Invoked when a node leaves the cluster.
func (r *OngoingReplications) CancelReplication(nodeID string) {
	r.cancelMatching("node "+nodeID+" left", func(h *SourceHandler) bool {
		return h.Node.ID == nodeID
	})
}

// Cancel cancels and removes every handler sourced from the given shard.
func (r *OngoingReplications) Cancel(shardID ShardID, reason string) {
	r.cancelMatching(reason, func(h *SourceHandler) bool {
		return h.ShardID == shardID
	})
}

// CancelAllocation cancels and removes every handler serving the given
// allocation id. Invoked on promotion or allocation removal.
func (r *OngoingReplications) CancelAllocation(allocationID string, reason string) {
	r.cancelMatching(reason, func(h *SourceHandler) bool {
		return h.AllocationID == allocationID
	})
}

// CancelAll cancels every handler. Invoked on demotion & store close.
func (r *OngoingReplications) CancelAll(reason string) {
	r.cancelMatching(reason, func(*SourceHandler) bool { return true })
}

func (r *OngoingReplications) cancelMatching(reason string, match func(*SourceHandler) bool) {
	r.mu.Lock()
	var matched []*SourceHandler
	for id, h := range r.handlers {
		if match(h) {
			matched = append(matched, h)
			delete(r.handlers, id)
			replicationActiveHandlersMetric.Dec()
		}
	}
	r.mu.Unlock()

	for _, h := range matched {
		h.cancelWith(reason)
		replicationCanceledMetric.Inc()
		r.store.logReplicationEvent(h, nil)
	}
}

// ClearOutOfSyncIDs cancels handlers for allocations of the shard that are
// no longer in sync and prunes the shard's visible-checkpoint bookkeeping.
func (r *OngoingReplications) ClearOutOfSyncIDs(shardID ShardID, inSync map[string]struct{}) {
	r.cancelMatching("allocation out of sync", func(h *SourceHandler) bool {
		if h.ShardID != shardID {
			return false
		}
		_, ok := inSync[h.AllocationID]
		return !ok
	})

	if shard := r.store.Shard(shardID.Index); shard != nil {
		shard.PruneVisibleCheckpoints(inSync)
	}
}

// joinContext returns a context that is canceled when either parent is.
func joinContext(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx
}

// Replication source metrics.
var (
	replicationActiveHandlersMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segrep_replication_active_handlers",
		Help: "Number of in-flight source-side replication handlers.",
	})

	replicationBytesSentMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_replication_bytes_sent",
		Help: "Number of segment bytes sent to targets.",
	}, []string{"index"})

	replicationChunksSentMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_replication_chunks_sent",
		Help: "Number of file chunks sent to targets.",
	}, []string{"index"})

	replicationCompletedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segrep_replication_completed_count",
		Help: "Number of source-side replication events completed.",
	})

	replicationFailedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segrep_replication_failed_count",
		Help: "Number of source-side replication events failed.",
	})

	replicationCanceledMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segrep_replication_canceled_count",
		Help: "Number of source-side replication events canceled.",
	})
)
