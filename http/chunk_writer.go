package http

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/searchfly/segrep"
)

var _ segrep.FileChunkWriter = (*ChunkWriter)(nil)

// ChunkWriter ships segment file chunks to one target node over HTTP. Each
// chunk is tagged with a writer-wide sequence number that increases across
// file boundaries, so the target can detect duplicate deliveries.
//
// Throttling is shared across every file the writer sends: bytes accumulate
// in one counter and the writer pauses on the rate limiter once enough have
// built up to be worth a check. Failures from the limiter are treated as
// fatal rather than retried, since they indicate a broken pause rather than
// a transient transport problem.
type ChunkWriter struct {
	sender        ChunkSender
	rawurl        string
	replicationID segrep.ReplicationID
	shardID       segrep.ShardID

	// Limiter returns the rate limiter to consult for the next chunk. It is
	// re-fetched per chunk so a live SetRate takes effect mid-transfer.
	Limiter func() segrep.RateLimiter

	// OnThrottle is invoked with each pause duration, when set.
	OnThrottle func(d time.Duration)

	seq           int64 // next sequence number
	throttleNanos int64 // cumulative pause time

	mu          sync.Mutex
	accumulated int64 // bytes since the last limiter check

	merged int32

	ctx    context.Context
	cancel context.CancelFunc
}

// NewChunkWriter returns a writer that delivers chunks for one replication
// event to the node at rawurl.
func NewChunkWriter(sender ChunkSender, rawurl string, replicationID segrep.ReplicationID, shardID segrep.ShardID) *ChunkWriter {
	w := &ChunkWriter{
		sender:        sender,
		rawurl:        rawurl,
		replicationID: replicationID,
		shardID:       shardID,
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// SetMerged switches the writer to the merged-segment chunk endpoint.
func (w *ChunkWriter) SetMerged(v bool) {
	if v {
		atomic.StoreInt32(&w.merged, 1)
	} else {
		atomic.StoreInt32(&w.merged, 0)
	}
}

// ThrottleNanos returns the cumulative time spent paused on the limiter.
func (w *ChunkWriter) ThrottleNanos() int64 { return atomic.LoadInt64(&w.throttleNanos) }

// WriteFileChunk sends one chunk and returns once the target acknowledges it.
func (w *ChunkWriter) WriteFileChunk(ctx context.Context, file segrep.FileMetadata, position int64, data []byte, lastChunk bool, totalOps int) error {
	if err := w.ctx.Err(); err != nil {
		return segrep.ErrReplicationCanceled
	}

	if err := w.pause(ctx, int64(len(data))); err != nil {
		return fmt.Errorf("rate limit pause: %w", err)
	}

	chunk := segrep.FileChunk{
		ReplicationID: w.replicationID,
		SeqNo:         atomic.AddInt64(&w.seq, 1) - 1,
		ShardID:       w.shardID,
		File:          file,
		Position:      position,
		Data:          data,
		LastChunk:     lastChunk,
		TotalOps:      totalOps,
		ThrottleNanos: atomic.LoadInt64(&w.throttleNanos),
	}

	segrep.TraceLog.Printf("[SendFileChunk(%s)]: replication=%d seq=%d file=%q pos=%d len=%d last=%v",
		w.shardID.ShortString(), chunk.ReplicationID, chunk.SeqNo, file.Name, position, len(data), lastChunk)

	merged := atomic.LoadInt32(&w.merged) == 1
	if err := w.sender.SendFileChunk(joinContext(ctx, w.ctx), w.rawurl, chunk, merged); err != nil {
		if w.ctx.Err() != nil {
			return segrep.ErrReplicationCanceled
		}
		return err
	}
	return nil
}

// pause accumulates sent bytes and waits on the limiter once the total
// crosses its pause-check threshold.
func (w *ChunkWriter) pause(ctx context.Context, n int64) error {
	limiter := segrep.RateLimiter(nil)
	if w.Limiter != nil {
		limiter = w.Limiter()
	}
	if limiter == nil {
		return nil
	}

	w.mu.Lock()
	w.accumulated += n
	if w.accumulated <= limiter.MinPauseCheckBytes() {
		w.mu.Unlock()
		return nil
	}
	pending := w.accumulated
	w.accumulated = 0
	w.mu.Unlock()

	d, err := limiter.Pause(ctx, pending)
	if err != nil {
		return err
	}
	if d > 0 {
		atomic.AddInt64(&w.throttleNanos, int64(d))
		chunkWriterThrottleMetric.Add(d.Seconds())
		if w.OnThrottle != nil {
			w.OnThrottle(d)
		}
	}
	return nil
}

// Cancel aborts any in-flight and future sends. Idempotent.
func (w *ChunkWriter) Cancel() { w.cancel() }

// joinContext returns a context that is done when either parent is done.
func joinContext(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-b.Done():
		}
	}()
	return ctx
}

// Chunk writer metrics.
var chunkWriterThrottleMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "segrep_chunk_writer_throttle_seconds_total",
	Help: "Cumulative time chunk writers spent paused on the rate limiter.",
})
