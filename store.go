package segrep

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/searchfly/segrep/internal"
)

// Default replication settings.
const (
	DefaultRetryTimeout  = 1 * time.Minute
	DefaultMergedTimeout = 15 * time.Minute
)

// Store represents a collection of index shards and the replication state
// around them. One store is one node; whether it acts as a source (primary)
// or a target (replica) is decided by the lease.
type Store struct {
	mu   sync.Mutex
	path string

	id          string // persisted node UUID
	candidate   bool
	primaryTerm uint64

	shards      map[string]*IndexShard // by index name
	subscribers map[*Subscriber]struct{}

	isPrimary   bool
	primaryInfo *PrimaryInfo

	replicas map[string]*replicaSession         // connected replica sessions, by node id
	inbound  map[ReplicationID]*inboundTracking // target-side chunk routing

	readyCh   chan struct{} // closed when primary acquired or connected
	readyOnce sync.Once

	replications *OngoingReplications

	ctx    context.Context
	cancel func()
	g      errgroup.Group

	// Replication transfer settings; set before Open().
	ChunkSize          int
	MaxConcurrentFiles int
	RetryTimeout       time.Duration
	MergedTimeout      time.Duration

	// Rate limiters for ordinary & post-merge segment copy. Both can be
	// retuned at runtime.
	Limiter       *TokenRateLimiter
	MergedLimiter *TokenRateLimiter

	// URL other nodes use to reach this node's API.
	AdvertiseURL string

	// If true, fsync calls are skipped. For testing only.
	SkipSync bool

	// Client used to connect to other segrep instances.
	Client Client

	// Leaser manages the lease that controls leader election.
	Leaser Leaser

	// File system interface; swap for fault injection in tests.
	OS OS

	// Optional ledger of terminal replication events.
	EventLog *EventLog

	// Optional host environment notified on role changes.
	Environment Environment
}

// NewStore returns a new instance of Store.
func NewStore(path string, candidate bool) *Store {
	s := &Store{
		path:      path,
		candidate: candidate,

		shards:      make(map[string]*IndexShard),
		subscribers: make(map[*Subscriber]struct{}),
		replicas:    make(map[string]*replicaSession),
		inbound:     make(map[ReplicationID]*inboundTracking),
		readyCh:     make(chan struct{}),

		ChunkSize:          DefaultChunkSize,
		MaxConcurrentFiles: DefaultMaxConcurrentFiles,
		RetryTimeout:       DefaultRetryTimeout,
		MergedTimeout:      DefaultMergedTimeout,

		Limiter:       NewTokenRateLimiter(0),
		MergedLimiter: NewTokenRateLimiter(0),

		OS: &internal.SystemOS{},
	}
	s.replications = NewOngoingReplications(s)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Path returns the underlying data directory.
func (s *Store) Path() string { return s.path }

// ID returns the persisted node UUID. Blank until Open().
func (s *Store) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Candidate returns true if the store is eligible to become primary.
func (s *Store) Candidate() bool { return s.candidate }

// Replications returns the source-side replication registry.
func (s *Store) Replications() *OngoingReplications { return s.replications }

// OSInterface returns the store's file system interface.
func (s *Store) OSInterface() OS { return s.OS }

// ShardDir returns the directory that stores a single shard.
func (s *Store) ShardDir(uuid string) string {
	return filepath.Join(s.path, uuid)
}

// Open initializes the store from the data directory & begins the lease monitor.
func (s *Store) Open() error {
	if s.Client == nil {
		return fmt.Errorf("store client required")
	}

	if err := s.OS.MkdirAll("OPEN", s.path, 0o777); err != nil {
		return err
	}

	if err := s.loadID(); err != nil {
		return fmt.Errorf("load node id: %w", err)
	}
	if err := s.loadPrimaryTerm(); err != nil {
		return fmt.Errorf("load primary term: %w", err)
	}
	if err := s.openShards(); err != nil {
		return fmt.Errorf("open shards: %w", err)
	}

	if s.Leaser != nil {
		s.g.Go(func() error { return s.monitor(s.ctx) })
	} else {
		log.Printf("WARNING: no leaser assigned, running as defacto primary (for testing only)")
		s.setPrimary(true)
	}

	return nil
}

func (s *Store) loadID() error {
	path := filepath.Join(s.path, "id")
	buf, err := s.OS.ReadFile("OPEN:id", path)
	if os.IsNotExist(err) {
		s.id = uuid.NewString()
		return s.OS.WriteFile("OPEN:id", path, []byte(s.id), 0o666)
	} else if err != nil {
		return err
	}
	s.id = string(buf)
	return nil
}

func (s *Store) loadPrimaryTerm() error {
	buf, err := s.OS.ReadFile("OPEN:term", filepath.Join(s.path, "term"))
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	if _, err := fmt.Sscanf(string(buf), "%d", &s.primaryTerm); err != nil {
		return fmt.Errorf("parse term file: %w", err)
	}
	return nil
}

func (s *Store) openShards() error {
	ents, err := s.OS.ReadDir("OPEN", s.path)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		shard := NewIndexShard(s, s.ShardDir(ent.Name()))
		if err := shard.Open(); err != nil {
			return fmt.Errorf("open shard %q: %w", ent.Name(), err)
		}
		s.shards[shard.Name()] = shard
	}
	return nil
}

// Close signals for the store to shut down, cancels all outstanding
// replications and waits for the monitor to exit.
func (s *Store) Close() error {
	s.replications.CancelAll("store closing")
	s.cancel()
	err := s.g.Wait()

	for _, shard := range s.Shards() {
		if e := shard.AbortStaging(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// IsPrimary returns true if the store holds the primary lease.
func (s *Store) IsPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPrimary
}

func (s *Store) setPrimary(v bool) {
	s.mu.Lock()
	s.isPrimary = v
	s.mu.Unlock()

	if v {
		storeIsPrimaryMetric.Set(1)
		s.markReady()
	} else {
		storeIsPrimaryMetric.Set(0)
	}

	if s.Environment != nil {
		if err := s.Environment.SetPrimaryStatus(s.ctx, v); err != nil {
			log.Printf("cannot set %s primary status: %s", s.Environment.Type(), err)
		}
	}
}

// ReadyCh returns a channel that is closed once the node has either become
// primary or connected to the primary.
func (s *Store) ReadyCh() <-chan struct{} { return s.readyCh }

func (s *Store) markReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// PrimaryInfo returns info about the current primary, when this node is a
// replica. Returns nil when unknown or when this node is the primary.
func (s *Store) PrimaryInfo() *PrimaryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryInfo.Clone()
}

// PrimaryTerm returns the current primary term. Bumped once per lease acquisition.
func (s *Store) PrimaryTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryTerm
}

func (s *Store) bumpPrimaryTerm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryTerm++
	return s.OS.WriteFile("TERM", filepath.Join(s.path, "term"), []byte(fmt.Sprint(s.primaryTerm)), 0o666)
}

// Shard returns a shard by index name. Returns nil if it does not exist.
func (s *Store) Shard(index string) *IndexShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shards[index]
}

// Shards returns a list of all local shards.
func (s *Store) Shards() []*IndexShard {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := make([]*IndexShard, 0, len(s.shards))
	for _, shard := range s.shards {
		a = append(a, shard)
	}
	return a
}

// CreateIndex creates a new index shard with a generated UUID.
// Returns an error if an index with the same name already exists.
func (s *Store) CreateIndex(name string) (*IndexShard, error) {
	shard, err := s.createIndex(name, uuid.NewString())
	if err != nil {
		return nil, err
	}
	s.MarkDirty(name, false)
	return shard, nil
}

// ForceCreateIndex creates an index shard with the UUID announced by the
// primary. This occurs when replicating. No-op if it already exists.
func (s *Store) ForceCreateIndex(name, uuid string) (*IndexShard, error) {
	if shard := s.Shard(name); shard != nil {
		return shard, nil
	}
	return s.createIndex(name, uuid)
}

func (s *Store) createIndex(name, uuid string) (*IndexShard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shards[name]; ok {
		return nil, ErrShardExists
	}

	dir := s.ShardDir(uuid)
	if err := s.OS.MkdirAll("CREATE", dir, 0o777); err != nil {
		return nil, err
	}
	if err := s.OS.WriteFile("CREATE:name", filepath.Join(dir, shardNameFile), []byte(name), 0o666); err != nil {
		return nil, err
	}
	if err := s.OS.WriteFile("CREATE:allocation", filepath.Join(dir, shardAllocationFile), []byte(newAllocationID()), 0o666); err != nil {
		return nil, err
	}

	shard := NewIndexShard(s, dir)
	if err := shard.Open(); err != nil {
		return nil, err
	}
	s.shards[name] = shard
	return shard, nil
}

func newAllocationID() string { return uuid.NewString() }

// CheckpointMap returns each index's current checkpoint.
func (s *Store) CheckpointMap() map[string]Checkpoint {
	shards := s.Shards()
	m := make(map[string]Checkpoint, len(shards))
	for _, shard := range shards {
		m[shard.Name()] = shard.Checkpoint()
	}
	return m
}

// AllocationMap returns each index's local allocation id.
func (s *Store) AllocationMap() map[string]string {
	shards := s.Shards()
	m := make(map[string]string, len(shards))
	for _, shard := range shards {
		m[shard.Name()] = shard.AllocationID()
	}
	return m
}

// NodeInfo returns the introspection object for this node.
func (s *Store) NodeInfo() NodeInfo {
	info := NodeInfo{
		ID:        s.ID(),
		IsPrimary: s.IsPrimary(),
		Candidate: s.Candidate(),
		Primary:   s.PrimaryInfo(),
	}
	if s.Leaser != nil {
		info.Hostname = s.Leaser.Hostname()
	}
	for _, shard := range s.Shards() {
		id := shard.ID()
		info.Shards = append(info.Shards, ShardInfo{
			Index:        id.Index,
			UUID:         id.UUID,
			AllocationID: shard.AllocationID(),
			Checkpoint:   shard.Checkpoint(),
		})
	}
	return info
}

// replicaSession tracks one connected replica on the primary side.
type replicaSession struct {
	node        RemoteNode
	allocations map[string]string // index name → allocation id
}

// ConnectReplica registers a replica's stream session. Its allocations join
// the in-sync set for their shards.
func (s *Store) ConnectReplica(node RemoteNode, allocations map[string]string) {
	s.mu.Lock()
	s.replicas[node.ID] = &replicaSession{node: node, allocations: allocations}
	s.mu.Unlock()

	log.Printf("replica connected: node=%s url=%s", node.ID, node.URL)
}

// DisconnectReplica removes a replica session: its outstanding replications
// are canceled and each shard's in-sync allocation set is recomputed.
func (s *Store) DisconnectReplica(nodeID string) {
	s.mu.Lock()
	sess, ok := s.replicas[nodeID]
	delete(s.replicas, nodeID)
	s.mu.Unlock()
	if !ok {
		return
	}

	log.Printf("replica disconnected: node=%s", nodeID)
	s.replications.CancelReplication(nodeID)

	for index := range sess.allocations {
		if shard := s.Shard(index); shard != nil {
			s.replications.ClearOutOfSyncIDs(shard.ID(), s.InSyncIDs(index))
		}
	}
}

// InSyncIDs returns the allocation ids currently considered in sync for an
// index: the local (primary) allocation plus every connected replica's.
func (s *Store) InSyncIDs(index string) map[string]struct{} {
	m := make(map[string]struct{})
	if shard := s.Shard(index); shard != nil {
		m[shard.AllocationID()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.replicas {
		if id, ok := sess.allocations[index]; ok {
			m[id] = struct{}{}
		}
	}
	return m
}

// ReplicationStats summarizes the transferred volume of one replication event.
type ReplicationStats struct {
	Files         int
	Bytes         int64
	ThrottleNanos int64
}

// inboundTracking routes inbound chunks for one target-side replication
// event, detects duplicate sequence numbers & tallies transfer stats.
type inboundTracking struct {
	shard   *IndexShard
	mu      sync.Mutex
	seqSeen map[int64]struct{}
	stats   ReplicationStats
}

// RegisterInbound begins accepting chunks for a replication event.
func (s *Store) RegisterInbound(id ReplicationID, shard *IndexShard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[id]; ok {
		return fmt.Errorf("inbound replication %d: %w", id, ErrReplicationExists)
	}
	s.inbound[id] = &inboundTracking{shard: shard, seqSeen: make(map[int64]struct{})}
	return nil
}

// UnregisterInbound stops accepting chunks for a replication event and
// returns the volume staged while it was registered.
func (s *Store) UnregisterInbound(id ReplicationID) ReplicationStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.inbound[id]
	if !ok {
		return ReplicationStats{}
	}
	delete(s.inbound, id)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// WriteInboundChunk stages one chunk received from a source node.
func (s *Store) WriteInboundChunk(chunk FileChunk) error {
	s.mu.Lock()
	t, ok := s.inbound[chunk.ReplicationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("inbound replication %d: %w", chunk.ReplicationID, ErrReplicationNotFound)
	}

	t.mu.Lock()
	if _, ok := t.seqSeen[chunk.SeqNo]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: seq=%d", ErrDuplicateChunk, chunk.SeqNo)
	}
	t.seqSeen[chunk.SeqNo] = struct{}{}
	t.stats.Bytes += int64(len(chunk.Data))
	if chunk.LastChunk {
		t.stats.Files++
	}
	// ThrottleNanos is cumulative per source writer so the latest chunk
	// carries the total.
	if chunk.ThrottleNanos > t.stats.ThrottleNanos {
		t.stats.ThrottleNanos = chunk.ThrottleNanos
	}
	t.mu.Unlock()

	TraceLog.Printf("[RecvFileChunk(%s)]: replication=%d seq=%d file=%q pos=%d len=%d last=%v",
		t.shard.Name(), chunk.ReplicationID, chunk.SeqNo, chunk.File.Name, chunk.Position, len(chunk.Data), chunk.LastChunk)

	return t.shard.StageFileChunk(chunk)
}

// Subscribe creates a new subscriber for checkpoint announcements.
func (s *Store) Subscribe() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := newSubscriber(s)
	s.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber from the store.
func (s *Store) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
}

// MarkDirty marks an index dirty on all subscribers.
func (s *Store) MarkDirty(index string, merged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		sub.MarkDirty(index, merged)
	}
}

// markDirty is invoked by shards after a commit.
func (s *Store) markDirty(index string, merged bool) { s.MarkDirty(index, merged) }

// logReplicationEvent records a terminal source-side replication event.
func (s *Store) logReplicationEvent(h *SourceHandler, err error) {
	TraceLog.Printf("[Replication.Done(%s)]: replication=%d node=%s state=%s %s",
		h.ShardID.ShortString(), h.ReplicationID, h.Node.ID, h.State(), errorKeyValue(err))

	if s.EventLog == nil {
		return
	}
	e := ReplicationEvent{
		Role:          "source",
		ReplicationID: h.ReplicationID,
		Shard:         h.ShardID.String(),
		Node:          h.Node.ID,
		AllocationID:  h.AllocationID,
		State:         h.State().String(),
		Files:         h.FilesSent(),
		Bytes:         h.BytesSent(),
		ThrottleNanos: h.Writer().ThrottleNanos(),
		StartedAt:     h.startedAt,
		EndedAt:       time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if err := s.EventLog.Append(e); err != nil {
		log.Printf("cannot append replication event: %s", err)
	}
}

// monitor continuously handles either the primary lease or replicates from the primary.
func (s *Store) monitor(ctx context.Context) error {
	for {
		// Exit if store is closed.
		if err := ctx.Err(); err != nil {
			return nil
		}

		// Attempt to either obtain a primary lock or find the current primary.
		lease, info, err := s.acquireLeaseOrPrimaryInfo(ctx)
		if err != nil {
			log.Printf("cannot acquire lease or find primary, retrying: %s", err)
			sleepWithContext(ctx, 1*time.Second)
			continue
		}

		// Monitor as primary if we have obtained a lease.
		if lease != nil {
			log.Printf("primary lease acquired, advertising as %s", s.Leaser.AdvertiseURL())
			if err := s.monitorAsPrimary(ctx, lease); err != nil {
				log.Printf("primary lease lost, retrying: %s", err)
			}
			continue
		}

		// Monitor as replica if another primary already exists.
		log.Printf("existing primary found (%s), connecting as replica", info.AdvertiseURL)
		if err := s.monitorAsReplica(ctx, info); err != nil {
			log.Printf("replica disconnected, retrying: %s", err)
			sleepWithContext(ctx, 1*time.Second)
		}
	}
}

func (s *Store) acquireLeaseOrPrimaryInfo(ctx context.Context) (Lease, PrimaryInfo, error) {
	// Attempt to find an existing primary first.
	info, err := s.Leaser.PrimaryInfo(ctx)
	if err != nil && err != ErrNoPrimary {
		return nil, PrimaryInfo{}, fmt.Errorf("fetch primary info: %w", err)
	} else if err == nil {
		return nil, info, nil
	}

	// If there's no primary and we're not a candidate, retry later.
	if !s.candidate {
		return nil, PrimaryInfo{}, ErrNoPrimary
	}

	// If no primary, attempt to become primary.
	lease, err := s.Leaser.Acquire(ctx)
	if err != nil && err != ErrPrimaryExists {
		return nil, PrimaryInfo{}, fmt.Errorf("acquire lease: %w", err)
	} else if lease != nil {
		return lease, PrimaryInfo{}, nil
	}

	// If we raced to become primary and another node beat us, retry the fetch.
	if info, err = s.Leaser.PrimaryInfo(ctx); err != nil {
		return nil, PrimaryInfo{}, err
	}
	return nil, info, nil
}

// monitorAsPrimary monitors & renews the current lease.
// NOTE: This code is borrowed from the consul/api's RenewPeriodic() implementation.
func (s *Store) monitorAsPrimary(ctx context.Context, lease Lease) error {
	const timeout = 1 * time.Second

	// Attempt to destroy lease when we exit this function.
	defer func() {
		log.Printf("exiting primary, destroying lease")
		if err := lease.Close(); err != nil {
			log.Printf("cannot remove lease: %s", err)
		}
	}()

	// A promoted replica may hold stale inbound staging from its old role.
	for _, shard := range s.Shards() {
		if err := shard.AbortStaging(); err != nil {
			return fmt.Errorf("abort staging: %w", err)
		}
	}

	// Every acquisition starts a new primary term.
	if err := s.bumpPrimaryTerm(); err != nil {
		return fmt.Errorf("bump primary term: %w", err)
	}

	// Mark as the primary node while we're in this function. On exit this
	// node is no longer a valid replication source: cancel all outstanding
	// outbound replications before switching roles.
	s.setPrimary(true)
	defer func() {
		s.replications.CancelAll("primary demoted")
		s.setPrimary(false)
	}()

	waitDur := lease.TTL() / 2

	for {
		select {
		case <-time.After(waitDur):
			// Attempt to renew the lease. If the lease is gone then we need to
			// just exit and we can start over or connect to the new primary.
			//
			// If we just have a connection error then we'll try to more
			// aggressively retry the renewal until we exceed TTL.
			if err := lease.Renew(ctx); err == ErrLeaseExpired {
				return err
			} else if err != nil {
				// If our next renewal will exceed TTL, exit now.
				if time.Since(lease.RenewedAt())+timeout > lease.TTL() {
					time.Sleep(timeout)
					return ErrLeaseExpired
				}

				// Otherwise log error and try again after a shorter period.
				log.Printf("lease renewal error, retrying: %s", err)
				waitDur = time.Second
				continue
			}

			// Renewal was successful, restart with low frequency.
			waitDur = lease.TTL() / 2

		case <-ctx.Done():
			return nil // release lease when we shut down
		}
	}
}

// monitorAsReplica connects to the primary node and replicates checkpoints.
func (s *Store) monitorAsReplica(ctx context.Context, info PrimaryInfo) error {
	// Store the primary info while we're in this function.
	s.mu.Lock()
	s.primaryInfo = &info
	s.mu.Unlock()

	// Clear the primary info once we leave this function since we can no longer connect.
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.primaryInfo = nil
	}()

	hello := StreamHello{
		Node:        RemoteNode{ID: s.ID(), URL: s.AdvertiseURL},
		Allocations: s.AllocationMap(),
		Checkpoints: s.CheckpointMap(),
	}
	st, err := s.Client.Stream(ctx, info.AdvertiseURL, hello)
	if err != nil {
		return fmt.Errorf("connect to primary: %w", err)
	}
	defer func() { _ = st.Close() }()

	s.markReady()

	for {
		frame, err := ReadStreamFrame(st)
		if err == io.EOF {
			return nil // clean disconnect
		} else if err != nil {
			return fmt.Errorf("next frame: %w", err)
		}

		switch frame := frame.(type) {
		case *IndexStreamFrame:
			if err := s.processIndexFrame(ctx, frame); err != nil {
				return fmt.Errorf("process index frame: %w", err)
			}
		case *CheckpointStreamFrame:
			if err := s.processCheckpointFrame(ctx, info.AdvertiseURL, frame); err != nil {
				// A failed replication retries on the next announcement;
				// the stream itself is still healthy.
				log.Printf("replication failed, awaiting next checkpoint: %s", err)
			}
		case *HeartbeatStreamFrame:
			continue
		case *EndStreamFrame:
			return nil
		default:
			return fmt.Errorf("invalid stream frame type: 0x%02x", frame.Type())
		}
	}
}

func (s *Store) processIndexFrame(ctx context.Context, frame *IndexStreamFrame) error {
	log.Printf("recv frame<index>: name=%q uuid=%s", frame.Index, frame.UUID)
	if _, err := s.ForceCreateIndex(frame.Index, frame.UUID); err != nil {
		return fmt.Errorf("force create index %q: %w", frame.Index, err)
	}
	return nil
}

// processCheckpointFrame runs one replication event against the primary for
// an announced checkpoint: prepare, diff, fetch missing files, finalize and
// report visibility. Frames are processed serially, so at most one
// replication per stream is in flight; a newer checkpoint supersedes the
// outcome of a failed one on the next frame.
func (s *Store) processCheckpointFrame(ctx context.Context, primaryURL string, frame *CheckpointStreamFrame) error {
	cp := frame.Checkpoint
	log.Printf("recv frame<checkpoint>: index=%q pos=%s files=%d merged=%v", cp.ShardID.Index, cp, len(cp.Files), frame.Merged)

	shard := s.Shard(cp.ShardID.Index)
	if shard == nil {
		return fmt.Errorf("%w: %s", ErrShardNotFound, cp.ShardID.ShortString())
	}

	local := shard.Checkpoint()
	if !cp.AheadOf(local) {
		return nil // already caught up
	}

	startedAt := time.Now()
	replicationID := NextReplicationID()
	stats, err := s.replicate(ctx, primaryURL, shard, replicationID, local, frame.Merged)
	s.logTargetEvent(replicationID, shard, primaryURL, err, startedAt, stats)
	if err != nil {
		if e := shard.AbortStaging(); e != nil {
			log.Printf("cannot abort staging: %s", e)
		}
		return err
	}

	targetCompletedMetric.Inc()
	return nil
}

func (s *Store) replicate(ctx context.Context, primaryURL string, shard *IndexShard, replicationID ReplicationID, local Checkpoint, merged bool) (stats ReplicationStats, err error) {
	node := RemoteNode{ID: s.ID(), URL: s.AdvertiseURL}

	info, err := s.Client.GetCheckpointInfo(ctx, primaryURL, CheckpointInfoRequest{
		ReplicationID: replicationID,
		Node:          node,
		AllocationID:  shard.AllocationID(),
		ShardID:       shard.ID(),
		Checkpoint:    local,
	})
	if err != nil {
		return stats, fmt.Errorf("get checkpoint info: %w", err)
	}

	if err := s.RegisterInbound(replicationID, shard); err != nil {
		return stats, err
	}
	defer func() { stats = s.UnregisterInbound(replicationID) }()

	// Fetch only the files we are missing relative to the source snapshot.
	missing := info.Checkpoint.Diff(local)
	if len(missing) > 0 {
		req := GetSegmentFilesRequest{
			ReplicationID: replicationID,
			Node:          node,
			AllocationID:  shard.AllocationID(),
			ShardID:       shard.ID(),
			Checkpoint:    info.Checkpoint,
			Files:         missing,
		}

		var resp *GetSegmentFilesResponse
		if merged {
			resp, err = s.Client.GetMergedSegmentFiles(ctx, primaryURL, req)
		} else {
			resp, err = s.Client.GetSegmentFiles(ctx, primaryURL, req)
		}
		if err != nil {
			return stats, fmt.Errorf("get segment files: %w", err)
		}
		if got, want := len(resp.Files), len(missing); got != want {
			return stats, fmt.Errorf("source sent %d files, expected %d", got, want)
		}
	}

	if err := shard.FinalizeReplication(info.Checkpoint, info.Infos); err != nil {
		return stats, fmt.Errorf("finalize replication: %w", err)
	}

	if err := s.Client.UpdateVisibleCheckpoint(ctx, primaryURL, UpdateVisibleCheckpointRequest{
		ShardID:      info.Checkpoint.ShardID,
		AllocationID: shard.AllocationID(),
		Checkpoint:   info.Checkpoint,
	}); err != nil {
		return stats, fmt.Errorf("update visible checkpoint: %w", err)
	}
	return stats, nil
}

func (s *Store) logTargetEvent(id ReplicationID, shard *IndexShard, primaryURL string, err error, startedAt time.Time, stats ReplicationStats) {
	if s.EventLog == nil {
		return
	}
	state := "completed"
	if err != nil {
		state = "failed"
	}
	e := ReplicationEvent{
		Role:          "target",
		ReplicationID: id,
		Shard:         shard.ID().String(),
		Node:          primaryURL,
		AllocationID:  shard.AllocationID(),
		State:         state,
		Files:         stats.Files,
		Bytes:         stats.Bytes,
		ThrottleNanos: stats.ThrottleNanos,
		StartedAt:     startedAt,
		EndedAt:       time.Now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if e2 := s.EventLog.Append(e); e2 != nil {
		log.Printf("cannot append replication event: %s", e2)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Subscriber subscribes to checkpoint changes in the store.
//
// It implements a set of "dirty" indexes instead of a channel of all events
// as clients can be slow and we don't want to cause channels to back up. It
// is the responsibility of the caller to compare the index's checkpoint
// against what it last sent.
type Subscriber struct {
	store *Store

	mu       sync.Mutex
	notifyCh chan struct{}
	dirtySet map[string]bool // index name → merged commit
}

// newSubscriber returns a new instance of Subscriber associated with a store.
func newSubscriber(store *Store) *Subscriber {
	return &Subscriber{
		store:    store,
		notifyCh: make(chan struct{}, 1),
		dirtySet: make(map[string]bool),
	}
}

// Close removes the subscriber from the store.
func (s *Subscriber) Close() error {
	s.store.Unsubscribe(s)
	return nil
}

// NotifyCh returns a channel that receives a value when the dirty set has changed.
func (s *Subscriber) NotifyCh() <-chan struct{} { return s.notifyCh }

// MarkDirty marks an index as dirty. A merged commit stays merged even if a
// regular commit lands before the subscriber drains the set.
func (s *Subscriber) MarkDirty(index string, merged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtySet[index] = s.dirtySet[index] || merged

	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// DirtySet returns the indexes that have changed since the last call to
// DirtySet(). This call clears the set.
func (s *Subscriber) DirtySet() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirtySet := s.dirtySet
	s.dirtySet = make(map[string]bool)
	return dirtySet
}

// Store metrics.
var (
	storeIsPrimaryMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segrep_store_is_primary",
		Help: "Set to 1 when this node holds the primary lease.",
	})

	targetCompletedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "segrep_target_completed_count",
		Help: "Number of target-side replication events completed.",
	})
)
