package segrep

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/searchfly/segrep/internal"
)

// Shard file & directory names within the shard directory.
const (
	shardNameFile       = "name"
	shardAllocationFile = "allocation"
	shardManifestFile   = "manifest"
	shardSegmentsDir    = "segments"
	shardStagingDir     = "staging"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// SegmentSnapshot is a reference-counted view of a shard's segment file set
// at one checkpoint. Files referenced by a live snapshot are never deleted.
// Release must be called exactly once per acquisition.
type SegmentSnapshot struct {
	shard      *IndexShard
	checkpoint Checkpoint
	infos      []byte
	refs       int32
}

// Checkpoint returns the checkpoint the snapshot was built from.
func (s *SegmentSnapshot) Checkpoint() Checkpoint { return s.checkpoint }

// Infos returns the serialized segment manifest for the snapshot.
func (s *SegmentSnapshot) Infos() []byte { return s.infos }

// Refs returns the current reference count.
func (s *SegmentSnapshot) Refs() int32 { return atomic.LoadInt32(&s.refs) }

func (s *SegmentSnapshot) acquire() { atomic.AddInt32(&s.refs, 1) }

// Release decrements the reference count. When it reaches zero the snapshot
// is dropped and files it pinned become eligible for cleanup.
func (s *SegmentSnapshot) Release() {
	n := atomic.AddInt32(&s.refs, -1)
	assert(n >= 0, "segment snapshot released too many times")
	if n == 0 {
		s.shard.removeSnapshot(s)
	}
}

// IndexShard is the on-disk segment store for one index. On the primary it
// is the source of segment snapshots; on a replica it stages inbound segment
// files until they are finalized into a new checkpoint.
type IndexShard struct {
	store *Store
	path  string

	mu           sync.Mutex
	name         string
	uuid         string
	allocationID string
	checkpoint   Checkpoint
	snapshot     *SegmentSnapshot // current snapshot; shard holds one ref
	snapshots    map[*SegmentSnapshot]struct{}
	visible      map[string]Checkpoint // allocation id → visible checkpoint

	staged      map[string]FileMetadata // fully staged files awaiting commit/finalize
	stagedBytes map[string]int64        // partially staged inbound file sizes
}

// NewIndexShard returns a new instance of IndexShard at path.
func NewIndexShard(store *Store, path string) *IndexShard {
	return &IndexShard{
		store: store,
		path:  path,

		snapshots:   make(map[*SegmentSnapshot]struct{}),
		visible:     make(map[string]Checkpoint),
		staged:      make(map[string]FileMetadata),
		stagedBytes: make(map[string]int64),
	}
}

// Name returns the index name the shard belongs to.
func (s *IndexShard) Name() string { return s.name }

// Path returns the shard's directory.
func (s *IndexShard) Path() string { return s.path }

// AllocationID returns the persisted identifier for this shard copy.
func (s *IndexShard) AllocationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocationID
}

// ID returns the shard identity.
func (s *IndexShard) ID() ShardID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShardID{Index: s.name, UUID: s.uuid, Shard: 0}
}

// Checkpoint returns the shard's current checkpoint.
func (s *IndexShard) Checkpoint() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

func (s *IndexShard) segmentsPath() string { return filepath.Join(s.path, shardSegmentsDir) }
func (s *IndexShard) stagingPath() string  { return filepath.Join(s.path, shardStagingDir) }

// SegmentPath returns the path of an individual segment file.
func (s *IndexShard) SegmentPath(name string) string {
	return filepath.Join(s.segmentsPath(), name)
}

// Open initializes the shard from its directory contents.
func (s *IndexShard) Open() error {
	osys := s.store.OSInterface()

	buf, err := osys.ReadFile("OPEN:name", filepath.Join(s.path, shardNameFile))
	if err != nil {
		return fmt.Errorf("read name file: %w", err)
	}
	s.name = string(buf)

	if buf, err = osys.ReadFile("OPEN:allocation", filepath.Join(s.path, shardAllocationFile)); err != nil {
		return fmt.Errorf("read allocation file: %w", err)
	}
	s.allocationID = string(buf)
	s.uuid = filepath.Base(s.path)

	if err := osys.MkdirAll("OPEN:segments", s.segmentsPath(), 0o777); err != nil {
		return err
	}

	// Discard any staging left over from an interrupted replication.
	if err := osys.RemoveAll("OPEN:staging", s.stagingPath()); err != nil {
		return err
	} else if err := osys.MkdirAll("OPEN:staging", s.stagingPath(), 0o777); err != nil {
		return err
	}

	// Load the manifest, if present. A brand new shard starts at the zero
	// checkpoint with no files.
	infos, err := osys.ReadFile("OPEN:manifest", filepath.Join(s.path, shardManifestFile))
	if os.IsNotExist(err) {
		s.checkpoint = Checkpoint{
			ShardID: ShardID{Index: s.name, UUID: s.uuid},
			Files:   make(map[string]FileMetadata),
		}
		if infos, err = s.writeManifest(s.checkpoint); err != nil {
			return fmt.Errorf("write initial manifest: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	} else if err := json.Unmarshal(infos, &s.checkpoint); err != nil {
		return fmt.Errorf("unmarshal manifest: %w", err)
	}

	s.installSnapshotLocked(s.checkpoint, infos) // no prior snapshot on open

	shardCheckpointGenerationMetricVec.WithLabelValues(s.name).Set(float64(s.checkpoint.Generation))

	return nil
}

// installSnapshotLocked replaces the current snapshot. The shard itself
// holds one reference on the current snapshot; the previous snapshot is
// returned so the caller can release it after dropping mu, since release of
// the final reference re-enters the shard lock.
func (s *IndexShard) installSnapshotLocked(cp Checkpoint, infos []byte) (prev *SegmentSnapshot) {
	prev = s.snapshot
	snap := &SegmentSnapshot{shard: s, checkpoint: cp, infos: infos, refs: 1}
	s.snapshot = snap
	s.snapshots[snap] = struct{}{}
	s.checkpoint = cp
	return prev
}

// AcquireSnapshot returns the current snapshot with its reference count
// incremented. The caller must call Release exactly once.
func (s *IndexShard) AcquireSnapshot() (*SegmentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, fmt.Errorf("shard %q has no snapshot", s.name)
	}
	s.snapshot.acquire()
	return s.snapshot, nil
}

func (s *IndexShard) removeSnapshot(snap *SegmentSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, snap)
	s.cleanupLocked()
}

// cleanupLocked deletes segment files not referenced by the current
// checkpoint nor by any live snapshot.
func (s *IndexShard) cleanupLocked() {
	referenced := make(map[string]struct{})
	for name := range s.checkpoint.Files {
		referenced[name] = struct{}{}
	}
	for snap := range s.snapshots {
		for name := range snap.checkpoint.Files {
			referenced[name] = struct{}{}
		}
	}

	osys := s.store.OSInterface()
	ents, err := osys.ReadDir("CLEANUP", s.segmentsPath())
	if err != nil {
		log.Printf("shard %s: cannot list segments for cleanup: %s", s.name, err)
		return
	}
	for _, ent := range ents {
		if _, ok := referenced[ent.Name()]; ok {
			continue
		}
		if err := osys.Remove("CLEANUP", s.SegmentPath(ent.Name())); err != nil {
			log.Printf("shard %s: cannot remove segment %q: %s", s.name, ent.Name(), err)
		}
	}
}

// OpenSegmentFile opens a committed segment file for reading.
// Implements ChunkSource for outbound transfers.
func (s *IndexShard) OpenSegmentFile(name string) (io.ReadCloser, error) {
	return s.store.OSInterface().Open("SEGMENT", s.SegmentPath(name))
}

// StageFile writes a complete file into the staging area, computing its
// metadata as it copies. Used by the import path on the primary.
func (s *IndexShard) StageFile(name string, r io.Reader) (FileMetadata, error) {
	osys := s.store.OSInterface()

	f, err := osys.Create("STAGE", filepath.Join(s.stagingPath(), name))
	if err != nil {
		return FileMetadata{}, err
	}
	defer func() { _ = f.Close() }()

	h := crc32.New(crcTable)
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return FileMetadata{}, err
	}
	if err := s.syncFile(f); err != nil {
		return FileMetadata{}, err
	} else if err := f.Close(); err != nil {
		return FileMetadata{}, err
	}

	md := FileMetadata{Name: name, Size: n, Checksum: h.Sum32()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[name] = md
	return md, nil
}

// StageFileChunk writes one inbound chunk at its offset in the staging area.
// Chunks for a file must arrive in increasing offset order with no gaps.
// The last chunk marks the file fully staged.
func (s *IndexShard) StageFileChunk(chunk FileChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := chunk.File.Name
	if _, ok := s.staged[name]; ok {
		return fmt.Errorf("%w: file %q already staged", ErrDuplicateChunk, name)
	}
	if have := s.stagedBytes[name]; chunk.Position != have {
		return fmt.Errorf("%w: file %q at %d, chunk position %d", ErrChunkOutOfOrder, name, have, chunk.Position)
	}

	osys := s.store.OSInterface()
	f, err := osys.OpenFile("STAGE-CHUNK", filepath.Join(s.stagingPath(), name), os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteAt(chunk.Data, chunk.Position); err != nil {
		return err
	}
	s.stagedBytes[name] = chunk.Position + int64(len(chunk.Data))

	if !chunk.LastChunk {
		return nil
	}

	// Final chunk: the staged size must match the announced metadata.
	if s.stagedBytes[name] != chunk.File.Size {
		return fmt.Errorf("staged file %q size %d, expected %d", name, s.stagedBytes[name], chunk.File.Size)
	}
	if err := s.syncFile(f); err != nil {
		return err
	}
	s.staged[name] = chunk.File
	delete(s.stagedBytes, name)

	shardBytesReceivedMetricVec.WithLabelValues(s.name).Add(float64(chunk.File.Size))
	return nil
}

// AbortStaging discards all staged files.
func (s *IndexShard) AbortStaging() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetStagingLocked()
}

func (s *IndexShard) resetStagingLocked() error {
	osys := s.store.OSInterface()
	if err := osys.RemoveAll("ABORT-STAGING", s.stagingPath()); err != nil {
		return err
	}
	if err := osys.MkdirAll("ABORT-STAGING", s.stagingPath(), 0o777); err != nil {
		return err
	}
	s.staged = make(map[string]FileMetadata)
	s.stagedBytes = make(map[string]int64)
	return nil
}

// Commit promotes staged files into a new checkpoint. Regular commits union
// the staged files with the current file set; merged commits replace it
// entirely, since a merge ships the complete post-merge segment set.
// Only valid on the primary.
func (s *IndexShard) Commit(ctx context.Context, merged bool) (Checkpoint, error) {
	if !s.store.IsPrimary() {
		return Checkpoint{}, ErrReadOnlyReplica
	}

	// Release of the replaced snapshot must happen after mu is dropped.
	var prev *SegmentSnapshot
	defer func() {
		if prev != nil {
			prev.Release()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) == 0 {
		return Checkpoint{}, fmt.Errorf("no staged files to commit")
	}

	files := make(map[string]FileMetadata, len(s.checkpoint.Files)+len(s.staged))
	if !merged {
		for name, md := range s.checkpoint.Files {
			files[name] = md
		}
	}
	for name, md := range s.staged {
		files[name] = md
	}

	if err := s.promoteStagedLocked(); err != nil {
		return Checkpoint{}, fmt.Errorf("promote staged files: %w", err)
	}

	cp := Checkpoint{
		ShardID:     ShardID{Index: s.name, UUID: s.uuid},
		PrimaryTerm: s.store.PrimaryTerm(),
		Generation:  s.checkpoint.Generation + 1,
		Version:     s.checkpoint.Version + 1,
		Files:       files,
	}

	infos, err := s.writeManifest(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("write manifest: %w", err)
	}
	prev = s.installSnapshotLocked(cp, infos)
	s.cleanupLocked()

	shardCheckpointGenerationMetricVec.WithLabelValues(s.name).Set(float64(cp.Generation))
	shardCommitCountMetricVec.WithLabelValues(s.name, commitKind(merged)).Inc()

	s.store.markDirty(s.name, merged)

	return cp, nil
}

// FinalizeReplication verifies staged inbound files against the primary's
// checkpoint, promotes them into the segment set and installs the checkpoint.
// The manifest bytes are persisted exactly as received from the primary.
func (s *IndexShard) FinalizeReplication(cp Checkpoint, infos []byte) error {
	var prev *SegmentSnapshot
	defer func() {
		if prev != nil {
			prev.Release()
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Every file the checkpoint names must be locally committed already or
	// fully staged with matching size & checksum.
	for name, md := range cp.Files {
		if local, ok := s.checkpoint.Files[name]; ok && local == md {
			continue
		}
		stagedMD, ok := s.staged[name]
		if !ok {
			return fmt.Errorf("checkpoint file %q not staged", name)
		}
		if stagedMD != md {
			return fmt.Errorf("staged file %q metadata mismatch", name)
		}
		if err := s.verifyStagedChecksumLocked(md); err != nil {
			return err
		}
	}

	if err := s.promoteStagedLocked(); err != nil {
		return fmt.Errorf("promote staged files: %w", err)
	}

	osys := s.store.OSInterface()
	if err := osys.WriteFile("FINALIZE:manifest", filepath.Join(s.path, shardManifestFile), infos, 0o666); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := s.syncDir(s.path); err != nil {
		return err
	}

	prev = s.installSnapshotLocked(cp, infos)
	s.cleanupLocked()

	shardCheckpointGenerationMetricVec.WithLabelValues(s.name).Set(float64(cp.Generation))
	return nil
}

// verifyStagedChecksumLocked recomputes the staged file's checksum.
func (s *IndexShard) verifyStagedChecksumLocked(md FileMetadata) error {
	f, err := s.store.OSInterface().Open("VERIFY", filepath.Join(s.stagingPath(), md.Name))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	h := crc32.New(crcTable)
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if h.Sum32() != md.Checksum {
		return fmt.Errorf("%w: file %q", ErrChecksumMismatch, md.Name)
	}
	return nil
}

// promoteStagedLocked moves all staged files into the segments directory.
func (s *IndexShard) promoteStagedLocked() error {
	osys := s.store.OSInterface()
	for name := range s.staged {
		src := filepath.Join(s.stagingPath(), name)
		if err := osys.Rename("PROMOTE", src, s.SegmentPath(name)); err != nil {
			return err
		}
	}
	if err := s.syncDir(s.segmentsPath()); err != nil {
		return err
	}
	s.staged = make(map[string]FileMetadata)
	s.stagedBytes = make(map[string]int64)
	return nil
}

// writeManifest atomically persists the checkpoint manifest and returns its
// serialized bytes, which double as the snapshot's segment infos.
func (s *IndexShard) writeManifest(cp Checkpoint) ([]byte, error) {
	infos, err := json.MarshalIndent(cp, "", "\t")
	if err != nil {
		return nil, err
	}

	osys := s.store.OSInterface()
	path := filepath.Join(s.path, shardManifestFile)
	tmpPath := path + ".tmp"
	if err := osys.WriteFile("MANIFEST", tmpPath, infos, 0o666); err != nil {
		return nil, err
	}
	if err := osys.Rename("MANIFEST", tmpPath, path); err != nil {
		return nil, err
	}
	if err := s.syncDir(s.path); err != nil {
		return nil, err
	}
	return infos, nil
}

// UpdateVisibleCheckpoint records that an allocation has made cp durable &
// queryable. Older checkpoints never overwrite newer ones.
func (s *IndexShard) UpdateVisibleCheckpoint(allocationID string, cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.visible[allocationID]; ok && existing.AheadOf(cp) {
		return
	}
	s.visible[allocationID] = cp
}

// VisibleCheckpoint returns the last reported visible checkpoint for an allocation.
func (s *IndexShard) VisibleCheckpoint(allocationID string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.visible[allocationID]
	return cp, ok
}

// PruneVisibleCheckpoints drops bookkeeping for allocations no longer in sync.
func (s *IndexShard) PruneVisibleCheckpoints(inSync map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for allocationID := range s.visible {
		if _, ok := inSync[allocationID]; !ok {
			delete(s.visible, allocationID)
		}
	}
}

// StagedFiles returns the staged file names, sorted. Used by tests & import.
func (s *IndexShard) StagedFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := make([]string, 0, len(s.staged))
	for name := range s.staged {
		a = append(a, name)
	}
	sort.Strings(a)
	return a
}

func (s *IndexShard) syncFile(f *os.File) error {
	if s.store.SkipSync {
		return nil
	}
	return f.Sync()
}

func (s *IndexShard) syncDir(path string) error {
	if s.store.SkipSync {
		return nil
	}
	return internal.Sync(path)
}

func commitKind(merged bool) string {
	if merged {
		return "merged"
	}
	return "regular"
}

// Shard metrics.
var (
	shardCheckpointGenerationMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "segrep_shard_checkpoint_generation",
		Help: "Current checkpoint generation.",
	}, []string{"index"})

	shardCommitCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_shard_commit_count",
		Help: "Number of segment commits.",
	}, []string{"index", "kind"})

	shardBytesReceivedMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_shard_bytes_received",
		Help: "Number of inbound segment bytes staged.",
	}, []string{"index"})
)
