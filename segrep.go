package segrep

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync/atomic"
)

// segrep errors
var (
	ErrShardNotFound = fmt.Errorf("shard not found")
	ErrShardExists   = fmt.Errorf("shard already exists")

	ErrNoPrimary     = errors.New("no primary")
	ErrPrimaryExists = errors.New("primary exists")
	ErrLeaseExpired  = errors.New("lease expired")

	ErrReadOnlyReplica = fmt.Errorf("read only replica")
	ErrNotPrimary      = fmt.Errorf("shard is not a started primary")

	ErrReplicationNotFound = errors.New("replication not found")
	ErrReplicationExists   = errors.New("replication already exists")
	ErrReplicationCanceled = errors.New("replication canceled")

	ErrStaleCheckpoint  = errors.New("stale checkpoint")
	ErrChunkOutOfOrder  = errors.New("file chunk out of order")
	ErrDuplicateChunk   = errors.New("duplicate file chunk")
	ErrChecksumMismatch = errors.New("file checksum mismatch")
)

// TraceLog is a verbose, per-chunk trace logger. It is disabled by default and
// can be directed to a rolling log file via the "tracing" config section.
var TraceLog = log.New(io.Discard, "", log.LstdFlags|log.Lmicroseconds)

// ReplicationID uniquely identifies one replication event to one target.
// It is generated by the target and used as a correlation key on every
// subsequent source-side request for that event.
type ReplicationID int64

var replicationIDSeq int64

// NextReplicationID returns a process-unique replication identifier.
func NextReplicationID() ReplicationID {
	return ReplicationID(atomic.AddInt64(&replicationIDSeq, 1))
}

// ShardID identifies one shard of one index.
type ShardID struct {
	Index string `json:"index"`
	UUID  string `json:"uuid"`
	Shard int    `json:"shard"`
}

// String returns the full string form of the shard ID.
func (id ShardID) String() string {
	return fmt.Sprintf("%s/%s[%d]", id.Index, id.UUID, id.Shard)
}

// ShortString returns an abbreviated form used in logs.
func (id ShardID) ShortString() string {
	return fmt.Sprintf("%s[%d]", id.Index, id.Shard)
}

// IsZero returns true if the shard ID is unset.
func (id ShardID) IsZero() bool { return id == (ShardID{}) }

// FileMetadata identifies exactly one physical segment file version.
// Two files with equal name, size & checksum are considered identical.
type FileMetadata struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum uint32 `json:"checksum"`
}

// Equal returns true if other identifies the same physical file version.
func (m FileMetadata) Equal(other FileMetadata) bool { return m == other }

// Checkpoint represents the set of segment files a replica must hold to match
// the primary, at a point in time. Immutable once created.
type Checkpoint struct {
	ShardID     ShardID                 `json:"shard"`
	PrimaryTerm uint64                  `json:"primary_term"`
	Generation  uint64                  `json:"generation"`
	Version     uint64                  `json:"version"`
	Files       map[string]FileMetadata `json:"files"`
}

// String returns a short string representation of the checkpoint position.
func (c Checkpoint) String() string {
	return fmt.Sprintf("%d/%d/%d", c.PrimaryTerm, c.Generation, c.Version)
}

// IsZero returns true if the checkpoint is empty.
func (c Checkpoint) IsZero() bool {
	return c.PrimaryTerm == 0 && c.Generation == 0 && c.Version == 0 && len(c.Files) == 0
}

// Equal returns true if both checkpoints are at the same position and
// describe the same file set.
func (c Checkpoint) Equal(other Checkpoint) bool {
	if c.PrimaryTerm != other.PrimaryTerm || c.Generation != other.Generation || c.Version != other.Version {
		return false
	}
	if len(c.Files) != len(other.Files) {
		return false
	}
	for name, md := range c.Files {
		if other.Files[name] != md {
			return false
		}
	}
	return true
}

// AheadOf returns true if c is at a later position than other.
// Ordering is lexicographic on (primary term, generation, version).
func (c Checkpoint) AheadOf(other Checkpoint) bool {
	if c.PrimaryTerm != other.PrimaryTerm {
		return c.PrimaryTerm > other.PrimaryTerm
	}
	if c.Generation != other.Generation {
		return c.Generation > other.Generation
	}
	return c.Version > other.Version
}

// Diff returns the files present in c but missing or different in other,
// sorted by name. This is the set a replica at other must fetch to match c.
func (c Checkpoint) Diff(other Checkpoint) []FileMetadata {
	var a []FileMetadata
	for name, md := range c.Files {
		if md2, ok := other.Files[name]; !ok || md2 != md {
			a = append(a, md)
		}
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Name < a[j].Name })
	return a
}

// RemoteNode references another segrep node.
type RemoteNode struct {
	ID  string `json:"id"`  // persisted node UUID
	URL string `json:"url"` // advertise URL
}

// CheckpointInfoRequest asks a source node to snapshot its current segments
// for a shard and register a replication handler.
type CheckpointInfoRequest struct {
	ReplicationID ReplicationID `json:"replication_id"`
	Node          RemoteNode    `json:"node"`
	AllocationID  string        `json:"allocation_id"`
	ShardID       ShardID       `json:"shard"`
	Checkpoint    Checkpoint    `json:"checkpoint"` // target's current checkpoint
}

// CheckpointInfoResponse carries the source's snapshotted checkpoint along
// with the serialized segment manifest for that snapshot.
type CheckpointInfoResponse struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Infos      []byte     `json:"infos"`
}

// GetSegmentFilesRequest asks the source to stream the named files for a
// previously prepared replication event.
type GetSegmentFilesRequest struct {
	ReplicationID ReplicationID  `json:"replication_id"`
	Node          RemoteNode     `json:"node"`
	AllocationID  string         `json:"allocation_id"`
	ShardID       ShardID        `json:"shard"`
	Checkpoint    Checkpoint     `json:"checkpoint"`
	Files         []FileMetadata `json:"files"`
}

// GetSegmentFilesResponse lists the files that were fully sent.
type GetSegmentFilesResponse struct {
	Files []FileMetadata `json:"files"`
}

// UpdateVisibleCheckpointRequest informs the primary that a target has made
// a checkpoint durable & visible.
type UpdateVisibleCheckpointRequest struct {
	ShardID      ShardID    `json:"shard"`
	AllocationID string     `json:"allocation_id"`
	Checkpoint   Checkpoint `json:"checkpoint"`
}

// FileChunk is one bounded slice of one file's bytes, sent as a sub-request
// by the chunk writer while a segment-files request is held open.
type FileChunk struct {
	ReplicationID ReplicationID
	SeqNo         int64
	ShardID       ShardID
	File          FileMetadata
	Position      int64
	Data          []byte
	LastChunk     bool
	TotalOps      int
	ThrottleNanos int64
}

// FileChunkWriter emits chunks of segment files to one target node.
type FileChunkWriter interface {
	// WriteFileChunk sends one chunk and returns once it is acknowledged.
	// Implementations throttle via a rate limiter and tag each chunk with a
	// monotonically increasing per-writer sequence number.
	WriteFileChunk(ctx context.Context, file FileMetadata, position int64, data []byte, lastChunk bool, totalOps int) error

	// ThrottleNanos returns the total time spent rate-limited so far.
	ThrottleNanos() int64

	// Cancel aborts any outstanding retries. Subsequent writes fail fast.
	Cancel()
}

// ChunkSource produces readable segment file content for a transfer.
type ChunkSource interface {
	OpenSegmentFile(name string) (io.ReadCloser, error)
}

// StreamHello is the first message a replica sends when connecting to the
// primary's stream endpoint.
type StreamHello struct {
	Node        RemoteNode            `json:"node"`
	Allocations map[string]string     `json:"allocations"` // index name → allocation id
	Checkpoints map[string]Checkpoint `json:"checkpoints"` // index name → local checkpoint
}

// Client represents a client for connecting to other segrep nodes.
type Client interface {
	// Stream starts a long-running connection to receive checkpoint
	// announcements from the primary node.
	Stream(ctx context.Context, rawurl string, hello StreamHello) (io.ReadCloser, error)

	// GetCheckpointInfo asks a source node to prepare a replication event.
	GetCheckpointInfo(ctx context.Context, rawurl string, req CheckpointInfoRequest) (*CheckpointInfoResponse, error)

	// GetSegmentFiles asks the source to stream the named segment files.
	GetSegmentFiles(ctx context.Context, rawurl string, req GetSegmentFilesRequest) (*GetSegmentFilesResponse, error)

	// GetMergedSegmentFiles is the post-merge variant of GetSegmentFiles.
	GetMergedSegmentFiles(ctx context.Context, rawurl string, req GetSegmentFilesRequest) (*GetSegmentFilesResponse, error)

	// UpdateVisibleCheckpoint reports a durable checkpoint back to the primary.
	UpdateVisibleCheckpoint(ctx context.Context, rawurl string, req UpdateVisibleCheckpointRequest) error

	// Import uploads a set of segment files to the primary as one commit.
	Import(ctx context.Context, rawurl, index string, merged bool, r io.Reader) error

	// Export streams the current snapshot of an index.
	Export(ctx context.Context, rawurl, index string) (io.ReadCloser, error)

	// Info returns introspection data for a node.
	Info(ctx context.Context, rawurl string) (NodeInfo, error)
}

// Environment represents the host environment this node runs in. Role
// changes are published so the platform can route writes at the primary.
type Environment interface {
	Type() string
	SetPrimaryStatus(ctx context.Context, isPrimary bool) error
}

// NodeInfo is the introspection object returned by the info endpoint.
type NodeInfo struct {
	ID        string       `json:"id"`
	IsPrimary bool         `json:"is_primary"`
	Candidate bool         `json:"candidate"`
	Hostname  string       `json:"hostname"`
	Primary   *PrimaryInfo `json:"primary,omitempty"`
	Shards    []ShardInfo  `json:"shards"`
}

// ShardInfo describes one local shard in NodeInfo.
type ShardInfo struct {
	Index        string     `json:"index"`
	UUID         string     `json:"uuid"`
	AllocationID string     `json:"allocation_id"`
	Checkpoint   Checkpoint `json:"checkpoint"`
}

type StreamFrameType uint32

const (
	StreamFrameTypeIndex      = StreamFrameType(1)
	StreamFrameTypeCheckpoint = StreamFrameType(2)
	StreamFrameTypeHeartbeat  = StreamFrameType(3)
	StreamFrameTypeEnd        = StreamFrameType(4)
)

type StreamFrame interface {
	io.ReaderFrom
	io.WriterTo
	Type() StreamFrameType
}

// ReadStreamFrame reads the stream type & frame from the reader.
func ReadStreamFrame(r io.Reader) (StreamFrame, error) {
	var typ StreamFrameType
	if err := binary.Read(r, binary.BigEndian, &typ); err != nil {
		return nil, err
	}

	var f StreamFrame
	switch typ {
	case StreamFrameTypeIndex:
		f = &IndexStreamFrame{}
	case StreamFrameTypeCheckpoint:
		f = &CheckpointStreamFrame{}
	case StreamFrameTypeHeartbeat:
		f = &HeartbeatStreamFrame{}
	case StreamFrameTypeEnd:
		f = &EndStreamFrame{}
	default:
		return nil, fmt.Errorf("invalid stream frame type: 0x%02x", typ)
	}

	if _, err := f.ReadFrom(r); err == io.EOF {
		return nil, io.ErrUnexpectedEOF
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// WriteStreamFrame writes the stream type & frame to the writer.
func WriteStreamFrame(w io.Writer, f StreamFrame) error {
	if err := binary.Write(w, binary.BigEndian, f.Type()); err != nil {
		return err
	}
	_, err := f.WriteTo(w)
	return err
}

// IndexStreamFrame announces that an index exists on the primary.
type IndexStreamFrame struct {
	Index string
	UUID  string
}

func (*IndexStreamFrame) Type() StreamFrameType { return StreamFrameTypeIndex }

func (f *IndexStreamFrame) ReadFrom(r io.Reader) (int64, error) {
	index, err := readLenPrefixedString(r)
	if err != nil {
		return 0, err
	}
	uuid, err := readLenPrefixedString(r)
	if err != nil {
		return 0, err
	}
	f.Index, f.UUID = index, uuid
	return 0, nil
}

func (f *IndexStreamFrame) WriteTo(w io.Writer) (int64, error) {
	if err := writeLenPrefixedString(w, f.Index); err != nil {
		return 0, err
	}
	if err := writeLenPrefixedString(w, f.UUID); err != nil {
		return 0, err
	}
	return 0, nil
}

// CheckpointStreamFrame announces a new checkpoint on the primary. Merged
// frames are produced by post-merge commits and replicas fetch their files
// through the merged-segment action.
type CheckpointStreamFrame struct {
	Checkpoint Checkpoint
	Merged     bool
}

func (*CheckpointStreamFrame) Type() StreamFrameType { return StreamFrameTypeCheckpoint }

func (f *CheckpointStreamFrame) ReadFrom(r io.Reader) (int64, error) {
	var merged uint8
	if err := binary.Read(r, binary.BigEndian, &merged); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}
	f.Merged = merged != 0

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err == io.EOF {
		return 0, io.ErrUnexpectedEOF
	} else if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(buf, &f.Checkpoint); err != nil {
		return 0, fmt.Errorf("unmarshal checkpoint frame: %w", err)
	}
	return 0, nil
}

func (f *CheckpointStreamFrame) WriteTo(w io.Writer) (int64, error) {
	var merged uint8
	if f.Merged {
		merged = 1
	}
	if err := binary.Write(w, binary.BigEndian, merged); err != nil {
		return 0, err
	}

	buf, err := json.Marshal(f.Checkpoint)
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint frame: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(buf))); err != nil {
		return 0, err
	} else if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	return 0, nil
}

// HeartbeatStreamFrame keeps an otherwise idle stream alive.
type HeartbeatStreamFrame struct{}

func (f *HeartbeatStreamFrame) Type() StreamFrameType               { return StreamFrameTypeHeartbeat }
func (f *HeartbeatStreamFrame) ReadFrom(r io.Reader) (int64, error) { return 0, nil }
func (f *HeartbeatStreamFrame) WriteTo(w io.Writer) (int64, error)  { return 0, nil }

// EndStreamFrame marks a clean shutdown of the stream.
type EndStreamFrame struct{}

func (f *EndStreamFrame) Type() StreamFrameType               { return StreamFrameTypeEnd }
func (f *EndStreamFrame) ReadFrom(r io.Reader) (int64, error) { return 0, nil }
func (f *EndStreamFrame) WriteTo(w io.Writer) (int64, error)  { return 0, nil }

func readLenPrefixedString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err == io.EOF {
		return "", io.ErrUnexpectedEOF
	} else if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err == io.EOF {
		return "", io.ErrUnexpectedEOF
	} else if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

// OS represents the file system operations used by the store & shards.
// The op string tags the calling operation so tests can inject faults.
type OS interface {
	Create(op, name string) (*os.File, error)
	Mkdir(op, path string, perm os.FileMode) error
	MkdirAll(op, path string, perm os.FileMode) error
	Open(op, name string) (*os.File, error)
	OpenFile(op, name string, flag int, perm os.FileMode) (*os.File, error)
	ReadDir(op, name string) ([]os.DirEntry, error)
	ReadFile(op, name string) ([]byte, error)
	Remove(op, name string) error
	RemoveAll(op, name string) error
	Rename(op, oldpath, newpath string) error
	Stat(op, name string) (os.FileInfo, error)
	Truncate(op, name string, size int64) error
	WriteFile(op, name string, data []byte, perm os.FileMode) error
}

func assert(condition bool, msg string) {
	if !condition {
		panic("assertion failed: " + msg)
	}
}

// errorKeyValue returns a key/value pair of the error. Returns a blank string if err is empty.
func errorKeyValue(err error) string {
	if err == nil {
		return ""
	}
	return "err=" + err.Error()
}
