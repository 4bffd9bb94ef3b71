package http

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/searchfly/segrep"
)

// Header names used by the chunk sub-requests & stream handshake.
const (
	HeaderNodeID = "Segrep-Id"

	HeaderReplicationID = "Segrep-Replication-Id"
	HeaderSeqNo         = "Segrep-Seq"
	HeaderShardIndex    = "Segrep-Shard-Index"
	HeaderShardUUID     = "Segrep-Shard-Uuid"
	HeaderShardNo       = "Segrep-Shard-No"
	HeaderFileName      = "Segrep-File-Name"
	HeaderFileSize      = "Segrep-File-Size"
	HeaderFileChecksum  = "Segrep-File-Checksum"
	HeaderPosition      = "Segrep-Position"
	HeaderLastChunk     = "Segrep-Last-Chunk"
	HeaderTotalOps      = "Segrep-Total-Ops"
	HeaderThrottleNanos = "Segrep-Throttle-Ns"
)

// RemoteError is returned by Client calls when the remote node responds with
// a non-200 code. The status code classifies the failure for retry purposes.
type RemoteError struct {
	StatusCode int
	Msg        string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Msg)
}

// IsRetryableError returns true if err can plausibly succeed when retried:
// network errors and 5xx responses. A 4xx response is a permanent failure.
func IsRetryableError(err error) bool {
	var e *RemoteError
	if errors.As(err, &e) {
		return e.StatusCode >= 500
	}
	return err != nil
}

// errorStatusCode maps domain errors to HTTP status codes.
func errorStatusCode(err error) int {
	switch {
	case errors.Is(err, segrep.ErrShardNotFound),
		errors.Is(err, segrep.ErrReplicationNotFound):
		return http.StatusNotFound
	case errors.Is(err, segrep.ErrShardExists),
		errors.Is(err, segrep.ErrReplicationExists),
		errors.Is(err, segrep.ErrStaleCheckpoint),
		errors.Is(err, segrep.ErrDuplicateChunk),
		errors.Is(err, segrep.ErrChunkOutOfOrder),
		errors.Is(err, segrep.ErrChecksumMismatch):
		return http.StatusConflict
	case errors.Is(err, segrep.ErrNotPrimary),
		errors.Is(err, segrep.ErrReadOnlyReplica),
		errors.Is(err, segrep.ErrReplicationCanceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error writes an error response and logs it.
func Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	log.Printf("http: error: %s", err)
	http.Error(w, err.Error(), code)
}

// encodeChunkHeader writes chunk metadata to request headers. The chunk data
// itself travels as the request body.
func encodeChunkHeader(h http.Header, chunk segrep.FileChunk) {
	h.Set(HeaderReplicationID, strconv.FormatInt(int64(chunk.ReplicationID), 10))
	h.Set(HeaderSeqNo, strconv.FormatInt(chunk.SeqNo, 10))
	h.Set(HeaderShardIndex, chunk.ShardID.Index)
	h.Set(HeaderShardUUID, chunk.ShardID.UUID)
	h.Set(HeaderShardNo, strconv.Itoa(chunk.ShardID.Shard))
	h.Set(HeaderFileName, chunk.File.Name)
	h.Set(HeaderFileSize, strconv.FormatInt(chunk.File.Size, 10))
	h.Set(HeaderFileChecksum, strconv.FormatUint(uint64(chunk.File.Checksum), 10))
	h.Set(HeaderPosition, strconv.FormatInt(chunk.Position, 10))
	h.Set(HeaderLastChunk, strconv.FormatBool(chunk.LastChunk))
	h.Set(HeaderTotalOps, strconv.Itoa(chunk.TotalOps))
	h.Set(HeaderThrottleNanos, strconv.FormatInt(chunk.ThrottleNanos, 10))
}

// decodeChunkHeader parses chunk metadata from request headers.
func decodeChunkHeader(h http.Header, r io.Reader) (segrep.FileChunk, error) {
	var chunk segrep.FileChunk
	var err error

	id, err := strconv.ParseInt(h.Get(HeaderReplicationID), 10, 64)
	if err != nil {
		return chunk, fmt.Errorf("invalid replication id: %w", err)
	}
	chunk.ReplicationID = segrep.ReplicationID(id)

	if chunk.SeqNo, err = strconv.ParseInt(h.Get(HeaderSeqNo), 10, 64); err != nil {
		return chunk, fmt.Errorf("invalid seq no: %w", err)
	}

	chunk.ShardID.Index = h.Get(HeaderShardIndex)
	chunk.ShardID.UUID = h.Get(HeaderShardUUID)
	if v := h.Get(HeaderShardNo); v != "" {
		if chunk.ShardID.Shard, err = strconv.Atoi(v); err != nil {
			return chunk, fmt.Errorf("invalid shard no: %w", err)
		}
	}

	chunk.File.Name = h.Get(HeaderFileName)
	if chunk.File.Name == "" {
		return chunk, fmt.Errorf("file name required")
	}
	if chunk.File.Size, err = strconv.ParseInt(h.Get(HeaderFileSize), 10, 64); err != nil {
		return chunk, fmt.Errorf("invalid file size: %w", err)
	}
	checksum, err := strconv.ParseUint(h.Get(HeaderFileChecksum), 10, 32)
	if err != nil {
		return chunk, fmt.Errorf("invalid file checksum: %w", err)
	}
	chunk.File.Checksum = uint32(checksum)

	if chunk.Position, err = strconv.ParseInt(h.Get(HeaderPosition), 10, 64); err != nil {
		return chunk, fmt.Errorf("invalid position: %w", err)
	}
	if chunk.LastChunk, err = strconv.ParseBool(h.Get(HeaderLastChunk)); err != nil {
		return chunk, fmt.Errorf("invalid last chunk flag: %w", err)
	}
	if v := h.Get(HeaderTotalOps); v != "" {
		if chunk.TotalOps, err = strconv.Atoi(v); err != nil {
			return chunk, fmt.Errorf("invalid total ops: %w", err)
		}
	}
	if v := h.Get(HeaderThrottleNanos); v != "" {
		if chunk.ThrottleNanos, err = strconv.ParseInt(v, 10, 64); err != nil {
			return chunk, fmt.Errorf("invalid throttle nanos: %w", err)
		}
	}

	if chunk.Data, err = io.ReadAll(r); err != nil {
		return chunk, fmt.Errorf("read chunk body: %w", err)
	}
	return chunk, nil
}

// CompileMatch returns a regular expression on a simple asterisk-only wildcard.
func CompileMatch(s string) (*regexp.Regexp, error) {
	// Convert any special characters to literal matches.
	s = regexp.QuoteMeta(s)

	// Convert escaped asterisks to wildcard matches.
	s = strings.ReplaceAll(s, `\*`, ".*")

	// Match to beginning & end of path.
	s = "^" + s + "$"

	return regexp.Compile(s)
}
