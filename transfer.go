package segrep

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Default transfer settings.
const (
	DefaultChunkSize          = 64 * 1024
	DefaultMaxConcurrentFiles = 4
)

// MultiChunkTransfer drives an ordered set of files through a chunk writer.
// Each file is split into fixed-size chunks sent serially in offset order;
// up to MaxConcurrentFiles files are in flight at once. The first error
// fails the whole transfer; there is no partial success.
type MultiChunkTransfer struct {
	source ChunkSource
	writer FileChunkWriter
	files  []FileMetadata

	// ChunkSize is the maximum number of bytes per chunk.
	ChunkSize int

	// MaxConcurrentFiles bounds how many files are sent concurrently.
	MaxConcurrentFiles int

	// Progress, if set, is invoked with the chunk size after each
	// acknowledged chunk.
	Progress func(bytes int64)
}

// NewMultiChunkTransfer returns a transfer of files from source through writer.
func NewMultiChunkTransfer(source ChunkSource, writer FileChunkWriter, files []FileMetadata) *MultiChunkTransfer {
	return &MultiChunkTransfer{
		source: source,
		writer: writer,
		files:  files,

		ChunkSize:          DefaultChunkSize,
		MaxConcurrentFiles: DefaultMaxConcurrentFiles,
	}
}

// Run sends all files and blocks until every chunk is acknowledged or the
// transfer fails. Cancellation of ctx stops further chunk dispatch;
// already-dispatched sends settle and are discarded.
func (t *MultiChunkTransfer) Run(ctx context.Context) error {
	assert(t.ChunkSize > 0, "transfer chunk size must be positive")
	assert(t.MaxConcurrentFiles > 0, "transfer concurrency must be positive")

	sem := semaphore.NewWeighted(int64(t.MaxConcurrentFiles))

	// The group context ends as soon as Wait returns so only the caller's
	// context can report cancellation of a clean transfer.
	g, groupCtx := errgroup.WithContext(ctx)
	for i := range t.files {
		file := t.files[i]

		if err := sem.Acquire(groupCtx, 1); err != nil {
			break // a file already failed or caller canceled
		}

		g.Go(func() error {
			defer sem.Release(1)
			if err := t.sendFile(groupCtx, file); err != nil {
				return fmt.Errorf("send file %q: %w", file.Name, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// sendFile streams one file's chunks serially in offset order. The final
// chunk carries lastChunk=true; the flag, not a separate end marker, is how
// the target knows the file is complete.
func (t *MultiChunkTransfer) sendFile(ctx context.Context, file FileMetadata) error {
	f, err := t.source.OpenSegmentFile(file.Name)
	if err != nil {
		return fmt.Errorf("open segment file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Zero-length files still need a final chunk for protocol framing.
	if file.Size == 0 {
		return t.writer.WriteFileChunk(ctx, file, 0, nil, true, 0)
	}

	buf := make([]byte, t.ChunkSize)
	var position int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		} else if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read segment file: %w", err)
		}

		lastChunk := position+int64(n) >= file.Size
		if err := t.writer.WriteFileChunk(ctx, file, position, buf[:n], lastChunk, 0); err != nil {
			return err
		}
		position += int64(n)

		if t.Progress != nil {
			t.Progress(int64(n))
		}
		if lastChunk {
			break
		}
	}

	if position != file.Size {
		return fmt.Errorf("segment file truncated: have %d bytes, expected %d", position, file.Size)
	}
	return nil
}
