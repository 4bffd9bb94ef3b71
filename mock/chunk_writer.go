package mock

import (
	"context"

	"github.com/searchfly/segrep"
)

var _ segrep.FileChunkWriter = (*FileChunkWriter)(nil)

type FileChunkWriter struct {
	WriteFileChunkFunc func(ctx context.Context, file segrep.FileMetadata, position int64, data []byte, lastChunk bool, totalOps int) error
	ThrottleNanosFunc  func() int64
	CancelFunc         func()
}

func (w *FileChunkWriter) WriteFileChunk(ctx context.Context, file segrep.FileMetadata, position int64, data []byte, lastChunk bool, totalOps int) error {
	return w.WriteFileChunkFunc(ctx, file, position, data, lastChunk, totalOps)
}

func (w *FileChunkWriter) ThrottleNanos() int64 {
	if w.ThrottleNanosFunc == nil {
		return 0
	}
	return w.ThrottleNanosFunc()
}

func (w *FileChunkWriter) Cancel() {
	if w.CancelFunc != nil {
		w.CancelFunc()
	}
}
