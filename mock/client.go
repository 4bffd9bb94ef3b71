package mock

import (
	"context"
	"io"

	"github.com/searchfly/segrep"
)

var _ segrep.Client = (*Client)(nil)

type Client struct {
	StreamFunc                  func(ctx context.Context, rawurl string, hello segrep.StreamHello) (io.ReadCloser, error)
	GetCheckpointInfoFunc       func(ctx context.Context, rawurl string, req segrep.CheckpointInfoRequest) (*segrep.CheckpointInfoResponse, error)
	GetSegmentFilesFunc         func(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error)
	GetMergedSegmentFilesFunc   func(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error)
	UpdateVisibleCheckpointFunc func(ctx context.Context, rawurl string, req segrep.UpdateVisibleCheckpointRequest) error
	ImportFunc                  func(ctx context.Context, rawurl, index string, merged bool, r io.Reader) error
	ExportFunc                  func(ctx context.Context, rawurl, index string) (io.ReadCloser, error)
	InfoFunc                    func(ctx context.Context, rawurl string) (segrep.NodeInfo, error)
}

func (c *Client) Stream(ctx context.Context, rawurl string, hello segrep.StreamHello) (io.ReadCloser, error) {
	return c.StreamFunc(ctx, rawurl, hello)
}

func (c *Client) GetCheckpointInfo(ctx context.Context, rawurl string, req segrep.CheckpointInfoRequest) (*segrep.CheckpointInfoResponse, error) {
	return c.GetCheckpointInfoFunc(ctx, rawurl, req)
}

func (c *Client) GetSegmentFiles(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error) {
	return c.GetSegmentFilesFunc(ctx, rawurl, req)
}

func (c *Client) GetMergedSegmentFiles(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error) {
	return c.GetMergedSegmentFilesFunc(ctx, rawurl, req)
}

func (c *Client) UpdateVisibleCheckpoint(ctx context.Context, rawurl string, req segrep.UpdateVisibleCheckpointRequest) error {
	return c.UpdateVisibleCheckpointFunc(ctx, rawurl, req)
}

func (c *Client) Import(ctx context.Context, rawurl, index string, merged bool, r io.Reader) error {
	return c.ImportFunc(ctx, rawurl, index, merged, r)
}

func (c *Client) Export(ctx context.Context, rawurl, index string) (io.ReadCloser, error) {
	return c.ExportFunc(ctx, rawurl, index)
}

func (c *Client) Info(ctx context.Context, rawurl string) (segrep.NodeInfo, error) {
	return c.InfoFunc(ctx, rawurl)
}
