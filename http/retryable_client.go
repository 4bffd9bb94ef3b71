package http

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/searchfly/segrep"
)

// Retry policy defaults. The elapsed cap is overridden per call site with
// the action timeout on the request context.
const (
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 5 * time.Second
	DefaultRetryMaxElapsedTime  = 1 * time.Minute
)

// ChunkSender delivers a single file chunk to a remote node.
type ChunkSender interface {
	SendFileChunk(ctx context.Context, rawurl string, chunk segrep.FileChunk, merged bool) error
}

var _ segrep.Client = (*RetryableClient)(nil)
var _ ChunkSender = (*RetryableClient)(nil)

// RetryableClient wraps a Client with exponential backoff on transient
// failures. Network errors and 5xx responses are retried; 4xx responses are
// treated as permanent. Context cancellation aborts a retry loop immediately,
// so a canceled replication fails fast rather than draining its backoff.
//
// Stream and Export are long-lived transfers and are not retried here; their
// callers own reconnect behavior.
type RetryableClient struct {
	client *Client

	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// NewRetryableClient returns a retrying wrapper around client.
func NewRetryableClient(client *Client) *RetryableClient {
	return &RetryableClient{
		client: client,

		InitialInterval: DefaultRetryInitialInterval,
		MaxInterval:     DefaultRetryMaxInterval,
		MaxElapsedTime:  DefaultRetryMaxElapsedTime,
	}
}

func (c *RetryableClient) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.InitialInterval
	policy.MaxInterval = c.MaxInterval
	policy.MaxElapsedTime = c.MaxElapsedTime

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (c *RetryableClient) Stream(ctx context.Context, rawurl string, hello segrep.StreamHello) (io.ReadCloser, error) {
	return c.client.Stream(ctx, rawurl, hello)
}

func (c *RetryableClient) GetCheckpointInfo(ctx context.Context, rawurl string, req segrep.CheckpointInfoRequest) (*segrep.CheckpointInfoResponse, error) {
	var resp *segrep.CheckpointInfoResponse
	err := c.retry(ctx, func() (e error) {
		resp, e = c.client.GetCheckpointInfo(ctx, rawurl, req)
		return e
	})
	return resp, err
}

func (c *RetryableClient) GetSegmentFiles(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error) {
	var resp *segrep.GetSegmentFilesResponse
	err := c.retry(ctx, func() (e error) {
		resp, e = c.client.GetSegmentFiles(ctx, rawurl, req)
		return e
	})
	return resp, err
}

func (c *RetryableClient) GetMergedSegmentFiles(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error) {
	var resp *segrep.GetSegmentFilesResponse
	err := c.retry(ctx, func() (e error) {
		resp, e = c.client.GetMergedSegmentFiles(ctx, rawurl, req)
		return e
	})
	return resp, err
}

func (c *RetryableClient) UpdateVisibleCheckpoint(ctx context.Context, rawurl string, req segrep.UpdateVisibleCheckpointRequest) error {
	return c.retry(ctx, func() error {
		return c.client.UpdateVisibleCheckpoint(ctx, rawurl, req)
	})
}

func (c *RetryableClient) SendFileChunk(ctx context.Context, rawurl string, chunk segrep.FileChunk, merged bool) error {
	return c.retry(ctx, func() error {
		return c.client.SendFileChunk(ctx, rawurl, chunk, merged)
	})
}

func (c *RetryableClient) Import(ctx context.Context, rawurl, index string, merged bool, r io.Reader) error {
	// Body is a one-shot reader; do not retry.
	return c.client.Import(ctx, rawurl, index, merged, r)
}

func (c *RetryableClient) Export(ctx context.Context, rawurl, index string) (io.ReadCloser, error) {
	return c.client.Export(ctx, rawurl, index)
}

func (c *RetryableClient) Info(ctx context.Context, rawurl string) (segrep.NodeInfo, error) {
	var info segrep.NodeInfo
	err := c.retry(ctx, func() (e error) {
		info, e = c.client.Info(ctx, rawurl)
		return e
	})
	return info, err
}
