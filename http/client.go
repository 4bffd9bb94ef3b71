package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/searchfly/segrep"
	"golang.org/x/net/http2"
)

var _ segrep.Client = (*Client)(nil)

// Client represents a client for a segrep HTTP server.
type Client struct {
	// Underlying HTTP client
	HTTPClient *http.Client
}

// NewClient returns an instance of Client.
func NewClient() *Client {
	return &Client{
		HTTPClient: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr) // h2c-only right now
				},
			},
		},
	}
}

// parseURL validates rawurl and strips it to scheme & host.
func parseURL(rawurl string) (*url.URL, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("invalid client URL: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme")
	} else if u.Host == "" {
		return nil, fmt.Errorf("URL host required")
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// doJSON issues a request with an optional JSON body and decodes a JSON
// response into out, when non-nil.
func (c *Client) doJSON(ctx context.Context, method, rawurl, path string, in, out any) error {
	u, err := parseURL(rawurl)
	if err != nil {
		return err
	}
	u.Path = path

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func readError(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &RemoteError{StatusCode: resp.StatusCode, Msg: strings.TrimSpace(string(buf))}
}

// Stream returns a long-running reader of checkpoint announcement frames.
func (c *Client) Stream(ctx context.Context, rawurl string, hello segrep.StreamHello) (io.ReadCloser, error) {
	u, err := parseURL(rawurl)
	if err != nil {
		return nil, err
	}
	u.Path = "/stream"

	buf, err := json.Marshal(hello)
	if err != nil {
		return nil, fmt.Errorf("marshal hello: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderNodeID, hello.Node.ID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	} else if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, readError(resp)
	}
	return resp.Body, nil
}

// GetCheckpointInfo asks a source node to prepare a replication event.
func (c *Client) GetCheckpointInfo(ctx context.Context, rawurl string, req segrep.CheckpointInfoRequest) (*segrep.CheckpointInfoResponse, error) {
	var resp segrep.CheckpointInfoResponse
	if err := c.doJSON(ctx, "POST", rawurl, "/replication/checkpoint-info", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSegmentFiles asks the source to stream the named segment files. The
// request blocks until every chunk has been sent & acknowledged.
func (c *Client) GetSegmentFiles(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error) {
	var resp segrep.GetSegmentFilesResponse
	if err := c.doJSON(ctx, "POST", rawurl, "/replication/segment-files", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMergedSegmentFiles is the post-merge variant of GetSegmentFiles. The
// source applies its merged-segment rate limit instead.
func (c *Client) GetMergedSegmentFiles(ctx context.Context, rawurl string, req segrep.GetSegmentFilesRequest) (*segrep.GetSegmentFilesResponse, error) {
	var resp segrep.GetSegmentFilesResponse
	if err := c.doJSON(ctx, "POST", rawurl, "/replication/merged-segment-files", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateVisibleCheckpoint reports a durable checkpoint back to the primary.
func (c *Client) UpdateVisibleCheckpoint(ctx context.Context, rawurl string, req segrep.UpdateVisibleCheckpointRequest) error {
	return c.doJSON(ctx, "POST", rawurl, "/replication/visible-checkpoint", req, nil)
}

// SendFileChunk delivers one file chunk to a target node.
func (c *Client) SendFileChunk(ctx context.Context, rawurl string, chunk segrep.FileChunk, merged bool) error {
	u, err := parseURL(rawurl)
	if err != nil {
		return err
	}
	if merged {
		u.Path = "/replication/merged-file-chunk"
	} else {
		u.Path = "/replication/file-chunk"
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(chunk.Data))
	if err != nil {
		return err
	}
	encodeChunkHeader(req.Header, chunk)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}

// Import uploads a set of segment files to the primary as one commit.
func (c *Client) Import(ctx context.Context, rawurl, index string, merged bool, r io.Reader) error {
	u, err := parseURL(rawurl)
	if err != nil {
		return err
	}
	u.Path = "/import"
	u.RawQuery = (url.Values{
		"index":  {index},
		"merged": {strconv.FormatBool(merged)},
	}).Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), r)
	if err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}

// Export streams the current snapshot of an index as a tar archive.
func (c *Client) Export(ctx context.Context, rawurl, index string) (io.ReadCloser, error) {
	u, err := parseURL(rawurl)
	if err != nil {
		return nil, err
	}
	u.Path = "/export"
	u.RawQuery = (url.Values{"index": {index}}).Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	} else if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, readError(resp)
	}
	return resp.Body, nil
}

// Info returns introspection data for a node.
func (c *Client) Info(ctx context.Context, rawurl string) (segrep.NodeInfo, error) {
	var info segrep.NodeInfo
	if err := c.doJSON(ctx, "GET", rawurl, "/info", nil, &info); err != nil {
		return segrep.NodeInfo{}, err
	}
	return info, nil
}

// Events returns recent replication events from a node, newest first.
func (c *Client) Events(ctx context.Context, rawurl string, limit int) ([]segrep.ReplicationEvent, error) {
	u, err := parseURL(rawurl)
	if err != nil {
		return nil, err
	}
	u.Path = "/events"
	if limit > 0 {
		u.RawQuery = (url.Values{"limit": {strconv.Itoa(limit)}}).Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var events []segrep.ReplicationEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}
