package http

import (
	"archive/tar"
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/searchfly/segrep"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// Default settings
const (
	DefaultAddr = ":20202"

	// Interval between heartbeat frames on an idle checkpoint stream.
	DefaultHeartbeatInterval = 10 * time.Second
)

// Server represents the HTTP API server for segrep.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr  string
	store *segrep.Store

	g      errgroup.Group
	ctx    context.Context
	cancel func()

	// Sender used by chunk writers to push file chunks back to targets.
	ChunkSender ChunkSender

	HeartbeatInterval time.Duration
}

func NewServer(store *segrep.Store, addr string) *Server {
	s := &Server{
		addr:  addr,
		store: store,

		ChunkSender:       NewRetryableClient(NewClient()),
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: h2c.NewHandler(http.HandlerFunc(s.serveHTTP), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

func (s *Server) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); s.ctx.Err() != nil {
			return err
		}
		return nil
	})
}

func (s *Server) Close() (err error) {
	if s.ln != nil {
		if e := s.ln.Close(); err == nil {
			err = e
		}
	}
	if s.httpServer != nil {
		if e := s.httpServer.Close(); err == nil {
			err = e
		}
	}
	s.cancel()
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/vars":
			expvar.Handler().ServeHTTP(w, r)
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)

	case "/stream":
		s.requirePost(w, r, s.handlePostStream)
	case "/replication/checkpoint-info":
		s.requirePost(w, r, s.handlePostCheckpointInfo)
	case "/replication/segment-files":
		s.requirePost(w, r, func(w http.ResponseWriter, r *http.Request) {
			s.handlePostSegmentFiles(w, r, false)
		})
	case "/replication/merged-segment-files":
		s.requirePost(w, r, func(w http.ResponseWriter, r *http.Request) {
			s.handlePostSegmentFiles(w, r, true)
		})
	case "/replication/visible-checkpoint":
		s.requirePost(w, r, s.handlePostVisibleCheckpoint)
	case "/replication/file-chunk", "/replication/merged-file-chunk":
		s.requirePost(w, r, s.handlePostFileChunk)

	case "/import":
		s.requirePost(w, r, s.handlePostImport)
	case "/export":
		s.handleGetExport(w, r)
	case "/info":
		s.handleGetInfo(w, r)
	case "/events":
		s.handleGetEvents(w, r)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) requirePost(w http.ResponseWriter, r *http.Request, h http.HandlerFunc) {
	if r.Method != http.MethodPost {
		Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	h(w, r)
}

// handlePostStream serves the long-running checkpoint announcement stream to
// one replica. The replica's hello carries its allocations and current
// checkpoints; the primary answers with index & checkpoint frames and keeps
// announcing whenever a shard commits.
func (s *Server) handlePostStream(w http.ResponseWriter, r *http.Request) {
	// Prevent nodes from connecting to themselves.
	if id := r.Header.Get(HeaderNodeID); id == s.store.ID() {
		Error(w, r, fmt.Errorf("cannot connect to self"), http.StatusBadRequest)
		return
	}

	if !s.store.IsPrimary() {
		Error(w, r, segrep.ErrNotPrimary, http.StatusServiceUnavailable)
		return
	}

	var hello segrep.StreamHello
	if err := json.NewDecoder(r.Body).Decode(&hello); err != nil {
		Error(w, r, fmt.Errorf("decode hello: %w", err), http.StatusBadRequest)
		return
	} else if hello.Node.ID == "" || hello.Node.URL == "" {
		Error(w, r, fmt.Errorf("node id & url required"), http.StatusBadRequest)
		return
	}

	log.Printf("stream connected: node=%s", hello.Node.ID)
	defer log.Printf("stream disconnected: node=%s", hello.Node.ID)

	serverStreamCountMetric.Inc()
	defer serverStreamCountMetric.Dec()

	s.store.ConnectReplica(hello.Node, hello.Allocations)
	defer s.store.DisconnectReplica(hello.Node.ID)

	// Subscribe to commit notifications.
	subscription := s.store.Subscribe()
	defer func() { _ = subscription.Close() }()

	// The replica already knows the indexes it announced checkpoints for.
	known := make(map[string]struct{}, len(hello.Checkpoints))
	lastSent := make(map[string]segrep.Checkpoint, len(hello.Checkpoints))
	for index, cp := range hello.Checkpoints {
		known[index] = struct{}{}
		lastSent[index] = cp
	}

	// Build initial dirty set of every local index.
	dirtySet := make(map[string]bool)
	for _, shard := range s.store.Shards() {
		dirtySet[shard.Name()] = false
	}

	// Flush header so client can resume control.
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()

	heartbeat := time.NewTicker(s.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		// Announce current checkpoints for each dirty index.
		indexes := make([]string, 0, len(dirtySet))
		for index := range dirtySet {
			indexes = append(indexes, index)
		}
		sort.Strings(indexes)

		for _, index := range indexes {
			if err := s.streamIndex(w, index, dirtySet[index], known, lastSent); err != nil {
				Error(w, r, fmt.Errorf("stream error: index=%q err=%s", index, err), http.StatusInternalServerError)
				return
			}
		}
		w.(http.Flusher).Flush()

		// Wait for new commits, repeat.
		select {
		case <-r.Context().Done():
			_ = segrep.WriteStreamFrame(w, &segrep.EndStreamFrame{})
			return
		case <-heartbeat.C:
			// The primary lease may have been lost while the stream idled.
			if !s.store.IsPrimary() {
				_ = segrep.WriteStreamFrame(w, &segrep.EndStreamFrame{})
				return
			}
			if err := segrep.WriteStreamFrame(w, &segrep.HeartbeatStreamFrame{}); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			dirtySet = map[string]bool{}
		case <-subscription.NotifyCh():
			dirtySet = subscription.DirtySet()
		}
	}
}

func (s *Server) streamIndex(w http.ResponseWriter, index string, merged bool, known map[string]struct{}, lastSent map[string]segrep.Checkpoint) error {
	shard := s.store.Shard(index)
	if shard == nil {
		log.Printf("index not found, skipping: %q", index)
		return nil
	}

	// Announce the index itself if the replica has never seen it.
	if _, ok := known[index]; !ok {
		log.Printf("send frame<index>: name=%q uuid=%s", index, shard.ID().UUID)
		if err := segrep.WriteStreamFrame(w, &segrep.IndexStreamFrame{Index: index, UUID: shard.ID().UUID}); err != nil {
			return fmt.Errorf("write index frame: %w", err)
		}
		known[index] = struct{}{}
		serverFrameSendCountMetricVec.WithLabelValues(index, "index").Inc()
	}

	cp := shard.Checkpoint()
	if !cp.AheadOf(lastSent[index]) {
		return nil // replica already caught up
	}

	log.Printf("send frame<checkpoint>: index=%q pos=%s files=%d merged=%v", index, cp, len(cp.Files), merged)
	if err := segrep.WriteStreamFrame(w, &segrep.CheckpointStreamFrame{Checkpoint: cp, Merged: merged}); err != nil {
		return fmt.Errorf("write checkpoint frame: %w", err)
	}
	lastSent[index] = cp
	serverFrameSendCountMetricVec.WithLabelValues(index, "checkpoint").Inc()
	return nil
}

// handlePostCheckpointInfo registers a replication handler for the target,
// pins the current segment snapshot & returns its checkpoint and manifest.
func (s *Server) handlePostCheckpointInfo(w http.ResponseWriter, r *http.Request) {
	var req segrep.CheckpointInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	} else if req.Node.URL == "" {
		Error(w, r, fmt.Errorf("target node url required"), http.StatusBadRequest)
		return
	}

	writer := NewChunkWriter(s.ChunkSender, req.Node.URL, req.ReplicationID, req.ShardID)
	writer.Limiter = func() segrep.RateLimiter { return s.store.Limiter }

	h, err := s.store.Replications().PrepareForReplication(req, writer)
	if err != nil {
		Error(w, r, err, errorStatusCode(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(segrep.CheckpointInfoResponse{
		Checkpoint: h.Snapshot().Checkpoint(),
		Infos:      h.Snapshot().Infos(),
	})
}

// handlePostSegmentFiles runs the chunked copy of the requested files back to
// the target node. The request is held open until the transfer terminates.
func (s *Server) handlePostSegmentFiles(w http.ResponseWriter, r *http.Request, merged bool) {
	var req segrep.GetSegmentFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	timeout := s.store.RetryTimeout
	if merged {
		// Only a started primary may serve post-merge copies; reject before
		// any registry lookup so a demoted node never reports a stale
		// replication state instead.
		if !s.store.IsPrimary() {
			err := fmt.Errorf("%w: shard %q is not a started primary", segrep.ErrNotPrimary, req.ShardID.Index)
			Error(w, r, err, errorStatusCode(err))
			return
		}

		timeout = s.store.MergedTimeout

		// Post-merge copies are throttled by their own limiter and routed to
		// the merged chunk endpoint on the target.
		if h := s.store.Replications().Handler(req.ReplicationID); h != nil {
			if cw, ok := h.Writer().(*ChunkWriter); ok {
				cw.SetMerged(true)
				cw.Limiter = func() segrep.RateLimiter { return s.store.MergedLimiter }
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	files, err := s.store.Replications().StartSegmentCopy(ctx, req)
	if err != nil {
		Error(w, r, err, errorStatusCode(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(segrep.GetSegmentFilesResponse{Files: files})
}

func (s *Server) handlePostVisibleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req segrep.UpdateVisibleCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, r, fmt.Errorf("decode request: %w", err), http.StatusBadRequest)
		return
	}

	shard := s.store.Shard(req.ShardID.Index)
	if shard == nil {
		Error(w, r, segrep.ErrShardNotFound, http.StatusNotFound)
		return
	}

	shard.UpdateVisibleCheckpoint(req.AllocationID, req.Checkpoint)
	w.WriteHeader(http.StatusOK)
}

// handlePostFileChunk stages one inbound chunk on the target side.
func (s *Server) handlePostFileChunk(w http.ResponseWriter, r *http.Request) {
	chunk, err := decodeChunkHeader(r.Header, r.Body)
	if err != nil {
		Error(w, r, err, http.StatusBadRequest)
		return
	}

	if err := s.store.WriteInboundChunk(chunk); err != nil {
		Error(w, r, err, errorStatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handlePostImport stages a tar archive of segment files & commits them as
// one checkpoint. The index is created if it does not exist.
func (s *Server) handlePostImport(w http.ResponseWriter, r *http.Request) {
	index := r.URL.Query().Get("index")
	if index == "" {
		Error(w, r, fmt.Errorf("index name required"), http.StatusBadRequest)
		return
	}
	merged, _ := strconv.ParseBool(r.URL.Query().Get("merged"))

	if !s.store.IsPrimary() {
		Error(w, r, segrep.ErrReadOnlyReplica, http.StatusServiceUnavailable)
		return
	}

	shard := s.store.Shard(index)
	if shard == nil {
		var err error
		if shard, err = s.store.CreateIndex(index); err != nil {
			Error(w, r, err, errorStatusCode(err))
			return
		}
	}

	tr := tar.NewReader(r.Body)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			_ = shard.AbortStaging()
			Error(w, r, fmt.Errorf("read archive: %w", err), http.StatusBadRequest)
			return
		}

		if hdr.Typeflag != tar.TypeReg || hdr.Name == "manifest" {
			continue
		}
		if _, err := shard.StageFile(hdr.Name, tr); err != nil {
			_ = shard.AbortStaging()
			Error(w, r, fmt.Errorf("stage %q: %w", hdr.Name, err), errorStatusCode(err))
			return
		}
	}

	cp, err := shard.Commit(r.Context(), merged)
	if err != nil {
		_ = shard.AbortStaging()
		Error(w, r, err, errorStatusCode(err))
		return
	}

	log.Printf("import committed: index=%q pos=%s files=%d", index, cp, len(cp.Files))
	w.WriteHeader(http.StatusOK)
}

// handleGetExport streams a consistent snapshot of an index as a tar archive:
// the manifest followed by every segment file it references.
func (s *Server) handleGetExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	index := r.URL.Query().Get("index")
	if index == "" {
		Error(w, r, fmt.Errorf("index name required"), http.StatusBadRequest)
		return
	}

	shard := s.store.Shard(index)
	if shard == nil {
		Error(w, r, segrep.ErrShardNotFound, http.StatusNotFound)
		return
	}

	snapshot, err := shard.AcquireSnapshot()
	if err != nil {
		Error(w, r, err, errorStatusCode(err))
		return
	}
	defer snapshot.Release()

	w.Header().Set("Content-Type", "application/x-tar")

	tw := tar.NewWriter(w)
	if err := s.writeExport(tw, shard, snapshot); err != nil {
		log.Printf("http: export error: index=%q err=%s", index, err)
		return
	}
	if err := tw.Close(); err != nil {
		log.Printf("http: export error: index=%q err=%s", index, err)
	}
}

func (s *Server) writeExport(tw *tar.Writer, shard *segrep.IndexShard, snapshot *segrep.SegmentSnapshot) error {
	infos := snapshot.Infos()
	if err := tw.WriteHeader(&tar.Header{Name: "manifest", Mode: 0o666, Size: int64(len(infos))}); err != nil {
		return err
	}
	if _, err := tw.Write(infos); err != nil {
		return err
	}

	cp := snapshot.Checkpoint()
	names := make([]string, 0, len(cp.Files))
	for name := range cp.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		md := cp.Files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o666, Size: md.Size}); err != nil {
			return err
		}

		f, err := shard.OpenSegmentFile(name)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.store.NodeInfo())
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if s.store.EventLog == nil {
		Error(w, r, fmt.Errorf("event log not enabled"), http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.EventLog.Events(r.Context(), limit)
	if err != nil {
		Error(w, r, err, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []segrep.ReplicationEvent{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}

// HTTP server metrics.
var (
	serverStreamCountMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "segrep_http_stream_count",
		Help: "Number of replica streams currently connected.",
	})

	serverFrameSendCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segrep_http_frame_send_count",
		Help: "Number of stream frames sent.",
	}, []string{"index", "type"})
)
