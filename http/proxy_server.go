package http

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/searchfly/segrep"
	"golang.org/x/sync/errgroup"
)

// CheckpointCookieName is the name of the cookie that tracks the last
// checkpoint position a client has written.
const CheckpointCookieName = "__segrep_cpv"

// PrimaryHeaderName is set on write requests that reach a replica so the
// routing layer can replay them against the primary.
const PrimaryHeaderName = "X-Segrep-Primary"

const (
	DefaultPollCheckpointInterval = 1 * time.Millisecond
	DefaultPollCheckpointTimeout  = 5 * time.Second

	DefaultCookieExpiry = 5 * time.Minute
)

// ProxyServer represents a thin proxy in front of the user's application that
// can handle primary redirection and read-your-writes consistency on
// replicas: reads wait until the local shard has caught up to the checkpoint
// position the client last saw a write at.
//
// Exported fields must be set before calling Listen().
type ProxyServer struct {
	ln         net.Listener
	httpServer *http.Server
	store      *segrep.Store

	g      errgroup.Group
	ctx    context.Context
	cancel func()

	// Hostport of application that is being proxied.
	Target string

	// Name of index to use for checkpoint consistency tracking.
	IndexName string

	// Bind address that the proxy listens on.
	Addr string

	// List of path expressions that will be passed through if matched.
	Passthroughs []*regexp.Regexp

	// If true, add verbose debug logging.
	Debug bool

	// Interval & timeout for ensuring read consistency.
	PollCheckpointInterval time.Duration
	PollCheckpointTimeout  time.Duration

	// Time before cookie expires on client.
	CookieExpiry time.Duration
}

// NewProxyServer returns a new instance of ProxyServer.
func NewProxyServer(store *segrep.Store) *ProxyServer {
	s := &ProxyServer{
		store: store,

		PollCheckpointInterval: DefaultPollCheckpointInterval,
		PollCheckpointTimeout:  DefaultPollCheckpointTimeout,
		CookieExpiry:           DefaultCookieExpiry,
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.serveHTTP),
	}

	return s
}

func (s *ProxyServer) Listen() (err error) {
	if s.Target == "" {
		return fmt.Errorf("proxy target required")
	}
	if s.IndexName == "" {
		return fmt.Errorf("proxy index name required")
	}
	if s.Addr == "" {
		return fmt.Errorf("proxy bind address required")
	}

	s.ln, err = net.Listen("tcp", s.Addr)
	return err
}

func (s *ProxyServer) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); s.ctx.Err() != nil {
			return err
		}
		return nil
	})
}

func (s *ProxyServer) Close() (err error) {
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
func (s *ProxyServer) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *ProxyServer) URL() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *ProxyServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	// If request matches any passthrough regexes, send directly to target.
	if s.isPassthrough(r) {
		s.logf("proxy: %s %s: matches passthrough expression, proxying to target", r.Method, r.URL.Path)
		s.proxyToTarget(w, r, true)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.serveGet(w, r)
	default:
		s.serveNonGet(w, r)
	}
}

func (s *ProxyServer) serveGet(w http.ResponseWriter, r *http.Request) {
	// Determine the last write position seen by the client.
	var term, generation uint64
	if cookie, _ := r.Cookie(CheckpointCookieName); cookie != nil {
		term, generation, _ = ParseCheckpointCookie(cookie.Value)
	}

	// No position or we couldn't parse it. Just send to the target.
	if term == 0 && generation == 0 {
		s.logf("proxy: %s %s: no client checkpoint, proxying to target", r.Method, r.URL.Path)
		s.proxyToTarget(w, r, false)
		return
	}

	// Lookup the shard we use for consistency tracking.
	// If the index hasn't been created yet, just send to target.
	shard := s.store.Shard(s.IndexName)
	if shard == nil {
		s.logf("proxy: %s %s: no index %q, proxying to target", r.Method, r.URL.Path, s.IndexName)
		s.proxyToTarget(w, r, false)
		return
	}

	// Wait for shard to catch up to the client's position.
	ticker := time.NewTicker(s.PollCheckpointInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithTimeout(r.Context(), s.PollCheckpointTimeout)
	defer cancel()

LOOP:
	for {
		if cp := shard.Checkpoint(); checkpointAtOrAhead(cp, term, generation) {
			s.logf("proxy: %s %s: index %q at %s, proxying to target", r.Method, r.URL.Path, s.IndexName, cp)
			break LOOP
		}

		select {
		case <-ctx.Done():
			s.logf("proxy: %s %s: index %q behind client position %s, proxy timeout",
				r.Method, r.URL.Path, s.IndexName, FormatCheckpointCookie(term, generation))
			http.Error(w, "Proxy timeout", http.StatusGatewayTimeout)
			return
		case <-ticker.C:
		}
	}

	// Send request to the target once we've caught up to the last write seen.
	s.proxyToTarget(w, r, false)
}

func (s *ProxyServer) serveNonGet(w http.ResponseWriter, r *http.Request) {
	// If this is the primary, send the request to the target.
	if s.store.IsPrimary() {
		s.logf("proxy: %s %s: node is primary, proxying to target", r.Method, r.URL.Path)
		s.proxyToTarget(w, r, false)
		return
	}

	// Look up the hostname of the primary. If there's no primary info then
	// go ahead and send the request
	info := s.store.PrimaryInfo()
	if info == nil {
		s.logf("proxy: %s %s: no primary available, proxying to target", r.Method, r.URL.Path)
		s.proxyToTarget(w, r, false)
		return
	}

	// If this is a replica, mark the response so the routing layer can
	// replay the request against the primary.
	w.Header().Set(PrimaryHeaderName, info.Hostname)
}

func (s *ProxyServer) proxyToTarget(w http.ResponseWriter, r *http.Request, passthrough bool) {
	// Update request URL to target server.
	r.URL.Scheme = "http"
	r.URL.Host = s.Target

	resp, err := http.DefaultTransport.RoundTrip(r)
	if err != nil {
		http.Error(w, "Proxy error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Inject cookie if this is a write and we're not ignoring consistency tracking.
	if !passthrough && r.Method != http.MethodGet {
		if shard := s.store.Shard(s.IndexName); shard != nil {
			cp := shard.Checkpoint()
			value := FormatCheckpointCookie(cp.PrimaryTerm, cp.Generation)
			s.logf("proxy: %s %s: setting checkpoint cookie to %s", r.Method, r.URL.Path, value)
			http.SetCookie(w, &http.Cookie{
				Name:     CheckpointCookieName,
				Value:    value,
				Expires:  time.Now().Add(s.CookieExpiry),
				HttpOnly: true,
			})
		}
	}

	// Copy response headers
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	// Set response code and copy the body.
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("http: proxy response error: %s", err)
		return
	}
}

// isPassthrough returns true if request matches any of the passthrough expressions.
func (s *ProxyServer) isPassthrough(r *http.Request) bool {
	for _, re := range s.Passthroughs {
		if re.MatchString(r.URL.Path) {
			return true
		}
	}
	return false
}

// logf logs if debug logging is enabled.
func (s *ProxyServer) logf(format string, v ...any) {
	if s.Debug {
		log.Printf(format, v...)
	}
}

// FormatCheckpointCookie renders a primary term & generation as the cookie value.
func FormatCheckpointCookie(term, generation uint64) string {
	return fmt.Sprintf("%016x/%016x", term, generation)
}

// ParseCheckpointCookie parses a cookie value written by FormatCheckpointCookie.
func ParseCheckpointCookie(value string) (term, generation uint64, err error) {
	if _, err := fmt.Sscanf(value, "%016x/%016x", &term, &generation); err != nil {
		return 0, 0, fmt.Errorf("invalid checkpoint cookie: %q", value)
	}
	return term, generation, nil
}

// checkpointAtOrAhead returns true once cp has reached the client's position.
func checkpointAtOrAhead(cp segrep.Checkpoint, term, generation uint64) bool {
	if cp.PrimaryTerm != term {
		return cp.PrimaryTerm > term
	}
	return cp.Generation >= generation
}
