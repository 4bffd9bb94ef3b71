package http_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/searchfly/segrep"
	segrephttp "github.com/searchfly/segrep/http"
	"github.com/searchfly/segrep/mock"
)

// newOpenProxyServer starts a proxy for store on an ephemeral port, pointed
// at the application server target.
func newOpenProxyServer(tb testing.TB, store *segrep.Store, target string) *segrephttp.ProxyServer {
	tb.Helper()

	ps := segrephttp.NewProxyServer(store)
	ps.Target = strings.TrimPrefix(target, "http://")
	ps.IndexName = "products"
	ps.Addr = ":0"
	if err := ps.Listen(); err != nil {
		tb.Fatal(err)
	}
	ps.Serve()
	tb.Cleanup(func() { _ = ps.Close() })
	return ps
}

func TestProxyServer_Primary(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("myheader", "123")
		w.WriteHeader(201)
		_, _ = w.Write([]byte("primary ok: " + string(body)))
	}))
	defer target.Close()

	store := newOpenStore(t)
	shard, err := store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	cp := commitSegmentFiles(t, shard, []string{"_0.seg"}, 1, false)

	ps := newOpenProxyServer(t, store, target.URL)

	// Writes on the primary are forwarded & tagged with a checkpoint cookie.
	resp, err := http.Post(ps.URL(), "text/html", strings.NewReader("foobar"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got, want := resp.StatusCode, 201; got != want {
		t.Fatalf("status=%d, want %d", got, want)
	}
	if got, want := resp.Header.Get("myheader"), "123"; got != want {
		t.Fatalf("myheader=%q, want %q", got, want)
	}
	if b, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if got, want := string(b), "primary ok: foobar"; got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == segrephttp.CheckpointCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("expected checkpoint cookie")
	}
	if got, want := cookie.Value, segrephttp.FormatCheckpointCookie(cp.PrimaryTerm, cp.Generation); got != want {
		t.Fatalf("cookie=%q, want %q", got, want)
	}
}

func TestProxyServer_Replica(t *testing.T) {
	targetCh := make(chan struct{})
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(targetCh)
	}))
	defer target.Close()

	// A non-candidate store with a static leaser acts as a permanent replica.
	store := segrep.NewStore(t.TempDir(), false)
	store.SkipSync = true
	store.Leaser = segrep.NewStaticLeaser(false, "primaryhost", "http://primaryhost:20202")
	store.Client = &mock.Client{
		StreamFunc: func(ctx context.Context, rawurl string, hello segrep.StreamHello) (io.ReadCloser, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	if err := store.Open(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	ps := newOpenProxyServer(t, store, target.URL)

	// Wait for the monitor to discover the primary.
	for i := 0; store.PrimaryInfo() == nil; i++ {
		if i > 100 {
			t.Fatal("timed out waiting for primary info")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Writes on a replica are bounced back with the primary hostname so the
	// routing layer can replay them.
	resp, err := http.Post(ps.URL(), "text/html", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got, want := resp.Header.Get(segrephttp.PrimaryHeaderName), "primaryhost"; got != want {
		t.Fatalf("%s=%q, want %q", segrephttp.PrimaryHeaderName, got, want)
	}

	select {
	case <-targetCh:
		t.Fatal("should not send request to target")
	default:
	}
}

func TestProxyServer_ReadYourWrites(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer target.Close()

	store := newOpenStore(t)
	shard, err := store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	cp := commitSegmentFiles(t, shard, []string{"_0.seg"}, 1, false)

	ps := newOpenProxyServer(t, store, target.URL)
	ps.PollCheckpointTimeout = 250 * time.Millisecond

	newGet := func(value string) *http.Request {
		req, err := http.NewRequest("GET", ps.URL(), nil)
		if err != nil {
			t.Fatal(err)
		}
		req.AddCookie(&http.Cookie{Name: segrephttp.CheckpointCookieName, Value: value})
		return req
	}

	// A read at the current checkpoint proxies immediately.
	resp, err := http.DefaultClient.Do(newGet(segrephttp.FormatCheckpointCookie(cp.PrimaryTerm, cp.Generation)))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got, want := resp.StatusCode, 200; got != want {
		t.Fatalf("status=%d, want %d", got, want)
	}

	// A read ahead of the local checkpoint times out while the shard lags.
	resp, err = http.DefaultClient.Do(newGet(segrephttp.FormatCheckpointCookie(cp.PrimaryTerm, cp.Generation+1)))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got, want := resp.StatusCode, http.StatusGatewayTimeout; got != want {
		t.Fatalf("status=%d, want %d", got, want)
	}
}

func TestProxyServer_Passthrough(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("static"))
	}))
	defer target.Close()

	store := newOpenStore(t)
	ps := segrephttp.NewProxyServer(store)
	ps.Target = strings.TrimPrefix(target.URL, "http://")
	ps.IndexName = "products"
	ps.Addr = ":0"

	re, err := segrephttp.CompileMatch("/static/*")
	if err != nil {
		t.Fatal(err)
	}
	ps.Passthroughs = append(ps.Passthroughs, re)

	if err := ps.Listen(); err != nil {
		t.Fatal(err)
	}
	ps.Serve()
	defer func() { _ = ps.Close() }()

	// Matching requests skip consistency handling entirely, even writes.
	resp, err := http.Post(ps.URL()+"/static/app.css", "text/html", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if b, err := io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	} else if got, want := string(b), "static"; got != want {
		t.Fatalf("body=%q, want %q", got, want)
	}
	if got, want := len(resp.Cookies()), 0; got != want {
		t.Fatalf("cookies=%d, want %d", got, want)
	}
}

func TestFormatCheckpointCookie(t *testing.T) {
	if got, want := segrephttp.FormatCheckpointCookie(1, 255), "0000000000000001/00000000000000ff"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParseCheckpointCookie(t *testing.T) {
	term, generation, err := segrephttp.ParseCheckpointCookie(segrephttp.FormatCheckpointCookie(7, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := term, uint64(7); got != want {
		t.Fatalf("term=%d, want %d", got, want)
	}
	if got, want := generation, uint64(1000); got != want {
		t.Fatalf("generation=%d, want %d", got, want)
	}

	if _, _, err := segrephttp.ParseCheckpointCookie("bogus"); err == nil {
		t.Fatal("expected error")
	} else if got, want := err.Error(), `invalid checkpoint cookie: "bogus"`; got != want {
		t.Fatalf("err=%q, want %q", got, want)
	}
}
