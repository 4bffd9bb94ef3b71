package http_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/searchfly/segrep"
	segrephttp "github.com/searchfly/segrep/http"
	"github.com/searchfly/segrep/internal/testingutil"
	"github.com/searchfly/segrep/mock"
)

// newOpenStore returns an opened store in a temp directory. Without a leaser
// the store runs as a defacto primary.
func newOpenStore(tb testing.TB) *segrep.Store {
	tb.Helper()

	store := segrep.NewStore(tb.TempDir(), true)
	store.SkipSync = true
	store.Client = &mock.Client{}
	if err := store.Open(); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := store.Close(); err != nil {
			tb.Fatal(err)
		}
	})
	return store
}

// newOpenServer starts an API server for store on an ephemeral port.
func newOpenServer(tb testing.TB, store *segrep.Store) *segrephttp.Server {
	tb.Helper()

	s := segrephttp.NewServer(store, ":0")
	if err := s.Listen(); err != nil {
		tb.Fatal(err)
	}
	s.Serve()
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

// commitSegmentFiles stages generated files on the shard & commits them.
func commitSegmentFiles(tb testing.TB, shard *segrep.IndexShard, names []string, seed int64, merged bool) segrep.Checkpoint {
	tb.Helper()

	for i, name := range names {
		data, _ := testingutil.GenerateSegmentData(tb, name, 1000+i, seed+int64(i))
		if _, err := shard.StageFile(name, bytes.NewReader(data)); err != nil {
			tb.Fatal(err)
		}
	}
	cp, err := shard.Commit(context.Background(), merged)
	if err != nil {
		tb.Fatal(err)
	}
	return cp
}

func TestServer_Info(t *testing.T) {
	store := newOpenStore(t)
	server := newOpenServer(t, store)

	shard, err := store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	commitSegmentFiles(t, shard, []string{"_0.seg"}, 1, false)

	info, err := segrephttp.NewClient().Info(context.Background(), server.URL())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.ID, store.ID(); got != want {
		t.Fatalf("id=%q, want %q", got, want)
	}
	if got, want := info.IsPrimary, true; got != want {
		t.Fatalf("is_primary=%v, want %v", got, want)
	}
	if got, want := len(info.Shards), 1; got != want {
		t.Fatalf("shards=%d, want %d", got, want)
	} else if got, want := info.Shards[0].Index, "products"; got != want {
		t.Fatalf("shard index=%q, want %q", got, want)
	}
}

func TestServer_ImportExport(t *testing.T) {
	store := newOpenStore(t)
	server := newOpenServer(t, store)
	client := segrephttp.NewClient()

	data0, _ := testingutil.GenerateSegmentData(t, "_0.seg", 1000, 1)
	data1, _ := testingutil.GenerateSegmentData(t, "_1.seg", 2000, 2)

	// Build an archive of two segment files & import it. The index is
	// created implicitly.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"_0.seg", data0},
		{"_1.seg", data1},
	} {
		if err := tw.WriteHeader(&tar.Header{Name: f.name, Mode: 0o666, Size: int64(len(f.data))}); err != nil {
			t.Fatal(err)
		} else if _, err := tw.Write(f.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := client.Import(context.Background(), server.URL(), "products", false, &buf); err != nil {
		t.Fatal(err)
	}

	shard := store.Shard("products")
	if shard == nil {
		t.Fatal("expected shard after import")
	}
	cp := shard.Checkpoint()
	if got, want := cp.Generation, uint64(1); got != want {
		t.Fatalf("generation=%d, want %d", got, want)
	}
	if got, want := len(cp.Files), 2; got != want {
		t.Fatalf("files=%d, want %d", got, want)
	}

	// Export the index & verify the archive round-trips.
	rc, err := client.Export(context.Background(), server.URL(), "products")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rc.Close() }()

	want := map[string][]byte{"_0.seg": data0, "_1.seg": data1}
	tr := tar.NewReader(rc)

	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	} else if got, want := hdr.Name, "manifest"; got != want {
		t.Fatalf("first entry=%q, want %q", got, want)
	}

	var n int
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, want[hdr.Name]) {
			t.Fatalf("unexpected data for %q", hdr.Name)
		}
		n++
	}
	if got, want := n, 2; got != want {
		t.Fatalf("exported files=%d, want %d", got, want)
	}

	if _, err := client.Export(context.Background(), server.URL(), "nosuchindex"); err == nil {
		t.Fatal("expected error")
	}
}

// Full replication round-trip between two nodes: the target asks the source
// for checkpoint info, pulls the missing files over chunked sub-requests into
// its own API server, and finalizes the copied checkpoint.
func TestServer_Replication(t *testing.T) {
	store0 := newOpenStore(t)
	server0 := newOpenServer(t, store0)

	store1 := newOpenStore(t)
	server1 := newOpenServer(t, store1)

	shard0, err := store0.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	commitSegmentFiles(t, shard0, []string{"_0.seg", "_1.seg"}, 1, false)

	shard1, err := store1.ForceCreateIndex("products", shard0.ID().UUID)
	if err != nil {
		t.Fatal(err)
	}

	id := segrep.NextReplicationID()
	if err := store1.RegisterInbound(id, shard1); err != nil {
		t.Fatal(err)
	}

	client := segrephttp.NewClient()
	node := segrep.RemoteNode{ID: store1.ID(), URL: server1.URL()}

	resp, err := client.GetCheckpointInfo(context.Background(), server0.URL(), segrep.CheckpointInfoRequest{
		ReplicationID: id,
		Node:          node,
		AllocationID:  shard1.AllocationID(),
		ShardID:       shard0.ID(),
		Checkpoint:    shard1.Checkpoint(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := resp.Checkpoint, shard0.Checkpoint(); !reflect.DeepEqual(got, want) {
		t.Fatalf("checkpoint=%#v, want %#v", got, want)
	}

	files := resp.Checkpoint.Diff(shard1.Checkpoint())
	if got, want := len(files), 2; got != want {
		t.Fatalf("missing files=%d, want %d", got, want)
	}

	filesResp, err := client.GetSegmentFiles(context.Background(), server0.URL(), segrep.GetSegmentFilesRequest{
		ReplicationID: id,
		Node:          node,
		AllocationID:  shard1.AllocationID(),
		ShardID:       shard0.ID(),
		Checkpoint:    resp.Checkpoint,
		Files:         files,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(filesResp.Files), 2; got != want {
		t.Fatalf("sent files=%d, want %d", got, want)
	}

	if err := shard1.FinalizeReplication(resp.Checkpoint, resp.Infos); err != nil {
		t.Fatal(err)
	}
	if got, want := shard1.Checkpoint(), resp.Checkpoint; !reflect.DeepEqual(got, want) {
		t.Fatalf("target checkpoint=%s, want %s", got, want)
	}

	// Copied segment data must match the source bytes.
	data0, _ := testingutil.GenerateSegmentData(t, "_0.seg", 1000, 1)
	f, err := shard1.OpenSegmentFile("_0.seg")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	if data, err := io.ReadAll(f); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, data0) {
		t.Fatal("unexpected segment data after replication")
	}
}

func TestServer_VisibleCheckpoint(t *testing.T) {
	store := newOpenStore(t)
	server := newOpenServer(t, store)

	shard, err := store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	cp := commitSegmentFiles(t, shard, []string{"_0.seg"}, 1, false)

	err = segrephttp.NewClient().UpdateVisibleCheckpoint(context.Background(), server.URL(), segrep.UpdateVisibleCheckpointRequest{
		ShardID:      shard.ID(),
		AllocationID: "alloc2",
		Checkpoint:   cp,
	})
	if err != nil {
		t.Fatal(err)
	}

	if visible, ok := shard.VisibleCheckpoint("alloc2"); !ok {
		t.Fatal("expected visible checkpoint")
	} else if got, want := visible, cp; !reflect.DeepEqual(got, want) {
		t.Fatalf("visible=%s, want %s", got, want)
	}
}

func TestServer_Stream(t *testing.T) {
	store := newOpenStore(t)
	server := newOpenServer(t, store)

	shard, err := store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	cp0 := commitSegmentFiles(t, shard, []string{"_0.seg"}, 1, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := segrephttp.NewClient().Stream(ctx, server.URL(), segrep.StreamHello{
		Node:        segrep.RemoteNode{ID: "node2", URL: "http://node2"},
		Allocations: map[string]string{"products": "alloc2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rc.Close() }()

	// The index is announced first since the hello carried no checkpoints.
	frame, err := segrep.ReadStreamFrame(rc)
	if err != nil {
		t.Fatal(err)
	} else if f, ok := frame.(*segrep.IndexStreamFrame); !ok {
		t.Fatalf("frame=%T, want IndexStreamFrame", frame)
	} else if got, want := f.Index, "products"; got != want {
		t.Fatalf("index=%q, want %q", got, want)
	} else if got, want := f.UUID, shard.ID().UUID; got != want {
		t.Fatalf("uuid=%q, want %q", got, want)
	}

	frame, err = segrep.ReadStreamFrame(rc)
	if err != nil {
		t.Fatal(err)
	} else if f, ok := frame.(*segrep.CheckpointStreamFrame); !ok {
		t.Fatalf("frame=%T, want CheckpointStreamFrame", frame)
	} else if got, want := f.Checkpoint, cp0; !reflect.DeepEqual(got, want) {
		t.Fatalf("checkpoint=%s, want %s", got, want)
	} else if got, want := f.Merged, false; got != want {
		t.Fatalf("merged=%v, want %v", got, want)
	}

	// A merged commit is announced with the merged flag set.
	cp1 := commitSegmentFiles(t, shard, []string{"_2.seg"}, 2, true)

	frame, err = segrep.ReadStreamFrame(rc)
	if err != nil {
		t.Fatal(err)
	} else if f, ok := frame.(*segrep.CheckpointStreamFrame); !ok {
		t.Fatalf("frame=%T, want CheckpointStreamFrame", frame)
	} else if got, want := f.Checkpoint, cp1; !reflect.DeepEqual(got, want) {
		t.Fatalf("checkpoint=%s, want %s", got, want)
	} else if got, want := f.Merged, true; got != want {
		t.Fatalf("merged=%v, want %v", got, want)
	}

	// The replica must now be registered on the primary.
	if _, ok := store.InSyncIDs("products")["alloc2"]; !ok {
		t.Fatal("expected connected replica allocation")
	}
}

func TestServer_Stream_SelfConnect(t *testing.T) {
	store := newOpenStore(t)
	server := newOpenServer(t, store)

	_, err := segrephttp.NewClient().Stream(context.Background(), server.URL(), segrep.StreamHello{
		Node: segrep.RemoteNode{ID: store.ID(), URL: server.URL()},
	})
	var e *segrephttp.RemoteError
	if !errors.As(err, &e) {
		t.Fatalf("err=%v, want *http.RemoteError", err)
	} else if got, want := e.StatusCode, 400; got != want {
		t.Fatalf("status=%d, want %d", got, want)
	}
}

func TestServer_MergedSegmentFiles_NotPrimary(t *testing.T) {
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
	defer func() { _ = store.Close() }()

	server := newOpenServer(t, store)

	// A post-merge copy served by a non-primary node must be rejected before
	// the registry is consulted.
	_, err := segrephttp.NewClient().GetMergedSegmentFiles(context.Background(), server.URL(), segrep.GetSegmentFilesRequest{
		ReplicationID: 42,
	})
	var e *segrephttp.RemoteError
	if !errors.As(err, &e) {
		t.Fatalf("err=%v, want *http.RemoteError", err)
	} else if got, want := e.StatusCode, 503; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	} else if !strings.Contains(e.Msg, "not a started primary") {
		t.Fatalf("unexpected error message: %q", e.Msg)
	}
}
