package main_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/searchfly/segrep"
	main "github.com/searchfly/segrep/cmd/segrep"
	"github.com/searchfly/segrep/http"
	"github.com/searchfly/segrep/internal/testingutil"
)

// newRunCommand returns a run command configured with a static lease. If peer
// is set, the command is configured as a replica of it.
func newRunCommand(tb testing.TB, dir string, peer *main.RunCommand) *main.RunCommand {
	tb.Helper()

	cmd := main.NewRunCommand()
	cmd.Config.Data.Dir = filepath.Join(dir, "data")
	cmd.Config.HTTP.Addr = ":0"
	cmd.Config.Lease.Type = "static"
	cmd.Config.Lease.Hostname = "primaryhost"
	cmd.AdvertiseURLFn = func() string {
		return fmt.Sprintf("http://localhost:%d", cmd.HTTPServer.Port())
	}

	if peer == nil {
		cmd.Config.Lease.Candidate = true
	} else {
		cmd.Config.Lease.Candidate = false
		cmd.Config.Lease.AdvertiseURL = peer.HTTPServer.URL()
	}
	return cmd
}

func runRunCommand(tb testing.TB, cmd *main.RunCommand) *main.RunCommand {
	tb.Helper()

	if err := cmd.Run(context.Background()); err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := cmd.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			tb.Logf("cannot close run command: %s", err)
		}
	})
	return cmd
}

// waitForSync waits for every node to reach the same checkpoint for an index.
func waitForSync(tb testing.TB, index string, cmds ...*main.RunCommand) {
	tb.Helper()

	testingutil.RetryUntil(tb, 1*time.Millisecond, 10*time.Second, func() error {
		tb.Helper()

		shard0 := cmds[0].Store.Shard(index)
		if shard0 == nil {
			return fmt.Errorf("no shard on node[0]")
		}

		cp := shard0.Checkpoint()
		for i, cmd := range cmds {
			shard := cmd.Store.Shard(index)
			if shard == nil {
				return fmt.Errorf("no shard on node[%d]", i)
			}
			if got, want := shard.Checkpoint(), cp; !reflect.DeepEqual(got, want) {
				return fmt.Errorf("waiting for sync on node[%d]: got=%s, want=%s", i, got, want)
			}
		}
		return nil
	})
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

func TestRunCommand_Validate(t *testing.T) {
	t.Run("ErrDataDirectoryRequired", func(t *testing.T) {
		cmd := main.NewRunCommand()
		if err := cmd.Run(context.Background()); err == nil || err.Error() != `data directory required` {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrInvalidLeaseType", func(t *testing.T) {
		cmd := main.NewRunCommand()
		cmd.Config.Data.Dir = t.TempDir()
		cmd.Config.Lease.Type = "zookeeper"
		if err := cmd.Run(context.Background()); err == nil || !strings.Contains(err.Error(), `invalid lease type`) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRunCommand_SingleNode(t *testing.T) {
	cmd := runRunCommand(t, newRunCommand(t, t.TempDir(), nil))

	if !cmd.Store.IsPrimary() {
		t.Fatal("expected node to become primary")
	}

	shard, err := cmd.Store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	cp := commitSegmentFiles(t, shard, []string{"_0.seg"}, 1, false)

	info, err := http.NewClient().Info(context.Background(), cmd.HTTPServer.URL())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.IsPrimary, true; got != want {
		t.Fatalf("is_primary=%v, want %v", got, want)
	}
	if got, want := len(info.Shards), 1; got != want {
		t.Fatalf("shards=%d, want %d", got, want)
	}
	if got, want := info.Shards[0].Checkpoint.Generation, cp.Generation; got != want {
		t.Fatalf("generation=%d, want %d", got, want)
	}
}

func TestMultiNode_Replication(t *testing.T) {
	cmd0 := runRunCommand(t, newRunCommand(t, t.TempDir(), nil))

	shard0, err := cmd0.Store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	commitSegmentFiles(t, shard0, []string{"_0.seg", "_1.seg"}, 1, false)

	cmd1 := newRunCommand(t, t.TempDir(), cmd0)
	cmd1.Config.Data.EventLogPath = filepath.Join(t.TempDir(), "events.db")
	runRunCommand(t, cmd1)
	waitForSync(t, "products", cmd0, cmd1)

	// Replicated segment bytes must match the source.
	data0, _ := testingutil.GenerateSegmentData(t, "_0.seg", 1000, 1)
	shard1 := cmd1.Store.Shard("products")
	f, err := shard1.OpenSegmentFile("_0.seg")
	if err != nil {
		t.Fatal(err)
	}
	if data, err := io.ReadAll(f); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, data0) {
		t.Fatal("unexpected segment data on replica")
	} else if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	// A later commit is picked up by the connected replica.
	commitSegmentFiles(t, shard0, []string{"_2.seg"}, 2, false)
	waitForSync(t, "products", cmd0, cmd1)
	if got, want := len(shard1.Checkpoint().Files), 3; got != want {
		t.Fatalf("replica files=%d, want %d", got, want)
	}

	// A merged commit replaces the replica's segment set.
	commitSegmentFiles(t, shard0, []string{"_3.seg"}, 3, true)
	waitForSync(t, "products", cmd0, cmd1)
	if got, want := len(shard1.Checkpoint().Files), 1; got != want {
		t.Fatalf("replica files after merge=%d, want %d", got, want)
	}

	// The primary tracks the replica's visible checkpoint. The report lands
	// shortly after the replica commits, so retry briefly.
	testingutil.RetryUntil(t, 1*time.Millisecond, 10*time.Second, func() error {
		visible, ok := shard0.VisibleCheckpoint(shard1.AllocationID())
		if !ok {
			return fmt.Errorf("no visible checkpoint on primary")
		}
		if got, want := visible, shard0.Checkpoint(); !reflect.DeepEqual(got, want) {
			return fmt.Errorf("visible=%s, want %s", got, want)
		}
		return nil
	})

	// The replica records its replication events.
	var events []segrep.ReplicationEvent
	testingutil.RetryUntil(t, 1*time.Millisecond, 10*time.Second, func() (err error) {
		if events, err = http.NewClient().Events(context.Background(), cmd1.HTTPServer.URL(), 10); err != nil {
			return err
		} else if len(events) == 0 {
			return fmt.Errorf("no replication events yet")
		}
		return nil
	})
	if got, want := events[0].Role, "target"; got != want {
		t.Fatalf("role=%q, want %q", got, want)
	}
	if got, want := events[0].State, "completed"; got != want {
		t.Fatalf("state=%q, want %q", got, want)
	}
	if events[0].Files == 0 || events[0].Bytes == 0 {
		t.Fatalf("files=%d bytes=%d, want nonzero", events[0].Files, events[0].Bytes)
	}

	// The events command reads the same log without error.
	eventsCmd := main.NewEventsCommand()
	eventsCmd.URL = cmd1.HTTPServer.URL()
	if err := eventsCmd.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestMultiNode_LateJoin(t *testing.T) {
	cmd0 := runRunCommand(t, newRunCommand(t, t.TempDir(), nil))

	shard0, err := cmd0.Store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}

	// Several generations land before the replica ever connects; it must
	// catch up from the announced checkpoint alone.
	commitSegmentFiles(t, shard0, []string{"_0.seg"}, 1, false)
	commitSegmentFiles(t, shard0, []string{"_1.seg"}, 2, false)
	commitSegmentFiles(t, shard0, []string{"_2.seg"}, 3, false)

	cmd1 := runRunCommand(t, newRunCommand(t, t.TempDir(), cmd0))
	waitForSync(t, "products", cmd0, cmd1)

	shard1 := cmd1.Store.Shard("products")
	if got, want := shard1.Checkpoint(), shard0.Checkpoint(); !reflect.DeepEqual(got, want) {
		t.Fatalf("checkpoint=%s, want %s", got, want)
	}
}
