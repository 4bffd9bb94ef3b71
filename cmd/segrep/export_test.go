package main_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	main "github.com/searchfly/segrep/cmd/segrep"
	"github.com/searchfly/segrep/internal/testingutil"
)

// Ensure a snapshot of an index can be exported to a local directory.
func TestExportCommand(t *testing.T) {
	m0 := runRunCommand(t, newRunCommand(t, t.TempDir(), nil))

	shard, err := m0.Store.CreateIndex("products")
	if err != nil {
		t.Fatal(err)
	}
	commitSegmentFiles(t, shard, []string{"_0.seg", "_1.seg"}, 1, false)

	dir := filepath.Join(t.TempDir(), "out")
	cmd := main.NewExportCommand()
	cmd.URL = m0.HTTPServer.URL()
	cmd.Index = "products"
	cmd.Path = dir
	if err := cmd.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The snapshot manifest is exported alongside the segment files.
	if _, err := os.Stat(filepath.Join(dir, "manifest")); err != nil {
		t.Fatal(err)
	}

	for i, name := range []string{"_0.seg", "_1.seg"} {
		want, _ := testingutil.GenerateSegmentData(t, name, 1000+i, 1+int64(i))
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("unexpected data for %q", name)
		}
	}
}

// Ensure exporting a missing index returns an error.
func TestExportCommand_ErrIndexNotFound(t *testing.T) {
	m0 := runRunCommand(t, newRunCommand(t, t.TempDir(), nil))

	cmd := main.NewExportCommand()
	cmd.URL = m0.HTTPServer.URL()
	cmd.Index = "nosuchindex"
	cmd.Path = filepath.Join(t.TempDir(), "out")
	if err := cmd.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
