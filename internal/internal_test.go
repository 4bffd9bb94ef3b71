package internal_test

import (
	"path/filepath"
	"testing"

	"github.com/searchfly/segrep/internal"
)

func TestSync(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		if err := internal.Sync(t.TempDir()); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrNotExist", func(t *testing.T) {
		if err := internal.Sync(filepath.Join(t.TempDir(), "nosuchdir")); err == nil {
			t.Fatal("expected error")
		}
	})
}
