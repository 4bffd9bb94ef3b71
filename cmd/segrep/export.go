package main

import (
	"archive/tar"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/searchfly/segrep/http"
	"github.com/searchfly/segrep/internal"
)

// ExportCommand represents a command to export an index's segment files from
// the cluster into a local directory.
type ExportCommand struct {
	// Target segrep URL
	URL string

	// Name of index on the cluster.
	Index string

	// Directory to export the segment files to.
	Path string
}

// NewExportCommand returns a new instance of ExportCommand.
func NewExportCommand() *ExportCommand {
	return &ExportCommand{
		URL: DefaultURL,
	}
}

// ParseFlags parses the command line flags & config file.
func (c *ExportCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("segrep-export", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "segrep API URL")
	fs.StringVar(&c.Index, "index", "", "index name")
	fs.Usage = func() {
		fmt.Println(`
The export command will download a consistent snapshot of an index's segment
files from the cluster. If the index doesn't exist then an error will be
returned.

Usage:

	segrep export [arguments] PATH

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	} else if fs.NArg() > 1 {
		return fmt.Errorf("too many arguments")
	}

	// Copy first arg as output directory path.
	c.Path = fs.Arg(0)

	return nil
}

// Run executes the command.
func (c *ExportCommand) Run(ctx context.Context) (err error) {
	if c.Index == "" {
		return fmt.Errorf("index name required")
	}

	if err := os.MkdirAll(c.Path, 0o777); err != nil {
		return err
	}

	t := time.Now()

	// Fetch snapshot archive from the server.
	client := http.NewClient()
	r, err := client.Export(ctx, c.URL, c.Index)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	n, err := c.extractArchive(r)
	if err != nil {
		return err
	} else if err := r.Close(); err != nil {
		return err
	}

	// Sync parent directory after all renames.
	if err := internal.Sync(c.Path); err != nil {
		return err
	}

	// Notify user of success and elapsed time.
	fmt.Printf("Export of %d segment file(s) from index %q in %s\n", n, c.Index, time.Since(t))

	return nil
}

// extractArchive writes every regular entry in the tar stream into the output
// directory. Each file is written to a temp path, synced and renamed into
// place so a partial download never leaves a truncated segment behind.
func (c *ExportCommand) extractArchive(r io.Reader) (n int, err error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, err
		} else if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(hdr.Name)
		if name != hdr.Name || strings.HasPrefix(name, ".") {
			return n, fmt.Errorf("invalid archive entry: %q", hdr.Name)
		}

		if err := c.extractFile(name, tr); err != nil {
			return n, fmt.Errorf("extract %s: %w", name, err)
		}
		n++
	}
}

func (c *ExportCommand) extractFile(name string, r io.Reader) error {
	tmpPath := filepath.Join(c.Path, name+".tmp")
	defer func() { _ = os.Remove(tmpPath) }()

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, r); err != nil {
		return err
	}

	// Sync & close file.
	if err := f.Sync(); err != nil {
		return err
	} else if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, filepath.Join(c.Path, name))
}
