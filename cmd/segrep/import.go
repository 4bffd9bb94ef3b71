package main

import (
	"archive/tar"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/searchfly/segrep/http"
)

// ImportCommand represents a command to import a directory of segment files
// into a cluster as a new commit.
type ImportCommand struct {
	// Target segrep URL
	URL string

	// Name of index on the cluster.
	Index string

	// If true, the commit replaces the current segment set instead of
	// merging into it.
	Merged bool

	// Directory of segment files to be imported.
	Path string
}

// NewImportCommand returns a new instance of ImportCommand.
func NewImportCommand() *ImportCommand {
	return &ImportCommand{
		URL: DefaultURL,
	}
}

// ParseFlags parses the command line flags & config file.
func (c *ImportCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("segrep-import", flag.ContinueOnError)
	fs.StringVar(&c.URL, "url", DefaultURL, "segrep API URL")
	fs.StringVar(&c.Index, "index", "", "index name")
	fs.BoolVar(&c.Merged, "merged", false, "replace the current segment set")
	fs.Usage = func() {
		fmt.Println(`
The import command will upload a directory of segment files to the cluster
primary as a single commit. If the named index doesn't exist, it will be
created. The new checkpoint is announced to replicas once the commit succeeds.

Usage:

	segrep import [arguments] PATH

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

	// Copy first arg as segment directory path.
	c.Path = fs.Arg(0)

	return nil
}

// Run executes the command.
func (c *ImportCommand) Run(ctx context.Context) (err error) {
	if c.Index == "" {
		return fmt.Errorf("index name required")
	}

	ents, err := os.ReadDir(c.Path)
	if err != nil {
		return err
	}

	var names []string
	for _, ent := range ents {
		if ent.Type().IsRegular() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		return fmt.Errorf("no segment files found in %s", c.Path)
	}

	t := time.Now()

	// Stream the directory as a tar archive while the upload runs.
	pr, pw := io.Pipe()
	go func() { _ = pw.CloseWithError(c.writeArchive(pw, names)) }()

	client := http.NewClient()
	if err := client.Import(ctx, c.URL, c.Index, c.Merged, pr); err != nil {
		return err
	}

	// Notify user of success and elapsed time.
	fmt.Printf("Import of %d segment file(s) into index %q in %s\n", len(names), c.Index, time.Since(t))

	return nil
}

func (c *ImportCommand) writeArchive(w io.Writer, names []string) error {
	tw := tar.NewWriter(w)
	for _, name := range names {
		if err := c.writeArchiveFile(tw, name); err != nil {
			return fmt.Errorf("archive %s: %w", name, err)
		}
	}
	return tw.Close()
}

func (c *ImportCommand) writeArchiveFile(tw *tar.Writer, name string) error {
	f, err := os.Open(filepath.Join(c.Path, name))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o666,
		Size: fi.Size(),
	}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
