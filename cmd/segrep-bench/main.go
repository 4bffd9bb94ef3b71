package main

import (
	"archive/tar"
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/searchfly/segrep/http"
)

var (
	rawurl         = flag.String("url", "http://localhost:20202", "segrep API URL")
	index          = flag.String("index", "bench", "index name")
	seed           = flag.Int64("seed", 0, "prng seed")
	iter           = flag.Int("iter", 0, "number of commits, unlimited if zero")
	maxFileSize    = flag.Int("max-file-size", 1<<20, "maximum segment file size")
	filesPerCommit = flag.Int("files-per-commit", 4, "segment files per commit")
	commitsPerSec  = flag.Float64("commits-per-sec", 0, "commit rate limit")
	mergedEvery    = flag.Int("merged-every", 0, "replace the segment set every N commits, never if zero")
)

func main() {
	flag.Usage = Usage

	if err := run(context.Background()); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	flag.Parse()
	if flag.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	// Initialize PRNG.
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	fmt.Printf("running segrep-bench: seed=%d\n", *seed)

	client := http.NewClient()

	// Begin monitoring stats.
	go monitor(ctx)

	// Enforce rate limit.
	rate := time.Nanosecond
	if *commitsPerSec > 0 {
		rate = time.Duration(float64(time.Second) / *commitsPerSec)
	}
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	// Execute once for each commit.
	for i := 0; *iter == 0 || i < *iter; i++ {
		rand := rand.New(rand.NewSource(*seed + int64(i)))

		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case <-ticker.C:
			merged := *mergedEvery > 0 && i > 0 && i%*mergedEvery == 0
			if err := runCommitIter(ctx, client, rand, i, merged); err != nil {
				return fmt.Errorf("iter %d: %w", i, err)
			}
		}
	}

	return nil
}

// runCommitIter uploads a single commit of randomly generated segment files.
func runCommitIter(ctx context.Context, client *http.Client, rand *rand.Rand, i int, merged bool) error {
	var buf bytes.Buffer
	var byteN int64

	tw := tar.NewWriter(&buf)
	for j := 0; j < *filesPerCommit; j++ {
		data := make([]byte, rand.Intn(*maxFileSize)+1)
		_, _ = rand.Read(data)

		if err := tw.WriteHeader(&tar.Header{
			Name: fmt.Sprintf("_%d_%d.seg", i, j),
			Mode: 0o666,
			Size: int64(len(data)),
		}); err != nil {
			return fmt.Errorf("write header(%d): %w", j, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("write data(%d): %w", j, err)
		}
		byteN += int64(len(data))
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}

	if err := client.Import(ctx, *rawurl, *index, merged, &buf); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	// Update stats on success.
	statsMu.Lock()
	defer statsMu.Unlock()
	stats.CommitN++
	stats.FileN += *filesPerCommit
	stats.ByteN += byteN

	return nil
}

// monitor periodically prints stats.
func monitor(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	prevTime := time.Now()
	var prev Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsMu.Lock()
			curr := stats
			statsMu.Unlock()

			currTime := time.Now()
			elapsed := currTime.Sub(prevTime).Seconds()

			log.Printf("stats: commits/sec=%0.03f files/sec=%0.03f bytes/sec=%0.03f",
				float64(curr.CommitN-prev.CommitN)/elapsed,
				float64(curr.FileN-prev.FileN)/elapsed,
				float64(curr.ByteN-prev.ByteN)/elapsed,
			)

			prev, prevTime = curr, currTime
		}
	}
}

var statsMu sync.Mutex
var stats Stats

type Stats struct {
	CommitN int
	FileN   int
	ByteN   int64
}

func Usage() {
	fmt.Printf(`
segrep-bench is a tool for simulating commit load against a replication cluster.

It generates commits of random segment files and uploads them to the primary,
which announces each resulting checkpoint to its replicas.

Usage:

	segrep-bench [arguments]

Arguments:

`[1:])
	flag.PrintDefaults()
	fmt.Println()
}
