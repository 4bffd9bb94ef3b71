package testingutil

import (
	"database/sql"
	"hash/crc32"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/searchfly/segrep"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// OpenSQLDB opens a connection to a SQLite database.
func OpenSQLDB(tb testing.TB, dsn string) *sql.DB {
	tb.Helper()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		tb.Fatal(err)
	}

	tb.Cleanup(func() {
		if err := db.Close(); err != nil {
			tb.Fatal(err)
		}
	})

	return db
}

// GenerateSegmentData returns n pseudo-random bytes and their metadata.
// The same seed always yields the same bytes.
func GenerateSegmentData(tb testing.TB, name string, n int, seed int64) ([]byte, segrep.FileMetadata) {
	tb.Helper()

	data := make([]byte, n)
	rnd := rand.New(rand.NewSource(seed))
	if _, err := rnd.Read(data); err != nil {
		tb.Fatal(err)
	}

	return data, segrep.FileMetadata{
		Name:     name,
		Size:     int64(n),
		Checksum: crc32.Checksum(data, crcTable),
	}
}

// WriteSegmentFile writes data into dir under name and returns its metadata.
func WriteSegmentFile(tb testing.TB, dir, name string, data []byte) segrep.FileMetadata {
	tb.Helper()

	if err := os.MkdirAll(dir, 0o777); err != nil {
		tb.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o666); err != nil {
		tb.Fatal(err)
	}

	return segrep.FileMetadata{
		Name:     name,
		Size:     int64(len(data)),
		Checksum: crc32.Checksum(data, crcTable),
	}
}

// Checksum returns the CRC32-Castagnoli checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// RetryUntil calls fn every interval until it returns nil or a timeout elapses.
func RetryUntil(tb testing.TB, interval, timeout time.Duration, fn func() error) {
	tb.Helper()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	for {
		if err = fn(); err == nil {
			return
		}

		select {
		case <-timer.C:
			tb.Fatalf("timeout: %s", err)
		case <-ticker.C:
		}
	}
}
