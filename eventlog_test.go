package segrep_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/searchfly/segrep"
)

func TestEventLog(t *testing.T) {
	log, err := segrep.OpenEventLog(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = log.Close() }()

	now := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		if err := log.Append(segrep.ReplicationEvent{
			Role:          "source",
			ReplicationID: segrep.ReplicationID(i + 1),
			Shard:         "products/abc123[0]",
			Node:          "node2",
			AllocationID:  "alloc2",
			State:         "completed",
			Files:         2,
			Bytes:         1000,
			StartedAt:     now,
			EndedAt:       now.Add(time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Newest first.
	events, err := log.Events(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(events), 2; got != want {
		t.Fatalf("event count=%d, want %d", got, want)
	}
	if got, want := events[0].ReplicationID, segrep.ReplicationID(3); got != want {
		t.Fatalf("ReplicationID=%d, want %d", got, want)
	}
	if got, want := events[0].State, "completed"; got != want {
		t.Fatalf("State=%q, want %q", got, want)
	}

	// Zero limit returns everything.
	if events, err = log.Events(context.Background(), 0); err != nil {
		t.Fatal(err)
	} else if got, want := len(events), 3; got != want {
		t.Fatalf("event count=%d, want %d", got, want)
	}
}

func TestEventLog_Errors(t *testing.T) {
	log, err := segrep.OpenEventLog(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = log.Close() }()

	if err := log.Append(segrep.ReplicationEvent{
		Role:          "target",
		ReplicationID: 1,
		Shard:         "products/abc123[0]",
		Node:          "http://node1:20202",
		AllocationID:  "alloc2",
		State:         "failed",
		Error:         "get segment files: connection refused",
		StartedAt:     time.Now(),
		EndedAt:       time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	events, err := log.Events(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := events[0].Error, "get segment files: connection refused"; got != want {
		t.Fatalf("Error=%q, want %q", got, want)
	}
}
