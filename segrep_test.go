package segrep_test

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"testing"

	"github.com/searchfly/segrep"
)

func TestCheckpoint_IsZero(t *testing.T) {
	if !(segrep.Checkpoint{}).IsZero() {
		t.Fatal("expected true")
	}
	if (segrep.Checkpoint{PrimaryTerm: 1}).IsZero() {
		t.Fatal("expected false")
	} else if (segrep.Checkpoint{Generation: 1}).IsZero() {
		t.Fatal("expected false")
	} else if (segrep.Checkpoint{Version: 1}).IsZero() {
		t.Fatal("expected false")
	}
}

func TestCheckpoint_AheadOf(t *testing.T) {
	t.Run("PrimaryTerm", func(t *testing.T) {
		a := segrep.Checkpoint{PrimaryTerm: 2}
		b := segrep.Checkpoint{PrimaryTerm: 1, Generation: 100, Version: 100}
		if !a.AheadOf(b) {
			t.Fatal("expected true")
		} else if b.AheadOf(a) {
			t.Fatal("expected false")
		}
	})
	t.Run("Generation", func(t *testing.T) {
		a := segrep.Checkpoint{PrimaryTerm: 1, Generation: 5}
		b := segrep.Checkpoint{PrimaryTerm: 1, Generation: 4, Version: 100}
		if !a.AheadOf(b) {
			t.Fatal("expected true")
		} else if b.AheadOf(a) {
			t.Fatal("expected false")
		}
	})
	t.Run("Version", func(t *testing.T) {
		a := segrep.Checkpoint{PrimaryTerm: 1, Generation: 1, Version: 2}
		b := segrep.Checkpoint{PrimaryTerm: 1, Generation: 1, Version: 1}
		if !a.AheadOf(b) {
			t.Fatal("expected true")
		} else if b.AheadOf(a) {
			t.Fatal("expected false")
		}
	})
	t.Run("Equal", func(t *testing.T) {
		a := segrep.Checkpoint{PrimaryTerm: 1, Generation: 1, Version: 1}
		if a.AheadOf(a) {
			t.Fatal("expected false")
		}
	})
}

func TestCheckpoint_Equal(t *testing.T) {
	a := segrep.Checkpoint{
		PrimaryTerm: 1, Generation: 2, Version: 3,
		Files: map[string]segrep.FileMetadata{
			"_0.cfs": {Name: "_0.cfs", Size: 100, Checksum: 1234},
		},
	}
	b := segrep.Checkpoint{
		PrimaryTerm: 1, Generation: 2, Version: 3,
		Files: map[string]segrep.FileMetadata{
			"_0.cfs": {Name: "_0.cfs", Size: 100, Checksum: 1234},
		},
	}
	if !a.Equal(b) {
		t.Fatal("expected equal")
	}

	b.Files["_0.cfs"] = segrep.FileMetadata{Name: "_0.cfs", Size: 100, Checksum: 9999}
	if a.Equal(b) {
		t.Fatal("expected not equal on checksum change")
	}

	if a.Equal(segrep.Checkpoint{PrimaryTerm: 1, Generation: 2, Version: 4, Files: a.Files}) {
		t.Fatal("expected not equal on version change")
	}
}

func TestCheckpoint_Diff(t *testing.T) {
	primary := segrep.Checkpoint{
		PrimaryTerm: 1, Generation: 2, Version: 2,
		Files: map[string]segrep.FileMetadata{
			"_0.cfs": {Name: "_0.cfs", Size: 100, Checksum: 1},
			"_1.cfs": {Name: "_1.cfs", Size: 200, Checksum: 2},
			"_2.cfs": {Name: "_2.cfs", Size: 300, Checksum: 3},
		},
	}
	replica := segrep.Checkpoint{
		PrimaryTerm: 1, Generation: 1, Version: 1,
		Files: map[string]segrep.FileMetadata{
			"_0.cfs": {Name: "_0.cfs", Size: 100, Checksum: 1},   // identical, skipped
			"_1.cfs": {Name: "_1.cfs", Size: 200, Checksum: 999}, // different checksum
		},
	}

	got := primary.Diff(replica)
	want := []segrep.FileMetadata{
		{Name: "_1.cfs", Size: 200, Checksum: 2},
		{Name: "_2.cfs", Size: 300, Checksum: 3},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}

	t.Run("Empty", func(t *testing.T) {
		if diff := primary.Diff(primary); len(diff) != 0 {
			t.Fatalf("expected empty diff, got %#v", diff)
		}
	})
}

func TestCheckpoint_String(t *testing.T) {
	cp := segrep.Checkpoint{PrimaryTerm: 1, Generation: 20, Version: 300}
	if got, want := cp.String(), "1/20/300"; got != want {
		t.Fatalf("got=%q, want %q", got, want)
	}
}

func TestShardID_String(t *testing.T) {
	id := segrep.ShardID{Index: "products", UUID: "abc123", Shard: 0}
	if got, want := id.String(), "products/abc123[0]"; got != want {
		t.Fatalf("got=%q, want %q", got, want)
	}
	if got, want := id.ShortString(), "products[0]"; got != want {
		t.Fatalf("got=%q, want %q", got, want)
	}
}

func TestNextReplicationID(t *testing.T) {
	a, b := segrep.NextReplicationID(), segrep.NextReplicationID()
	if a == b {
		t.Fatalf("expected distinct ids, got %d twice", a)
	}
	if b < a {
		t.Fatalf("expected increasing ids, got %d then %d", a, b)
	}
}

func TestReadWriteStreamFrame(t *testing.T) {
	t.Run("IndexStreamFrame", func(t *testing.T) {
		frame := &segrep.IndexStreamFrame{Index: "products", UUID: "abc123"}

		var buf bytes.Buffer
		if err := segrep.WriteStreamFrame(&buf, frame); err != nil {
			t.Fatal(err)
		}
		if other, err := segrep.ReadStreamFrame(&buf); err != nil {
			t.Fatal(err)
		} else if !reflect.DeepEqual(frame, other) {
			t.Fatalf("got %#v, want %#v", other, frame)
		}
	})
	t.Run("CheckpointStreamFrame", func(t *testing.T) {
		frame := &segrep.CheckpointStreamFrame{
			Checkpoint: segrep.Checkpoint{
				ShardID:     segrep.ShardID{Index: "products", UUID: "abc123"},
				PrimaryTerm: 1, Generation: 2, Version: 3,
				Files: map[string]segrep.FileMetadata{
					"_0.cfs": {Name: "_0.cfs", Size: 100, Checksum: 1234},
				},
			},
			Merged: true,
		}

		var buf bytes.Buffer
		if err := segrep.WriteStreamFrame(&buf, frame); err != nil {
			t.Fatal(err)
		}
		if other, err := segrep.ReadStreamFrame(&buf); err != nil {
			t.Fatal(err)
		} else if !reflect.DeepEqual(frame, other) {
			t.Fatalf("got %#v, want %#v", other, frame)
		}
	})
	t.Run("HeartbeatStreamFrame", func(t *testing.T) {
		var buf bytes.Buffer
		if err := segrep.WriteStreamFrame(&buf, &segrep.HeartbeatStreamFrame{}); err != nil {
			t.Fatal(err)
		}
		if frame, err := segrep.ReadStreamFrame(&buf); err != nil {
			t.Fatal(err)
		} else if frame.Type() != segrep.StreamFrameTypeHeartbeat {
			t.Fatalf("unexpected frame type: %d", frame.Type())
		}
	})
	t.Run("EndStreamFrame", func(t *testing.T) {
		var buf bytes.Buffer
		if err := segrep.WriteStreamFrame(&buf, &segrep.EndStreamFrame{}); err != nil {
			t.Fatal(err)
		}
		if frame, err := segrep.ReadStreamFrame(&buf); err != nil {
			t.Fatal(err)
		} else if frame.Type() != segrep.StreamFrameTypeEnd {
			t.Fatalf("unexpected frame type: %d", frame.Type())
		}
	})

	t.Run("ErrEOF", func(t *testing.T) {
		if _, err := segrep.ReadStreamFrame(bytes.NewReader(nil)); err != io.EOF {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
	t.Run("ErrStreamTypeOnly", func(t *testing.T) {
		if _, err := segrep.ReadStreamFrame(bytes.NewReader([]byte{0, 0, 0, 1})); err != io.ErrUnexpectedEOF {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
	t.Run("ErrInvalidStreamType", func(t *testing.T) {
		if _, err := segrep.ReadStreamFrame(bytes.NewReader([]byte{1, 2, 3, 4})); err == nil || err.Error() != `invalid stream frame type: 0x1020304` {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
	t.Run("ErrPartialPayload", func(t *testing.T) {
		if _, err := segrep.ReadStreamFrame(bytes.NewReader([]byte{0, 0, 0, 1, 1, 2})); err != io.ErrUnexpectedEOF {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
	t.Run("ErrWriteType", func(t *testing.T) {
		if err := segrep.WriteStreamFrame(&errWriter{}, &segrep.IndexStreamFrame{}); err == nil || err.Error() != `write error occurred` {
			t.Fatalf("unexpected error: %#v", err)
		}
	})
}

func TestIndexStreamFrame_ReadFrom(t *testing.T) {
	t.Run("ErrUnexpectedEOF", func(t *testing.T) {
		frame := &segrep.IndexStreamFrame{Index: "products", UUID: "abc123"}
		var buf bytes.Buffer
		if _, err := frame.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		for i := 1; i < buf.Len(); i++ {
			var other segrep.IndexStreamFrame
			if _, err := other.ReadFrom(bytes.NewReader(buf.Bytes()[:i])); err != io.EOF && err != io.ErrUnexpectedEOF {
				t.Fatalf("expected error at %d bytes: %s", i, err)
			}
		}
	})
}

func TestCheckpointStreamFrame_ReadFrom(t *testing.T) {
	t.Run("ErrUnexpectedEOF", func(t *testing.T) {
		frame := &segrep.CheckpointStreamFrame{
			Checkpoint: segrep.Checkpoint{PrimaryTerm: 1, Generation: 2, Version: 3},
		}
		var buf bytes.Buffer
		if _, err := frame.WriteTo(&buf); err != nil {
			t.Fatal(err)
		}
		for i := 1; i < buf.Len(); i++ {
			var other segrep.CheckpointStreamFrame
			if _, err := other.ReadFrom(bytes.NewReader(buf.Bytes()[:i])); err != io.ErrUnexpectedEOF {
				t.Fatalf("expected error at %d bytes: %s", i, err)
			}
		}
	})
}

type errWriter struct{ afterN int }

func (w *errWriter) Write(p []byte) (int, error) {
	if w.afterN -= len(p); w.afterN <= 0 {
		return 0, fmt.Errorf("write error occurred")
	}
	return len(p), nil
}
