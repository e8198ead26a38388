package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.framelog")

	rec, err := NewFrameRecorder(path)
	if err != nil {
		t.Fatalf("NewFrameRecorder: %v", err)
	}
	want := make([]*SensorFrame, 3)
	for i := range want {
		f := testFrame(4, 4, float32(1+i))
		f.Timestamp = time.Unix(int64(2000+i), 0)
		want[i] = f
		if err := rec.Record(f); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	if rec.Frames() != 3 {
		t.Fatalf("recorded = %d, want 3", rec.Frames())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src := NewReplaySource(path, 0) // unpaced
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := collectFrames(t, src)

	if len(got) != 3 {
		t.Fatalf("replayed = %d frames, want 3", len(got))
	}
	for i, f := range got {
		if !f.Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want[i].Timestamp)
		}
		if f.Depth.Values[0] != want[i].Depth.Values[0] {
			t.Errorf("frame %d depth = %v, want %v", i, f.Depth.Values[0], want[i].Depth.Values[0])
		}
		if !f.Valid() {
			t.Errorf("frame %d invalid after round trip", i)
		}
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestReplaySourceMissingFile(t *testing.T) {
	src := NewReplaySource(filepath.Join(t.TempDir(), "absent.framelog"), 0)
	if err := src.Start(context.Background()); err == nil {
		t.Fatal("Start should fail for a missing frame log")
	}
}

func TestReplaySourceTruncatedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.framelog")
	rec, err := NewFrameRecorder(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Record(testFrame(4, 4, 2.0)); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	// Garbage after the valid stream: playback delivers what it can and
	// ends cleanly.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("trailing junk")); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	src := NewReplaySource(path, 0)
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := collectFrames(t, src)
	if len(got) != 1 {
		t.Errorf("replayed = %d frames, want 1", len(got))
	}
}
