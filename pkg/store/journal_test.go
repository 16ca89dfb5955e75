package store

import (
	"testing"
	"time"

	"github.com/vjranagit/countervane/pkg/types"
)

func TestJournalAppendAndReplay(t *testing.T) {
	tmpDir := t.TempDir()

	j, err := NewJournal(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}

	points := []types.MetricPoint{
		{Name: "tokens", Labels: map[string]string{"type": "cacheRead"}, Delta: 50000, Timestamp: time.Now()},
		{Name: "tokens", Labels: map[string]string{"type": "cacheCreation"}, Delta: 2000, Timestamp: time.Now()},
	}

	for _, p := range points {
		if err := j.Append(p); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	if err := j.Close(); err != nil {
		t.Fatalf("Failed to close journal: %v", err)
	}

	var replayed []types.MetricPoint
	err = ReplayJournal(tmpDir, func(p types.MetricPoint) error {
		replayed = append(replayed, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}

	if len(replayed) != 2 {
		t.Fatalf("Expected 2 replayed points, got %d", len(replayed))
	}
	if replayed[0].Name != "tokens" || replayed[0].Delta != 50000 {
		t.Errorf("Unexpected first point: %+v", replayed[0])
	}
	if replayed[1].Labels["type"] != "cacheCreation" {
		t.Errorf("Unexpected second point labels: %v", replayed[1].Labels)
	}

	// Replayed segments are removed; a second replay sees nothing.
	count := 0
	err = ReplayJournal(tmpDir, func(types.MetricPoint) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Second replay failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no entries on second replay, got %d", count)
	}
}

func TestJournalReplayMissingDirectory(t *testing.T) {
	err := ReplayJournal(t.TempDir(), func(types.MetricPoint) error {
		t.Fatal("Handler must not be called")
		return nil
	})
	if err != nil {
		t.Errorf("Expected missing journal to be a no-op, got %v", err)
	}
}

func TestJournalRotate(t *testing.T) {
	tmpDir := t.TempDir()

	j, err := NewJournal(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	defer j.Close()

	p := types.MetricPoint{Name: "tokens", Delta: 1, Timestamp: time.Now()}
	if err := j.Append(p); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	rotated, err := j.Rotate()
	if err != nil {
		t.Fatalf("Failed to rotate: %v", err)
	}
	if len(rotated) != 1 {
		t.Fatalf("Expected 1 rotated segment, got %d", len(rotated))
	}

	// Entries appended after the rotation land in the fresh segment and
	// must survive removal of the rotated ones.
	if err := j.Append(types.MetricPoint{Name: "cost", Delta: 2, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Failed to append after rotate: %v", err)
	}
	if err := j.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	if err := j.RemoveSegments(rotated); err != nil {
		t.Fatalf("Failed to remove rotated segments: %v", err)
	}

	var replayed []types.MetricPoint
	err = ReplayJournal(tmpDir, func(p types.MetricPoint) error {
		replayed = append(replayed, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}

	if len(replayed) != 1 {
		t.Fatalf("Expected 1 entry after trimming, got %d", len(replayed))
	}
	if replayed[0].Name != "cost" {
		t.Errorf("Expected post-rotation entry, got %+v", replayed[0])
	}

	// Removing the same segments twice is a no-op.
	if err := j.RemoveSegments(rotated); err != nil {
		t.Errorf("Expected idempotent segment removal, got %v", err)
	}
}

func TestJournalAppendThenAppliesUnderLock(t *testing.T) {
	tmpDir := t.TempDir()

	j, err := NewJournal(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create journal: %v", err)
	}
	defer j.Close()

	applied := false
	p := types.MetricPoint{Name: "tokens", Delta: 3, Timestamp: time.Now()}
	if err := j.AppendThen(p, func() { applied = true }); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if !applied {
		t.Fatal("Expected apply callback to run")
	}

	if err := j.Flush(); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	count := 0
	err = ReplayJournal(tmpDir, func(types.MetricPoint) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 logged entry, got %d", count)
	}
}
