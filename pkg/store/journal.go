package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vjranagit/countervane/pkg/types"
)

// Journal is an append-only log of accepted counter increments, used to
// recover ingests that arrived after the last checkpoint.
type Journal struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// journalEntry is a single logged increment.
type journalEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Delta     float64           `json:"delta"`
}

// NewJournal opens a fresh journal segment under dataPath.
func NewJournal(dataPath string) (*Journal, error) {
	journalPath := filepath.Join(dataPath, "journal")
	if err := os.MkdirAll(journalPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{path: journalPath}
	if err := j.openSegment(); err != nil {
		return nil, err
	}

	// Auto-flush once a second so a crash loses at most that much.
	j.flushTimer = time.AfterFunc(1*time.Second, j.autoFlush)

	return j, nil
}

func (j *Journal) openSegment() error {
	filename := filepath.Join(j.path, fmt.Sprintf("journal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	return nil
}

// Append logs one increment.
func (j *Journal) Append(p types.MetricPoint) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.appendLocked(p)
}

// AppendThen logs one increment and runs apply before releasing the journal
// lock. Rotate holds the same lock, so the entry and its application cannot
// end up on opposite sides of a rotation.
func (j *Journal) AppendThen(p types.MetricPoint, apply func()) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(p); err != nil {
		return err
	}
	apply()
	return nil
}

func (j *Journal) appendLocked(p types.MetricPoint) error {
	entry := journalEntry{
		Timestamp: p.Timestamp,
		Name:      p.Name,
		Labels:    p.Labels,
		Delta:     p.Delta,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to journal: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

// Flush flushes buffered entries to disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

func (j *Journal) autoFlush() {
	j.Flush()
	j.mu.Lock()
	if !j.closed {
		j.flushTimer.Reset(1 * time.Second)
	}
	j.mu.Unlock()
}

// Rotate flushes and closes the current segment, opens a fresh one, and
// returns the paths of the closed segments. New appends land in the fresh
// segment, so the returned ones are safe to remove once their entries are
// covered by a checkpoint.
func (j *Journal) Rotate() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return nil, err
	}
	if err := j.file.Close(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(j.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}
	rotated := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rotated = append(rotated, filepath.Join(j.path, entry.Name()))
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return rotated, nil
}

// RemoveSegments deletes rotated-out segments. Missing files are ignored.
func (j *Journal) RemoveSegments(segments []string) error {
	for _, segment := range segments {
		if err := os.Remove(segment); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove journal segment: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	if j.flushTimer != nil {
		j.flushTimer.Stop()
	}

	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// ReplayJournal feeds every logged increment under dataPath to handler in
// file order, removing each segment once replayed.
func ReplayJournal(dataPath string, handler func(types.MetricPoint) error) error {
	journalPath := filepath.Join(dataPath, "journal")

	entries, err := os.ReadDir(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to replay
		}
		return fmt.Errorf("failed to read journal directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := filepath.Join(journalPath, entry.Name())
		if err := replayJournalFile(filename, handler); err != nil {
			return fmt.Errorf("failed to replay %s: %w", filename, err)
		}

		os.Remove(filename)
	}

	return nil
}

func replayJournalFile(filename string, handler func(types.MetricPoint) error) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("failed to unmarshal journal entry: %w", err)
		}

		p := types.MetricPoint{
			Name:      entry.Name,
			Labels:    entry.Labels,
			Delta:     entry.Delta,
			Timestamp: entry.Timestamp,
		}

		if err := handler(p); err != nil {
			return fmt.Errorf("failed to replay entry: %w", err)
		}
	}

	return scanner.Err()
}
