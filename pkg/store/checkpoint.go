package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/countervane/pkg/types"
)

var checkpointPrefix = []byte("series/")

// Checkpoint persists the store's current counter state in BadgerDB so
// counters survive restarts. Payloads are zstd-compressed JSON.
type Checkpoint struct {
	db         *badger.DB
	compressor *compressor

	done chan struct{}
	wg   sync.WaitGroup
}

// seriesPayload is the stored form of one series.
type seriesPayload struct {
	Name       string            `json:"name"`
	Labels     map[string]string `json:"labels,omitempty"`
	Value      float64           `json:"value"`
	Created    time.Time         `json:"created"`
	LastUpdate time.Time         `json:"last_update"`
}

// NewCheckpoint opens the checkpoint database under dataPath.
func NewCheckpoint(dataPath string, compressionLevel int) (*Checkpoint, error) {
	opts := badger.DefaultOptions(filepath.Join(dataPath, "badger"))
	opts.Logger = nil // disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	comp, err := newCompressor(compressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &Checkpoint{
		db:         db,
		compressor: comp,
		done:       make(chan struct{}),
	}, nil
}

// Save writes every live series to the database and drops entries for
// series that no longer exist. Each entry holds all series sharing one
// fingerprint, so a hash collision cannot shadow a series.
func (c *Checkpoint) Save(st *Store) error {
	payloads := make(map[uint64][]seriesPayload)
	for snap := range st.Query("", nil) {
		fp := snap.Key().Fingerprint()
		payloads[fp] = append(payloads[fp], seriesPayload{
			Name:       snap.Name,
			Labels:     snap.Labels.Map(),
			Value:      snap.Value,
			Created:    snap.Created,
			LastUpdate: snap.LastUpdate,
		})
	}

	live := make(map[uint64][]byte, len(payloads))
	for fp, chain := range payloads {
		data, err := json.Marshal(chain)
		if err != nil {
			return fmt.Errorf("failed to marshal series payload: %w", err)
		}
		live[fp] = c.compressor.compress(data)
	}

	// Drop keys for series removed since the last checkpoint.
	var stale [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: checkpointPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			fp, ok := parseCheckpointKey(key)
			if !ok {
				stale = append(stale, key)
				continue
			}
			if _, alive := live[fp]; !alive {
				stale = append(stale, key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan checkpoint keys: %w", err)
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to delete stale key: %w", err)
		}
	}
	for fp, value := range live {
		if err := wb.Set(checkpointKey(fp), value); err != nil {
			return fmt.Errorf("failed to write series: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	return nil
}

// Load restores every checkpointed series into the store.
func (c *Checkpoint) Load(st *Store) (int, error) {
	restored := 0

	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         checkpointPrefix,
			PrefetchValues: true,
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var chain []seriesPayload
			err := it.Item().Value(func(val []byte) error {
				data, err := c.compressor.decompress(val)
				if err != nil {
					return err
				}
				return json.Unmarshal(data, &chain)
			})
			if err != nil {
				return fmt.Errorf("failed to read series payload: %w", err)
			}

			for _, payload := range chain {
				st.Restore(types.Series{
					Name:       payload.Name,
					Labels:     types.NewLabelSet(payload.Labels),
					Value:      payload.Value,
					Created:    payload.Created,
					LastUpdate: payload.LastUpdate,
				})
				restored++
			}
		}
		return nil
	})
	if err != nil {
		return restored, err
	}

	return restored, nil
}

// SaveAndRotate writes a checkpoint and trims the journal. The journal is
// rotated first so increments accepted while the save runs keep landing in a
// live segment; only the rotated-out segments are removed, and only after
// the save succeeds. A failed save leaves them in place for replay.
func (c *Checkpoint) SaveAndRotate(st *Store, journal *Journal) error {
	var rotated []string
	if journal != nil {
		var err error
		rotated, err = journal.Rotate()
		if err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	if err := c.Save(st); err != nil {
		return err
	}

	if journal != nil {
		if err := journal.RemoveSegments(rotated); err != nil {
			return err
		}
	}
	return nil
}

// Start launches periodic checkpointing over st and journal (which may be
// nil when journaling is disabled).
func (c *Checkpoint) Start(st *Store, journal *Journal, interval time.Duration, logger *slog.Logger) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.SaveAndRotate(st, journal); err != nil {
					logger.Error("checkpoint failed", "err", err)
					continue
				}
				logger.Info("checkpoint written", "series", st.Len())
			case <-c.done:
				return
			}
		}
	}()
}

// Stop stops periodic checkpointing.
func (c *Checkpoint) Stop() {
	close(c.done)
	c.wg.Wait()
}

// Close releases the database and compressor.
func (c *Checkpoint) Close() error {
	c.compressor.close()
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func checkpointKey(fp uint64) []byte {
	buf := new(bytes.Buffer)
	buf.Write(checkpointPrefix)
	binary.Write(buf, binary.BigEndian, fp)
	return buf.Bytes()
}

func parseCheckpointKey(key []byte) (uint64, bool) {
	if len(key) != len(checkpointPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(checkpointPrefix):]), true
}
