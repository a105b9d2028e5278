package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mediator/internal/domain"
)

// indexFileName and intentMapFileName are the two files the store keeps
// under its directory: a binary vector blob and a JSON fingerprint->Intent
// snapshot carrying the tie-break metadata (offered fee, timestamp) each
// vector needs on reload. Both are written atomically (temp file in the
// same directory, fsync, rename) so a crash mid-write never leaves a
// corrupt file behind; the prior file simply survives untouched.
const (
	indexFileName     = "index.bin"
	intentMapFileName = "intent-map.json"
)

// Store is a non-authoritative warm-restart cache for an Index: the ledger
// remains the source of truth for which intents are pending, but rebuilding
// every embedding from the provider on every restart is wasteful and, for
// paid providers, costs real money. cmd/mediatord loads a prior snapshot
// through Store before the first ingest tick, and the orchestrator saves one
// on shutdown.
type Store struct {
	dir string
}

// OpenStore creates dir (if absent) and returns a Store rooted there. The
// directory is expected to be "vectors" under the configured data
// directory, matching the documented persisted-state layout.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorindex: create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op; Store holds no open handles between calls.
func (s *Store) Close() error { return nil }

// writeAtomic writes data to name under s.dir via create-temp, write,
// fsync, close, rename, so a reader never observes a partially written
// file.
func (s *Store) writeAtomic(name string, write func(w *bufio.Writer) error) error {
	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("vectorindex: create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	buffered := bufio.NewWriter(tmp)
	if err := write(buffered); err != nil {
		cleanup()
		return fmt.Errorf("vectorindex: write %s: %w", name, err)
	}
	if err := buffered.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("vectorindex: flush %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("vectorindex: fsync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: rename into place %s: %w", name, err)
	}
	return nil
}

// Save persists every live embedding from idx as index.bin (fingerprint,
// dimension, float32 vector, each length-prefixed) and the corresponding
// intent-map.json (fingerprint -> Intent, supplying the tie-break metadata
// Load needs to reconstruct each entry). Each file is replaced by its own
// atomic write, index.bin first; a crash between the two can leave the new
// index.bin beside the previous intent-map.json, which Load tolerates.
func (s *Store) Save(idx *Index, intents map[string]*domain.Intent) error {
	embeddings := idx.Snapshot()

	if err := s.writeAtomic(indexFileName, func(w *bufio.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(embeddings))); err != nil {
			return err
		}
		for _, emb := range embeddings {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(emb.Fingerprint))); err != nil {
				return err
			}
			if _, err := w.WriteString(emb.Fingerprint); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(len(emb.Vector))); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, emb.Vector); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	snapshot := make(map[string]*domain.Intent, len(embeddings))
	for _, emb := range embeddings {
		if intent, ok := intents[emb.Fingerprint]; ok {
			snapshot[emb.Fingerprint] = intent
		}
	}
	return s.writeAtomic(intentMapFileName, func(w *bufio.Writer) error {
		return json.NewEncoder(w).Encode(snapshot)
	})
}

// Load rehydrates idx from index.bin and intent-map.json, skipping any
// embedding whose dimension no longer matches idx (e.g. after an embedding
// model migration changed the configured dimension). An embedding whose
// fingerprint is missing from the intent map is still loaded, with zero
// offered fee and timestamp. Returns the number of vectors loaded.
func (s *Store) Load(idx *Index) (int, error) {
	intentMapPath := filepath.Join(s.dir, intentMapFileName)
	intentMapRaw, err := os.ReadFile(intentMapPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("vectorindex: read %s: %w", intentMapFileName, err)
	}
	intentMap := make(map[string]*domain.Intent)
	if len(intentMapRaw) > 0 {
		if err := json.Unmarshal(intentMapRaw, &intentMap); err != nil {
			return 0, fmt.Errorf("vectorindex: decode %s: %w", intentMapFileName, err)
		}
	}

	indexPath := filepath.Join(s.dir, indexFileName)
	f, err := os.Open(indexPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("vectorindex: open %s: %w", indexFileName, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, fmt.Errorf("vectorindex: read %s header: %w", indexFileName, err)
	}

	loaded := 0
	for n := uint32(0); n < count; n++ {
		var fpLen uint32
		if err := binary.Read(r, binary.LittleEndian, &fpLen); err != nil {
			return loaded, fmt.Errorf("vectorindex: read fingerprint length: %w", err)
		}
		fpBytes := make([]byte, fpLen)
		if _, err := io.ReadFull(r, fpBytes); err != nil {
			return loaded, fmt.Errorf("vectorindex: read fingerprint: %w", err)
		}
		fingerprint := string(fpBytes)

		var vecLen uint32
		if err := binary.Read(r, binary.LittleEndian, &vecLen); err != nil {
			return loaded, fmt.Errorf("vectorindex: read vector length: %w", err)
		}
		vector := make([]float32, vecLen)
		if err := binary.Read(r, binary.LittleEndian, vector); err != nil {
			return loaded, fmt.Errorf("vectorindex: read vector: %w", err)
		}

		intent := intentMap[fingerprint]
		if err := idx.Upsert(fingerprint, vector, intent); err != nil {
			var mismatch ErrDimensionMismatch
			if errors.As(err, &mismatch) {
				continue
			}
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}
